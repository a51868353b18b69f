package codec

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	jsonx "wasp/internal/shared/json"
)

type stubFile struct {
	name    string
	id      string
	content string
}

func (f *stubFile) Name() string   { return f.name }
func (f *stubFile) FileID() string { return f.id }
func (f *stubFile) Rewind() (io.Reader, error) {
	return strings.NewReader(f.content), nil
}

type boundFile struct{ FilePlaceholder }
type boundRef struct{ ReferencePlaceholder }

type stubBinder struct{ files, refs int }

func (b *stubBinder) BindFile(p FilePlaceholder) any {
	b.files++
	return &boundFile{p}
}

func (b *stubBinder) BindReference(p ReferencePlaceholder) any {
	b.refs++
	return &boundRef{p}
}

func sequentialNamer() Namer {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("part%d", n)
	}
}

func TestParseRecognizesMarkers(t *testing.T) {
	node, err := Parse([]byte(`{
		"a": {"type": "mongo_file", "mongo_id": "f1", "name": "x.txt"},
		"b": [{"type": "mongo_reference", "mongo_collection": "c2", "mongo_id": "r1"}],
		"c": {"type": "something_else", "v": 1},
		"n": 3, "f": 1.5, "s": "str", "t": true, "z": null
	}`))
	require.NoError(t, err)

	mapping, ok := node.(Mapping)
	require.True(t, ok)
	require.Equal(t, FilePlaceholder{ID: "f1", Name: "x.txt"}, mapping["a"])
	require.Equal(t, Sequence{ReferencePlaceholder{Collection: "c2", ID: "r1"}}, mapping["b"])
	require.IsType(t, Mapping{}, mapping["c"])
	require.Equal(t, Primitive{Value: int64(3)}, mapping["n"])
	require.Equal(t, Primitive{Value: 1.5}, mapping["f"])
	require.Equal(t, Primitive{Value: "str"}, mapping["s"])
	require.Equal(t, Primitive{Value: true}, mapping["t"])
	require.Equal(t, Primitive{Value: nil}, mapping["z"])
}

func TestDecodeBindsPlaceholders(t *testing.T) {
	binder := &stubBinder{}
	value, err := Decode([]byte(`{"x": {"y": {"type": "mongo_file", "mongo_id": "f", "name": "n"}},
		"r": {"type": "mongo_reference", "mongo_collection": "c", "mongo_id": "i"}}`), binder)
	require.NoError(t, err)

	record := value.(map[string]any)
	file := record["x"].(map[string]any)["y"].(*boundFile)
	require.Equal(t, "f", file.ID)
	ref := record["r"].(*boundRef)
	require.Equal(t, "c", ref.Collection)
	require.Equal(t, 1, binder.files)
	require.Equal(t, 1, binder.refs)
}

func TestDecodeValueIsIdempotent(t *testing.T) {
	binder := &stubBinder{}
	raw := map[string]any{
		"f":    map[string]any{"type": "mongo_file", "mongo_id": "f", "name": "n"},
		"list": []any{map[string]any{"type": "mongo_reference", "mongo_collection": "c", "mongo_id": "i"}},
		"keep": map[string]any{"type": "custom", "v": "x"},
	}

	once := DecodeValue(raw, binder)
	twice := DecodeValue(once, binder)

	require.Equal(t, once, twice)
	require.Equal(t, 1, binder.files)
	require.Equal(t, 1, binder.refs)
	require.Equal(t, map[string]any{"type": "custom", "v": "x"}, twice.(map[string]any)["keep"])
}

func TestDecodeValueConvertsNumbers(t *testing.T) {
	out := DecodeValue(map[string]any{"i": jsonx.Number("42"), "f": jsonx.Number("2.5")}, nil).(map[string]any)
	if out["i"] != int64(42) {
		t.Fatalf("expected int64 42, got %#v", out["i"])
	}
	if out["f"] != 2.5 {
		t.Fatalf("expected 2.5, got %#v", out["f"])
	}
}

func TestEncodeDocumentExtractsFiles(t *testing.T) {
	file := &stubFile{name: "a.txt", content: "hello"}
	record := map[string]any{
		"name":  "sample",
		"count": 2,
		"data":  file,
		"nested": map[string]any{
			"again": file,
			"other": &stubFile{name: "b.bin", content: "x"},
			"ref":   ReferencePlaceholder{Collection: "c2", ID: "r9"},
		},
	}

	doc, err := EncodeDocument(record, sequentialNamer())
	require.NoError(t, err)
	require.Len(t, doc.Parts, 2)

	var decoded map[string]any
	require.NoError(t, jsonx.Unmarshal(doc.JSON, &decoded))
	require.Equal(t, "sample", decoded["name"])

	data := decoded["data"].(map[string]any)
	require.Equal(t, TypeConduitFile, data["type"])
	nested := decoded["nested"].(map[string]any)
	require.Equal(t, data["name"], nested["again"].(map[string]any)["name"])
	require.Equal(t, map[string]any{
		"type":             "mongo_reference",
		"mongo_collection": "c2",
		"mongo_id":         "r9",
	}, nested["ref"])

	names := map[string]bool{}
	for _, part := range doc.Parts {
		names[part.Field] = true
	}
	require.True(t, names[data["name"].(string)])
}

func TestEncodeDocumentDoesNotMutateInput(t *testing.T) {
	file := &stubFile{name: "a"}
	record := map[string]any{"f": file, "m": map[string]any{"g": file}}
	_, err := EncodeDocument(record, nil)
	require.NoError(t, err)
	require.Same(t, file, record["f"])
	require.Same(t, file, record["m"].(map[string]any)["g"])
}

func TestFlattenQuery(t *testing.T) {
	values, err := FlattenQuery(map[string]any{
		"name":   "x",
		"tags":   []any{"a", "b"},
		"nested": map[string]any{"deep": map[string]any{"v": 3}, "ok": true},
		"file":   &stubFile{id: "f1"},
		"ref":    ReferencePlaceholder{Collection: "c", ID: "i"},
	})
	require.NoError(t, err)
	require.Equal(t, "x", values.Get("name"))
	require.Equal(t, "a,b", values.Get("tags"))
	require.Equal(t, "3", values.Get("nested.deep.v"))
	require.Equal(t, "true", values.Get("nested.ok"))
	require.Equal(t, "f1", values.Get("file"))
	require.Equal(t, "c", values.Get("ref.mongo_collection"))
	require.Equal(t, "i", values.Get("ref.mongo_id"))
}

func TestFlattenQueryRejectsLocalFiles(t *testing.T) {
	_, err := FlattenQuery(map[string]any{"file": &stubFile{name: "local"}})
	require.ErrorIs(t, err, ErrLocalFileInQuery)
}

func TestFlattenForm(t *testing.T) {
	file := &stubFile{name: "a.txt"}
	fields, parts := FlattenForm(map[string]any{
		"a": "1",
		"b": map[string]any{"c": map[string]any{"d": false}, "f": file},
		"r": ReferencePlaceholder{Collection: "c", ID: "i"},
	})

	got := map[string]string{}
	for _, field := range fields {
		got[field.Name] = field.Value
	}
	require.Equal(t, map[string]string{
		"a":                   "1",
		"b[c][d]":             "false",
		"r[type]":             "mongo_reference",
		"r[mongo_collection]": "c",
		"r[mongo_id]":         "i",
	}, got)
	require.Equal(t, []Part{{Field: "b[f]", File: file}}, parts)
}

type row map[string]any

func TestEncodeDocumentWalksTypedContainers(t *testing.T) {
	listed := &stubFile{name: "listed.txt"}
	inRow := &stubFile{name: "row.txt"}
	inNamed := &stubFile{name: "named.txt"}
	record := map[string]any{
		"attachments": []*stubFile{listed},
		"rows":        []map[string]any{{"file": inRow, "n": 1}},
		"named":       []row{{"file": inNamed}},
		"byName":      map[string]*stubFile{"x": listed},
		"labels":      []string{"a", "b"},
	}

	doc, err := EncodeDocument(record, sequentialNamer())
	require.NoError(t, err)
	require.Len(t, doc.Parts, 3)

	var decoded map[string]any
	require.NoError(t, jsonx.Unmarshal(doc.JSON, &decoded))
	attachment := decoded["attachments"].([]any)[0].(map[string]any)
	require.Equal(t, TypeConduitFile, attachment["type"])
	rowFile := decoded["rows"].([]any)[0].(map[string]any)["file"].(map[string]any)
	require.Equal(t, TypeConduitFile, rowFile["type"])
	namedFile := decoded["named"].([]any)[0].(map[string]any)["file"].(map[string]any)
	require.Equal(t, TypeConduitFile, namedFile["type"])
	require.Equal(t, attachment["name"], decoded["byName"].(map[string]any)["x"].(map[string]any)["name"])
	require.Equal(t, []any{"a", "b"}, decoded["labels"])

	files := map[File]bool{}
	for _, part := range doc.Parts {
		files[part.File] = true
	}
	require.True(t, files[listed])
	require.True(t, files[inRow])
	require.True(t, files[inNamed])
}

func TestGenericKeepsLeaves(t *testing.T) {
	file := &stubFile{name: "a"}
	var missing *stubFile
	require.Same(t, file, Generic(file))
	require.Nil(t, Generic(missing))
	require.Equal(t, []byte("raw"), Generic([]byte("raw")))
	require.Equal(t, ReferencePlaceholder{Collection: "c", ID: "i"}, Generic(ReferencePlaceholder{Collection: "c", ID: "i"}))
	require.Equal(t, map[string]any{"k": []any{int64(1)}}, Generic(map[string][]int64{"k": {1}}))
}

func TestFlattenFormWalksTypedContainers(t *testing.T) {
	first := &stubFile{name: "1.txt"}
	second := &stubFile{name: "2.txt"}
	fields, parts := FlattenForm(map[string]any{
		"files": []*stubFile{first},
		"rows":  []map[string]any{{"f": second, "n": 2}},
		"tags":  []string{"x", "y"},
	})

	require.Equal(t, []Part{{Field: "files", File: first}, {Field: "rows[0][f]", File: second}}, parts)
	require.Equal(t, []Field{
		{Name: "rows[0][n]", Value: "2"},
		{Name: "tags", Value: "x"},
		{Name: "tags", Value: "y"},
	}, fields)
}

func TestFlattenQueryTypedLists(t *testing.T) {
	values, err := FlattenQuery(map[string]any{"color": []string{"red", "blue"}})
	require.NoError(t, err)
	require.Equal(t, "red,blue", values.Get("color"))

	_, err = FlattenQuery(map[string]any{"files": []*stubFile{{name: "local"}}})
	require.ErrorIs(t, err, ErrLocalFileInQuery)
}
