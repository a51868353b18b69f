package codec

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	jsonx "wasp/internal/shared/json"
)

// File is a binary value carried as a separate multipart part.
type File interface {
	Name() string
	// FileID is the server id, or "" for content not uploaded yet.
	FileID() string
	// Rewind positions the content at its start and returns it.
	Rewind() (io.Reader, error)
}

// Reference is a pointer to another record.
type Reference interface {
	Entry() map[string]any
}

// Part is one binary part of a write.
type Part struct {
	Field string
	File  File
}

// Field is one plain form value.
type Field struct {
	Name  string
	Value string
}

// Document is a record packed as one JSON document plus its binary parts.
type Document struct {
	JSON  []byte
	Parts []Part
}

// Namer produces the synthetic field name of a binary part.
type Namer func() string

// UUIDNamer names parts with random UUIDs.
func UUIDNamer() string {
	return uuid.NewString()
}

// ErrLocalFileInQuery reports a file that has no server id used as a filter.
var ErrLocalFileInQuery = errors.New("only files stored on the server can be used in a query")

// EncodeDocument replaces files with conduit_file placeholders and references
// with their wire entry, then serializes the result. Typed containers are
// walked like generic ones. A file that appears more than once is sent as a
// single part.
func EncodeDocument(record map[string]any, namer Namer) (Document, error) {
	if namer == nil {
		namer = UUIDNamer
	}
	enc := &documentEncoder{namer: namer, seen: map[any]string{}}
	tree := enc.encode(GenericMap(record))
	data, err := jsonx.Marshal(tree)
	if err != nil {
		return Document{}, fmt.Errorf("encode record: %w", err)
	}
	return Document{JSON: data, Parts: enc.parts}, nil
}

// EncodeList serializes a list of tag names, as sent with conduit_remove.
func EncodeList(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return jsonx.Marshal(values)
}

type documentEncoder struct {
	namer Namer
	seen  map[any]string
	parts []Part
}

func (e *documentEncoder) encode(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			out[key] = e.encode(child)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = e.encode(child)
		}
		return out
	case File:
		return map[string]any{TypeKey: TypeConduitFile, KeyName: e.partName(value)}
	case Reference:
		return value.Entry()
	default:
		return v
	}
}

func (e *documentEncoder) partName(f File) string {
	hashable := reflect.TypeOf(f).Comparable()
	if hashable {
		if name, ok := e.seen[f]; ok {
			return name
		}
	}
	name := e.namer()
	if hashable {
		e.seen[f] = name
	}
	e.parts = append(e.parts, Part{Field: name, File: f})
	return name
}

// FlattenQuery flattens nested filters into dotted keys. Lists are joined
// with commas; references contribute their wire entry; files filter by id.
func FlattenQuery(spec map[string]any) (url.Values, error) {
	values := url.Values{}
	if err := flattenQuery(GenericMap(spec), "", values); err != nil {
		return nil, err
	}
	return values, nil
}

func flattenQuery(m map[string]any, prefix string, out url.Values) error {
	for key, v := range m {
		name := prefix + key
		switch value := v.(type) {
		case map[string]any:
			if err := flattenQuery(value, name+".", out); err != nil {
				return err
			}
		case Reference:
			if err := flattenQuery(value.Entry(), name+".", out); err != nil {
				return err
			}
		case File:
			if value.FileID() == "" {
				return fmt.Errorf("%w: %s", ErrLocalFileInQuery, name)
			}
			out.Set(name, value.FileID())
		case []any:
			parts := make([]string, len(value))
			for i, item := range value {
				if file, ok := item.(File); ok && file.FileID() == "" {
					return fmt.Errorf("%w: %s", ErrLocalFileInQuery, name)
				}
				parts[i] = scalarString(item)
			}
			out.Set(name, strings.Join(parts, ","))
		default:
			out.Set(name, scalarString(value))
		}
	}
	return nil
}

// FlattenForm encodes a record in bracket form: a, a[b], a[b][c]. Files
// become parts named by their key; references are expanded to their wire
// entry. List elements repeat the key, except mappings, which are indexed
// as a[0][b]. Fields are sorted by name.
func FlattenForm(record map[string]any) ([]Field, []Part) {
	var (
		fields []Field
		parts  []Part
	)
	flattenForm(GenericMap(record), "", &fields, &parts)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Field < parts[j].Field })
	return fields, parts
}

func flattenForm(m map[string]any, prefix string, fields *[]Field, parts *[]Part) {
	for key, v := range m {
		name := key
		if prefix != "" {
			name = prefix + "[" + key + "]"
		}
		switch value := v.(type) {
		case map[string]any:
			flattenForm(value, name, fields, parts)
		case Reference:
			flattenForm(value.Entry(), name, fields, parts)
		case File:
			*parts = append(*parts, Part{Field: name, File: value})
		case []any:
			for i, item := range value {
				switch element := item.(type) {
				case File:
					*parts = append(*parts, Part{Field: name, File: element})
				case map[string]any:
					flattenForm(element, name+"["+strconv.Itoa(i)+"]", fields, parts)
				case Reference:
					flattenForm(element.Entry(), name+"["+strconv.Itoa(i)+"]", fields, parts)
				default:
					*fields = append(*fields, Field{Name: name, Value: scalarString(element)})
				}
			}
		default:
			*fields = append(*fields, Field{Name: name, Value: scalarString(value)})
		}
	}
}

func scalarString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case int32:
		return strconv.FormatInt(int64(value), 10)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	case jsonx.Number:
		return string(value)
	case File:
		return value.FileID()
	case fmt.Stringer:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}
