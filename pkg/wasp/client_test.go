package wasp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"wasp/internal/config"
	"wasp/internal/httpclient"
	"wasp/internal/logging"
	"wasp/internal/testutil/waspserver"
)

func newTestClient(t *testing.T, srv *waspserver.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{WithServerURLs(srv.URL), WithRetry(2, 0), WithLogger(logging.Nop())}
	client, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func names(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record["name"].(string))
	}
	sort.Strings(out)
	return out
}

func TestAddRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	target, err := client.AddRecord(ctx, "samples", Record{"name": "target"})
	require.NoError(t, err)
	ref, err := NewReference(target, "samples")
	require.NoError(t, err)

	input := Record{
		"_id":        "ignored",
		"version":    99,
		"name":       "main",
		"count":      3,
		"ratio":      0.5,
		"ok":         true,
		"meta":       map[string]any{"lab": "north"},
		"attachment": NewFileFromBytes([]byte("hello"), "notes.txt"),
		"sample":     ref,
	}
	created, err := client.AddRecord(ctx, "runs", input)
	require.NoError(t, err)
	require.NotEqual(t, "ignored", RecordID(created))
	require.Equal(t, int64(1), RecordVersion(created))
	require.Equal(t, "ignored", input["_id"])

	got, err := client.FindRecordByID(ctx, "runs", RecordID(created))
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseRecord(got) })

	require.Equal(t, int64(3), got["count"])
	require.Equal(t, 0.5, got["ratio"])
	require.Equal(t, true, got["ok"])
	require.Equal(t, map[string]any{"lab": "north"}, got["meta"])

	file, ok := got["attachment"].(*FileValue)
	require.True(t, ok, "attachment should decode to *FileValue, got %T", got["attachment"])
	require.NotEmpty(t, file.FileID())
	require.Equal(t, "notes.txt", file.Name())
	content, err := io.ReadAll(file)
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))

	sample, ok := got["sample"].(*ReferenceValue)
	require.True(t, ok)
	require.Equal(t, RecordID(target), sample.ID())
	resolved, err := sample.Record(ctx)
	require.NoError(t, err)
	require.Equal(t, "target", resolved["name"])
}

func TestAddRecordMultipartLayout(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	_, err := client.AddRecord(ctx, "runs", Record{"name": "plain"})
	require.NoError(t, err)
	_, err = client.AddRecord(ctx, "runs", Record{"name": "with-file", "data": NewFileFromBytes([]byte("x"), "x.bin")})
	require.NoError(t, err)

	requests := srv.Requests()
	require.Len(t, requests, 2)

	require.Equal(t, []string{"conduit_json", ""}, requests[0].PartNames())
	require.NotEmpty(t, requests[0].Header.Get("Idempotency-Key"))

	withFile := requests[1]
	require.Len(t, withFile.Parts, 2)
	require.Equal(t, "conduit_json", withFile.Parts[0].Name)
	require.Equal(t, "application/json", withFile.Parts[0].ContentType)
	require.Equal(t, "x.bin", withFile.Parts[1].FileName)
	require.Equal(t, "application/octet-stream", withFile.Parts[1].ContentType)
}

func TestAddRecordFallsBackToFormEncoding(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	srv.SetLegacyOnly(true)
	client := newTestClient(t, srv)

	created, err := client.AddRecord(ctx, "runs", Record{
		"name":   "legacy",
		"nested": map[string]any{"k": "v"},
		"data":   NewFileFromBytes([]byte("payload"), "p.txt"),
	})
	require.NoError(t, err)
	require.Equal(t, "legacy", created["name"])
	require.Equal(t, map[string]any{"k": "v"}, created["nested"])
	require.IsType(t, &FileValue{}, created["data"])
	require.Equal(t, 2, srv.CountRequests(http.MethodPost, "/tools/runs/records"))

	legacy := srv.Requests()[1]
	_, hasDocument := legacy.Field("conduit_json")
	require.False(t, hasDocument)
	value, ok := legacy.Field("nested[k]")
	require.True(t, ok)
	require.Equal(t, "v", value)
}

func TestFindRecordsMatchesAnyListedValue(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	for _, rec := range []Record{
		{"name": "a", "color": "red", "meta": map[string]any{"lab": "north"}},
		{"name": "b", "color": "green", "meta": map[string]any{"lab": "south"}},
		{"name": "c", "color": "blue", "meta": map[string]any{"lab": "north"}},
	} {
		_, err := client.AddRecord(ctx, "samples", rec)
		require.NoError(t, err)
	}

	found, err := client.FindRecords(ctx, "samples", Record{"color": []any{"red", "blue"}}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, names(found))

	found, err = client.FindRecords(ctx, "samples", Record{"meta": map[string]any{"lab": "south"}}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, names(found))

	found, err = client.FindRecords(ctx, "samples", nil, true)
	require.NoError(t, err)
	require.Len(t, found, 3)
}

func TestFindRecordsLatestFiltersVersions(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	created, err := client.AddRecord(ctx, "samples", Record{"name": "x"})
	require.NoError(t, err)
	_, err = client.UpdateMutableRecord(ctx, "samples", RecordID(created), Record{"step": 2}, nil)
	require.NoError(t, err)

	all, err := client.FindRecords(ctx, "samples", Record{"name": "x"}, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	latest, err := client.FindRecords(ctx, "samples", Record{"name": "x"}, true)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, int64(2), RecordVersion(latest[0]))
}

func TestFindRecordByIDFailsFastOnMissingRecord(t *testing.T) {
	srv := waspserver.New(t)
	client := newTestClient(t, srv, WithRetry(4, 0))

	_, err := client.FindRecordByID(context.Background(), "samples", "missing")
	var notFound *RecordNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Len(t, srv.Requests(), 1)
}

func TestFailoverToSecondEndpoint(t *testing.T) {
	ctx := context.Background()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer dead.Close()
	srv := waspserver.New(t)

	seed := newTestClient(t, srv)
	created, err := seed.AddRecord(ctx, "samples", Record{"name": "x"})
	require.NoError(t, err)

	client, err := New(WithServerURLs(dead.URL, srv.URL), WithRetry(1, 0), WithLogger(logging.Nop()))
	require.NoError(t, err)
	got, err := client.FindRecordByID(ctx, "samples", RecordID(created))
	require.NoError(t, err)
	require.Equal(t, "x", got["name"])
}

func TestTransportErrorAfterRetries(t *testing.T) {
	srv := waspserver.New(t)
	srv.FailNext(10, http.StatusBadGateway)
	client := newTestClient(t, srv, WithRetry(3, 0))

	_, err := client.FindRecords(context.Background(), "samples", nil, true)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, 3, transportErr.Attempts)
	require.Equal(t, http.StatusBadGateway, transportErr.StatusCode())
	require.Len(t, srv.Requests(), 3)
}

func TestMissingEndpointsIsConfigurationError(t *testing.T) {
	client, err := New(WithLogger(logging.Nop()))
	require.NoError(t, err)

	_, err = client.FindRecords(context.Background(), "samples", nil, true)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestUpdateMutableRecord(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	created, err := client.AddRecord(ctx, "samples", Record{"a": 1, "b": 2})
	require.NoError(t, err)

	updated, err := client.UpdateMutableRecord(ctx, "samples", RecordID(created), Record{"a": 10, "c": 3}, []string{"b"})
	require.NoError(t, err)
	require.Equal(t, int64(2), RecordVersion(updated))
	require.Equal(t, int64(10), updated["a"])
	require.Equal(t, int64(3), updated["c"])
	require.NotContains(t, updated, "b")

	update := srv.Requests()[1]
	remove, ok := update.Field("conduit_remove")
	require.True(t, ok)
	require.JSONEq(t, `["b"]`, remove)
}

func TestUpdateImmutableRecordLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv, WithRetry(4, 0))

	created, err := client.AddRecord(ctx, "samples", Record{"name": "frozen", "conduit_mutable": false})
	require.NoError(t, err)

	_, err = client.UpdateMutableRecord(ctx, "samples", RecordID(created), Record{"name": "thawed"}, nil)
	var immutable *RecordImmutableError
	require.ErrorAs(t, err, &immutable)
	require.Equal(t, 1, srv.CountRequests(http.MethodPut, "/update"))

	again, err := client.FindRecordByID(ctx, "samples", RecordID(created))
	require.NoError(t, err)
	require.Equal(t, int64(1), RecordVersion(again))
	require.Equal(t, "frozen", again["name"])
}

func TestSetImmutableIsIdempotent(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	created, err := client.AddRecord(ctx, "samples", Record{"name": "x"})
	require.NoError(t, err)
	id := RecordID(created)

	first, err := client.SetImmutable(ctx, "samples", id)
	require.NoError(t, err)
	require.False(t, IsMutableRecord(first))

	second, err := client.SetImmutable(ctx, "samples", id)
	require.NoError(t, err)
	require.False(t, IsMutableRecord(second))
	require.Equal(t, 1, srv.CountRequests(http.MethodPut, "/set_immutable"))

	mutable, err := client.IsMutable(ctx, "samples", id)
	require.NoError(t, err)
	require.False(t, mutable)

	thawed, err := client.SetMutable(ctx, "samples", id)
	require.NoError(t, err)
	require.True(t, IsMutableRecord(thawed))
}

func TestIsMutableMissingRecord(t *testing.T) {
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	_, err := client.IsMutable(context.Background(), "samples", "nope")
	var notFound *RecordNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	created, err := client.AddRecord(ctx, "samples", Record{"name": "gone"})
	require.NoError(t, err)

	deleted, err := client.DeleteRecord(ctx, "samples", RecordID(created))
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = client.FindRecordByID(ctx, "samples", RecordID(created))
	var notFound *RecordNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteRecordWithoutDownloadEndpoint(t *testing.T) {
	srv := waspserver.New(t)
	recorder := &logging.Recorder{}
	client, err := New(WithUploadURLs(srv.URL), WithLogger(recorder))
	require.NoError(t, err)

	deleted, err := client.DeleteRecord(context.Background(), "samples", "id")
	require.NoError(t, err)
	require.False(t, deleted)
	require.Empty(t, srv.Requests())
	require.True(t, recorder.Contains("No download server url"))
}

func TestSetRecordMetadata(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	created, err := client.AddRecord(ctx, "samples", Record{
		"name":     "m",
		"reviewed": map[string]any{"type": "meta_data", "value": false},
	})
	require.NoError(t, err)

	updated, err := client.SetRecordMetadata(ctx, "samples", RecordID(created), Record{"reviewed": true})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"type": "meta_data", "value": true}, updated["reviewed"])
	require.Equal(t, int64(1), RecordVersion(updated))

	_, err = client.SetRecordMetadata(ctx, "samples", RecordID(created), Record{"name": "other"})
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusBadRequest, transportErr.StatusCode())
}

func TestGetRecordHistoryOrdersOldestFirst(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	created, err := client.AddRecord(ctx, "samples", Record{"step": 1})
	require.NoError(t, err)
	id := RecordID(created)
	for step := 2; step <= 3; step++ {
		_, err := client.UpdateMutableRecord(ctx, "samples", id, Record{"step": step}, nil)
		require.NoError(t, err)
	}

	history, err := client.GetRecordHistory(ctx, "samples", id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, record := range history {
		require.Equal(t, int64(i+1), RecordVersion(record))
		require.Equal(t, int64(i+1), record["step"])
	}
}

func TestSchemaAccessors(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	srv.SetSchema("samples", map[string]any{
		"name": map[string]any{"isKey": true, "isMandatory": true},
		"kind": map[string]any{"isKey": false, "isMandatory": true, "defaultValue": "a", "select": []any{"a", "b"}},
		"note": map[string]any{"isKey": false, "isMandatory": false},
	})
	info, err := client.GetSystemInfo(ctx, "samples")
	require.NoError(t, err)
	require.Equal(t, []string{"kind", "name", "note"}, info.Tags())
	require.Equal(t, []string{"name"}, info.KeyTags())
	require.Equal(t, []string{"kind", "name"}, info.MandatoryTags())

	def, err := info.DefaultValue("kind")
	require.NoError(t, err)
	require.Equal(t, "a", def)
	values, err := info.PossibleValues("kind")
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, values)
	_, err = info.DefaultValue("missing")
	require.ErrorIs(t, err, ErrUnknownTag)

	srv.SetView("samples", "default", map[string]any{
		"properties": []any{
			map[string]any{"name": "Name", "calculatePath": "name"},
			map[string]any{"name": "Lab", "calculatePath": "meta.lab"},
		},
	})
	view, err := client.GetViewInfo(ctx, "samples", "")
	require.NoError(t, err)
	require.Equal(t, []Column{{Name: "Name", CalculatePath: "name"}, {Name: "Lab", CalculatePath: "meta.lab"}}, view.Columns)

	for _, color := range []string{"red", "red", "blue"} {
		_, err := client.AddRecord(ctx, "samples", Record{"color": color})
		require.NoError(t, err)
	}
	tagValues, err := client.GetTagValues(ctx, "samples", "color")
	require.NoError(t, err)
	require.Equal(t, []any{"red", "blue"}, tagValues)
}

func TestRunAction(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv, WithRetry(4, 0))

	srv.RegisterAction("echo", func(params map[string]any) (int, any) {
		return http.StatusOK, params
	})
	srv.RegisterAction("accepted", func(map[string]any) (int, any) {
		return http.StatusCreated, map[string]any{}
	})
	srv.RegisterAction("crash", func(map[string]any) (int, any) {
		return http.StatusInternalServerError, map[string]any{"exit": 1}
	})

	result, err := client.RunAction(ctx, "echo", Record{"x": "1", "nested": map[string]any{"y": "2"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"x": "1", "nested": map[string]any{"y": "2"}}, result)

	cases := []struct {
		action string
		status int
	}{
		{action: "missing", status: http.StatusNotFound},
		{action: "accepted", status: http.StatusCreated},
		{action: "crash", status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		before := len(srv.Requests())
		_, err := client.RunAction(ctx, tc.action, nil)
		var failed *ActionFailedError
		require.ErrorAs(t, err, &failed, tc.action)
		require.Equal(t, tc.action, failed.Action)
		require.Equal(t, tc.status, failed.StatusCode, tc.action)
		require.Equal(t, before+1, len(srv.Requests()), "%s should not be retried", tc.action)
	}
}

func TestOpenAndDownload(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)
	id := srv.AddFile("report.csv", []byte("a,b\n1,2\n"))

	stream, err := client.Open(ctx, id)
	require.NoError(t, err)
	content, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.Equal(t, "report.csv", stream.Name)
	require.Equal(t, "a,b\n1,2\n", string(content))

	dir := t.TempDir()
	path, err := client.Download(ctx, id, dir, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "report.csv"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, data)

	path, err = client.Download(ctx, id, dir, "custom.bin")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "custom.bin"), path)

	_, err = client.Download(ctx, id, filepath.Join(dir, "missing"), "")
	var local *LocalResourceError
	require.ErrorAs(t, err, &local)

	_, err = client.Open(ctx, "nope")
	var notFound *RecordNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestNewFromConfig(t *testing.T) {
	srv := waspserver.New(t)
	client, err := NewFromConfig(config.Config{
		ServerURLs:         []string{srv.URL},
		ProxyMode:          "direct",
		RetryAttempts:      1,
		ReferenceCacheSize: 4,
		BearerToken:        "secret-token",
	}, WithLogger(logging.Nop()))
	require.NoError(t, err)

	_, err = client.FindRecords(context.Background(), "samples", nil, true)
	require.NoError(t, err)
	requests := srv.Requests()
	require.Len(t, requests, 1)
	require.Equal(t, "Bearer secret-token", requests[0].Header.Get("Authorization"))
	require.Empty(t, requests[0].Header.Get("Idempotency-Key"))
	require.Equal(t, srv.URL, client.PublicURL())
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := waspserver.New(t)
	srv.FailNext(10, http.StatusServiceUnavailable)
	client := newTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.FindRecords(ctx, "samples", nil, true)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
}

func TestOversizedResponseIsRejected(t *testing.T) {
	srv := waspserver.New(t)
	client := newTestClient(t, srv, WithMaxResponseBytes(64))
	ctx := context.Background()

	_, err := client.AddRecord(ctx, "samples", Record{"name": strings.Repeat("x", 200)})
	require.Error(t, err)
	require.True(t, httpclient.IsResponseTooLarge(err), "unexpected error: %v", err)
}

func TestAddRecordSendsFilesInTypedContainers(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	created, err := client.AddRecord(ctx, "runs", Record{
		"name":        "typed",
		"attachments": []*FileValue{NewFileFromBytes([]byte("one"), "one.txt")},
		"rows":        []Record{{"f": NewFileFromBytes([]byte("two"), "two.txt"), "_id": "drop-me"}},
	})
	require.NoError(t, err)

	got, err := client.FindRecordByID(ctx, "runs", RecordID(created))
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseRecord(got) })

	attachments := got["attachments"].([]any)
	require.Len(t, attachments, 1)
	first, ok := attachments[0].(*FileValue)
	require.True(t, ok, "attachment decoded as %T", attachments[0])
	require.Equal(t, "one.txt", first.Name())
	data, fileName, found := srv.FileData(first.FileID())
	require.True(t, found)
	require.Equal(t, "one.txt", fileName)
	require.Equal(t, []byte("one"), data)

	row := got["rows"].([]any)[0].(map[string]any)
	require.NotContains(t, row, "_id")
	second, ok := row["f"].(*FileValue)
	require.True(t, ok, "row file decoded as %T", row["f"])
	content, err := io.ReadAll(second)
	require.NoError(t, err)
	require.Equal(t, "two", string(content))
}

func TestAddRecordUploadsPartiallyReadStream(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	file := NewFileFromReader(io.MultiReader(strings.NewReader("header,body")), "stream.csv")
	defer file.Close()
	head := make([]byte, len("header"))
	_, err := io.ReadFull(file, head)
	require.NoError(t, err)

	created, err := client.AddRecord(ctx, "runs", Record{"data": file})
	require.NoError(t, err)

	got, err := client.FindRecordByID(ctx, "runs", RecordID(created))
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseRecord(got) })
	stored := got["data"].(*FileValue)
	data, _, found := srv.FileData(stored.FileID())
	require.True(t, found)
	require.Equal(t, "header,body", string(data))
}

func TestFindRecordByIDReturnsLatestVersion(t *testing.T) {
	ctx := context.Background()
	srv := waspserver.New(t)
	client := newTestClient(t, srv)

	created, err := client.AddRecord(ctx, "samples", Record{"step": 1})
	require.NoError(t, err)
	id := RecordID(created)
	for step := 2; step <= 3; step++ {
		_, err := client.UpdateMutableRecord(ctx, "samples", id, Record{"step": step}, nil)
		require.NoError(t, err)
	}

	got, err := client.FindRecordByID(ctx, "samples", id)
	require.NoError(t, err)
	require.Equal(t, int64(3), RecordVersion(got))
	require.Equal(t, int64(3), got["step"])
}
