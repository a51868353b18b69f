package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	waspErrors "wasp/internal/errors"
	"wasp/internal/observability"
	"wasp/internal/utils/id"
)

func fastRetry(attempts int) waspErrors.RetryConfig {
	return waspErrors.RetryConfig{MaxAttempts: attempts, Delay: time.Millisecond}
}

func statusServer(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, http.StatusText(status))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDoFailsOverWithinOneSweep(t *testing.T) {
	t.Parallel()

	var firstHits, secondHits atomic.Int32
	first := statusServer(t, http.StatusBadGateway, &firstHits)
	second := statusServer(t, http.StatusOK, &secondHits)

	d := New(Options{
		Endpoints: Endpoints{Download: []string{first.URL, second.URL}},
		Retry:     fastRetry(4),
	})
	resp, err := d.Do(context.Background(), Request{Path: []string{"tools", "c", "records"}})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, firstHits.Load())
	require.EqualValues(t, 1, secondHits.Load())
}

func TestDoReturnsTransportErrorAfterExhaustion(t *testing.T) {
	t.Parallel()

	var hitsA, hitsB atomic.Int32
	a := statusServer(t, http.StatusInternalServerError, &hitsA)
	b := statusServer(t, http.StatusServiceUnavailable, &hitsB)

	d := New(Options{
		Endpoints: Endpoints{Download: []string{a.URL, b.URL}},
		Retry:     fastRetry(3),
	})
	_, err := d.Do(context.Background(), Request{Path: []string{"x"}})
	require.Error(t, err)

	var transportErr *waspErrors.TransportError
	require.True(t, errors.As(err, &transportErr), "expected TransportError, got %T", err)
	require.Equal(t, 3, transportErr.Attempts)
	require.Equal(t, http.StatusServiceUnavailable, transportErr.StatusCode())
	require.Equal(t, "Service Unavailable", transportErr.Body())
	require.EqualValues(t, 3, hitsA.Load())
	require.EqualValues(t, 3, hitsB.Load())
}

func TestDoNotFoundFailsFast(t *testing.T) {
	t.Parallel()

	var hitsA, hitsB atomic.Int32
	a := statusServer(t, http.StatusNotFound, &hitsA)
	b := statusServer(t, http.StatusOK, &hitsB)

	d := New(Options{
		Endpoints: Endpoints{Download: []string{a.URL, b.URL}},
		Retry:     fastRetry(4),
	})
	_, err := d.Do(context.Background(), Request{
		Path:     []string{"tools", "c", "records", "id1"},
		Classify: NotFound("tools/c/records/id1"),
	})

	var notFound *waspErrors.RecordNotFoundError
	require.True(t, errors.As(err, &notFound), "expected RecordNotFoundError, got %v", err)
	require.Equal(t, "tools/c/records/id1", notFound.Path)
	require.EqualValues(t, 1, hitsA.Load())
	require.EqualValues(t, 0, hitsB.Load())
}

func TestDoWithoutEndpointsIsConfigurationError(t *testing.T) {
	t.Parallel()

	d := New(Options{Endpoints: Endpoints{Upload: []string{"http://upload.invalid"}}})
	_, err := d.Do(context.Background(), Request{Path: []string{"x"}})

	var cfgErr *waspErrors.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cfgErr.Direction != waspErrors.DirectionDownload {
		t.Fatalf("unexpected direction %q", cfgErr.Direction)
	}
}

func TestUploadFallsBackToDownloadEndpoints(t *testing.T) {
	t.Parallel()

	d := New(Options{Endpoints: Endpoints{Download: []string{"localhost:8080", " "}}})
	got := d.Endpoints(waspErrors.DirectionUpload)
	if len(got) != 1 || got[0] != "http://localhost:8080" {
		t.Fatalf("unexpected upload endpoints %v", got)
	}
	if d.PublicURL() != "http://localhost:8080" {
		t.Fatalf("unexpected public url %q", d.PublicURL())
	}
}

func TestWritesReuseIdempotencyKeyAcrossAttempts(t *testing.T) {
	t.Parallel()

	var (
		mu           sync.Mutex
		keys         []string
		requestIDs   []string
		correlations []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(IdempotencyKeyHeader))
		requestIDs = append(requestIDs, r.Header.Get(RequestIDHeader))
		correlations = append(correlations, r.Header.Get(CorrelationIDHeader))
		n := len(keys)
		mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"a":1}` {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	body, err := JSONBody(map[string]int{"a": 1})
	require.NoError(t, err)

	d := New(Options{Endpoints: Endpoints{Download: []string{srv.URL}}, Retry: fastRetry(4)})
	ctx := id.WithCorrelationID(context.Background(), "run-1")
	resp, err := d.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      []string{"utils", "safeDeleteRecords"},
		Body:      body,
		Direction: waspErrors.DirectionUpload,
	})
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 3)
	require.NotEmpty(t, keys[0])
	require.Equal(t, keys[0], keys[1])
	require.Equal(t, keys[0], keys[2])
	require.True(t, strings.HasPrefix(requestIDs[0], "req-"))
	require.Equal(t, requestIDs[0], requestIDs[2])
	require.Equal(t, []string{"run-1", "run-1", "run-1"}, correlations)
}

func TestRequestEditorsRun(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := New(Options{
		Endpoints: Endpoints{Download: []string{srv.URL}},
		Retry:     fastRetry(1),
		Editors: []RequestEditor{func(_ context.Context, req *http.Request) error {
			req.Header.Set("Authorization", "Bearer secret")
			return nil
		}},
	})
	resp, err := d.Do(context.Background(), Request{})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := statusServer(t, http.StatusBadGateway, &hits)

	d := New(Options{
		Endpoints: Endpoints{Download: []string{srv.URL}},
		Retry:     waspErrors.RetryConfig{MaxAttempts: 4, Delay: time.Hour},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Do(ctx, Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 1, hits.Load())
}

func TestMultipartBodyCarriesEmptyPartWithoutFiles(t *testing.T) {
	t.Parallel()

	var (
		names    []string
		document string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reader, err := r.MultipartReader()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(part)
			names = append(names, part.FormName())
			if part.FormName() == "conduit_json" {
				document = string(data)
			}
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	d := New(Options{Endpoints: Endpoints{Download: []string{srv.URL}}, Retry: fastRetry(1)})
	resp, err := d.Do(context.Background(), Request{
		Method:    http.MethodPost,
		Direction: waspErrors.DirectionUpload,
		Body: MultipartBody([]FormField{{
			Name:        "conduit_json",
			Value:       `{"name":"x"}`,
			ContentType: "application/json",
		}}, nil),
	})
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, `{"name":"x"}`, document)
	require.Equal(t, []string{"conduit_json", ""}, names)
}

func TestMultipartBodyRebuiltPerAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		file, _, err := r.FormFile("part1")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		if string(data) != "payload" || n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	body := MultipartBody(nil, []FilePart{{
		Field:    "part1",
		FileName: "a.txt",
		Open:     func() (io.Reader, error) { return strings.NewReader("payload"), nil },
	}})
	d := New(Options{Endpoints: Endpoints{Download: []string{srv.URL}}, Retry: fastRetry(2)})
	resp, err := d.Do(context.Background(), Request{Method: http.MethodPut, Body: body})
	require.NoError(t, err)
	resp.Body.Close()
	require.EqualValues(t, 2, calls.Load())
}

func TestDoRecordsMetricsAndSpans(t *testing.T) {
	t.Parallel()

	var hitsA, hitsB atomic.Int32
	a := statusServer(t, http.StatusBadGateway, &hitsA)
	b := statusServer(t, http.StatusOK, &hitsB)

	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewTransportMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	recorder := tracetest.NewSpanRecorder()
	tracer := observability.NewTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	d := New(Options{
		Endpoints: Endpoints{Download: []string{a.URL, b.URL}},
		Retry:     fastRetry(1),
		Metrics:   metrics,
		Tracer:    tracer,
	})
	resp, err := d.Do(context.Background(), Request{Path: []string{"tools", "c", "records"}})
	require.NoError(t, err)
	resp.Body.Close()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	counts := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					counts[m.Name] += dp.Value
				}
			}
		}
	}
	require.EqualValues(t, 2, counts["wasp.transport.endpoint_attempts"])
	require.EqualValues(t, 1, counts["wasp.transport.failovers"])
	require.EqualValues(t, 1, counts["wasp.transport.requests"])

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "wasp.get", spans[0].Name())
}

func TestJoinURLKeepsBasePathAndQuery(t *testing.T) {
	t.Parallel()

	got, err := JoinURL("http://host:1/api/?token=1", []string{"tools", "my coll", "records"}, url.Values{"a.b": {"x,y"}})
	require.NoError(t, err)

	parsed, err := url.Parse(got)
	require.NoError(t, err)
	require.Equal(t, "/api/tools/my%20coll/records", parsed.EscapedPath())
	require.Equal(t, "1", parsed.Query().Get("token"))
	require.Equal(t, "x,y", parsed.Query().Get("a.b"))
}

func TestImmutableClassifier(t *testing.T) {
	t.Parallel()

	classify := Immutable("p")
	for _, tc := range []struct {
		status int
		body   string
		want   bool
		stops  bool
	}{
		{http.StatusConflict, "", true, true},
		{http.StatusForbidden, "record r1 is immutable", true, true},
		{http.StatusForbidden, "invalid bearer token", false, true},
		{http.StatusBadRequest, "Record is IMMUTABLE", true, true},
		{http.StatusBadRequest, "bad tag", false, false},
		{http.StatusInternalServerError, "immutable", false, false},
	} {
		err := classify(tc.status, tc.body)
		var immutable *waspErrors.RecordImmutableError
		if got := errors.As(err, &immutable); got != tc.want {
			t.Fatalf("status %d body %q: got %v want %v", tc.status, tc.body, got, tc.want)
		}
		if stops := err != nil; stops != tc.stops {
			t.Fatalf("status %d body %q: stops %v want %v", tc.status, tc.body, stops, tc.stops)
		}
	}
}

func TestForbiddenUpdateIsNotReportedAsImmutable(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := statusServer(t, http.StatusForbidden, &hits)
	d := New(Options{Endpoints: Endpoints{Download: []string{srv.URL}}, Retry: fastRetry(3)})
	_, err := d.Do(context.Background(), Request{
		Method:    http.MethodPut,
		Path:      []string{"tools", "c", "records", "r1", "update"},
		Direction: waspErrors.DirectionUpload,
		Classify:  Chain(NotFound("tools/c/records/r1"), Immutable("tools/c/records/r1")),
	})

	var immutable *waspErrors.RecordImmutableError
	require.False(t, errors.As(err, &immutable), "unexpected immutable error: %v", err)
	var status *waspErrors.StatusError
	require.True(t, errors.As(err, &status), "unexpected error: %v", err)
	require.Equal(t, http.StatusForbidden, status.StatusCode)
	require.Equal(t, int32(1), hits.Load())
}
