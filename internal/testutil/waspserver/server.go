// Package waspserver is an in-memory WASP server for tests. It keeps record
// chains, stored files, schemas, views and actions in memory and records
// every request it receives.
package waspserver

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	jsonx "wasp/internal/shared/json"
)

// ActionFunc runs a registered action with its decoded form parameters and
// returns the HTTP status and the JSON result.
type ActionFunc func(params map[string]any) (int, any)

// Part is one part of a recorded multipart request.
type Part struct {
	Name        string
	FileName    string
	ContentType string
	Data        []byte
}

// IsFile reports whether the part was sent as a binary part.
func (p Part) IsFile() bool {
	return p.FileName != "" || p.ContentType == "application/octet-stream"
}

// Request is a recorded request.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
	Parts  []Part
}

// Field returns the value of the first non-file part named name.
func (r Request) Field(name string) (string, bool) {
	for _, part := range r.Parts {
		if part.Name == name && !part.IsFile() {
			return string(part.Data), true
		}
	}
	return "", false
}

// PartNames lists the names of all multipart parts in order.
func (r Request) PartNames() []string {
	names := make([]string, len(r.Parts))
	for i, part := range r.Parts {
		names[i] = part.Name
	}
	return names
}

type storedFile struct {
	name string
	data []byte
}

type chain struct {
	id       string
	versions []map[string]any
}

func (c *chain) latest() map[string]any {
	return c.versions[len(c.versions)-1]
}

// Server is a fake WASP deployment.
type Server struct {
	URL string

	mu          sync.Mutex
	httpServer  *httptest.Server
	collections map[string][]*chain
	files       map[string]storedFile
	schemas     map[string]map[string]any
	views       map[string]map[string]any
	actions     map[string]ActionFunc
	requests    []Request
	failures    []int
	legacyOnly  bool
	nextID      int
}

// New starts a server that is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := NewUnstarted()
	s.httpServer = httptest.NewServer(s.Handler())
	s.URL = s.httpServer.URL
	t.Cleanup(s.Close)
	return s
}

// NewUnstarted builds a server without listening, for use behind a caller's
// own listener via Handler.
func NewUnstarted() *Server {
	return &Server{
		collections: map[string][]*chain{},
		files:       map[string]storedFile{},
		schemas:     map[string]map[string]any{},
		views:       map[string]map[string]any{},
		actions:     map[string]ActionFunc{},
	}
}

// Handler returns the gin engine serving the WASP API.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.recordRequest, s.injectFailure)

	tools := engine.Group("/tools/:collection")
	{
		tools.POST("/records", s.handleCreate)
		tools.GET("/records", s.handleFind(false))
		tools.GET("/records/latest", s.handleFind(true))
		tools.GET("/records/:id", s.handleGet)
		tools.PUT("/records/:id/update", s.handleUpdate)
		tools.PUT("/records/:id/set_immutable", s.handleSetMutability(false))
		tools.PUT("/records/:id/set_mutable", s.handleSetMutability(true))
		tools.PUT("/records/:id/meta", s.handleMeta)
		tools.GET("/records/:id/history", s.handleHistory)
		tools.GET("/tags/:tag/values", s.handleTagValues)
	}
	engine.GET("/system/tools/:collection/tags_object", s.handleTagsObject)
	engine.GET("/system/view_config/:collection/:view", s.handleViewConfig)
	engine.GET("/file/:id", s.handleFile)
	engine.POST("/actions/services/:action", s.handleAction)
	engine.POST("/utils/safeDeleteRecords", s.handleSafeDelete)
	return engine
}

// Close stops the listener.
func (s *Server) Close() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// SetLegacyOnly makes create and meta writes reject conduit_json with 404,
// like servers that only understand the bracket form encoding.
func (s *Server) SetLegacyOnly(legacy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyOnly = legacy
}

// FailNext answers the next n requests with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, status)
	}
}

// AddFile stores a file and returns its id.
func (s *Server) AddFile(name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFileLocked(name, data)
}

// FileData returns the content of a stored file.
func (s *Server) FileData(id string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	return file.data, file.name, ok
}

// SetSchema sets the tags_object answer of a collection.
func (s *Server) SetSchema(collection string, tags map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[collection] = tags
}

// SetView sets a view_config answer.
func (s *Server) SetView(collection, view string, config map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[collection+"/"+view] = config
}

// RegisterAction makes an action callable through actions/services.
func (s *Server) RegisterAction(name string, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[name] = fn
}

// Latest returns a copy of the newest version of a record.
func (s *Server) Latest(collection, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chainLocked(collection, id)
	if c == nil {
		return nil, false
	}
	return copyRecord(c.latest()), true
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts requests with method whose path ends with suffix.
func (s *Server) CountRequests(method, suffix string) int {
	count := 0
	for _, req := range s.Requests() {
		if req.Method == method && strings.HasSuffix(req.Path, suffix) {
			count++
		}
	}
	return count
}

func (s *Server) recordRequest(c *gin.Context) {
	body, _ := io.ReadAll(c.Request.Body)
	_ = c.Request.Body.Close()
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	req := Request{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Query:  c.Request.URL.RawQuery,
		Header: c.Request.Header.Clone(),
		Body:   body,
	}
	if mediaType, params, err := mime.ParseMediaType(c.GetHeader("Content-Type")); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		parts, err := readParts(body, params["boundary"])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.Parts = parts
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	c.Set("request", req)
	c.Next()
}

func (s *Server) injectFailure(c *gin.Context) {
	s.mu.Lock()
	status := 0
	if len(s.failures) > 0 {
		status, s.failures = s.failures[0], s.failures[1:]
	}
	s.mu.Unlock()
	if status != 0 {
		c.AbortWithStatusJSON(status, gin.H{"error": "injected failure"})
		return
	}
	c.Next()
}

func readParts(body []byte, boundary string) ([]Part, error) {
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []Part
	for {
		p, err := reader.NextPart()
		if err == io.EOF {
			return parts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart: %w", err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("read part %q: %w", p.FormName(), err)
		}
		parts = append(parts, Part{
			Name:        p.FormName(),
			FileName:    p.FileName(),
			ContentType: p.Header.Get("Content-Type"),
			Data:        data,
		})
	}
}

func requestOf(c *gin.Context) Request {
	value, _ := c.Get("request")
	req, _ := value.(Request)
	return req
}

func writeJSON(c *gin.Context, status int, v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Data(status, "application/json", data)
}

func writeError(c *gin.Context, status int, format string, args ...any) {
	c.String(status, format, args...)
}

func (s *Server) newIDLocked() string {
	s.nextID++
	return fmt.Sprintf("%024x", s.nextID)
}

func (s *Server) storeFileLocked(name string, data []byte) string {
	id := s.newIDLocked()
	s.files[id] = storedFile{name: name, data: append([]byte(nil), data...)}
	return id
}

func (s *Server) chainLocked(collection, id string) *chain {
	for _, c := range s.collections[collection] {
		if c.id == id {
			return c
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func copyRecord(record map[string]any) map[string]any {
	data, err := jsonx.Marshal(record)
	if err != nil {
		panic(err)
	}
	var out map[string]any
	if err := jsonx.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}
