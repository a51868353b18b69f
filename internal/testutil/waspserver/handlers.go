package waspserver

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	jsonx "wasp/internal/shared/json"
)

const (
	fieldDocument = "conduit_json"
	fieldUpdate   = "conduit_update"
	fieldRemove   = "conduit_remove"
	metaDataType  = "meta_data"
)

var errMissingPart = errors.New("file part missing")

func (s *Server) handleCreate(c *gin.Context) {
	req := requestOf(c)
	collection := c.Param("collection")

	s.mu.Lock()
	defer s.mu.Unlock()

	tags, status, err := s.readWriteLocked(req, fieldDocument)
	if err != nil {
		writeError(c, status, "%v", err)
		return
	}
	id := s.newIDLocked()
	tags["_id"] = id
	tags["version"] = 1
	tags["date"] = now()
	tags["unique_name"] = collection + id
	switch mutable := tags["conduit_mutable"].(type) {
	case bool:
	case string:
		tags["conduit_mutable"] = mutable != "false"
	default:
		tags["conduit_mutable"] = true
	}
	s.collections[collection] = append(s.collections[collection], &chain{id: id, versions: []map[string]any{tags}})
	writeJSON(c, http.StatusCreated, tags)
}

// readWriteLocked decodes a create or meta write from either the JSON
// document field or the bracket form encoding.
func (s *Server) readWriteLocked(req Request, field string) (map[string]any, int, error) {
	if doc, ok := req.Field(field); ok {
		if s.legacyOnly {
			return nil, http.StatusNotFound, errors.New("unknown field " + field)
		}
		tags, err := s.decodeDocumentLocked(req, doc)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		return tags, 0, nil
	}
	return s.decodeFormLocked(req), 0, nil
}

func (s *Server) decodeDocumentLocked(req Request, doc string) (map[string]any, error) {
	var tags map[string]any
	if err := jsonx.Unmarshal([]byte(doc), &tags); err != nil {
		return nil, err
	}
	if tags == nil {
		tags = map[string]any{}
	}
	resolved, err := s.resolveUploadsLocked(tags, req)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (s *Server) resolveUploadsLocked(v any, req Request) (any, error) {
	switch value := v.(type) {
	case map[string]any:
		if value["type"] == "conduit_file" {
			name, _ := value["name"].(string)
			for _, part := range req.Parts {
				if part.Name == name && part.IsFile() {
					id := s.storeFileLocked(part.FileName, part.Data)
					return map[string]any{"type": "mongo_file", "mongo_id": id, "name": part.FileName}, nil
				}
			}
			return nil, errMissingPart
		}
		for key, child := range value {
			resolved, err := s.resolveUploadsLocked(child, req)
			if err != nil {
				return nil, err
			}
			value[key] = resolved
		}
		return value, nil
	case []any:
		for i, child := range value {
			resolved, err := s.resolveUploadsLocked(child, req)
			if err != nil {
				return nil, err
			}
			value[i] = resolved
		}
		return value, nil
	default:
		return v, nil
	}
}

// decodeFormLocked rebuilds nested tags from a[b][c] field names. Repeated
// fields become lists; every value is a string.
func (s *Server) decodeFormLocked(req Request) map[string]any {
	tags := map[string]any{}
	for _, part := range req.Parts {
		if part.Name == "" {
			continue
		}
		keys := bracketKeys(part.Name)
		if part.IsFile() {
			id := s.storeFileLocked(part.FileName, part.Data)
			setNested(tags, keys, map[string]any{"type": "mongo_file", "mongo_id": id, "name": part.FileName}, false)
			continue
		}
		setNested(tags, keys, string(part.Data), true)
	}
	return tags
}

func bracketKeys(name string) []string {
	head, rest, found := strings.Cut(name, "[")
	keys := []string{head}
	if !found {
		return keys
	}
	for _, segment := range strings.Split(strings.TrimSuffix(rest, "]"), "][") {
		keys = append(keys, segment)
	}
	return keys
}

func setNested(tags map[string]any, keys []string, value any, appendRepeated bool) {
	node := tags
	for _, key := range keys[:len(keys)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}
	leaf := keys[len(keys)-1]
	existing, ok := node[leaf]
	if !ok || !appendRepeated {
		node[leaf] = value
		return
	}
	if list, isList := existing.([]any); isList {
		node[leaf] = append(list, value)
		return
	}
	node[leaf] = []any{existing, value}
}

func (s *Server) handleFind(latest bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := c.Request.URL.Query()
		s.mu.Lock()
		defer s.mu.Unlock()

		results := []any{}
		for _, ch := range s.collections[c.Param("collection")] {
			versions := ch.versions
			if latest {
				versions = versions[len(versions)-1:]
			}
			for _, version := range versions {
				if matches(version, query) {
					results = append(results, version)
				}
			}
		}
		writeJSON(c, http.StatusOK, results)
	}
}

func matches(record map[string]any, query url.Values) bool {
	for key, values := range query {
		if len(values) == 0 {
			continue
		}
		got, ok := lookupDotted(record, key)
		if !ok {
			return false
		}
		wanted := strings.Split(values[0], ",")
		if !anyMatch(got, wanted) {
			return false
		}
	}
	return true
}

func anyMatch(got any, wanted []string) bool {
	if list, ok := got.([]any); ok {
		for _, item := range list {
			if anyMatch(item, wanted) {
				return true
			}
		}
		return false
	}
	text := valueString(got)
	for _, want := range wanted {
		if text == want {
			return true
		}
	}
	return false
}

func lookupDotted(record map[string]any, key string) (any, bool) {
	var current any = record
	for _, segment := range strings.Split(key, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valueString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case map[string]any:
		if id, ok := value["mongo_id"].(string); ok {
			return id
		}
	}
	data, _ := jsonx.Marshal(v)
	return string(data)
}

func (s *Server) handleGet(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.chainLocked(c.Param("collection"), c.Param("id"))
	if ch == nil {
		writeError(c, http.StatusNotFound, "record %s not found", c.Param("id"))
		return
	}
	writeJSON(c, http.StatusOK, ch.latest())
}

func (s *Server) handleUpdate(c *gin.Context) {
	req := requestOf(c)
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.chainLocked(c.Param("collection"), c.Param("id"))
	if ch == nil {
		writeError(c, http.StatusNotFound, "record %s not found", c.Param("id"))
		return
	}
	current := ch.latest()
	if mutable, _ := current["conduit_mutable"].(bool); !mutable {
		writeError(c, http.StatusConflict, "record %s is immutable", ch.id)
		return
	}

	doc, ok := req.Field(fieldUpdate)
	if !ok {
		writeError(c, http.StatusBadRequest, "missing %s", fieldUpdate)
		return
	}
	update, err := s.decodeDocumentLocked(req, doc)
	if err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	var remove []string
	if raw, ok := req.Field(fieldRemove); ok {
		if err := jsonx.Unmarshal([]byte(raw), &remove); err != nil {
			writeError(c, http.StatusBadRequest, "bad %s: %v", fieldRemove, err)
			return
		}
	}

	next := copyRecord(current)
	for key, value := range update {
		next[key] = value
	}
	for _, key := range remove {
		delete(next, key)
	}
	next["version"] = versionOf(current) + 1
	next["date"] = now()
	ch.versions = append(ch.versions, next)
	writeJSON(c, http.StatusOK, next)
}

func versionOf(record map[string]any) int {
	switch v := record["version"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func (s *Server) handleSetMutability(mutable bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		ch := s.chainLocked(c.Param("collection"), c.Param("id"))
		if ch == nil {
			writeError(c, http.StatusNotFound, "record %s not found", c.Param("id"))
			return
		}
		current := ch.latest()
		current["conduit_mutable"] = mutable
		writeJSON(c, http.StatusOK, current)
	}
}

// handleMeta updates tags stored as {type: meta_data, value}. The new value
// may be sent raw or already wrapped.
func (s *Server) handleMeta(c *gin.Context) {
	req := requestOf(c)
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.chainLocked(c.Param("collection"), c.Param("id"))
	if ch == nil {
		writeError(c, http.StatusNotFound, "record %s not found", c.Param("id"))
		return
	}
	meta, status, err := s.readWriteLocked(req, fieldDocument)
	if err != nil {
		writeError(c, status, "%v", err)
		return
	}
	current := ch.latest()
	for key := range meta {
		entry, ok := current[key].(map[string]any)
		if !ok || entry["type"] != metaDataType {
			writeError(c, http.StatusBadRequest, "tag %q is not a metadata tag", key)
			return
		}
	}
	for key, value := range meta {
		if wrapped, ok := value.(map[string]any); ok && wrapped["type"] == metaDataType {
			value = wrapped["value"]
		}
		current[key].(map[string]any)["value"] = value
	}
	writeJSON(c, http.StatusOK, current)
}

func (s *Server) handleHistory(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.chainLocked(c.Param("collection"), c.Param("id"))
	if ch == nil {
		writeError(c, http.StatusNotFound, "record %s not found", c.Param("id"))
		return
	}
	// Newest first; clients order by version themselves.
	history := make([]any, 0, len(ch.versions))
	for i := len(ch.versions) - 1; i >= 0; i-- {
		history = append(history, ch.versions[i])
	}
	writeJSON(c, http.StatusOK, history)
}

func (s *Server) handleFile(c *gin.Context) {
	s.mu.Lock()
	file, ok := s.files[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		writeError(c, http.StatusNotFound, "file %s not found", c.Param("id"))
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+file.name+`"`)
	c.Data(http.StatusOK, "application/octet-stream", file.data)
}

func (s *Server) handleTagsObject(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schema := s.schemas[c.Param("collection")]
	if schema == nil {
		schema = map[string]any{}
	}
	writeJSON(c, http.StatusOK, schema)
}

func (s *Server) handleTagValues(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := c.Param("tag")
	seen := map[string]bool{}
	values := []any{}
	for _, ch := range s.collections[c.Param("collection")] {
		value, ok := ch.latest()[tag]
		if !ok {
			continue
		}
		key := valueString(value)
		if seen[key] {
			continue
		}
		seen[key] = true
		values = append(values, value)
	}
	writeJSON(c, http.StatusOK, values)
}

func (s *Server) handleViewConfig(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.views[c.Param("collection")+"/"+c.Param("view")]
	if !ok {
		writeError(c, http.StatusNotFound, "view %s not found", c.Param("view"))
		return
	}
	writeJSON(c, http.StatusOK, view)
}

func (s *Server) handleAction(c *gin.Context) {
	req := requestOf(c)
	s.mu.Lock()
	fn, ok := s.actions[c.Param("action")]
	params := s.decodeFormLocked(req)
	s.mu.Unlock()
	if !ok {
		writeError(c, http.StatusNotFound, "action %s is not registered", c.Param("action"))
		return
	}
	status, result := fn(params)
	writeJSON(c, status, result)
}

func (s *Server) handleSafeDelete(c *gin.Context) {
	var body struct {
		Tool  string `json:"tool"`
		Query struct {
			UniqueName string `json:"unique_name"`
		} `json:"query"`
	}
	if err := jsonx.Unmarshal(requestOf(c).Body, &body); err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.collections[body.Tool][:0]
	deleted := 0
	for _, ch := range s.collections[body.Tool] {
		if ch.latest()["unique_name"] == body.Query.UniqueName {
			deleted++
			continue
		}
		kept = append(kept, ch)
	}
	s.collections[body.Tool] = kept
	writeJSON(c, http.StatusOK, map[string]any{"deleted": deleted})
}
