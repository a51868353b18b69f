package wasp

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"wasp/internal/codec"
	waspErrors "wasp/internal/errors"
	"wasp/internal/transport"
)

// Multipart field names understood by the server.
const (
	fieldDocument = "conduit_json"
	fieldUpdate   = "conduit_update"
	fieldRemove   = "conduit_remove"
)

// writeRequest is one multipart write of a record.
type writeRequest struct {
	method string
	path   []string
	// field carries the JSON document.
	field  string
	record Record
	// remove is sent as conduit_remove when non-nil.
	remove   []string
	classify transport.Classifier
	// legacy retries a 404 once with the bracket form encoding, for servers
	// that predate conduit_json.
	legacy bool
}

func (c *Client) write(ctx context.Context, w writeRequest) (*http.Response, error) {
	doc, err := codec.EncodeDocument(w.record, nil)
	if err != nil {
		return nil, err
	}
	fields := []transport.FormField{{Name: w.field, Value: string(doc.JSON), ContentType: "application/json"}}
	if w.remove != nil {
		removed, err := codec.EncodeList(w.remove)
		if err != nil {
			return nil, err
		}
		fields = append(fields, transport.FormField{Name: fieldRemove, Value: string(removed), ContentType: "application/json"})
	}

	classify := w.classify
	if w.legacy {
		classify = transport.Status(http.StatusNotFound)
	}
	resp, err := c.dispatcher.Do(ctx, transport.Request{
		Method:    w.method,
		Path:      w.path,
		Body:      transport.MultipartBody(fields, fileParts(doc.Parts)),
		Direction: waspErrors.DirectionUpload,
		Classify:  classify,
	})
	if err == nil || !w.legacy {
		return resp, err
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		return nil, err
	}
	c.logger.Info("Server rejected %s for %s, retrying with form encoding", w.field, strings.Join(w.path, "/"))
	formFields, parts := codec.FlattenForm(w.record)
	plain := make([]transport.FormField, len(formFields))
	for i, field := range formFields {
		plain[i] = transport.FormField{Name: field.Name, Value: field.Value}
	}
	return c.dispatcher.Do(ctx, transport.Request{
		Method:    w.method,
		Path:      w.path,
		Body:      transport.MultipartBody(plain, fileParts(parts)),
		Direction: waspErrors.DirectionUpload,
		Classify:  w.classify,
	})
}

func fileParts(parts []codec.Part) []transport.FilePart {
	out := make([]transport.FilePart, 0, len(parts))
	for _, part := range parts {
		file := part.File
		name := file.Name()
		if name == "" {
			name = part.Field
		}
		out = append(out, transport.FilePart{
			Field:    part.Field,
			FileName: filepath.Base(name),
			Open:     file.Rewind,
		})
	}
	return out
}

func recordPath(collection, id string, action ...string) []string {
	path := []string{"tools", collection, "records", id}
	return append(path, action...)
}

// AddRecord creates a record and returns it as stored, with its _id and
// version. Server-managed tags in record are ignored; record is not modified.
func (c *Client) AddRecord(ctx context.Context, collection string, record Record) (Record, error) {
	resp, err := c.write(ctx, writeRequest{
		method: http.MethodPost,
		path:   []string{"tools", collection, "records"},
		field:  fieldDocument,
		record: Strip(record),
		legacy: true,
	})
	if err != nil {
		return nil, err
	}
	return c.decodeRecord(resp)
}

// FindRecords returns the records whose tags match filter. Nested filters
// match by dotted path and list values match any of their elements. With
// latest set only the newest version of each record is returned.
//
// To look a record up by _id use FindRecordByID, which always returns exactly
// one record (the latest version) or a RecordNotFoundError, whatever the
// latest flag would be.
func (c *Client) FindRecords(ctx context.Context, collection string, filter Record, latest bool) ([]Record, error) {
	query, err := codec.FlattenQuery(filter)
	if err != nil {
		return nil, err
	}
	path := []string{"tools", collection, "records"}
	if latest {
		path = append(path, "latest")
	}
	resp, err := c.get(ctx, path, query, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeRecords(resp)
}

// FindRecordByID returns the latest version of the record id.
func (c *Client) FindRecordByID(ctx context.Context, collection, id string) (Record, error) {
	path := recordPath(collection, id)
	resp, err := c.get(ctx, path, nil, transport.NotFound(strings.Join(path, "/")))
	if err != nil {
		return nil, err
	}
	record, err := c.decodeRecord(resp)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &RecordNotFoundError{Path: strings.Join(path, "/")}
	}
	return record, nil
}

// UpdateMutableRecord sets the tags in update and deletes the tags in remove
// on a mutable record, returning the new version. Immutable records fail
// with *RecordImmutableError and are left unchanged.
func (c *Client) UpdateMutableRecord(ctx context.Context, collection, id string, update Record, remove []string) (Record, error) {
	if update == nil {
		update = Record{}
	}
	if remove == nil {
		remove = []string{}
	}
	path := recordPath(collection, id, "update")
	joined := strings.Join(path, "/")
	resp, err := c.write(ctx, writeRequest{
		method:   http.MethodPut,
		path:     path,
		field:    fieldUpdate,
		record:   Strip(update),
		remove:   remove,
		classify: transport.Chain(transport.NotFound(joined), transport.Immutable(joined)),
	})
	if err != nil {
		return nil, err
	}
	return c.decodeRecord(resp)
}

// SetImmutable freezes a record. A record that is already immutable is
// returned as fetched.
func (c *Client) SetImmutable(ctx context.Context, collection, id string) (Record, error) {
	return c.setMutability(ctx, collection, id, false)
}

// SetMutable unfreezes a record. A record that is already mutable is
// returned as fetched.
func (c *Client) SetMutable(ctx context.Context, collection, id string) (Record, error) {
	return c.setMutability(ctx, collection, id, true)
}

func (c *Client) setMutability(ctx context.Context, collection, id string, mutable bool) (Record, error) {
	current, err := c.FindRecordByID(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if IsMutableRecord(current) == mutable {
		return current, nil
	}

	action := "set_immutable"
	if mutable {
		action = "set_mutable"
	}
	path := recordPath(collection, id, action)
	resp, err := c.write(ctx, writeRequest{
		method:   http.MethodPut,
		path:     path,
		field:    fieldUpdate,
		record:   Record{},
		remove:   []string{},
		classify: transport.NotFound(strings.Join(path, "/")),
	})
	if err != nil {
		return nil, err
	}
	return c.decodeRecord(resp)
}

// IsMutable fetches the latest version of a record and reports its
// conduit_mutable flag.
func (c *Client) IsMutable(ctx context.Context, collection, id string) (bool, error) {
	record, err := c.FindRecordByID(ctx, collection, id)
	if err != nil {
		return false, err
	}
	return IsMutableRecord(record), nil
}

// DeleteRecord removes a record and its history. It reports false without
// contacting the server when no download endpoint is configured.
func (c *Client) DeleteRecord(ctx context.Context, collection, id string) (bool, error) {
	if len(c.dispatcher.Endpoints(waspErrors.DirectionDownload)) == 0 {
		c.logger.Error("No download server url configured, cannot delete %s/%s", collection, id)
		return false, nil
	}
	body, err := transport.JSONBody(map[string]any{
		"tool":  collection,
		"query": map[string]any{TagUniqueName: collection + id},
	})
	if err != nil {
		return false, err
	}
	resp, err := c.dispatcher.Do(ctx, transport.Request{
		Method:    http.MethodPost,
		Path:      []string{"utils", "safeDeleteRecords"},
		Body:      body,
		Direction: waspErrors.DirectionDownload,
	})
	if err != nil {
		return false, err
	}
	drain(resp)
	return true, nil
}

// SetRecordMetadata updates metadata tags of a record in place. Keys that
// are not metadata tags are rejected by the server.
func (c *Client) SetRecordMetadata(ctx context.Context, collection, id string, meta Record) (Record, error) {
	path := recordPath(collection, id, "meta")
	resp, err := c.write(ctx, writeRequest{
		method:   http.MethodPut,
		path:     path,
		field:    fieldDocument,
		record:   meta,
		classify: transport.NotFound(strings.Join(path, "/")),
		legacy:   true,
	})
	if err != nil {
		return nil, err
	}
	return c.decodeRecord(resp)
}

// GetRecordHistory returns every version of a record, oldest first.
func (c *Client) GetRecordHistory(ctx context.Context, collection, id string) ([]Record, error) {
	path := recordPath(collection, id, "history")
	resp, err := c.get(ctx, path, nil, transport.NotFound(strings.Join(path, "/")))
	if err != nil {
		return nil, err
	}
	records, err := c.decodeRecords(resp)
	if err != nil {
		return nil, err
	}
	sortByVersion(records)
	return records, nil
}
