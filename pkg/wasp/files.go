package wasp

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"wasp/internal/filestore"
	"wasp/internal/transport"
)

// FileStream is the content of a stored file. The caller must Close it.
type FileStream struct {
	io.ReadCloser
	// Name is taken from the response's Content-Disposition header, or "".
	Name string
	// Size is the advertised content length, or -1 when unknown.
	Size int64
}

// Open streams a stored file. The name is derived from the response headers.
func (c *Client) Open(ctx context.Context, fileID string) (*FileStream, error) {
	resp, err := c.get(ctx, []string{"file", fileID}, nil, transport.NotFound("file/"+fileID))
	if err != nil {
		return nil, err
	}
	return &FileStream{
		ReadCloser: resp.Body,
		Name:       dispositionFileName(resp.Header),
		Size:       resp.ContentLength,
	}, nil
}

// Download streams a stored file into dir and returns the written path. An
// empty name is replaced by the name the server sends, then by fileID.
func (c *Client) Download(ctx context.Context, fileID, dir, name string) (string, error) {
	if err := filestore.CheckWritableDir(dir); err != nil {
		return "", &LocalResourceError{Op: "download", Path: dir, Err: err}
	}
	stream, err := c.Open(ctx, fileID)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	if name == "" {
		name = stream.Name
	}
	name = filestore.SafeFileName(name)
	if name == "" {
		name = filestore.SafeFileName(fileID)
	}
	if name == "" {
		return "", &LocalResourceError{Op: "download", Path: dir, Err: errors.New("no usable file name")}
	}

	target := filepath.Join(dir, name)
	written, err := filestore.AtomicWriteFrom(target, stream, 0o644)
	if err != nil {
		return "", &LocalResourceError{Op: "download", Path: target, Err: err}
	}
	c.logger.Debug("Downloaded file %s to %s (%d bytes)", fileID, target, written)
	return target, nil
}

// dispositionFileName extracts filename= from Content-Disposition. Servers
// that send an unquoted name containing spaces are handled by the fallback.
func dispositionFileName(header http.Header) string {
	value := header.Get("Content-Disposition")
	if value == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(value); err == nil {
		if name := params["filename"]; name != "" {
			return filestore.SafeFileName(name)
		}
	}
	_, raw, found := strings.Cut(value, "filename=")
	if !found {
		return ""
	}
	if idx := strings.Index(raw, ";"); idx >= 0 {
		raw = raw[:idx]
	}
	return filestore.SafeFileName(strings.Trim(strings.TrimSpace(raw), `"'`))
}
