package wasp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wasp/internal/filestore"
	"wasp/internal/transport"
)

// pathMax bounds strings checked for being a local path.
const pathMax = 4096

// FileValue is binary content attached to a record. It is backed by one of
// a caller-supplied reader, a local path or literal content, or a file stored
// on the server. The backing is opened on first use; resources the value
// opened itself are released by Close, a caller-supplied reader never is.
//
// A FileValue is safe for concurrent use, but reads share one position.
type FileValue struct {
	mu sync.Mutex

	client *Client
	value  string
	name   string
	source io.Reader

	stream io.Reader
	owned  io.Closer
	closed bool
}

// NewFileFromReader wraps an open reader. The caller keeps ownership of r.
// Nothing is read until first use; a reader that cannot seek is then copied
// whole into a private temporary file, so later uploads always send every
// byte of r even after partial reads.
func NewFileFromReader(r io.Reader, name string) *FileValue {
	return &FileValue{source: r, name: name}
}

// NewFileValue builds a value from a local file path or, when value does not
// name an existing regular file, from value itself as content.
func NewFileValue(value, name string) *FileValue {
	return &FileValue{value: value, name: name}
}

// NewFileFromBytes uses data as the file content.
func NewFileFromBytes(data []byte, name string) *FileValue {
	return &FileValue{source: strings.NewReader(string(data)), name: name}
}

// RemoteFile returns a value for a file already stored on the server.
func (c *Client) RemoteFile(fileID, name string) *FileValue {
	return &FileValue{client: c, value: fileID, name: name}
}

// Name is the explicit name if one was given, else derived from the backing
// path or reader. It is "" for literal content without a name.
func (f *FileValue) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nameLocked()
}

func (f *FileValue) nameLocked() string {
	if f.name != "" {
		return f.name
	}
	if f.client != nil {
		return ""
	}
	if named, ok := f.source.(interface{ Name() string }); ok {
		return filepath.Base(named.Name())
	}
	if f.source == nil && isLocalFile(f.value) {
		return filepath.Base(f.value)
	}
	return ""
}

// FileID is the server id, or "" when the content is not stored on the server.
func (f *FileValue) FileID() string {
	if f.client == nil {
		return ""
	}
	return f.value
}

// FileURL is a download link for a stored file, or "" when the value is not
// stored on the server or the client has no download endpoint.
func (f *FileValue) FileURL() string {
	if f.client == nil {
		return ""
	}
	public := f.client.PublicURL()
	if public == "" {
		return ""
	}
	link, err := transport.JoinURL(public, []string{"file", f.value}, nil)
	if err != nil {
		return ""
	}
	return link
}

// IsRemote reports whether the value refers to a file stored on the server.
func (f *FileValue) IsRemote() bool {
	return f.client != nil
}

// Open resolves the backing stream now instead of on first read. Remote
// content is spooled to a private temporary file.
func (f *FileValue) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.openLocked(ctx)
	return err
}

func (f *FileValue) openLocked(ctx context.Context) (io.Reader, error) {
	if f.closed {
		return nil, ErrFileClosed
	}
	if f.stream != nil {
		return f.stream, nil
	}

	switch {
	case f.source != nil:
		if _, ok := f.source.(io.Seeker); ok {
			f.stream = f.source
			break
		}
		spool, err := filestore.NewSpool(f.source)
		if err != nil {
			return nil, &LocalResourceError{Op: "spool", Path: f.nameLocked(), Err: err}
		}
		f.stream, f.owned = spool, spool
	case f.client != nil:
		remote, err := f.client.Open(ctx, f.value)
		if err != nil {
			return nil, err
		}
		spool, err := filestore.NewSpool(remote)
		_ = remote.Close()
		if err != nil {
			return nil, &LocalResourceError{Op: "spool", Path: f.value, Err: err}
		}
		if f.name == "" {
			f.name = remote.Name
		}
		f.stream, f.owned = spool, spool
	case isLocalFile(f.value):
		file, err := os.Open(f.value)
		if err != nil {
			return nil, &LocalResourceError{Op: "open", Path: f.value, Err: err}
		}
		f.stream, f.owned = file, file
	default:
		f.stream = strings.NewReader(f.value)
	}
	return f.stream, nil
}

// Read reads from the backing stream, opening it first if needed.
func (f *FileValue) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, err := f.openLocked(context.Background())
	if err != nil {
		return 0, err
	}
	return stream.Read(p)
}

// Seek moves the read position.
func (f *FileValue) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, err := f.openLocked(context.Background())
	if err != nil {
		return 0, err
	}
	seeker, ok := stream.(io.Seeker)
	if !ok {
		return 0, fmt.Errorf("wasp: file value %q is not seekable", f.nameLocked())
	}
	return seeker.Seek(offset, whence)
}

// ReadLines reads the remaining content as lines without their terminators.
func (f *FileValue) ReadLines() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, err := f.openLocked(context.Background())
	if err != nil {
		return nil, err
	}
	var lines []string
	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
	}
}

// WriteTo copies the remaining content to w.
func (f *FileValue) WriteTo(w io.Writer) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, err := f.openLocked(context.Background())
	if err != nil {
		return 0, err
	}
	return io.Copy(w, stream)
}

// Rewind positions the content at its start and returns it.
func (f *FileValue) Rewind() (io.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rewindLocked(context.Background())
}

func (f *FileValue) rewindLocked(ctx context.Context) (io.Reader, error) {
	stream, err := f.openLocked(ctx)
	if err != nil {
		return nil, err
	}
	seeker, ok := stream.(io.Seeker)
	if !ok {
		return nil, fmt.Errorf("wasp: file value %q is not seekable", f.nameLocked())
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return stream, nil
}

// ToFile writes the whole content into dir and returns the created path.
// A stored file that has not been read yet is downloaded straight to disk.
func (f *FileValue) ToFile(ctx context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := filestore.CheckWritableDir(dir); err != nil {
		return "", &LocalResourceError{Op: "to_file", Path: dir, Err: err}
	}
	if f.client != nil && f.stream == nil && !f.closed {
		return f.client.Download(ctx, f.value, dir, f.name)
	}

	stream, err := f.rewindLocked(ctx)
	if err != nil {
		return "", err
	}
	name := filestore.SafeFileName(f.nameLocked())
	if name == "" {
		return "", &LocalResourceError{Op: "to_file", Path: dir, Err: errors.New("file value has no name")}
	}
	target := filepath.Join(dir, name)
	if _, err := filestore.AtomicWriteFrom(target, stream, 0o644); err != nil {
		return "", &LocalResourceError{Op: "to_file", Path: target, Err: err}
	}
	return target, nil
}

// Close releases any stream the value opened itself. It is safe to call
// more than once.
func (f *FileValue) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.stream = nil
	if f.owned == nil {
		return nil
	}
	err := f.owned.Close()
	f.owned = nil
	return err
}

func (f *FileValue) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return fmt.Sprintf("<FileValue name=%s id=%s>", f.name, f.value)
	}
	return fmt.Sprintf("<FileValue name=%s>", f.nameLocked())
}

func isLocalFile(value string) bool {
	if value == "" || len(value) >= pathMax {
		return false
	}
	info, err := os.Stat(value)
	return err == nil && info.Mode().IsRegular()
}
