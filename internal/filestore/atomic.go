// Package filestore holds the local filesystem helpers used for downloads and
// spooled remote content.
package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir creates the directory and all parents if they don't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// AtomicWrite writes data to filePath via a temporary file + rename.
func AtomicWrite(filePath string, data []byte, perm os.FileMode) error {
	_, err := AtomicWriteFrom(filePath, strings.NewReader(string(data)), perm)
	return err
}

// AtomicWriteFrom streams r into filePath via a temporary file in the same
// directory and renames it into place. The directory must already exist.
// Nothing is left behind on failure.
func AtomicWriteFrom(filePath string, r io.Reader, perm os.FileMode) (int64, error) {
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return n, fmt.Errorf("write %s: %w", filePath, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	return n, nil
}

// CheckWritableDir reports an error unless path is an existing directory the
// process can create files in.
func CheckWritableDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	scratch, err := os.CreateTemp(path, ".wasp-write-check-*")
	if err != nil {
		return err
	}
	name := scratch.Name()
	_ = scratch.Close()
	return os.Remove(name)
}

// SafeFileName reduces a server supplied name to its last path element so it
// cannot escape the destination directory.
func SafeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." {
		return ""
	}
	return base
}

// ResolvePath resolves a storage path, handling ~ expansion and env variables.
// If configured is empty, defaultPath is used.
func ResolvePath(configured, defaultPath string) string {
	path := configured
	if path == "" {
		path = defaultPath
	}
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			switch {
			case len(path) == 1:
				path = home
			case path[1] == '/':
				path = filepath.Join(home, path[2:])
			default:
				path = filepath.Join(home, path[1:])
			}
		}
	}

	return os.ExpandEnv(path)
}
