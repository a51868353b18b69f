package filestore

import (
	"io"
	"os"
)

// Spool is a private temporary file holding a copy of streamed content. It
// is removed from disk on Close.
type Spool struct {
	*os.File
}

// NewSpool copies r into a fresh temporary file and rewinds it.
func NewSpool(r io.Reader) (*Spool, error) {
	f, err := os.CreateTemp("", "wasp-spool-*")
	if err != nil {
		return nil, err
	}
	spool := &Spool{File: f}
	if _, err := io.Copy(f, r); err != nil {
		_ = spool.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = spool.Close()
		return nil, err
	}
	return spool, nil
}

// Close closes and deletes the temporary file.
func (s *Spool) Close() error {
	err := s.File.Close()
	if rmErr := os.Remove(s.File.Name()); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
