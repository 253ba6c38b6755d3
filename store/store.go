// Package store provides a simple, goroutine safe key-value interface. Values
// are streams instead of byte slices, so large property values can be written
// and read without holding them twice in memory.
//
// The FileSystem store is the one used in production. Memory is useful for
// tests, and S3 keeps values in a bucket.
package store

import (
	"errors"
	"io"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store defines the basic stream based key-value store.
// Values are immutable once stored, but they may be deleted and then
// replaced with a new value.
//
// Since the FileSystem store uses the key as file names, keys should not
// contain forbidden filesystem characters, such as '/'.
type Store interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

var (
	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("key already exists")

	// ErrNotExist is returned by Open when there is no value for a key
	ErrNotExist = errors.New("key does not exist")
)

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}

// NewReadCloser returns a stream over the ReadAtCloser r which closes r when
// it is closed.
func NewReadCloser(r ReadAtCloser) io.ReadCloser {
	return readCloser{Reader: NewReader(r), c: r}
}

type readCloser struct {
	io.Reader
	c io.Closer
}

func (rc readCloser) Close() error { return rc.c.Close() }
