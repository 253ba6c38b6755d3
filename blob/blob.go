// Package blob keeps large property values outside of their bundles, in any
// store.Store. Which store is used is picked once, when a persistence manager
// is set up, by OpenLocation.
package blob

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"

	"github.com/ndlib/bundlestore/bundle"
	"github.com/ndlib/bundlestore/store"
)

// StoreBlobStore implements bundle.BlobStore on top of a store.Store.
//
// Keys have the form "<node id hex>.<namespace index>.<local name index>.<value index>.bin",
// so on a store.FileSystem the values of one node share a shard directory.
type StoreBlobStore struct {
	s     store.Store
	names bundle.NameIndex
}

var _ bundle.BlobStore = &StoreBlobStore{}

// NewStoreBlobStore returns a blob store saving values into s. The name index
// turns property names into the small integers used in keys.
func NewStoreBlobStore(s store.Store, names bundle.NameIndex) *StoreBlobStore {
	return &StoreBlobStore{s: s, names: names}
}

// CreateID returns the key for value index of property id.
func (bs *StoreBlobStore) CreateID(id bundle.PropertyID, index int) (string, error) {
	return Key(bs.names, id, index)
}

// Key builds the blob key for value index of property id. Every blob store
// uses it, so keys stay the same when values are moved between stores.
func Key(names bundle.NameIndex, id bundle.PropertyID, index int) (string, error) {
	ns, err := names.Index(id.Name.Namespace)
	if err != nil {
		return "", err
	}
	local, err := names.Index(id.Name.Local)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%d.%d.%d.bin", id.Parent.Hex(), ns, local, index), nil
}

// Get returns the value stored under key.
func (bs *StoreBlobStore) Get(key string) (io.ReadCloser, error) {
	r, _, err := bs.s.Open(key)
	if err != nil {
		return nil, errors.Wrapf(err, "blob %s", key)
	}
	return store.NewReadCloser(r), nil
}

// Put saves length bytes from r under key. Stores are write once, so any
// existing value is deleted first. A short read leaves nothing under key.
func (bs *StoreBlobStore) Put(key string, r io.Reader, length int64) error {
	if err := bs.s.Delete(key); err != nil {
		return errors.Wrapf(err, "blob %s", key)
	}
	w, err := bs.s.Create(key)
	if err != nil {
		return errors.Wrapf(err, "blob %s", key)
	}
	_, err = io.CopyN(w, r, length)
	if err != nil {
		w.Close()
		bs.s.Delete(key)
		return errors.Wrapf(err, "blob %s", key)
	}
	return errors.Wrapf(w.Close(), "blob %s", key)
}

// Remove deletes key, returning whether there was a value to delete.
func (bs *StoreBlobStore) Remove(key string) (bool, error) {
	r, _, err := bs.s.Open(key)
	if err == store.ErrNotExist {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "blob %s", key)
	}
	r.Close()
	if err := bs.s.Delete(key); err != nil {
		return false, errors.Wrapf(err, "blob %s", key)
	}
	return true, nil
}

// OpenLocation returns the store described by location:
//
//	""                      an in-memory store
//	"s3://bucket/prefix"    an S3 bucket, using the default AWS credentials
//	"file:/path" or "/path" a directory, which is created if needed
func OpenLocation(location string) (store.Store, error) {
	switch {
	case location == "":
		return store.NewMemory(), nil
	case strings.HasPrefix(location, "s3://"):
		bucket, prefix, err := parseS3(location)
		if err != nil {
			return nil, err
		}
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.Wrap(err, "aws session")
		}
		return store.NewS3(bucket, prefix, sess), nil
	}
	dir := filesystemPath(location)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, errors.Wrapf(err, "blob location %s", location)
	}
	return store.NewFileSystem(dir), nil
}

// parseS3 splits an s3 url into its bucket and key prefix. A non-empty
// prefix always ends in a slash.
func parseS3(location string) (bucket, prefix string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", errors.Wrapf(err, "blob location %s", location)
	}
	if u.Host == "" {
		return "", "", errors.Errorf("blob location %s: no bucket", location)
	}
	prefix = strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return u.Host, prefix, nil
}

func filesystemPath(location string) string {
	if strings.HasPrefix(location, "file:") {
		location = strings.TrimPrefix(location, "file:")
		if strings.HasPrefix(location, "//") {
			location = location[2:]
		}
	}
	return filepath.Clean(location)
}
