package bundle

import "io"

// A BlobStore holds property values which are too large to keep inside a
// bundle. Each stored blob is owned by exactly one property value.
type BlobStore interface {
	// CreateID returns the key to use for value index of the given property.
	// The same arguments always give the same key.
	CreateID(id PropertyID, index int) (string, error)
	// Get returns the content stored under key. The caller must close it.
	Get(key string) (io.ReadCloser, error)
	// Put stores length bytes from r under key, replacing any earlier
	// content.
	Put(key string, r io.Reader, length int64) error
	// Remove deletes key. It returns false if there was nothing to delete.
	Remove(key string) (bool, error)
}
