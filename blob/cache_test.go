package blob

import (
	"io"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/bundlestore/bundle"
	"github.com/ndlib/bundlestore/store"
)

// countingStore counts the values read from a blob store.
type countingStore struct {
	bundle.BlobStore
	gets int
}

func (cs *countingStore) Get(key string) (io.ReadCloser, error) {
	cs.gets++
	return cs.BlobStore.Get(key)
}

func readAll(t *testing.T, bs bundle.BlobStore, key string) string {
	rc, err := bs.Get(key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestCacheReadThrough(t *testing.T) {
	backend := &countingStore{BlobStore: NewStoreBlobStore(store.NewMemory(), bundle.NewMemoryIndex())}
	local := store.NewMemory()
	c := NewCache(backend, local, 10)

	require.NoError(t, c.Put("a", strings.NewReader("12345"), 5))
	require.NoError(t, c.Put("b", strings.NewReader("67890"), 5))
	assert.False(t, c.Contains("a"))

	assert.Equal(t, "12345", readAll(t, c, "a"))
	assert.Equal(t, "12345", readAll(t, c, "a"))
	assert.Equal(t, 1, backend.gets)
	assert.True(t, c.Contains("a"))

	assert.Equal(t, "67890", readAll(t, c, "b"))
	assert.Equal(t, int64(10), c.Size())

	// "a" is used, so "b" goes when "c" arrives
	readAll(t, c, "a")
	require.NoError(t, c.Put("c", strings.NewReader("xy"), 2))
	assert.Equal(t, "xy", readAll(t, c, "c"))
	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.Equal(t, int64(7), c.Size())
	_, _, err := local.Open("b")
	assert.Equal(t, store.ErrNotExist, err)

	// a new value replaces the copy
	require.NoError(t, c.Put("a", strings.NewReader("new"), 3))
	assert.False(t, c.Contains("a"))
	assert.Equal(t, "new", readAll(t, c, "a"))

	ok, err := c.Remove("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, c.Contains("a"))
	_, err = c.Get("a")
	assert.Error(t, err)
}

func TestCacheTooLarge(t *testing.T) {
	backend := NewStoreBlobStore(store.NewMemory(), bundle.NewMemoryIndex())
	c := NewCache(backend, store.NewMemory(), 4)
	require.NoError(t, c.Put("big", strings.NewReader("123456"), 6))
	assert.Equal(t, "123456", readAll(t, c, "big"))
	assert.False(t, c.Contains("big"))
	assert.Equal(t, int64(0), c.Size())
}

func TestCacheScan(t *testing.T) {
	const key = "3fa85f6457174562b3fc2c963f66afa6.0.1.0.bin"
	dir := t.TempDir()
	backend := NewStoreBlobStore(store.NewMemory(), bundle.NewMemoryIndex())
	require.NoError(t, backend.Put(key, strings.NewReader("12345"), 5))

	c := NewCache(backend, store.NewFileSystem(dir), 100)
	readAll(t, c, key)

	// a new cache over the same directory finds the copy
	c = NewCache(backend, store.NewFileSystem(dir), 100)
	c.Scan()
	assert.True(t, c.Contains(key))
	assert.Equal(t, int64(5), c.Size())
}
