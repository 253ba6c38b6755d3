package blob

import (
	"bytes"
	"container/list"
	"io"
	"io/ioutil"
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/ndlib/bundlestore/bundle"
	"github.com/ndlib/bundlestore/store"
)

// Cache is a bundle.BlobStore which keeps copies of the values read from
// another blob store in a local store, such as a directory in front of an S3
// bucket. The copies use at most maxSize bytes, and the least recently used
// ones are deleted to make room.
//
// Writes and removals go straight to the backing blob store, and drop the
// local copy. The usage list is kept only in memory. Call Scan on startup to
// adopt copies left in the local store by an earlier run.
type Cache struct {
	backend bundle.BlobStore
	s       store.Store
	maxSize int64

	m     sync.Mutex // protects everything below
	size  int64
	lru   *list.List               // front is MRU, back is LRU
	index map[string]*list.Element // key -> element holding a cacheEntry
}

type cacheEntry struct {
	key  string
	size int64
}

var _ bundle.BlobStore = &Cache{}

// NewCache returns an empty cache of backend using s for the copies.
func NewCache(backend bundle.BlobStore, s store.Store, maxSize int64) *Cache {
	return &Cache{
		backend: backend,
		s:       s,
		maxSize: maxSize,
		lru:     list.New(),
		index:   make(map[string]*list.Element),
	}
}

// Scan adds the items already in the local store to the cache, in no
// particular order. Items which do not fit are deleted.
func (c *Cache) Scan() {
	for key := range c.s.List() {
		if c.Contains(key) {
			continue
		}
		r, size, err := c.s.Open(key)
		if err != nil {
			continue
		}
		r.Close()
		c.m.Lock()
		err = c.reserve(size)
		if err == nil {
			c.index[key] = c.lru.PushBack(cacheEntry{key: key, size: size})
		}
		c.m.Unlock()
		if err != nil {
			c.s.Delete(key)
		}
	}
}

// Contains is true if there is a local copy of key. The usage list is not
// changed.
func (c *Cache) Contains(key string) bool {
	c.m.Lock()
	defer c.m.Unlock()
	_, ok := c.index[key]
	return ok
}

// Size returns the number of bytes used by local copies.
func (c *Cache) Size() int64 {
	c.m.Lock()
	defer c.m.Unlock()
	return c.size
}

// CreateID is passed on to the backing store.
func (c *Cache) CreateID(id bundle.PropertyID, index int) (string, error) {
	return c.backend.CreateID(id, index)
}

// Get returns the local copy of key if there is one. Otherwise the value is
// read from the backing store and a copy is saved.
func (c *Cache) Get(key string) (io.ReadCloser, error) {
	if rc := c.local(key); rc != nil {
		return rc, nil
	}
	rc, err := c.backend.Get(key)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "blob %s", key)
	}
	if err := c.save(key, data); err != nil {
		// not having a copy only costs time
		log.Printf("blob cache: %s: %s", key, err)
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

func (c *Cache) local(key string) io.ReadCloser {
	c.m.Lock()
	e, ok := c.index[key]
	if ok {
		c.lru.MoveToFront(e)
	}
	c.m.Unlock()
	if !ok {
		return nil
	}
	r, _, err := c.s.Open(key)
	if err != nil {
		log.Printf("blob cache: %s: %s", key, err)
		c.forget(key)
		return nil
	}
	return store.NewReadCloser(r)
}

var errTooLarge = errors.New("value is larger than the cache")

func (c *Cache) save(key string, data []byte) error {
	size := int64(len(data))
	c.m.Lock()
	if _, ok := c.index[key]; ok {
		c.m.Unlock()
		return nil
	}
	err := c.reserve(size)
	c.m.Unlock()
	if err != nil {
		return err
	}
	w, err := c.s.Create(key)
	if err == store.ErrKeyExists {
		// a stale copy nobody knew about
		c.s.Delete(key)
		w, err = c.s.Create(key)
	}
	if err == nil {
		_, err = w.Write(data)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	c.m.Lock()
	defer c.m.Unlock()
	if err != nil {
		c.size -= size
		c.s.Delete(key)
		return err
	}
	c.index[key] = c.lru.PushFront(cacheEntry{key: key, size: size})
	return nil
}

// reserve makes room for size bytes, evicting copies as needed. Nothing is
// reserved on error. The lock must be held.
func (c *Cache) reserve(size int64) error {
	if size > c.maxSize {
		return errTooLarge
	}
	c.size += size
	for c.size > c.maxSize {
		e := c.lru.Back()
		if e == nil {
			c.size -= size
			return errTooLarge
		}
		entry := c.lru.Remove(e).(cacheEntry)
		delete(c.index, entry.key)
		c.size -= entry.size
		if err := c.s.Delete(entry.key); err != nil {
			log.Printf("blob cache: evict %s: %s", entry.key, err)
		}
	}
	return nil
}

// forget drops the local copy of key, if any.
func (c *Cache) forget(key string) {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.index[key]
	if !ok {
		return
	}
	entry := c.lru.Remove(e).(cacheEntry)
	delete(c.index, key)
	c.size -= entry.size
	c.s.Delete(key)
}

// Put writes the value to the backing store.
func (c *Cache) Put(key string, r io.Reader, length int64) error {
	c.forget(key)
	return c.backend.Put(key, r, length)
}

// Remove deletes the value from the backing store.
func (c *Cache) Remove(key string) (bool, error) {
	c.forget(key)
	return c.backend.Remove(key)
}
