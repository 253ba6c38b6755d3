// Package idcache maps item ids to the addresses of their resources on a
// remote repository, and back.
//
// A Cache belongs to one workspace, and every address in it lies under the
// base address of that workspace. Both directions share one LRU order, so
// looking an entry up by id or by address keeps it from being evicted.
//
// Addresses are compared after trailing slashes are removed.
package idcache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

// DefaultSize is the number of entries kept when no size is given.
const DefaultSize = 10000

// A Key is an item id. Two keys with the same String are the same item.
type Key interface {
	String() string
}

// Cache is a bounded two way map between item ids and addresses. It is safe
// for concurrent use.
type Cache struct {
	workspace string

	m     sync.Mutex        // protects everything below
	lru   *simplelru.LRU    // id string -> *entry
	byURI map[string]string // address -> id string
}

type entry struct {
	id  Key
	uri string
}

// New returns an empty cache for the workspace with the given base address.
// A size of zero or less means DefaultSize.
func New(workspaceURI string, size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	c := &Cache{
		workspace: Normalize(workspaceURI),
		byURI:     make(map[string]string),
	}
	// NewLRU only fails for a size below one
	c.lru, _ = simplelru.NewLRU(size, c.evicted)
	return c
}

// evicted is called by the LRU, with the lock held, when an entry leaves it.
func (c *Cache) evicted(key, value interface{}) {
	e := value.(*entry)
	if c.byURI[e.uri] == key.(string) {
		delete(c.byURI, e.uri)
	}
}

// Normalize removes any trailing slashes from uri.
func Normalize(uri string) string {
	return strings.TrimRight(uri, "/")
}

// Workspace returns the normalized base address of the workspace.
func (c *Cache) Workspace() string {
	return c.workspace
}

// GetURI returns the address of id and marks the entry as recently used.
func (c *Cache) GetURI(id Key) (string, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	v, ok := c.lru.Get(id.String())
	if !ok {
		return "", false
	}
	return v.(*entry).uri, true
}

// GetID returns the id stored for uri and marks the entry as recently used.
func (c *Cache) GetID(uri string) (Key, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	k, ok := c.byURI[Normalize(uri)]
	if !ok {
		return nil, false
	}
	v, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	return v.(*entry).id, true
}

// ContainsID is true if id is cached. The LRU order is not changed.
func (c *Cache) ContainsID(id Key) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lru.Contains(id.String())
}

// ContainsURI is true if uri is cached. The LRU order is not changed.
func (c *Cache) ContainsURI(uri string) bool {
	c.m.Lock()
	defer c.m.Unlock()
	_, ok := c.byURI[Normalize(uri)]
	return ok
}

// Add records that id lives at uri, replacing any earlier entry for either
// of them. The address must be under the workspace of the cache, otherwise
// a *MismatchError is returned and nothing is changed.
func (c *Cache) Add(id Key, uri string) error {
	uri = Normalize(uri)
	if err := c.check(uri); err != nil {
		return err
	}
	k := id.String()
	c.m.Lock()
	defer c.m.Unlock()
	if old, ok := c.byURI[uri]; ok && old != k {
		c.lru.Remove(old)
	}
	if v, ok := c.lru.Peek(k); ok {
		delete(c.byURI, v.(*entry).uri)
	}
	c.lru.Add(k, &entry{id: id, uri: uri})
	c.byURI[uri] = k
	return nil
}

// check makes sure uri is the workspace address or below it.
func (c *Cache) check(uri string) error {
	if uri == c.workspace || strings.HasPrefix(uri, c.workspace+"/") {
		return nil
	}
	return newMismatchError(c.workspace, uri)
}

// RemoveID drops the entry for id. It returns false if there was none.
func (c *Cache) RemoveID(id Key) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lru.Remove(id.String())
}

// RemoveURI drops the entry for uri. It returns false if there was none.
func (c *Cache) RemoveURI(uri string) bool {
	c.m.Lock()
	defer c.m.Unlock()
	k, ok := c.byURI[Normalize(uri)]
	if !ok {
		return false
	}
	return c.lru.Remove(k)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.m.Lock()
	defer c.m.Unlock()
	c.lru.Purge()
	c.byURI = make(map[string]string)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lru.Len()
}

// MismatchError is returned when an address outside of the workspace of a
// cache is added to it. This is always a programming error.
type MismatchError struct {
	Workspace string
	URI       string
	// CommonPrefix is the leading part both addresses share, and Position is
	// the index of the first byte where they differ.
	CommonPrefix string
	Position     int
}

func newMismatchError(workspace, uri string) *MismatchError {
	i := 0
	for i < len(workspace) && i < len(uri) && workspace[i] == uri[i] {
		i++
	}
	return &MismatchError{
		Workspace:    workspace,
		URI:          uri,
		CommonPrefix: uri[:i],
		Position:     i,
	}
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("idcache: %q is not in workspace %q (common prefix %q, mismatch at position %d)",
		e.URI, e.Workspace, e.CommonPrefix, e.Position)
}
