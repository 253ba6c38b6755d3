package idcache

import "sync"

// A Set holds one Cache for each workspace, so that addresses of different
// workspaces never end up in the same cache.
type Set struct {
	size int

	m      sync.Mutex
	caches map[string]*Cache // by normalized workspace address
}

// NewSet returns an empty set whose caches hold size entries each.
func NewSet(size int) *Set {
	return &Set{size: size, caches: make(map[string]*Cache)}
}

// Get returns the cache for the workspace at workspaceURI, making it if
// needed.
func (s *Set) Get(workspaceURI string) *Cache {
	ws := Normalize(workspaceURI)
	s.m.Lock()
	defer s.m.Unlock()
	c := s.caches[ws]
	if c == nil {
		c = New(ws, s.size)
		s.caches[ws] = c
	}
	return c
}

// Clear empties the cache of one workspace.
func (s *Set) Clear(workspaceURI string) {
	s.m.Lock()
	c := s.caches[Normalize(workspaceURI)]
	s.m.Unlock()
	if c != nil {
		c.Clear()
	}
}

// Remove drops the cache of one workspace.
func (s *Set) Remove(workspaceURI string) {
	s.m.Lock()
	delete(s.caches, Normalize(workspaceURI))
	s.m.Unlock()
}
