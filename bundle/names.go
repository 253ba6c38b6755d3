package bundle

import (
	"fmt"
	"sync"
)

// A NameIndex maps strings to small integers and back. The mapping must be
// stable: once a string has an index it keeps it.
type NameIndex interface {
	Index(s string) (int, error)
	String(i int) (string, error)
}

// MemoryIndex is a NameIndex that lives only in memory. It is useful for
// tests and for tools reading a single stream.
type MemoryIndex struct {
	m       sync.Mutex
	byName  map[string]int
	strings []string
}

// NewMemoryIndex returns an empty index. The empty string is always index 0.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byName:  map[string]int{"": 0},
		strings: []string{""},
	}
}

func (mi *MemoryIndex) Index(s string) (int, error) {
	mi.m.Lock()
	defer mi.m.Unlock()
	if i, ok := mi.byName[s]; ok {
		return i, nil
	}
	i := len(mi.strings)
	mi.strings = append(mi.strings, s)
	mi.byName[s] = i
	return i, nil
}

func (mi *MemoryIndex) String(i int) (string, error) {
	mi.m.Lock()
	defer mi.m.Unlock()
	if i < 0 || i >= len(mi.strings) {
		return "", fmt.Errorf("no string for index %d", i)
	}
	return mi.strings[i], nil
}
