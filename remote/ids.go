package remote

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// An Element is one step of a path: a name and the index among siblings
// with the same name. Indices start at 1; 0 also means 1.
type Element struct {
	Name  string
	Index int
}

func (e Element) index() int {
	if e.Index < 1 {
		return 1
	}
	return e.Index
}

// String returns the name, followed by the index in brackets if it is not 1.
func (e Element) String() string {
	if e.index() == 1 {
		return e.Name
	}
	return fmt.Sprintf("%s[%d]", e.Name, e.Index)
}

// ParseElement is the inverse of Element.String.
func ParseElement(s string) (Element, error) {
	if s == "" {
		return Element{}, errors.New("empty path element")
	}
	i := strings.IndexByte(s, '[')
	if i < 0 {
		if strings.IndexByte(s, ']') >= 0 {
			return Element{}, errors.Errorf("bad path element %q", s)
		}
		return Element{Name: s, Index: 1}, nil
	}
	if i == 0 || !strings.HasSuffix(s, "]") {
		return Element{}, errors.Errorf("bad path element %q", s)
	}
	n, err := strconv.Atoi(s[i+1 : len(s)-1])
	if err != nil || n < 1 {
		return Element{}, errors.Errorf("bad index in path element %q", s)
	}
	return Element{Name: s[:i], Index: n}, nil
}

// A Path is a list of elements, relative to some node.
type Path []Element

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, e := range p {
		parts[i] = e.String()
	}
	return strings.Join(parts, "/")
}

// ParsePath reads a relative path such as "a/b[2]/c". A leading slash is
// ignored.
func ParsePath(s string) (Path, error) {
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return nil, nil
	}
	var p Path
	for _, part := range strings.Split(s, "/") {
		e, err := ParseElement(part)
		if err != nil {
			return nil, err
		}
		p = append(p, e)
	}
	return p, nil
}

// An ItemID is either a NodeID or a PropertyID.
type ItemID interface {
	String() string
	isNode() bool
}

// A NodeID addresses a node either by its unique id, by a path starting at
// the node with the unique id, or, when UniqueID is empty, by a path from
// the root of the workspace. The zero value is the root node.
type NodeID struct {
	UniqueID string
	Path     Path
}

// ParseNodeID is the inverse of NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	if !strings.HasPrefix(s, "/") {
		i := strings.IndexByte(s, '/')
		if i < 0 {
			i = len(s)
		}
		id.UniqueID = s[:i]
		s = s[i:]
		if id.UniqueID == "" {
			return NodeID{}, errors.New("empty node id")
		}
	}
	p, err := ParsePath(s)
	if err != nil {
		return NodeID{}, err
	}
	id.Path = p
	return id, nil
}

func (id NodeID) isNode() bool { return true }

// String returns "uuid", "uuid/rel/path", or "/abs/path".
func (id NodeID) String() string {
	if id.UniqueID == "" {
		return "/" + id.Path.String()
	}
	if len(id.Path) == 0 {
		return id.UniqueID
	}
	return id.UniqueID + "/" + id.Path.String()
}

// IsRoot is true for the root node of a workspace, when addressed by path.
func (id NodeID) IsRoot() bool {
	return id.UniqueID == "" && len(id.Path) == 0
}

// Base returns the node the path of id starts at.
func (id NodeID) Base() NodeID {
	return NodeID{UniqueID: id.UniqueID}
}

// Child returns the id of a child of this node.
func (id NodeID) Child(name string, index int) NodeID {
	p := make(Path, len(id.Path), len(id.Path)+1)
	copy(p, id.Path)
	return NodeID{UniqueID: id.UniqueID, Path: append(p, Element{Name: name, Index: index})}
}

// Property returns the id of a property of this node.
func (id NodeID) Property(name string) PropertyID {
	return PropertyID{Parent: id, Name: name}
}

// A PropertyID addresses a property by the node it belongs to and its name.
type PropertyID struct {
	Parent NodeID
	Name   string
}

func (id PropertyID) isNode() bool { return false }

// String returns the parent id followed by "/@" and the name.
func (id PropertyID) String() string {
	p := id.Parent.String()
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p + "@" + id.Name
}
