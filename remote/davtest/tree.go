package davtest

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// A Node is one node of a workspace tree.
type Node struct {
	Name        string
	UUID        string
	PrimaryType string
	Mixins      []string
	Properties  map[string]Property
	Children    []*Node
}

// A Property is a typed value. Type is lower case, as sent in the content
// type of a PUT.
type Property struct {
	Type  string
	Value string
}

func newNode(name, primaryType, uuid string) *Node {
	if primaryType == "" {
		primaryType = "nt:unstructured"
	}
	return &Node{
		Name:        name,
		UUID:        uuid,
		PrimaryType: primaryType,
		Properties:  make(map[string]Property),
	}
}

func (n *Node) clone() *Node {
	c := *n
	c.Mixins = append([]string(nil), n.Mixins...)
	c.Properties = make(map[string]Property, len(n.Properties))
	for k, v := range n.Properties {
		c.Properties[k] = v
	}
	c.Children = make([]*Node, len(n.Children))
	for i, child := range n.Children {
		c.Children[i] = child.clone()
	}
	return &c
}

// renumber gives a new uuid to every node in the subtree which has one.
func (n *Node) renumber() {
	if n.UUID != "" {
		n.UUID = uuid.New().String()
	}
	for _, c := range n.Children {
		c.renumber()
	}
}

// child returns the index-th child (starting at 1) with the given name.
func (n *Node) child(name string, index int) *Node {
	for _, c := range n.Children {
		if c.Name != name {
			continue
		}
		index--
		if index == 0 {
			return c
		}
	}
	return nil
}

// indexOf returns the same-name-sibling index of c below n.
func (n *Node) indexOf(c *Node) int {
	i := 0
	for _, x := range n.Children {
		if x.Name == c.Name {
			i++
		}
		if x == c {
			return i
		}
	}
	return 0
}

func (n *Node) detach(c *Node) {
	for i, x := range n.Children {
		if x == c {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return
		}
	}
}

func (n *Node) contains(c *Node) bool {
	if n == c {
		return true
	}
	for _, x := range n.Children {
		if x.contains(c) {
			return true
		}
	}
	return false
}

// walk calls f for every node below and including n, giving the escaped
// path segments leading to it.
func (n *Node) walk(segs []string, f func(*Node, []string)) {
	f(n, segs)
	for _, c := range n.Children {
		s := append(segs[:len(segs):len(segs)], escapeSegment(c.Name, n.indexOf(c)))
		c.walk(s, f)
	}
}

func escapeSegment(name string, index int) string {
	if index > 1 {
		name += "[" + strconv.Itoa(index) + "]"
	}
	return url.PathEscape(name)
}

func parseSegment(s string) (string, int, bool) {
	i := strings.IndexByte(s, '[')
	if i < 0 {
		return s, 1, s != ""
	}
	if i == 0 || !strings.HasSuffix(s, "]") {
		return "", 0, false
	}
	n, err := strconv.Atoi(s[i+1 : len(s)-1])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return s[:i], n, true
}

// lookup follows segs from root. It returns the nodes along the way, the
// last being the one found, or nil if some segment does not exist.
func lookup(root *Node, segs []string) []*Node {
	chain := []*Node{root}
	n := root
	for _, s := range segs {
		name, index, ok := parseSegment(s)
		if !ok {
			return nil
		}
		n = n.child(name, index)
		if n == nil {
			return nil
		}
		chain = append(chain, n)
	}
	return chain
}

// splitPath turns a decoded request path into its segments.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
