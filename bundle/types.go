package bundle

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NodeID is the 128 bit identifier of a node. The zero value is used to
// mean "no node", e.g. the parent of the root node.
type NodeID [16]byte

// RootNodeID is the id of the root node of every workspace.
var RootNodeID = MustParseNodeID("cafebabe-cafe-babe-cafe-babecafebabe")

// NewNodeID returns a new random node id.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// ParseNodeID parses the standard textual uuid form of a node id.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, err
	}
	return NodeID(u), nil
}

// MustParseNodeID is like ParseNodeID but panics on a malformed id.
func MustParseNodeID(s string) NodeID {
	id, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// NodeIDFromLongs builds a node id from its most and least significant
// halves.
func NodeIDFromLongs(msb, lsb int64) NodeID {
	var id NodeID
	binary.BigEndian.PutUint64(id[:8], uint64(msb))
	binary.BigEndian.PutUint64(id[8:], uint64(lsb))
	return id
}

// MSB returns the most significant 64 bits of the id.
func (id NodeID) MSB() int64 { return int64(binary.BigEndian.Uint64(id[:8])) }

// LSB returns the least significant 64 bits of the id.
func (id NodeID) LSB() int64 { return int64(binary.BigEndian.Uint64(id[8:])) }

// IsZero is true for the zero id.
func (id NodeID) IsZero() bool { return id == (NodeID{}) }

func (id NodeID) String() string { return uuid.UUID(id).String() }

// Hex returns the id as 32 hex digits without separators.
func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

// A Name is a namespace qualified name.
type Name struct {
	Namespace string
	Local     string
}

// ParseName reads the expanded form "{namespace}local". A string without a
// leading brace is a name in the empty namespace.
func ParseName(s string) (Name, error) {
	if !strings.HasPrefix(s, "{") {
		return Name{Local: s}, nil
	}
	i := strings.IndexByte(s, '}')
	if i < 0 {
		return Name{}, fmt.Errorf("malformed name %q", s)
	}
	return Name{Namespace: s[1:i], Local: s[i+1:]}, nil
}

func (n Name) String() string {
	if n.Namespace == "" {
		return n.Local
	}
	return "{" + n.Namespace + "}" + n.Local
}

// PropertyID identifies a property by the node holding it and its name.
type PropertyID struct {
	Parent NodeID
	Name   Name
}

func (p PropertyID) String() string {
	return p.Parent.String() + "/" + p.Name.String()
}

// PropertyEntry is the stored state of one property.
type PropertyEntry struct {
	ID          PropertyID
	Type        PropertyType
	MultiValued bool
	Values      []Value
	// BlobIDs has the blob store key for each value that was spilled out of
	// the bundle, and "" for values stored inline. It is filled in by the
	// codec.
	BlobIDs  []string
	ModCount uint16
}

// ChildEntry is one entry in a node's ordered list of children.
type ChildEntry struct {
	Name Name
	ID   NodeID
}

// Bundle is the local state of one node.
type Bundle struct {
	ID         NodeID
	ParentID   NodeID // zero for the root node
	NodeType   Name
	Mixins     []Name
	Properties map[Name]*PropertyEntry
	Children   []ChildEntry
	SharedSet  []NodeID
	ModCount   uint16

	// New is true until the bundle has been stored once. It decides between
	// an insert and an update.
	New bool
	// Size is the length of the serialized bundle, set on read and write.
	Size int64

	// blob keys of removed properties, deleted by the next write
	removed []string
}

// NewBundle returns an empty bundle which has not been stored yet.
func NewBundle(id, parent NodeID, nodeType Name) *Bundle {
	return &Bundle{
		ID:         id,
		ParentID:   parent,
		NodeType:   nodeType,
		Properties: make(map[Name]*PropertyEntry),
		New:        true,
	}
}

// SetProperty adds or replaces the property name. Any blob keys from a
// replaced entry are kept so the codec can reuse or remove them.
func (b *Bundle) SetProperty(name Name, multi bool, values ...Value) *PropertyEntry {
	if b.Properties == nil {
		b.Properties = make(map[Name]*PropertyEntry)
	}
	typ := TypeUndefined
	if len(values) > 0 {
		typ = values[0].Type()
	}
	entry := b.Properties[name]
	if entry == nil {
		entry = &PropertyEntry{ID: PropertyID{Parent: b.ID, Name: name}}
		b.Properties[name] = entry
	}
	entry.Type = typ
	entry.MultiValued = multi
	entry.Values = values
	entry.ModCount++
	return entry
}

// RemoveProperty deletes the property name, returning whether there was
// one. Its blobs are removed when the bundle is next written.
func (b *Bundle) RemoveProperty(name Name) bool {
	p, ok := b.Properties[name]
	if !ok {
		return false
	}
	delete(b.Properties, name)
	if p != nil {
		for _, key := range p.BlobIDs {
			if key != "" {
				b.removed = append(b.removed, key)
			}
		}
	}
	return true
}

// Property returns the named property or nil.
func (b *Bundle) Property(name Name) *PropertyEntry {
	return b.Properties[name]
}

// AddChild appends a child entry.
func (b *Bundle) AddChild(name Name, id NodeID) {
	b.Children = append(b.Children, ChildEntry{Name: name, ID: id})
}

// RemoveChild removes every child entry pointing at id. It returns true if
// any entry was removed.
func (b *Bundle) RemoveChild(id NodeID) bool {
	var removed bool
	kept := b.Children[:0]
	for _, c := range b.Children {
		if c.ID == id {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	b.Children = kept
	return removed
}

// Equal compares the persisted state of two bundles. New and Size are
// ignored, as are the blob keys of properties.
func (b *Bundle) Equal(o *Bundle) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.ID != o.ID || b.ParentID != o.ParentID || b.NodeType != o.NodeType || b.ModCount != o.ModCount {
		return false
	}
	if len(b.Mixins) != len(o.Mixins) || len(b.Children) != len(o.Children) ||
		len(b.SharedSet) != len(o.SharedSet) || len(b.Properties) != len(o.Properties) {
		return false
	}
	for i := range b.Mixins {
		if b.Mixins[i] != o.Mixins[i] {
			return false
		}
	}
	for i := range b.Children {
		if b.Children[i] != o.Children[i] {
			return false
		}
	}
	for i := range b.SharedSet {
		if b.SharedSet[i] != o.SharedSet[i] {
			return false
		}
	}
	for name, p := range b.Properties {
		q := o.Properties[name]
		if q == nil || p.ID != q.ID || p.Type != q.Type || p.MultiValued != q.MultiValued ||
			p.ModCount != q.ModCount || len(p.Values) != len(q.Values) {
			return false
		}
		for i := range p.Values {
			if !p.Values[i].Equal(q.Values[i]) {
				return false
			}
		}
	}
	return true
}

// References lists every property holding a reference to Target.
type References struct {
	Target NodeID
	Refs   []PropertyID
}

// Add records that the property p refers to the target.
func (r *References) Add(p PropertyID) {
	for _, x := range r.Refs {
		if x == p {
			return
		}
	}
	r.Refs = append(r.Refs, p)
}

// Remove drops the property p from the list.
func (r *References) Remove(p PropertyID) {
	for i, x := range r.Refs {
		if x == p {
			r.Refs = append(r.Refs[:i], r.Refs[i+1:]...)
			return
		}
	}
}
