package persistence

import (
	"github.com/ndlib/bundlestore/bundle"
)

// A ChangeSet is an ordered list of bundle and references writes which
// Manager.Store applies in a single transaction. A change set is built by one
// goroutine and must not be changed while it is being stored.
type ChangeSet struct {
	ops []op
}

type opKind int

const (
	opStoreBundle opKind = iota
	opDestroyBundle
	opStoreRefs
	opDestroyRefs
)

func (k opKind) String() string {
	switch k {
	case opStoreBundle:
		return "store bundle"
	case opDestroyBundle:
		return "destroy bundle"
	case opStoreRefs:
		return "store references"
	case opDestroyRefs:
		return "destroy references"
	}
	return "unknown"
}

type op struct {
	kind   opKind
	bundle *bundle.Bundle
	refs   *bundle.References
	target bundle.NodeID
}

// id returns the node the operation is about.
func (o op) id() bundle.NodeID {
	switch {
	case o.bundle != nil:
		return o.bundle.ID
	case o.refs != nil:
		return o.refs.Target
	}
	return o.target
}

// StoreBundle adds an insert of b, if b.New is set, or an update otherwise.
func (cs *ChangeSet) StoreBundle(b *bundle.Bundle) *ChangeSet {
	cs.ops = append(cs.ops, op{kind: opStoreBundle, bundle: b})
	return cs
}

// DestroyBundle adds the removal of b and of its blobs.
func (cs *ChangeSet) DestroyBundle(b *bundle.Bundle) *ChangeSet {
	cs.ops = append(cs.ops, op{kind: opDestroyBundle, bundle: b})
	return cs
}

// StoreReferences adds an insert or update of refs.
func (cs *ChangeSet) StoreReferences(refs *bundle.References) *ChangeSet {
	cs.ops = append(cs.ops, op{kind: opStoreRefs, refs: refs})
	return cs
}

// DestroyReferences adds the removal of the references record of target.
func (cs *ChangeSet) DestroyReferences(target bundle.NodeID) *ChangeSet {
	cs.ops = append(cs.ops, op{kind: opDestroyRefs, target: target})
	return cs
}

// Len returns the number of operations.
func (cs *ChangeSet) Len() int {
	return len(cs.ops)
}
