/*
Package bundle defines the persisted state of a single repository node and the
binary format used to store it.

A bundle holds everything local to one node: its primary type, its mixin
types, the id of its parent, all of its properties, and the ordered list of
its child node entries. Child nodes are not embedded; a child entry only
records the child's name and id. The child's own bundle must name this node as
its parent. The consistency checker in the persistence package walks the
stored bundles to verify that both directions agree.

Property values that serialize to at least Codec.MinBlobSize bytes are not
written inline. They are handed to a BlobStore under a key derived from the
property id and value index, and only the key is written into the bundle.
Reading a bundle fetches such values back from the BlobStore, so a decoded
bundle is always complete.

Names are written as a namespace index and a local name. The namespace index
comes from a NameIndex, which is usually backed by a table in the same
database as the bundles.

Every stream starts with a version byte. Streams written by a newer version of
this package are rejected.

The Codec is safe to use from multiple goroutines as long as its NameIndex and
BlobStore are.
*/
package bundle
