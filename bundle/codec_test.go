package bundle

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBlobs is a BlobStore kept in a map.
type memBlobs struct {
	m     sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: make(map[string][]byte)} }

func (mb *memBlobs) CreateID(id PropertyID, index int) (string, error) {
	return fmt.Sprintf("%s.%s.%d", id.Parent.Hex(), id.Name.Local, index), nil
}

func (mb *memBlobs) Get(key string) (io.ReadCloser, error) {
	mb.m.Lock()
	defer mb.m.Unlock()
	p, ok := mb.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no blob %s", key)
	}
	return io.NopCloser(bytes.NewReader(p)), nil
}

func (mb *memBlobs) Put(key string, r io.Reader, length int64) error {
	p, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(p)) != length {
		return fmt.Errorf("put %s: read %d bytes, expected %d", key, len(p), length)
	}
	mb.m.Lock()
	mb.blobs[key] = p
	mb.m.Unlock()
	return nil
}

func (mb *memBlobs) Remove(key string) (bool, error) {
	mb.m.Lock()
	defer mb.m.Unlock()
	_, ok := mb.blobs[key]
	delete(mb.blobs, key)
	return ok, nil
}

var (
	ntUnstructured   = Name{Namespace: "http://www.example.org/nt", Local: "unstructured"}
	mixReferenceable = Name{Namespace: "http://www.example.org/mix", Local: "referenceable"}
)

func sampleBundle() *Bundle {
	parent := MustParseNodeID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	b := NewBundle(MustParseNodeID("6ba7b811-9dad-11d1-80b4-00c04fd430c8"), parent, ntUnstructured)
	b.Mixins = []Name{mixReferenceable}
	b.ModCount = 7
	b.SetProperty(Name{Local: "title"}, false, StringValue("a title"))
	b.SetProperty(Name{Local: "tags"}, true, StringValue("x"), StringValue("y"), StringValue(""))
	b.SetProperty(Name{Local: "count"}, false, LongValue(-12345))
	b.SetProperty(Name{Local: "ratio"}, false, DoubleValue(0.125))
	b.SetProperty(Name{Local: "when"}, false, DateValue(time.Date(2020, 3, 1, 12, 0, 0, 5, time.UTC)))
	b.SetProperty(Name{Local: "flag"}, false, BooleanValue(true))
	b.SetProperty(Name{Namespace: "urn:x", Local: "kind"}, false, NameValue(Name{Namespace: "urn:y", Local: "z"}))
	b.SetProperty(Name{Local: "path"}, false, PathValue("/a/b[2]/c"))
	b.SetProperty(Name{Local: "link"}, false, URIValue("http://example.org/"))
	b.SetProperty(Name{Local: "price"}, false, DecimalValue("10.50"))
	b.SetProperty(Name{Local: "ref"}, false, ReferenceValue(parent))
	b.SetProperty(Name{Local: "weak"}, true, WeakReferenceValue(RootNodeID))
	b.SetProperty(Name{Local: "small"}, false, BinaryValue([]byte("tiny")))
	b.SetProperty(Name{Local: "empty"}, true)
	b.AddChild(Name{Local: "child"}, MustParseNodeID("6ba7b812-9dad-11d1-80b4-00c04fd430c8"))
	b.AddChild(Name{Local: "child"}, MustParseNodeID("6ba7b813-9dad-11d1-80b4-00c04fd430c8"))
	b.SharedSet = []NodeID{parent}
	return b
}

func TestRoundTrip(t *testing.T) {
	c := &Codec{Names: NewMemoryIndex()}
	b := sampleBundle()

	var buf bytes.Buffer
	require.NoError(t, c.WriteBundle(&buf, b))
	assert.Equal(t, int64(buf.Len()), b.Size)

	got, err := c.ReadBundle(bytes.NewReader(buf.Bytes()), b.ID)
	require.NoError(t, err)
	if !got.Equal(b) {
		t.Errorf("Received %+v, expected %+v", got, b)
	}
	assert.False(t, got.New)
	assert.Equal(t, b.Size, got.Size)
	assert.Equal(t, b.Children, got.Children)
	assert.Equal(t, "a title", got.Property(Name{Local: "title"}).Values[0].String())
	assert.True(t, got.Property(Name{Local: "flag"}).Values[0].Boolean())
}

func TestRoundTripRoot(t *testing.T) {
	c := &Codec{Names: NewMemoryIndex()}
	b := NewBundle(RootNodeID, NodeID{}, Name{Local: "root"})

	var buf bytes.Buffer
	require.NoError(t, c.WriteBundle(&buf, b))
	got, err := c.ReadBundle(&buf, RootNodeID)
	require.NoError(t, err)
	assert.True(t, got.ParentID.IsZero())
	assert.True(t, got.Equal(b))
}

func TestRoundTripBlobs(t *testing.T) {
	blobs := newMemBlobs()
	c := &Codec{Names: NewMemoryIndex(), Blobs: blobs, MinBlobSize: 16}
	b := sampleBundle()
	big := bytes.Repeat([]byte("0123456789"), 10)
	name := Name{Local: "data"}
	b.SetProperty(name, true, BinaryValue(big), BinaryValue([]byte("short")), BinaryValue(big[:16]))

	var buf bytes.Buffer
	require.NoError(t, c.WriteBundle(&buf, b))
	p := b.Property(name)
	require.Len(t, p.BlobIDs, 3)
	assert.NotEmpty(t, p.BlobIDs[0])
	assert.Empty(t, p.BlobIDs[1])
	assert.NotEmpty(t, p.BlobIDs[2])
	assert.Len(t, blobs.blobs, 2)
	if bytes.Contains(buf.Bytes(), big[:16]) {
		t.Errorf("large value was not moved out of the bundle")
	}

	got, err := c.ReadBundle(bytes.NewReader(buf.Bytes()), b.ID)
	require.NoError(t, err)
	assert.True(t, got.Equal(b))
	assert.Equal(t, big, got.Property(name).Values[0].Binary())
	assert.Equal(t, p.BlobIDs, got.Property(name).BlobIDs)

	// shrinking the values below the threshold removes their blobs
	got.SetProperty(name, true, BinaryValue([]byte("short")))
	buf.Reset()
	require.NoError(t, c.WriteBundle(&buf, got))
	assert.Empty(t, blobs.blobs)

	require.NoError(t, c.WriteBundle(io.Discard, b))
	assert.Len(t, blobs.blobs, 2)
	require.NoError(t, c.RemoveBlobs(b))
	assert.Empty(t, blobs.blobs)
}

func TestEncodeWaitsForApply(t *testing.T) {
	blobs := newMemBlobs()
	c := &Codec{Names: NewMemoryIndex(), Blobs: blobs, MinBlobSize: 16}
	b := sampleBundle()
	big := bytes.Repeat([]byte("0123456789"), 10)
	name := Name{Local: "data"}
	b.SetProperty(name, false, BinaryValue(big))
	require.NoError(t, c.WriteBundle(io.Discard, b))
	key := b.Property(name).BlobIDs[0]
	require.NotEmpty(t, key)

	b.SetProperty(name, false, BinaryValue([]byte("short")))
	u, err := c.EncodeBundle(io.Discard, b)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, u.Stale)
	assert.Equal(t, []string{key}, b.Property(name).BlobIDs)
	u.Apply()
	assert.Equal(t, []string{""}, b.Property(name).BlobIDs)

	// blobs of a removed property go with the next write
	b.SetProperty(name, false, BinaryValue(big))
	require.NoError(t, c.WriteBundle(io.Discard, b))
	assert.Len(t, blobs.blobs, 1)
	assert.True(t, b.RemoveProperty(name))
	u, err = c.EncodeBundle(io.Discard, b)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, u.Stale)
	assert.Empty(t, blobs.blobs)
}

func TestMissingBlobStore(t *testing.T) {
	names := NewMemoryIndex()
	w := &Codec{Names: names, Blobs: newMemBlobs(), MinBlobSize: 4}
	b := NewBundle(NewNodeID(), RootNodeID, ntUnstructured)
	b.SetProperty(Name{Local: "data"}, false, BinaryValue([]byte("0123456789")))
	var buf bytes.Buffer
	require.NoError(t, w.WriteBundle(&buf, b))

	r := &Codec{Names: names}
	_, err := r.ReadBundle(&buf, b.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrNoBlobStore.Error())
}

func TestWriteTypeMismatch(t *testing.T) {
	c := &Codec{Names: NewMemoryIndex()}
	b := NewBundle(NewNodeID(), RootNodeID, ntUnstructured)
	p := b.SetProperty(Name{Local: "n"}, true, LongValue(1), StringValue("2"))
	p.Type = TypeLong
	err := c.WriteBundle(io.Discard, b)
	assert.Error(t, err)
}

// rawBundle writes the start of a bundle by hand, ending with one property
// whose type code is typ and which holds a single string value.
func rawBundle(names NameIndex, typ byte) []byte {
	var buf bytes.Buffer
	e := &encoder{w: &buf, names: names}
	e.putByte(formatVersion)
	e.putName(ntUnstructured)
	e.putByte(0)
	e.putUint16(0)
	e.putCount(0)
	e.putCount(1)
	e.putName(Name{Local: "p"})
	e.putByte(typ)
	e.putBool(false)
	e.putUint16(0)
	e.putCount(1)
	e.putByte(typ)
	e.putString("value")
	e.putCount(0)
	e.putCount(0)
	e.putByte(endMarker)
	return buf.Bytes()
}

func TestUnknownTypeCode(t *testing.T) {
	names := NewMemoryIndex()
	c := &Codec{Names: names}

	good := rawBundle(names, byte(TypeString))
	_, err := c.ReadBundle(bytes.NewReader(good), RootNodeID)
	require.NoError(t, err)
	require.NoError(t, CheckBundle(bytes.NewReader(good)))

	bad := rawBundle(names, 99)
	_, err = c.ReadBundle(bytes.NewReader(bad), RootNodeID)
	require.Error(t, err)
	assert.True(t, IsIllegalState(err), "received %v", err)
	assert.True(t, IsIllegalState(CheckBundle(bytes.NewReader(bad))))
}

func TestValueTypeDisagrees(t *testing.T) {
	names := NewMemoryIndex()
	c := &Codec{Names: names}
	raw := rawBundle(names, byte(TypeString))
	// the property type byte comes right before the multi-valued flag; make
	// the property claim to be a Path while its value says String
	i := bytes.Index(raw, []byte{byte(TypeString), 0, 0, 0, 1, byte(TypeString)})
	require.True(t, i > 0)
	raw[i] = byte(TypePath)

	_, err := c.ReadBundle(bytes.NewReader(raw), RootNodeID)
	require.Error(t, err)
	assert.False(t, IsIllegalState(err))
	assert.Error(t, CheckBundle(bytes.NewReader(raw)))
}

func TestTruncated(t *testing.T) {
	c := &Codec{Names: NewMemoryIndex()}
	var buf bytes.Buffer
	require.NoError(t, c.WriteBundle(&buf, sampleBundle()))
	raw := buf.Bytes()
	require.NoError(t, CheckBundle(bytes.NewReader(raw)))

	for n := 0; n < len(raw); n++ {
		_, err := c.ReadBundle(bytes.NewReader(raw[:n]), RootNodeID)
		if err == nil {
			t.Fatalf("ReadBundle of %d/%d bytes succeeded", n, len(raw))
		}
		if CheckBundle(bytes.NewReader(raw[:n])) == nil {
			t.Fatalf("CheckBundle of %d/%d bytes succeeded", n, len(raw))
		}
	}
}

func TestBadVersion(t *testing.T) {
	c := &Codec{Names: NewMemoryIndex()}
	var buf bytes.Buffer
	require.NoError(t, c.WriteBundle(&buf, sampleBundle()))
	raw := buf.Bytes()
	raw[0] = 42
	_, err := c.ReadBundle(bytes.NewReader(raw), RootNodeID)
	assert.Error(t, err)
	assert.Error(t, CheckBundle(bytes.NewReader(raw)))
}

func TestReferencesRoundTrip(t *testing.T) {
	c := &Codec{Names: NewMemoryIndex()}
	target := NewNodeID()
	refs := &References{Target: target}
	a := PropertyID{Parent: NewNodeID(), Name: Name{Namespace: "urn:a", Local: "ref"}}
	b := PropertyID{Parent: NewNodeID(), Name: Name{Local: "other"}}
	refs.Add(a)
	refs.Add(b)
	refs.Add(a)
	require.Len(t, refs.Refs, 2)

	var buf bytes.Buffer
	require.NoError(t, c.WriteReferences(&buf, refs))
	got, err := c.ReadReferences(&buf, target)
	require.NoError(t, err)
	assert.Equal(t, refs, got)

	got.Remove(a)
	assert.Equal(t, []PropertyID{b}, got.Refs)
}
