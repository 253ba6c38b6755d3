package bundle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Layout of a serialized bundle. All fixed width integers are big endian,
// counts and lengths are uvarints, and a name is the uvarint index of its
// namespace followed by its local part as a string.
//
//	version   byte
//	nodetype  name
//	parent    byte (0 or 1), followed by 16 bytes when 1
//	modcount  uint16
//	mixins    count, name...
//	props     count, property...
//	children  count, (name, 16 byte id)...
//	shared    count, 16 byte id...
//	end       byte
//
// A property is its name, type byte, multi-valued byte, uint16 modcount,
// the value count, and then each value as a type byte followed by its
// payload. Binary payloads start with a kind byte: either the bytes are
// inline or the value lives in the blob store under the given key.
const (
	formatVersion = 1
	endMarker     = 0xee

	binaryInline = 0
	binaryBlob   = 1

	maxLength = math.MaxInt32
)

// Codec reads and writes bundles and reference records. Names is required.
// Blobs may be nil, in which case every binary value is kept inline.
type Codec struct {
	Names NameIndex
	Blobs BlobStore
	// Binary values at least this long are moved to Blobs. A value of zero
	// or less disables moving.
	MinBlobSize int
}

// WriteBundle serializes b onto w and records the blob keys used in the
// properties of b at once. It suits blob stores without transactions. See
// EncodeBundle.
func (c *Codec) WriteBundle(w io.Writer, b *Bundle) error {
	u, err := c.EncodeBundle(w, b)
	if err != nil {
		return err
	}
	u.Apply()
	return nil
}

// A BlobUpdate is what writing a bundle did to its blobs. The bundle is left
// alone until Apply is called, so a write which is rolled back leaves the
// bundle naming the blobs it still owns.
type BlobUpdate struct {
	b    *Bundle
	ids  map[Name][]string
	size int64
	// Stale lists the keys that were removed from the blob store.
	Stale []string
}

// Apply records the new blob keys and size in the bundle.
func (u *BlobUpdate) Apply() {
	for name, ids := range u.ids {
		if p := u.b.Properties[name]; p != nil {
			p.BlobIDs = ids
		}
	}
	u.b.removed = nil
	u.b.Size = u.size
}

// EncodeBundle serializes b onto w. Large binary values are written to the
// blob store first. Blobs the bundle no longer uses, because a value became
// small or its property was removed, are deleted from the blob store. Run it
// inside the same transaction as the write of the bundle itself, and call
// Apply on the result once that commits.
func (c *Codec) EncodeBundle(w io.Writer, b *Bundle) (*BlobUpdate, error) {
	u := &BlobUpdate{b: b, ids: make(map[Name][]string)}
	e := &encoder{w: w, names: c.Names}
	e.putByte(formatVersion)
	e.putName(b.NodeType)
	if b.ParentID.IsZero() {
		e.putByte(0)
	} else {
		e.putByte(1)
		e.putID(b.ParentID)
	}
	e.putUint16(b.ModCount)
	e.putCount(len(b.Mixins))
	for _, m := range b.Mixins {
		e.putName(m)
	}
	names := propertyNames(b)
	e.putCount(len(names))
	used := make(map[string]bool)
	for _, name := range names {
		id := PropertyID{Parent: b.ID, Name: name}
		ids, err := c.writeProperty(e, id, b.Properties[name])
		if err != nil {
			return nil, err
		}
		u.ids[name] = ids
		for _, key := range ids {
			used[key] = true
		}
	}
	e.putCount(len(b.Children))
	for _, child := range b.Children {
		e.putName(child.Name)
		e.putID(child.ID)
	}
	e.putCount(len(b.SharedSet))
	for _, id := range b.SharedSet {
		e.putID(id)
	}
	e.putByte(endMarker)
	if e.err != nil {
		return nil, errors.Wrapf(e.err, "writing bundle %s", b.ID)
	}
	u.size = e.n

	// a key is reused when a value at the same place still spills
	var old []string
	for _, name := range names {
		old = append(old, b.Properties[name].BlobIDs...)
	}
	old = append(old, b.removed...)
	for _, key := range old {
		if key == "" || used[key] || c.Blobs == nil {
			continue
		}
		used[key] = true
		if _, err := c.Blobs.Remove(key); err != nil {
			return nil, errors.Wrapf(err, "removing blob %s", key)
		}
		u.Stale = append(u.Stale, key)
	}
	return u, nil
}

// propertyNames returns the names of the non-nil properties of b in a
// stable order.
func propertyNames(b *Bundle) []Name {
	names := make([]Name, 0, len(b.Properties))
	for name, p := range b.Properties {
		if p != nil {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i].Namespace != names[j].Namespace {
			return names[i].Namespace < names[j].Namespace
		}
		return names[i].Local < names[j].Local
	})
	return names
}

// writeProperty encodes one property and returns the blob key of each of
// its values, "" for values kept inline.
func (c *Codec) writeProperty(e *encoder, id PropertyID, p *PropertyEntry) ([]string, error) {
	p.ID = id
	e.putName(id.Name)
	e.putByte(byte(p.Type))
	e.putBool(p.MultiValued)
	e.putUint16(p.ModCount)
	e.putCount(len(p.Values))
	ids := make([]string, len(p.Values))
	for i, v := range p.Values {
		if v.typ == TypeUndefined || !v.typ.Valid() {
			return nil, &IllegalStateError{Code: byte(v.typ), Where: "property " + id.String()}
		}
		if p.Type != TypeUndefined && v.typ != p.Type {
			return nil, errors.Errorf("property %s: value %d is %s, expected %s", id, i, v.typ, p.Type)
		}
		e.putByte(byte(v.typ))
		switch v.typ {
		case TypeString, TypeName, TypePath, TypeURI, TypeDecimal:
			e.putString(v.s)
		case TypeLong, TypeDate:
			e.putVarint(v.n)
		case TypeDouble:
			e.putUint64(math.Float64bits(v.f))
		case TypeBoolean:
			e.putBool(v.n != 0)
		case TypeReference, TypeWeakReference:
			e.putID(v.ref)
		case TypeBinary:
			if !c.spill(v) {
				e.putByte(binaryInline)
				e.putCount(len(v.bin))
				e.write(v.bin)
				break
			}
			key, err := c.Blobs.CreateID(id, i)
			if err != nil {
				return nil, errors.Wrapf(err, "property %s", id)
			}
			err = c.Blobs.Put(key, bytes.NewReader(v.bin), int64(len(v.bin)))
			if err != nil {
				return nil, errors.Wrapf(err, "storing blob %s", key)
			}
			ids[i] = key
			e.putByte(binaryBlob)
			e.putString(key)
		}
	}
	return ids, nil
}

func (c *Codec) spill(v Value) bool {
	return c.Blobs != nil && c.MinBlobSize > 0 && len(v.bin) >= c.MinBlobSize
}

// ReadBundle decodes a bundle from r. The id is not part of the stream, so
// it is passed in. Values stored in the blob store are fetched before
// returning.
func (c *Codec) ReadBundle(r io.Reader, id NodeID) (*Bundle, error) {
	d := newDecoder(r, c.Names)
	if v := d.getByte(); d.err == nil && v != formatVersion {
		return nil, errors.Wrapf(ErrBadVersion, "bundle %s: version %d", id, v)
	}
	b := &Bundle{ID: id, Properties: make(map[Name]*PropertyEntry)}
	b.NodeType = d.getName()
	if d.getBool() {
		b.ParentID = d.getID()
	}
	b.ModCount = d.getUint16()
	n := d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		b.Mixins = append(b.Mixins, d.getName())
	}
	n = d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		p, err := c.readProperty(d, id)
		if err != nil {
			return nil, err
		}
		b.Properties[p.ID.Name] = p
	}
	n = d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		name := d.getName()
		b.Children = append(b.Children, ChildEntry{Name: name, ID: d.getID()})
	}
	n = d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		b.SharedSet = append(b.SharedSet, d.getID())
	}
	d.getEnd()
	if d.err != nil {
		return nil, errors.Wrapf(d.err, "reading bundle %s", id)
	}
	b.Size = d.n
	return b, nil
}

func (c *Codec) readProperty(d *decoder, parent NodeID) (*PropertyEntry, error) {
	p := &PropertyEntry{ID: PropertyID{Parent: parent, Name: d.getName()}}
	t := PropertyType(d.getByte())
	if d.err != nil {
		return p, nil
	}
	if !t.Valid() {
		return nil, &IllegalStateError{Code: byte(t), Where: "property " + p.ID.String()}
	}
	p.Type = t
	p.MultiValued = d.getBool()
	p.ModCount = d.getUint16()
	n := d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		v, key, err := c.readValue(d, p)
		if err != nil {
			return nil, err
		}
		p.Values = append(p.Values, v)
		p.BlobIDs = append(p.BlobIDs, key)
	}
	return p, nil
}

// readValue decodes one value of p. The returned key is the blob store key
// if the value was stored there.
func (c *Codec) readValue(d *decoder, p *PropertyEntry) (Value, string, error) {
	t, err := d.getValueType(p)
	if err != nil || d.err != nil {
		return Value{}, "", err
	}
	v := Value{typ: t}
	switch t {
	case TypeString, TypeName, TypePath, TypeURI, TypeDecimal:
		v.s = d.getString()
	case TypeLong, TypeDate:
		v.n = d.getVarint()
	case TypeDouble:
		v.f = math.Float64frombits(d.getUint64())
	case TypeBoolean:
		if d.getBool() {
			v.n = 1
		}
	case TypeReference, TypeWeakReference:
		v.ref = d.getID()
	case TypeBinary:
		switch d.getByte() {
		case binaryInline:
			v.bin = d.getBytes(d.getCount())
		case binaryBlob:
			key := d.getString()
			if d.err != nil {
				break
			}
			bin, err := c.fetch(key)
			if err != nil {
				return Value{}, "", errors.Wrapf(err, "property %s", p.ID)
			}
			v.bin = bin
			return v, key, nil
		default:
			d.fail(errors.Wrap(ErrFormat, "unknown binary kind"))
		}
	}
	return v, "", nil
}

func (c *Codec) fetch(key string) ([]byte, error) {
	if c.Blobs == nil {
		return nil, ErrNoBlobStore
	}
	rc, err := c.Blobs.Get(key)
	if err != nil {
		return nil, errors.Wrapf(err, "blob %s", key)
	}
	defer rc.Close()
	p, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "blob %s", key)
	}
	if len(p) == 0 {
		p = nil
	}
	return p, nil
}

// RemoveBlobs deletes every blob referenced by the properties of b, and the
// blobs of properties removed since b was last written.
func (c *Codec) RemoveBlobs(b *Bundle) error {
	if c.Blobs == nil {
		return nil
	}
	keys := append([]string(nil), b.removed...)
	for _, p := range b.Properties {
		if p != nil {
			keys = append(keys, p.BlobIDs...)
		}
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, err := c.Blobs.Remove(key); err != nil {
			return errors.Wrapf(err, "removing blob %s", key)
		}
	}
	return nil
}

// CheckBundle makes a read-only pass over a serialized bundle, checking its
// structure without building values or fetching blobs. The first problem
// found is logged and returned.
func CheckBundle(r io.Reader) error {
	d := newDecoder(r, nil)
	err := checkBundle(d)
	if err == nil {
		err = d.err
	}
	if err != nil {
		log.Printf("bundle check: %s (at byte %d)", err, d.n)
	}
	return err
}

func checkBundle(d *decoder) error {
	if v := d.getByte(); d.err == nil && v != formatVersion {
		return errors.Wrapf(ErrBadVersion, "version %d", v)
	}
	d.skipName()
	if d.getBool() {
		d.skip(16)
	}
	d.skip(2)
	n := d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		d.skipName()
	}
	n = d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		p := &PropertyEntry{ID: PropertyID{Name: Name{Local: "#" + strconv.Itoa(i)}}}
		d.skipName()
		t := PropertyType(d.getByte())
		if d.err != nil {
			break
		}
		if !t.Valid() {
			return &IllegalStateError{Code: byte(t), Where: "property " + p.ID.Name.Local}
		}
		p.Type = t
		d.getBool()
		d.skip(2)
		m := d.getCount()
		for j := 0; j < m && d.err == nil; j++ {
			if err := d.skipValue(p); err != nil {
				return err
			}
		}
	}
	n = d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		d.skipName()
		d.skip(16)
	}
	n = d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		d.skip(16)
	}
	d.getEnd()
	return nil
}

// WriteReferences serializes a references record.
func (c *Codec) WriteReferences(w io.Writer, refs *References) error {
	e := &encoder{w: w, names: c.Names}
	e.putByte(formatVersion)
	e.putCount(len(refs.Refs))
	for _, p := range refs.Refs {
		e.putID(p.Parent)
		e.putName(p.Name)
	}
	e.putByte(endMarker)
	return errors.Wrapf(e.err, "writing references to %s", refs.Target)
}

// ReadReferences decodes the references record for target.
func (c *Codec) ReadReferences(r io.Reader, target NodeID) (*References, error) {
	d := newDecoder(r, c.Names)
	if v := d.getByte(); d.err == nil && v != formatVersion {
		return nil, errors.Wrapf(ErrBadVersion, "references %s: version %d", target, v)
	}
	refs := &References{Target: target}
	n := d.getCount()
	for i := 0; i < n && d.err == nil; i++ {
		parent := d.getID()
		refs.Refs = append(refs.Refs, PropertyID{Parent: parent, Name: d.getName()})
	}
	d.getEnd()
	if d.err != nil {
		return nil, errors.Wrapf(d.err, "reading references %s", target)
	}
	return refs, nil
}

type encoder struct {
	w     io.Writer
	names NameIndex
	n     int64
	err   error
	buf   [binary.MaxVarintLen64]byte
}

func (e *encoder) write(p []byte) {
	if e.err != nil || len(p) == 0 {
		return
	}
	n, err := e.w.Write(p)
	e.n += int64(n)
	e.err = err
}

func (e *encoder) putByte(c byte) {
	e.buf[0] = c
	e.write(e.buf[:1])
}

func (e *encoder) putBool(b bool) {
	if b {
		e.putByte(1)
	} else {
		e.putByte(0)
	}
}

func (e *encoder) putCount(n int) {
	k := binary.PutUvarint(e.buf[:], uint64(n))
	e.write(e.buf[:k])
}

func (e *encoder) putVarint(x int64) {
	k := binary.PutVarint(e.buf[:], x)
	e.write(e.buf[:k])
}

func (e *encoder) putUint16(x uint16) {
	binary.BigEndian.PutUint16(e.buf[:2], x)
	e.write(e.buf[:2])
}

func (e *encoder) putUint64(x uint64) {
	binary.BigEndian.PutUint64(e.buf[:8], x)
	e.write(e.buf[:8])
}

func (e *encoder) putString(s string) {
	e.putCount(len(s))
	e.write([]byte(s))
}

func (e *encoder) putID(id NodeID) {
	e.write(id[:])
}

func (e *encoder) putName(n Name) {
	if e.err != nil {
		return
	}
	i, err := e.names.Index(n.Namespace)
	if err != nil {
		e.err = errors.Wrapf(err, "indexing namespace %q", n.Namespace)
		return
	}
	e.putCount(i)
	e.putString(n.Local)
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// decoder reads the primitives of the format. The first error is kept in
// err and every later read is a no-op.
type decoder struct {
	r     byteReader
	names NameIndex
	n     int64
	err   error
	buf   [8]byte
}

func newDecoder(r io.Reader, names NameIndex) *decoder {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &decoder{r: br, names: names}
}

func (d *decoder) fail(err error) {
	if d.err != nil {
		return
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	d.err = err
}

// ReadByte lets binary.ReadUvarint count the bytes it reads.
func (d *decoder) ReadByte() (byte, error) {
	c, err := d.r.ReadByte()
	if err == nil {
		d.n++
	}
	return c, err
}

func (d *decoder) getByte() byte {
	if d.err != nil {
		return 0
	}
	c, err := d.ReadByte()
	if err != nil {
		d.fail(err)
	}
	return c
}

func (d *decoder) getBool() bool {
	switch d.getByte() {
	case 0:
		return false
	case 1:
		return true
	}
	d.fail(errors.Wrap(ErrFormat, "bad flag byte"))
	return false
}

func (d *decoder) getEnd() {
	if c := d.getByte(); d.err == nil && c != endMarker {
		d.fail(errors.Wrap(ErrFormat, "missing end marker"))
	}
}

func (d *decoder) varintErr(err error) {
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		err = errors.Wrap(ErrFormat, err.Error())
	}
	d.fail(err)
}

func (d *decoder) getCount() int {
	if d.err != nil {
		return 0
	}
	x, err := binary.ReadUvarint(d)
	if err != nil {
		d.varintErr(err)
		return 0
	}
	if x > maxLength {
		d.fail(errors.Wrapf(ErrFormat, "length %d out of range", x))
		return 0
	}
	return int(x)
}

func (d *decoder) getVarint() int64 {
	if d.err != nil {
		return 0
	}
	x, err := binary.ReadVarint(d)
	if err != nil {
		d.varintErr(err)
	}
	return x
}

func (d *decoder) full(p []byte) {
	if d.err != nil {
		return
	}
	n, err := io.ReadFull(d.r, p)
	d.n += int64(n)
	if err != nil {
		d.fail(err)
	}
}

func (d *decoder) getUint16() uint16 {
	d.full(d.buf[:2])
	if d.err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(d.buf[:2])
}

func (d *decoder) getUint64() uint64 {
	d.full(d.buf[:8])
	if d.err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(d.buf[:8])
}

func (d *decoder) getID() NodeID {
	var id NodeID
	d.full(id[:])
	if d.err != nil {
		return NodeID{}
	}
	return id
}

// getBytes reads n bytes. The buffer grows as data arrives, so a corrupt
// length does not cause a large allocation up front.
func (d *decoder) getBytes(n int) []byte {
	if d.err != nil || n == 0 {
		return nil
	}
	p, err := io.ReadAll(io.LimitReader(d.r, int64(n)))
	d.n += int64(len(p))
	if err == nil && len(p) < n {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		d.fail(err)
		return nil
	}
	return p
}

func (d *decoder) getString() string {
	return string(d.getBytes(d.getCount()))
}

func (d *decoder) getName() Name {
	i := d.getCount()
	local := d.getString()
	if d.err != nil {
		return Name{}
	}
	ns, err := d.names.String(i)
	if err != nil {
		d.fail(errors.Wrapf(err, "namespace index %d", i))
		return Name{}
	}
	return Name{Namespace: ns, Local: local}
}

// getValueType reads the type byte of a value belonging to p.
func (d *decoder) getValueType(p *PropertyEntry) (PropertyType, error) {
	t := PropertyType(d.getByte())
	if d.err != nil {
		return TypeUndefined, nil
	}
	if t == TypeUndefined || !t.Valid() {
		return t, &IllegalStateError{Code: byte(t), Where: "value of " + p.ID.String()}
	}
	if p.Type != TypeUndefined && t != p.Type {
		d.fail(errors.Wrapf(ErrFormat, "property %s: %s value in %s property", p.ID, t, p.Type))
	}
	return t, nil
}

func (d *decoder) skip(n int) {
	if d.err != nil || n == 0 {
		return
	}
	m, err := io.CopyN(io.Discard, d.r, int64(n))
	d.n += m
	if err != nil {
		d.fail(err)
	}
}

func (d *decoder) skipName() {
	d.getCount()
	d.skip(d.getCount())
}

func (d *decoder) skipValue(p *PropertyEntry) error {
	t, err := d.getValueType(p)
	if err != nil || d.err != nil {
		return err
	}
	switch t {
	case TypeString, TypeName, TypePath, TypeURI, TypeDecimal:
		d.skip(d.getCount())
	case TypeLong, TypeDate:
		d.getVarint()
	case TypeDouble:
		d.skip(8)
	case TypeBoolean:
		d.getBool()
	case TypeReference, TypeWeakReference:
		d.skip(16)
	case TypeBinary:
		switch d.getByte() {
		case binaryInline, binaryBlob:
			d.skip(d.getCount())
		default:
			d.fail(errors.Wrap(ErrFormat, "unknown binary kind"))
		}
	}
	return nil
}
