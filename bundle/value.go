package bundle

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// PropertyType is the type code stored with every property and value.
// These values are part of the stored format; do not renumber them.
type PropertyType uint8

const (
	TypeUndefined PropertyType = iota
	TypeString
	TypeBinary
	TypeLong
	TypeDouble
	TypeDate
	TypeBoolean
	TypeName
	TypePath
	TypeReference
	TypeWeakReference
	TypeURI
	TypeDecimal

	maxPropertyType = TypeDecimal
)

var typeNames = [...]string{
	TypeUndefined:     "undefined",
	TypeString:        "String",
	TypeBinary:        "Binary",
	TypeLong:          "Long",
	TypeDouble:        "Double",
	TypeDate:          "Date",
	TypeBoolean:       "Boolean",
	TypeName:          "Name",
	TypePath:          "Path",
	TypeReference:     "Reference",
	TypeWeakReference: "WeakReference",
	TypeURI:           "URI",
	TypeDecimal:       "Decimal",
}

func (t PropertyType) String() string {
	if t <= maxPropertyType {
		return typeNames[t]
	}
	return "PropertyType(" + strconv.Itoa(int(t)) + ")"
}

// Valid is true for every known type code.
func (t PropertyType) Valid() bool { return t <= maxPropertyType }

// A Value is a single typed property value. The zero Value is undefined.
type Value struct {
	typ PropertyType
	s   string  // String, Name, Path, URI, Decimal
	n   int64   // Long, Boolean, Date (unix nanoseconds)
	f   float64 // Double
	ref NodeID  // Reference, WeakReference
	bin []byte  // Binary
}

func StringValue(s string) Value  { return Value{typ: TypeString, s: s} }
func LongValue(n int64) Value     { return Value{typ: TypeLong, n: n} }
func DoubleValue(f float64) Value { return Value{typ: TypeDouble, f: f} }
func PathValue(p string) Value    { return Value{typ: TypePath, s: p} }
func URIValue(u string) Value     { return Value{typ: TypeURI, s: u} }
func DecimalValue(d string) Value { return Value{typ: TypeDecimal, s: d} }
func NameValue(n Name) Value      { return Value{typ: TypeName, s: n.String()} }
func DateValue(t time.Time) Value { return Value{typ: TypeDate, n: t.UnixNano()} }
func ReferenceValue(id NodeID) Value {
	return Value{typ: TypeReference, ref: id}
}

func WeakReferenceValue(id NodeID) Value {
	return Value{typ: TypeWeakReference, ref: id}
}

func BooleanValue(b bool) Value {
	v := Value{typ: TypeBoolean}
	if b {
		v.n = 1
	}
	return v
}

// BinaryValue copies b into a new binary value.
func BinaryValue(b []byte) Value {
	v := Value{typ: TypeBinary}
	if len(b) > 0 {
		v.bin = append([]byte(nil), b...)
	}
	return v
}

func (v Value) Type() PropertyType { return v.typ }

// String returns the textual form of any value.
func (v Value) String() string {
	switch v.typ {
	case TypeString, TypeName, TypePath, TypeURI, TypeDecimal:
		return v.s
	case TypeLong:
		return strconv.FormatInt(v.n, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeBoolean:
		return strconv.FormatBool(v.n != 0)
	case TypeDate:
		return v.Date().Format(time.RFC3339Nano)
	case TypeReference, TypeWeakReference:
		return v.ref.String()
	case TypeBinary:
		return fmt.Sprintf("<%d bytes>", len(v.bin))
	}
	return ""
}

func (v Value) Long() int64         { return v.n }
func (v Value) Double() float64     { return v.f }
func (v Value) Boolean() bool       { return v.n != 0 }
func (v Value) Date() time.Time     { return time.Unix(0, v.n).UTC() }
func (v Value) Reference() NodeID   { return v.ref }
func (v Value) Binary() []byte      { return v.bin }
func (v Value) Name() (Name, error) { return ParseName(v.s) }

// Equal reports whether two values have the same type and content.
func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.s == o.s && v.n == o.n && v.f == o.f &&
		v.ref == o.ref && bytes.Equal(v.bin, o.bin)
}

// IsReference is true for both strong and weak references.
func (v Value) IsReference() bool {
	return v.typ == TypeReference || v.typ == TypeWeakReference
}
