// Package dav holds the request and response bodies and the header
// conventions of the WebDAV dialect spoken between the remote client and a
// repository server.
//
// Elements are matched by namespace, not by prefix, since servers are free to
// choose their own prefixes.
package dav

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Namespaces.
const (
	NS    = "DAV:"
	JCRNS = "http://www.day.com/jcr/webdav/1.0"
)

// Methods beyond the ones in net/http.
const (
	MethodPropfind  = "PROPFIND"
	MethodProppatch = "PROPPATCH"
	MethodReport    = "REPORT"
	MethodMkcol     = "MKCOL"
	MethodMove      = "MOVE"
	MethodCopy      = "COPY"
	MethodLock      = "LOCK"
	MethodUnlock    = "UNLOCK"
)

// Headers.
const (
	HeaderLink          = "Link"
	HeaderTransactionID = "TransactionId"
	HeaderLockToken     = "Lock-Token"
	HeaderTimeout       = "Timeout"
	HeaderDestination   = "Destination"
	HeaderOverwrite     = "Overwrite"
	HeaderDepth         = "Depth"
)

// JSONSuffix is appended to a node address to fetch its metadata as JSON,
// without any of its descendants.
const JSONSuffix = ".0.json"

// ValueContentType is the content type prefix of a property value body. The
// property type follows it, e.g. "jcr-value/long".
const ValueContentType = "jcr-value/"

const sessionScheme = "urn:session:"

// SessionLink returns the Link header value that identifies a session.
func SessionLink(id string) string {
	return "<" + sessionScheme + id + ">"
}

// ParseSessionLink returns the session id in a Link header value, or "" if
// there is none.
func ParseSessionLink(h string) string {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "<"+sessionScheme) || !strings.HasSuffix(h, ">") {
		return ""
	}
	return h[len(sessionScheme)+1 : len(h)-1]
}

// CodedURL wraps a lock token in angle brackets, as the Lock-Token header
// wants it.
func CodedURL(token string) string {
	return "<" + token + ">"
}

// ParseCodedURL removes the angle brackets around a lock token, if any.
func ParseCodedURL(h string) string {
	h = strings.TrimSpace(h)
	return strings.TrimSuffix(strings.TrimPrefix(h, "<"), ">")
}

// Empty is an element without content, used as a flag.
type Empty struct{}

// LocateByUUID is the REPORT body asking for the address of the node with
// the given unique id.
type LocateByUUID struct {
	XMLName xml.Name `xml:"http://www.day.com/jcr/webdav/1.0 locate-by-uuid"`
	Href    string   `xml:"DAV: href"`
}

// Propfind asks for the resource type only. It is used to test for
// existence.
type Propfind struct {
	XMLName xml.Name `xml:"DAV: propfind"`
	Prop    struct {
		ResourceType *Empty `xml:"DAV: resourcetype"`
	} `xml:"DAV: prop"`
}

// Multistatus is the body of a 207 response.
type Multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []Response `xml:"DAV: response"`
}

type Response struct {
	Href   string `xml:"DAV: href"`
	Status string `xml:"DAV: status,omitempty"`
}

// LockInfo is the body of a LOCK request.
type LockInfo struct {
	XMLName xml.Name  `xml:"DAV: lockinfo"`
	Scope   LockScope `xml:"DAV: lockscope"`
	Type    LockType  `xml:"DAV: locktype"`
	Owner   string    `xml:"DAV: owner,omitempty"`
}

type LockScope struct {
	Exclusive *Empty `xml:"DAV: exclusive"`
	Shared    *Empty `xml:"DAV: shared"`
}

type LockType struct {
	Write       *Empty `xml:"DAV: write"`
	Transaction *Empty `xml:"http://www.day.com/jcr/webdav/1.0 transaction"`
}

// TransactionLock returns the lock request that opens a transaction.
func TransactionLock(owner string) *LockInfo {
	return &LockInfo{
		Scope: LockScope{Exclusive: &Empty{}},
		Type:  LockType{Transaction: &Empty{}},
		Owner: owner,
	}
}

// TransactionInfo is the body of the UNLOCK request that ends a transaction.
type TransactionInfo struct {
	XMLName xml.Name          `xml:"http://www.day.com/jcr/webdav/1.0 transactioninfo"`
	Status  TransactionStatus `xml:"http://www.day.com/jcr/webdav/1.0 transactionstatus"`
}

type TransactionStatus struct {
	Commit   *Empty `xml:"http://www.day.com/jcr/webdav/1.0 commit"`
	Rollback *Empty `xml:"http://www.day.com/jcr/webdav/1.0 rollback"`
}

// EndTransaction returns the body that commits or rolls back a transaction.
func EndTransaction(commit bool) *TransactionInfo {
	t := &TransactionInfo{}
	if commit {
		t.Status.Commit = &Empty{}
	} else {
		t.Status.Rollback = &Empty{}
	}
	return t
}

// PropertyUpdate is the body of a PROPPATCH request. Only the mixin types of
// a node can be set this way.
type PropertyUpdate struct {
	XMLName xml.Name `xml:"DAV: propertyupdate"`
	Set     *PropSet `xml:"DAV: set"`
}

type PropSet struct {
	Prop struct {
		Mixins *MixinNodeTypes `xml:"http://www.day.com/jcr/webdav/1.0 mixinnodetypes"`
	} `xml:"DAV: prop"`
}

type MixinNodeTypes struct {
	NodeTypes []NodeType `xml:"http://www.day.com/jcr/webdav/1.0 nodetype"`
}

type NodeType struct {
	Name string `xml:"http://www.day.com/jcr/webdav/1.0 nodetypename"`
}

// SetMixins returns the PROPPATCH body replacing the mixin types of a node.
func SetMixins(mixins []string) *PropertyUpdate {
	u := &PropertyUpdate{Set: &PropSet{}}
	u.Set.Prop.Mixins = &MixinNodeTypes{}
	for _, m := range mixins {
		u.Set.Prop.Mixins.NodeTypes = append(u.Set.Prop.Mixins.NodeTypes, NodeType{Name: m})
	}
	return u
}

// Mixins returns the mixin names set by u. The second result is false if u
// does not set them.
func (u *PropertyUpdate) Mixins() ([]string, bool) {
	if u.Set == nil || u.Set.Prop.Mixins == nil {
		return nil, false
	}
	result := []string{}
	for _, nt := range u.Set.Prop.Mixins.NodeTypes {
		result = append(result, nt.Name)
	}
	return result, true
}

// Encode serializes v as an XML document.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "dav: encode")
	}
	return buf.Bytes(), nil
}

// Decode reads one XML document from r into v.
func Decode(r io.Reader, v interface{}) error {
	err := xml.NewDecoder(r).Decode(v)
	return errors.Wrap(err, "dav: decode")
}
