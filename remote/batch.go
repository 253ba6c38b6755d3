package remote

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/bundlestore/remote/dav"
)

// A Value is the new value of a property. Type is a property type name such
// as "String" or "Long".
type Value struct {
	Type string
	Text string
}

// StringValue returns a value of type String.
func StringValue(s string) Value {
	return Value{Type: "String", Text: s}
}

// A Batch collects changes to the items below one target node, and sends
// them all at once inside a transaction. A Batch is used by one goroutine.
// Once submitted or disposed it cannot be used again.
type Batch struct {
	svc      *Service
	session  *SessionInfo
	target   NodeID
	state    batchState
	requests []*request

	// what to forget once the batch is sent
	clearAll bool
	drops    []ItemID
}

type batchState int

const (
	batchOpen batchState = iota
	batchConsumed
)

// CreateBatch starts a batch of changes for the session. The transaction is
// held on target, which needs to exist.
func (s *Service) CreateBatch(si *SessionInfo, target NodeID) (*Batch, error) {
	if _, err := s.client(si); err != nil {
		return nil, err
	}
	return &Batch{svc: s, session: si, target: target}, nil
}

// Len returns the number of requests in the batch.
func (b *Batch) Len() int {
	return len(b.requests)
}

func (b *Batch) add(r *request) error {
	if b.state != batchOpen {
		return ErrBatchConsumed
	}
	b.requests = append(b.requests, r)
	return nil
}

func (b *Batch) resolve(id ItemID) (string, error) {
	if b.state != batchOpen {
		return "", ErrBatchConsumed
	}
	return b.svc.resolver.ItemURI(b.session, id)
}

type nodeBody struct {
	PrimaryType string `json:"primaryType,omitempty"`
	UUID        string `json:"uuid,omitempty"`
}

// AddNode adds a child named name to parent. The unique id may be empty.
func (b *Batch) AddNode(parent NodeID, name, nodeType, uniqueID string) error {
	uri, err := b.resolve(parent)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(nodeBody{PrimaryType: nodeType, UUID: uniqueID})
	return b.add(newRequest(dav.MethodMkcol, uri+"/"+url.PathEscape(name), body, "application/json"))
}

// AddProperty adds a property to parent.
func (b *Batch) AddProperty(parent NodeID, name string, v Value) error {
	uri, err := b.resolve(parent)
	if err != nil {
		return err
	}
	return b.add(putValue(uri+"/"+url.PathEscape(name), v))
}

// SetValue changes the value of a property.
func (b *Batch) SetValue(id PropertyID, v Value) error {
	uri, err := b.resolve(id)
	if err != nil {
		return err
	}
	return b.add(putValue(uri, v))
}

func putValue(uri string, v Value) *request {
	return newRequest(http.MethodPut, uri, []byte(v.Text), dav.ValueContentType+strings.ToLower(v.Type))
}

// Remove deletes a node, with everything below it, or a property.
func (b *Batch) Remove(id ItemID) error {
	uri, err := b.resolve(id)
	if err != nil {
		return err
	}
	if err := b.add(newRequest(http.MethodDelete, uri, nil, "")); err != nil {
		return err
	}
	if nid, ok := id.(NodeID); ok && nid.UniqueID != "" && len(nid.Path) == 0 {
		// any cached id may run through the removed node
		b.clearAll = true
	} else {
		b.drops = append(b.drops, id)
	}
	return nil
}

// Move moves a node below destParent, giving it the name name.
func (b *Batch) Move(id NodeID, destParent NodeID, name string) error {
	src, err := b.resolve(id)
	if err != nil {
		return err
	}
	dest, err := b.resolve(destParent)
	if err != nil {
		return err
	}
	r := newRequest(dav.MethodMove, src, nil, "")
	r.header.Set(dav.HeaderDestination, dest+"/"+url.PathEscape(name))
	r.header.Set(dav.HeaderOverwrite, "F")
	if err := b.add(r); err != nil {
		return err
	}
	b.clearAll = true
	return nil
}

// Copy copies a node, with everything below it, to destParent under the
// name name. Copied nodes get new unique ids, so nothing cached goes stale.
func (b *Batch) Copy(id NodeID, destParent NodeID, name string) error {
	src, err := b.resolve(id)
	if err != nil {
		return err
	}
	dest, err := b.resolve(destParent)
	if err != nil {
		return err
	}
	r := newRequest(dav.MethodCopy, src, nil, "")
	r.header.Set(dav.HeaderDestination, dest+"/"+url.PathEscape(name))
	r.header.Set(dav.HeaderDepth, "infinity")
	r.header.Set(dav.HeaderOverwrite, "F")
	return b.add(r)
}

// SetMixins replaces the mixin types of a node.
func (b *Batch) SetMixins(id NodeID, mixins []string) error {
	uri, err := b.resolve(id)
	if err != nil {
		return err
	}
	body, err := dav.Encode(dav.SetMixins(mixins))
	if err != nil {
		return err
	}
	return b.add(newRequest(dav.MethodProppatch, uri, body, "application/xml"))
}

// Submit sends the batch. The target is locked, which opens a transaction,
// the requests are sent in the order they were added, and the lock is
// released with a commit if every request worked or with a rollback
// otherwise.
func (s *Service) Submit(b *Batch) error {
	if b.state != batchOpen {
		return ErrBatchConsumed
	}
	b.state = batchConsumed

	target, err := s.resolver.NodeURI(b.session, b.target)
	if err != nil {
		return err
	}
	token, err := s.lock(b.session, target)
	if err != nil {
		return err
	}
	for i, r := range b.requests {
		r.header.Set(dav.HeaderTransactionID, dav.CodedURL(token))
		var resp *http.Response
		resp, err = s.do(b.session, r, true)
		if err == nil {
			err = checkStatus(resp, http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusMultiStatus)
			if err == nil {
				resp.Body.Close()
			}
		}
		if err != nil {
			err = errors.Wrapf(err, "batch request %d", i)
			break
		}
	}
	commit := err == nil
	if uerr := s.unlock(b.session, target, token, commit); uerr != nil && err == nil {
		err = uerr
	}
	if err == nil {
		b.forget()
	} else {
		log.Printf("batch on %s: %s", b.target, err)
		raven.CaptureError(err, map[string]string{"target": b.target.String()})
	}
	return err
}

// forget drops the cached addresses the batch has made stale.
func (b *Batch) forget() {
	r := b.svc.resolver
	if b.clearAll {
		r.ClearCache(b.session)
		return
	}
	for _, id := range b.drops {
		r.Remove(b.session, id)
	}
}

// Dispose gives up on a batch that was not submitted.
func (b *Batch) Dispose() {
	b.state = batchConsumed
	b.requests = nil
}

func (s *Service) lock(si *SessionInfo, target string) (string, error) {
	body, err := dav.Encode(dav.TransactionLock(si.User))
	if err != nil {
		return "", err
	}
	r := newRequest(dav.MethodLock, target, body, "application/xml")
	r.header.Set(dav.HeaderTimeout, "Infinite")
	resp, err := s.do(si, r, true)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		resp.Body.Close()
		return "", ErrInvalidState
	}
	if err := checkStatus(resp, http.StatusOK, http.StatusCreated); err != nil {
		return "", err
	}
	resp.Body.Close()
	token := dav.ParseCodedURL(resp.Header.Get(dav.HeaderLockToken))
	if token == "" {
		return "", errors.Errorf("no lock token in response to %s", r)
	}
	return token, nil
}

func (s *Service) unlock(si *SessionInfo, target, token string, commit bool) error {
	body, err := dav.Encode(dav.EndTransaction(commit))
	if err != nil {
		return err
	}
	r := newRequest(dav.MethodUnlock, target, body, "application/xml")
	r.header.Set(dav.HeaderLockToken, dav.CodedURL(token))
	r.header.Set(dav.HeaderTransactionID, dav.CodedURL(token))
	resp, err := s.do(si, r, true)
	if err != nil {
		return err
	}
	if err := checkStatus(resp, http.StatusOK, http.StatusNoContent); err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
