// Package davtest provides an in-memory repository server speaking the
// WebDAV dialect of package remote, for use in tests.
//
// The first segment of every address is the workspace name. A LOCK of type
// transaction opens a transaction on the whole workspace: requests carrying
// its token work on a private copy of the tree, which replaces the real tree
// when the transaction is committed by UNLOCK. Only one transaction may be
// open per workspace; a second LOCK fails with 412.
package davtest

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/bundlestore/remote/dav"
)

// Server is an http.Handler holding workspaces in memory. It is safe for
// concurrent use; requests are handled one at a time.
type Server struct {
	router *httprouter.Router

	m          sync.Mutex
	workspaces map[string]*Node
	txs        map[string]*transaction // by lock token
	counts     map[string]int          // requests by method
}

type transaction struct {
	workspace string
	root      *Node
}

// New returns a server with an empty tree for each named workspace.
func New(workspaces ...string) *Server {
	s := &Server{
		router:     httprouter.New(),
		workspaces: make(map[string]*Node),
		txs:        make(map[string]*transaction),
		counts:     make(map[string]int),
	}
	for _, ws := range workspaces {
		s.workspaces[ws] = newNode("", "rep:root", "")
	}
	var routes = []struct {
		method string
		h      func(*view, http.ResponseWriter, *http.Request)
	}{
		{dav.MethodPropfind, s.propfind},
		{dav.MethodReport, s.report},
		{http.MethodGet, s.get},
		{dav.MethodMkcol, s.mkcol},
		{http.MethodPut, s.put},
		{http.MethodDelete, s.delete},
		{dav.MethodMove, s.move},
		{dav.MethodCopy, s.copy},
		{dav.MethodProppatch, s.proppatch},
		{dav.MethodLock, s.lock},
		{dav.MethodUnlock, s.unlock},
	}
	for _, r := range routes {
		s.router.Handle(r.method, "/*path", s.wrap(r.h))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.m.Lock()
	defer s.m.Unlock()
	s.counts[r.Method]++
	s.router.ServeHTTP(w, r)
}

// A view is the tree a request works on.
type view struct {
	workspace string
	segs      []string // below the workspace
	root      *Node
	tx        *transaction
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, dav.MethodPropfind, dav.MethodReport:
		return false
	}
	return true
}

func (s *Server) wrap(h func(*view, http.ResponseWriter, *http.Request)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		segs := splitPath(ps.ByName("path"))
		if len(segs) == 0 {
			http.Error(w, "no workspace", http.StatusNotFound)
			return
		}
		v := &view{workspace: segs[0], segs: segs[1:]}
		if len(segs) == 1 && r.Method == http.MethodGet && strings.HasSuffix(segs[0], dav.JSONSuffix) {
			// metadata of the workspace root
			v.workspace = strings.TrimSuffix(segs[0], dav.JSONSuffix)
			v.segs = []string{dav.JSONSuffix}
		}
		v.root = s.workspaces[v.workspace]
		if v.root == nil {
			http.Error(w, "no such workspace", http.StatusNotFound)
			return
		}
		if mutating(r.Method) && dav.ParseSessionLink(r.Header.Get(dav.HeaderLink)) == "" {
			http.Error(w, "no session", http.StatusBadRequest)
			return
		}
		if txid := r.Header.Get(dav.HeaderTransactionID); txid != "" {
			v.tx = s.txs[dav.ParseCodedURL(txid)]
			if v.tx == nil || v.tx.workspace != v.workspace {
				http.Error(w, "no such transaction", http.StatusPreconditionFailed)
				return
			}
			v.root = v.tx.root
		}
		h(v, w, r)
	}
}

func (s *Server) writeMultistatus(w http.ResponseWriter, hrefs []string) {
	var ms dav.Multistatus
	for _, h := range hrefs {
		ms.Responses = append(ms.Responses, dav.Response{Href: h, Status: "HTTP/1.1 200 OK"})
	}
	buf, err := dav.Encode(&ms)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(buf)
}

// item finds the node or property at the address of the view.
func (v *view) item() (chain []*Node, prop string) {
	chain = lookup(v.root, v.segs)
	if chain != nil {
		return chain, ""
	}
	if len(v.segs) == 0 {
		return nil, ""
	}
	chain = lookup(v.root, v.segs[:len(v.segs)-1])
	if chain == nil {
		return nil, ""
	}
	name := v.segs[len(v.segs)-1]
	if _, ok := chain[len(chain)-1].Properties[name]; !ok {
		return nil, ""
	}
	return chain, name
}

func (s *Server) propfind(v *view, w http.ResponseWriter, r *http.Request) {
	if chain, _ := v.item(); chain == nil {
		http.NotFound(w, r)
		return
	}
	s.writeMultistatus(w, []string{r.URL.EscapedPath()})
}

func (s *Server) report(v *view, w http.ResponseWriter, r *http.Request) {
	var q dav.LocateByUUID
	if err := dav.Decode(r.Body, &q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var hrefs []string
	start := []string{url.PathEscape(v.workspace)}
	v.root.walk(start, func(n *Node, segs []string) {
		if n.UUID != "" && n.UUID == q.Href {
			hrefs = append(hrefs, "/"+strings.Join(segs, "/"))
		}
	})
	s.writeMultistatus(w, hrefs)
}

func (s *Server) get(v *view, w http.ResponseWriter, r *http.Request) {
	last := len(v.segs) - 1
	if last >= 0 && strings.HasSuffix(v.segs[last], dav.JSONSuffix) {
		v.segs[last] = strings.TrimSuffix(v.segs[last], dav.JSONSuffix)
		s.getJSON(v, w, r)
		return
	}
	chain, prop := v.item()
	if chain == nil || prop == "" {
		http.NotFound(w, r)
		return
	}
	p := chain[len(chain)-1].Properties[prop]
	w.Header().Set("Content-Type", dav.ValueContentType+p.Type)
	w.Write([]byte(p.Value))
}

func (s *Server) getJSON(v *view, w http.ResponseWriter, r *http.Request) {
	if len(v.segs) > 0 && v.segs[len(v.segs)-1] == "" {
		// the workspace root itself
		v.segs = v.segs[:len(v.segs)-1]
	}
	chain := lookup(v.root, v.segs)
	if chain == nil {
		http.NotFound(w, r)
		return
	}
	n := chain[len(chain)-1]
	index := 1
	if len(chain) > 1 {
		index = chain[len(chain)-2].indexOf(n)
	}
	props := make(map[string]string)
	for k, p := range n.Properties {
		props[k] = p.Value
	}
	mixins := n.Mixins
	if mixins == nil {
		mixins = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":        n.Name,
		"index":       index,
		"uuid":        n.UUID,
		"primaryType": n.PrimaryType,
		"mixins":      mixins,
		"properties":  props,
	})
}

func (s *Server) hasUUID(root *Node, id string) bool {
	found := false
	root.walk(nil, func(n *Node, _ []string) {
		found = found || n.UUID == id
	})
	return found
}

func (s *Server) mkcol(v *view, w http.ResponseWriter, r *http.Request) {
	if len(v.segs) == 0 {
		http.Error(w, "exists", http.StatusMethodNotAllowed)
		return
	}
	chain := lookup(v.root, v.segs[:len(v.segs)-1])
	if chain == nil {
		http.Error(w, "no parent", http.StatusConflict)
		return
	}
	name, _, ok := parseSegment(v.segs[len(v.segs)-1])
	if !ok {
		http.Error(w, "bad name", http.StatusBadRequest)
		return
	}
	var body struct {
		PrimaryType string `json:"primaryType"`
		UUID        string `json:"uuid"`
	}
	buf, _ := ioutil.ReadAll(r.Body)
	if len(buf) > 0 {
		if err := json.Unmarshal(buf, &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if body.UUID != "" && s.hasUUID(v.root, body.UUID) {
		http.Error(w, "duplicate uuid", http.StatusConflict)
		return
	}
	parent := chain[len(chain)-1]
	parent.Children = append(parent.Children, newNode(name, body.PrimaryType, body.UUID))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) put(v *view, w http.ResponseWriter, r *http.Request) {
	if len(v.segs) == 0 {
		http.Error(w, "no property name", http.StatusMethodNotAllowed)
		return
	}
	chain := lookup(v.root, v.segs[:len(v.segs)-1])
	if chain == nil {
		http.Error(w, "no parent", http.StatusConflict)
		return
	}
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, dav.ValueContentType) {
		http.Error(w, "not a value", http.StatusUnsupportedMediaType)
		return
	}
	buf, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := chain[len(chain)-1]
	name := v.segs[len(v.segs)-1]
	_, existed := n.Properties[name]
	n.Properties[name] = Property{Type: strings.TrimPrefix(ct, dav.ValueContentType), Value: string(buf)}
	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) delete(v *view, w http.ResponseWriter, r *http.Request) {
	chain, prop := v.item()
	switch {
	case chain == nil:
		http.NotFound(w, r)
		return
	case prop != "":
		delete(chain[len(chain)-1].Properties, prop)
	case len(chain) == 1:
		http.Error(w, "cannot remove the root", http.StatusForbidden)
		return
	default:
		chain[len(chain)-2].detach(chain[len(chain)-1])
	}
	w.WriteHeader(http.StatusNoContent)
}

// destination finds the parent named by the Destination header, and the
// new name. It writes the error response when there is none.
func destination(v *view, w http.ResponseWriter, r *http.Request) (*Node, string, bool) {
	dest, err := url.Parse(r.Header.Get(dav.HeaderDestination))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, "", false
	}
	dsegs := splitPath(dest.Path)
	if len(dsegs) < 2 || dsegs[0] != v.workspace {
		http.Error(w, "bad destination", http.StatusBadGateway)
		return nil, "", false
	}
	dsegs = dsegs[1:]
	name, _, ok := parseSegment(dsegs[len(dsegs)-1])
	dchain := lookup(v.root, dsegs[:len(dsegs)-1])
	if !ok || dchain == nil {
		http.Error(w, "no destination parent", http.StatusConflict)
		return nil, "", false
	}
	return dchain[len(dchain)-1], name, true
}

func (s *Server) move(v *view, w http.ResponseWriter, r *http.Request) {
	chain := lookup(v.root, v.segs)
	if chain == nil {
		http.NotFound(w, r)
		return
	}
	if len(chain) == 1 {
		http.Error(w, "cannot move the root", http.StatusForbidden)
		return
	}
	target, name, ok := destination(v, w, r)
	if !ok {
		return
	}
	n := chain[len(chain)-1]
	if n.contains(target) {
		http.Error(w, "cannot move below itself", http.StatusForbidden)
		return
	}
	chain[len(chain)-2].detach(n)
	n.Name = name
	target.Children = append(target.Children, n)
	w.WriteHeader(http.StatusCreated)
}

// copy duplicates a subtree. Nodes of the copy which had a uuid are given
// new ones.
func (s *Server) copy(v *view, w http.ResponseWriter, r *http.Request) {
	chain := lookup(v.root, v.segs)
	if chain == nil {
		http.NotFound(w, r)
		return
	}
	if len(chain) == 1 {
		http.Error(w, "cannot copy the root", http.StatusForbidden)
		return
	}
	target, name, ok := destination(v, w, r)
	if !ok {
		return
	}
	c := chain[len(chain)-1].clone()
	c.Name = name
	c.renumber()
	target.Children = append(target.Children, c)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) proppatch(v *view, w http.ResponseWriter, r *http.Request) {
	chain := lookup(v.root, v.segs)
	if chain == nil {
		http.NotFound(w, r)
		return
	}
	var u dav.PropertyUpdate
	if err := dav.Decode(r.Body, &u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mixins, ok := u.Mixins()
	if !ok {
		http.Error(w, "only mixins can be set", http.StatusForbidden)
		return
	}
	chain[len(chain)-1].Mixins = mixins
	s.writeMultistatus(w, []string{r.URL.EscapedPath()})
}

func (s *Server) lock(v *view, w http.ResponseWriter, r *http.Request) {
	if lookup(v.root, v.segs) == nil {
		http.NotFound(w, r)
		return
	}
	var li dav.LockInfo
	if err := dav.Decode(r.Body, &li); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if li.Type.Transaction == nil || li.Scope.Exclusive == nil {
		http.Error(w, "only exclusive transaction locks", http.StatusBadRequest)
		return
	}
	for _, tx := range s.txs {
		if tx.workspace == v.workspace {
			http.Error(w, "workspace is locked", http.StatusPreconditionFailed)
			return
		}
	}
	token := s.begin(v.workspace)
	w.Header().Set(dav.HeaderLockToken, dav.CodedURL(token))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) begin(workspace string) string {
	token := "opaquelocktoken:" + uuid.New().String()
	s.txs[token] = &transaction{
		workspace: workspace,
		root:      s.workspaces[workspace].clone(),
	}
	return token
}

func (s *Server) unlock(v *view, w http.ResponseWriter, r *http.Request) {
	token := dav.ParseCodedURL(r.Header.Get(dav.HeaderLockToken))
	tx := s.txs[token]
	if tx == nil || tx.workspace != v.workspace {
		http.Error(w, "no such lock", http.StatusPreconditionFailed)
		return
	}
	var ti dav.TransactionInfo
	if err := dav.Decode(r.Body, &ti); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case ti.Status.Commit != nil:
		s.workspaces[tx.workspace] = tx.root
	case ti.Status.Rollback != nil:
		log.Printf("davtest: rollback of %s", token)
	default:
		http.Error(w, "neither commit nor rollback", http.StatusBadRequest)
		return
	}
	delete(s.txs, token)
	w.WriteHeader(http.StatusNoContent)
}

// AddNode adds a node directly to the committed tree of a workspace. The
// parent is given as a path of segments such as "a/b[2]".
func (s *Server) AddNode(workspace, parent, name, uniqueID string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	root := s.workspaces[workspace]
	if root == nil {
		return false
	}
	chain := lookup(root, splitPath(parent))
	if chain == nil {
		return false
	}
	p := chain[len(chain)-1]
	p.Children = append(p.Children, newNode(name, "", uniqueID))
	return true
}

// Node returns a copy of the committed node at path, or nil.
func (s *Server) Node(workspace, path string) *Node {
	s.m.Lock()
	defer s.m.Unlock()
	root := s.workspaces[workspace]
	if root == nil {
		return nil
	}
	chain := lookup(root, splitPath(path))
	if chain == nil {
		return nil
	}
	return chain[len(chain)-1].clone()
}

// Hold opens a transaction on a workspace, as another client would, and
// returns a function rolling it back.
func (s *Server) Hold(workspace string) func() {
	s.m.Lock()
	defer s.m.Unlock()
	token := s.begin(workspace)
	return func() {
		s.m.Lock()
		delete(s.txs, token)
		s.m.Unlock()
	}
}

// Open returns the number of open transactions.
func (s *Server) Open() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.txs)
}

// Count returns the number of requests received with the given method.
func (s *Server) Count(method string) int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.counts[method]
}
