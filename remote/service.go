// Package remote is a client for a content repository reached over WebDAV.
//
// A Service hands out sessions, one per user and workspace. Items are named
// by ids (NodeID and PropertyID) and the Resolver maps those ids to the
// addresses of their resources on the server, caching the answers. Changes
// are collected in a Batch and sent inside one server side transaction, so
// either all of them take effect or none do.
package remote

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/ndlib/bundlestore/idcache"
	"github.com/ndlib/bundlestore/remote/dav"
)

// Options configure a Service.
type Options struct {
	// RepositoryURI is the base address of the repository. Workspaces are
	// found directly below it.
	RepositoryURI string

	// MaxConnsPerHost bounds the connections kept open to the server,
	// shared between all sessions. Zero means 20.
	MaxConnsPerHost int

	// CacheSize is the number of id to address entries kept per workspace.
	// Zero means idcache.DefaultSize.
	CacheSize int

	// Timeout limits a single request. Zero means 10 minutes.
	Timeout time.Duration
}

// A SessionInfo identifies a session obtained from a Service.
type SessionInfo struct {
	ID        string
	User      string
	Workspace string
}

// Service is the entry point to a remote repository. It is safe for
// concurrent use. Sessions share one pool of connections, which is closed
// when the last session is disposed.
type Service struct {
	repository string
	opts       Options
	resolver   *Resolver

	clients *cache.Cache // session id -> *http.Client

	m         sync.Mutex // protects transport and refs
	transport *http.Transport
	refs      int
}

// New returns a Service for the repository in opts.
func New(opts Options) (*Service, error) {
	u, err := url.Parse(opts.RepositoryURI)
	if err != nil {
		return nil, errors.Wrap(err, "remote: repository address")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("remote: unsupported repository address %q", opts.RepositoryURI)
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute // arbitrary
	}
	s := &Service{
		repository: strings.TrimRight(opts.RepositoryURI, "/"),
		opts:       opts,
		clients:    cache.New(cache.NoExpiration, 0),
	}
	s.clients.OnEvicted(func(string, interface{}) { s.release() })
	s.resolver = newResolver(s, idcache.NewSet(opts.CacheSize))
	return s, nil
}

// Resolver returns the id to address resolver of the service.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// WorkspaceURI returns the base address of a workspace.
func (s *Service) WorkspaceURI(workspace string) string {
	return s.repository + "/" + url.PathEscape(workspace)
}

// Obtain starts a new session for user on workspace.
func (s *Service) Obtain(user, workspace string) (*SessionInfo, error) {
	if workspace == "" {
		return nil, errors.New("remote: no workspace given")
	}
	si := &SessionInfo{
		ID:        uuid.New().String(),
		User:      user,
		Workspace: workspace,
	}
	client := &http.Client{
		Transport: s.acquire(),
		Timeout:   s.opts.Timeout,
	}
	s.clients.Set(si.ID, client, cache.NoExpiration)
	return si, nil
}

// Dispose ends a session. It is not an error to dispose a session twice.
func (s *Service) Dispose(si *SessionInfo) {
	s.clients.Delete(si.ID)
}

func (s *Service) acquire() *http.Transport {
	s.m.Lock()
	defer s.m.Unlock()
	if s.transport == nil {
		s.transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxConnsPerHost:     s.opts.MaxConnsPerHost,
			MaxIdleConnsPerHost: s.opts.MaxConnsPerHost,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	s.refs++
	return s.transport
}

func (s *Service) release() {
	s.m.Lock()
	defer s.m.Unlock()
	s.refs--
	if s.refs > 0 {
		return
	}
	if s.transport != nil {
		s.transport.CloseIdleConnections()
		s.transport = nil
	}
	s.refs = 0
}

func (s *Service) client(si *SessionInfo) (*http.Client, error) {
	v, ok := s.clients.Get(si.ID)
	if !ok {
		return nil, ErrUnknownSession
	}
	return v.(*http.Client), nil
}

// A request is everything needed to send one request, more than once if
// need be.
type request struct {
	method string
	uri    string
	header http.Header
	body   []byte
}

func newRequest(method, uri string, body []byte, contentType string) *request {
	r := &request{method: method, uri: uri, header: make(http.Header), body: body}
	if contentType != "" {
		r.header.Set("Content-Type", contentType)
	}
	return r
}

func (r *request) String() string {
	return r.method + " " + r.uri
}

// do sends r for the session. Requests that change state carry the session
// header.
func (s *Service) do(si *SessionInfo, r *request, mutating bool) (*http.Response, error) {
	client, err := s.client(si)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequest(r.method, r.uri, body)
	if err != nil {
		return nil, errors.Wrap(err, r.String())
	}
	for k, v := range r.header {
		req.Header[k] = v
	}
	if mutating {
		req.Header.Set(dav.HeaderLink, dav.SessionLink(si.ID))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, r.String())
	}
	return resp, nil
}

// doJasonGet fetches a JSON document.
func (s *Service) doJasonGet(si *SessionInfo, uri string) (*jason.Object, error) {
	r := newRequest(http.MethodGet, uri, nil, "")
	r.header.Set("Accept", "application/json")
	resp, err := s.do(si, r, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if err := checkStatus(resp, http.StatusOK); err != nil {
		log.Printf("GET %s: %s", uri, err)
		return nil, err
	}
	defer resp.Body.Close()
	v, err := jason.NewObjectFromReader(resp.Body)
	return v, errors.Wrap(err, uri)
}

// NodeExists is true if the node id exists in the workspace of the session.
func (s *Service) NodeExists(si *SessionInfo, id NodeID) (bool, error) {
	uri, err := s.resolver.NodeURI(si, id)
	if IsNotFound(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	var pf dav.Propfind
	pf.Prop.ResourceType = &dav.Empty{}
	body, err := dav.Encode(&pf)
	if err != nil {
		return false, err
	}
	r := newRequest(dav.MethodPropfind, uri, body, "application/xml")
	r.header.Set(dav.HeaderDepth, "0")
	resp, err := s.do(si, r, false)
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return false, nil
	}
	if err := checkStatus(resp, http.StatusMultiStatus, http.StatusOK); err != nil {
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

// NodeInfo is the metadata of one node.
type NodeInfo struct {
	ID          NodeID
	Name        string
	Index       int
	UniqueID    string
	PrimaryType string
	Mixins      []string
	Properties  map[string]string
}

// ItemInfo fetches the metadata of a node.
func (s *Service) ItemInfo(si *SessionInfo, id NodeID) (*NodeInfo, error) {
	uri, err := s.resolver.NodeURI(si, id)
	if err != nil {
		return nil, err
	}
	v, err := s.doJasonGet(si, uri+dav.JSONSuffix)
	if err != nil {
		return nil, err
	}
	info := &NodeInfo{ID: id, Properties: make(map[string]string)}
	info.Name, _ = v.GetString("name")
	index, _ := v.GetInt64("index")
	info.Index = int(index)
	info.UniqueID, _ = v.GetString("uuid")
	info.PrimaryType, _ = v.GetString("primaryType")
	info.Mixins, _ = v.GetStringArray("mixins")
	if props, err := v.GetObject("properties"); err == nil {
		for name, pv := range props.Map() {
			info.Properties[name], _ = pv.String()
		}
	}
	return info, nil
}
