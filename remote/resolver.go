package remote

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"

	"github.com/ndlib/bundlestore/idcache"
	"github.com/ndlib/bundlestore/remote/dav"
)

// A Resolver maps item ids to resource addresses and back. Every answer is
// kept in the cache of the workspace, so asking again costs nothing.
// It is safe for concurrent use.
type Resolver struct {
	svc    *Service
	caches *idcache.Set

	// lookups of the same unique id are done only once at a time
	group singleflight.Group
}

func newResolver(svc *Service, caches *idcache.Set) *Resolver {
	return &Resolver{svc: svc, caches: caches}
}

func (r *Resolver) cache(si *SessionInfo) *idcache.Cache {
	return r.caches.Get(r.svc.WorkspaceURI(si.Workspace))
}

// ClearCache forgets everything known about the workspace of the session.
func (r *Resolver) ClearCache(si *SessionInfo) {
	r.cache(si).Clear()
}

// Remove forgets the address of one item.
func (r *Resolver) Remove(si *SessionInfo, id ItemID) {
	r.cache(si).RemoveID(id)
}

// ItemURI returns the address of a node or property.
func (r *Resolver) ItemURI(si *SessionInfo, id ItemID) (string, error) {
	switch v := id.(type) {
	case NodeID:
		return r.NodeURI(si, v)
	case PropertyID:
		return r.PropertyURI(si, v)
	}
	return "", errors.Errorf("remote: unknown item id %T", id)
}

// NodeURI returns the address of a node. A node given by unique id is
// looked up on the server unless its address is cached; any relative path
// is then appended to that address.
func (r *Resolver) NodeURI(si *SessionInfo, id NodeID) (string, error) {
	c := r.cache(si)
	if uri, ok := c.GetURI(id); ok {
		return uri, nil
	}
	var base string
	if id.UniqueID == "" {
		base = c.Workspace()
	} else {
		var err error
		base, err = r.locate(si, c, id.UniqueID)
		if err != nil {
			return "", err
		}
		if len(id.Path) == 0 {
			return base, nil
		}
	}
	uri := base + escapePath(id.Path)
	if err := c.Add(id, uri); err != nil {
		return "", err
	}
	return uri, nil
}

// PropertyURI returns the address of a property.
func (r *Resolver) PropertyURI(si *SessionInfo, id PropertyID) (string, error) {
	c := r.cache(si)
	if uri, ok := c.GetURI(id); ok {
		return uri, nil
	}
	parent, err := r.NodeURI(si, id.Parent)
	if err != nil {
		return "", err
	}
	uri := parent + "/" + url.PathEscape(id.Name)
	if err := c.Add(id, uri); err != nil {
		return "", err
	}
	return uri, nil
}

// locate finds the address of the node with the given unique id.
func (r *Resolver) locate(si *SessionInfo, c *idcache.Cache, uniqueID string) (string, error) {
	id := NodeID{UniqueID: uniqueID}
	if uri, ok := c.GetURI(id); ok {
		return uri, nil
	}
	v, err := r.group.Do(c.Workspace()+" "+uniqueID, func() (interface{}, error) {
		if uri, ok := c.GetURI(id); ok {
			return uri, nil
		}
		uri, err := r.locateByUUID(si, c.Workspace(), uniqueID)
		if err != nil {
			return "", err
		}
		if err := c.Add(id, uri); err != nil {
			return "", err
		}
		return uri, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// locateByUUID asks the server for the address of a node. Anything other
// than exactly one match is ErrNotFound.
func (r *Resolver) locateByUUID(si *SessionInfo, workspace, uniqueID string) (string, error) {
	body, err := dav.Encode(&dav.LocateByUUID{Href: uniqueID})
	if err != nil {
		return "", err
	}
	req := newRequest(dav.MethodReport, workspace, body, "application/xml")
	resp, err := r.svc.do(si, req, false)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return "", ErrNotFound
	}
	if err := checkStatus(resp, http.StatusMultiStatus); err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var ms dav.Multistatus
	if err := dav.Decode(resp.Body, &ms); err != nil {
		return "", errors.Wrap(err, req.String())
	}
	if len(ms.Responses) != 1 {
		return "", errors.Wrapf(ErrNotFound, "%d nodes with unique id %s", len(ms.Responses), uniqueID)
	}
	base, _ := url.Parse(workspace)
	href, err := url.Parse(strings.TrimSpace(ms.Responses[0].Href))
	if err != nil {
		return "", errors.Wrap(err, req.String())
	}
	return idcache.Normalize(base.ResolveReference(href).String()), nil
}

// NodeID returns the id of the node at an address in the workspace of the
// session. Unknown ancestors are resolved first, from the topmost one down,
// each with a single metadata request.
func (r *Resolver) NodeID(si *SessionInfo, uri string) (NodeID, error) {
	c := r.cache(si)
	uri = idcache.Normalize(uri)
	ws := c.Workspace()
	if uri != ws && !strings.HasPrefix(uri, ws+"/") {
		return NodeID{}, errors.Errorf("remote: %s is not in workspace %s", uri, si.Workspace)
	}

	// climb until an ancestor is known
	var pending []string
	var parent NodeID
	for {
		if id, ok := c.GetID(uri); ok {
			if nid, ok := id.(NodeID); ok {
				parent = nid
				break
			}
		}
		if uri == ws {
			parent = NodeID{}
			if err := c.Add(parent, ws); err != nil {
				return NodeID{}, err
			}
			break
		}
		pending = append(pending, uri)
		uri = uri[:strings.LastIndexByte(uri, '/')]
	}

	// and come back down
	for i := len(pending) - 1; i >= 0; i-- {
		id, err := r.fetchNodeID(si, pending[i], parent)
		if err != nil {
			return NodeID{}, err
		}
		if err := c.Add(id, pending[i]); err != nil {
			return NodeID{}, err
		}
		parent = id
	}
	return parent, nil
}

// fetchNodeID reads the metadata of the node at uri. A node with a unique
// id is named by it, any other node by its name below parent.
func (r *Resolver) fetchNodeID(si *SessionInfo, uri string, parent NodeID) (NodeID, error) {
	v, err := r.svc.doJasonGet(si, uri+dav.JSONSuffix)
	if err != nil {
		return NodeID{}, err
	}
	if uniqueID, _ := v.GetString("uuid"); uniqueID != "" {
		return NodeID{UniqueID: uniqueID}, nil
	}
	name, err := v.GetString("name")
	if err != nil || name == "" {
		return NodeID{}, errors.Errorf("remote: no name in metadata of %s", uri)
	}
	index, _ := v.GetInt64("index")
	return parent.Child(name, int(index)), nil
}

// PropertyID returns the id of the property at an address.
func (r *Resolver) PropertyID(si *SessionInfo, uri string) (PropertyID, error) {
	c := r.cache(si)
	uri = idcache.Normalize(uri)
	if id, ok := c.GetID(uri); ok {
		if pid, ok := id.(PropertyID); ok {
			return pid, nil
		}
	}
	i := strings.LastIndexByte(uri, '/')
	if i < 0 || uri == c.Workspace() {
		return PropertyID{}, errors.Errorf("remote: %s is not a property address", uri)
	}
	name, err := url.PathUnescape(uri[i+1:])
	if err != nil {
		return PropertyID{}, errors.Wrap(err, uri)
	}
	parent, err := r.NodeID(si, uri[:i])
	if err != nil {
		return PropertyID{}, err
	}
	id := parent.Property(name)
	if err := c.Add(id, uri); err != nil {
		return PropertyID{}, err
	}
	return id, nil
}

// escapePath turns a relative path into an address suffix, starting with a
// slash unless the path is empty.
func escapePath(p Path) string {
	var b strings.Builder
	for _, e := range p {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(e.String()))
	}
	return b.String()
}
