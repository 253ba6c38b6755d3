package davtest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/bundlestore/remote/dav"
)

type client struct {
	t    *testing.T
	base string
}

func (c client) do(method, path string, body []byte, header map[string]string) *http.Response {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	require.NoError(c.t, err)
	req.Header.Set(dav.HeaderLink, dav.SessionLink("s1"))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	resp.Body.Close()
	return resp
}

func encode(t *testing.T, v interface{}) []byte {
	buf, err := dav.Encode(v)
	require.NoError(t, err)
	return buf
}

func TestTransaction(t *testing.T) {
	s := New("ws")
	ts := httptest.NewServer(s)
	defer ts.Close()
	c := client{t: t, base: ts.URL}

	resp := c.do(dav.MethodLock, "/ws", encode(t, dav.TransactionLock("me")), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := resp.Header.Get(dav.HeaderLockToken)
	require.NotEmpty(t, token)
	tx := map[string]string{dav.HeaderTransactionID: token}

	resp = c.do(dav.MethodMkcol, "/ws/a", []byte(`{"uuid":"u1"}`), tx)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = c.do(http.MethodPut, "/ws/a/title", []byte("hello"),
		map[string]string{dav.HeaderTransactionID: token, "Content-Type": "jcr-value/string"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// not visible outside of the transaction
	assert.Nil(t, s.Node("ws", "a"))
	resp = c.do(dav.MethodPropfind, "/ws/a", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = c.do(dav.MethodPropfind, "/ws/a/title", nil, tx)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	// a second transaction has to wait
	resp = c.do(dav.MethodLock, "/ws", encode(t, dav.TransactionLock("other")), nil)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp = c.do(dav.MethodUnlock, "/ws", encode(t, dav.EndTransaction(true)),
		map[string]string{dav.HeaderLockToken: token})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	n := s.Node("ws", "a")
	require.NotNil(t, n)
	assert.Equal(t, "u1", n.UUID)
	assert.Equal(t, Property{Type: "string", Value: "hello"}, n.Properties["title"])
	assert.Equal(t, 0, s.Open())

	// the token is gone now
	resp = c.do(dav.MethodMkcol, "/ws/b", nil, tx)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestRollback(t *testing.T) {
	s := New("ws")
	ts := httptest.NewServer(s)
	defer ts.Close()
	c := client{t: t, base: ts.URL}

	resp := c.do(dav.MethodLock, "/ws", encode(t, dav.TransactionLock("me")), nil)
	token := resp.Header.Get(dav.HeaderLockToken)
	resp = c.do(dav.MethodMkcol, "/ws/a", nil, map[string]string{dav.HeaderTransactionID: token})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = c.do(dav.MethodUnlock, "/ws", encode(t, dav.EndTransaction(false)),
		map[string]string{dav.HeaderLockToken: token})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, s.Node("ws", "a"))
}

func TestSameNameSiblings(t *testing.T) {
	s := New("ws")
	require.True(t, s.AddNode("ws", "", "a", ""))
	require.True(t, s.AddNode("ws", "", "a", "u2"))
	require.True(t, s.AddNode("ws", "a[2]", "b", ""))
	assert.Equal(t, "u2", s.Node("ws", "a[2]").UUID)
	assert.NotNil(t, s.Node("ws", "a[2]/b"))
	assert.Nil(t, s.Node("ws", "a/b"))
	assert.Nil(t, s.Node("ws", "a[3]"))
	assert.False(t, s.AddNode("ws", "x", "y", ""))
	assert.False(t, s.AddNode("nows", "", "y", ""))
}

func TestMoveAndDelete(t *testing.T) {
	s := New("ws")
	ts := httptest.NewServer(s)
	defer ts.Close()
	c := client{t: t, base: ts.URL}
	s.AddNode("ws", "", "a", "")
	s.AddNode("ws", "a", "b", "")
	s.AddNode("ws", "", "c", "")

	resp := c.do(dav.MethodMove, "/ws/a", nil, map[string]string{dav.HeaderDestination: ts.URL + "/ws/a/b/x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = c.do(dav.MethodMove, "/ws/a", nil, map[string]string{dav.HeaderDestination: ts.URL + "/ws/c/x"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Nil(t, s.Node("ws", "a"))
	assert.NotNil(t, s.Node("ws", "c/x/b"))

	resp = c.do(http.MethodDelete, "/ws/c/x", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, s.Node("ws", "c/x"))
	resp = c.do(http.MethodDelete, "/ws/c/x", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = c.do(http.MethodDelete, "/ws", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCopy(t *testing.T) {
	s := New("ws")
	ts := httptest.NewServer(s)
	defer ts.Close()
	c := client{t: t, base: ts.URL}
	s.AddNode("ws", "", "a", "u1")
	s.AddNode("ws", "a", "b", "")

	resp := c.do(dav.MethodCopy, "/ws/a", nil, map[string]string{dav.HeaderDestination: ts.URL + "/ws/a/b/x"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	cp := s.Node("ws", "a/b/x")
	require.NotNil(t, cp)
	assert.NotEmpty(t, cp.UUID)
	assert.NotEqual(t, "u1", cp.UUID)
	assert.Equal(t, "u1", s.Node("ws", "a").UUID)
	assert.NotNil(t, s.Node("ws", "a/b/x/b"))

	resp = c.do(dav.MethodCopy, "/ws/a", nil, map[string]string{dav.HeaderDestination: ts.URL + "/ws/none/x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSessionRequired(t *testing.T) {
	s := New("ws")
	ts := httptest.NewServer(s)
	defer ts.Close()
	req, _ := http.NewRequest(dav.MethodMkcol, ts.URL+"/ws/a", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, s.Count(dav.MethodMkcol))
}

func TestErrorServer(t *testing.T) {
	s := New("ws")
	es := NewErrorServer(s)
	ts := httptest.NewServer(es)
	defer ts.Close()
	c := client{t: t, base: ts.URL}

	es.Reset([]Play{
		{When: 0, Status: 500},
		{When: 1, Method: http.MethodPut, Status: 503},
	})
	resp := c.do(dav.MethodPropfind, "/ws", nil, nil)
	assert.Equal(t, 500, resp.StatusCode)
	resp = c.do(dav.MethodPropfind, "/ws", nil, nil)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	put := map[string]string{"Content-Type": "jcr-value/string"}
	resp = c.do(http.MethodPut, "/ws/p", []byte("1"), put)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = c.do(http.MethodPut, "/ws/p", []byte("2"), put)
	assert.Equal(t, 503, resp.StatusCode)
	resp = c.do(http.MethodPut, "/ws/p", []byte("3"), put)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "3", s.Node("ws", "").Properties["p"].Value)
}
