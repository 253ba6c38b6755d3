package idcache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type key string

func (k key) String() string { return string(k) }

const ws1 = "http://repo.example.org/server/ws1"

func uri(n int) string { return fmt.Sprintf("%s/node%d", ws1, n) }

func TestAddGet(t *testing.T) {
	c := New(ws1+"/", 10)
	assert.Equal(t, ws1, c.Workspace())
	require.NoError(t, c.Add(key("a"), ws1+"/a/"))

	u, ok := c.GetURI(key("a"))
	assert.True(t, ok)
	assert.Equal(t, ws1+"/a", u)

	// trailing slashes do not matter
	id, ok := c.GetID(ws1 + "/a//")
	assert.True(t, ok)
	assert.Equal(t, key("a"), id)
	assert.True(t, c.ContainsURI(ws1+"/a"))
	assert.True(t, c.ContainsID(key("a")))

	_, ok = c.GetURI(key("b"))
	assert.False(t, ok)
	_, ok = c.GetID(ws1 + "/b")
	assert.False(t, ok)
}

func TestReplace(t *testing.T) {
	c := New(ws1, 10)
	require.NoError(t, c.Add(key("a"), uri(1)))

	// the item moved
	require.NoError(t, c.Add(key("a"), uri(2)))
	assert.False(t, c.ContainsURI(uri(1)))
	u, _ := c.GetURI(key("a"))
	assert.Equal(t, uri(2), u)

	// another item now lives at the address
	require.NoError(t, c.Add(key("b"), uri(2)))
	assert.False(t, c.ContainsID(key("a")))
	assert.Equal(t, 1, c.Len())
}

func TestRemove(t *testing.T) {
	c := New(ws1, 10)
	require.NoError(t, c.Add(key("a"), uri(1)))
	require.NoError(t, c.Add(key("b"), uri(2)))

	assert.True(t, c.RemoveID(key("a")))
	assert.False(t, c.ContainsURI(uri(1)))
	assert.False(t, c.RemoveID(key("a")))

	assert.True(t, c.RemoveURI(uri(2) + "/"))
	assert.False(t, c.ContainsID(key("b")))
	assert.False(t, c.RemoveURI(uri(2)))

	require.NoError(t, c.Add(key("c"), uri(3)))
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.ContainsURI(uri(3)))
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	const size = 5
	for _, touch := range []string{"id", "uri"} {
		c := New(ws1, size)
		for i := 0; i < size; i++ {
			require.NoError(t, c.Add(key(fmt.Sprint(i)), uri(i)))
		}
		// use the oldest entry, so the second oldest goes first
		if touch == "id" {
			_, ok := c.GetURI(key("0"))
			require.True(t, ok)
		} else {
			_, ok := c.GetID(uri(0))
			require.True(t, ok)
		}
		require.NoError(t, c.Add(key("new"), uri(size)))

		assert.Equal(t, size, c.Len())
		assert.True(t, c.ContainsID(key("0")), touch)
		assert.False(t, c.ContainsID(key("1")), touch)
		assert.False(t, c.ContainsURI(uri(1)), touch)
		assert.True(t, c.ContainsURI(uri(size)), touch)
	}
}

func TestContainsDoesNotTouch(t *testing.T) {
	c := New(ws1, 2)
	require.NoError(t, c.Add(key("a"), uri(1)))
	require.NoError(t, c.Add(key("b"), uri(2)))
	assert.True(t, c.ContainsID(key("a")))
	assert.True(t, c.ContainsURI(uri(1)))
	require.NoError(t, c.Add(key("c"), uri(3)))
	assert.False(t, c.ContainsID(key("a")))
}

func TestWorkspaceMismatch(t *testing.T) {
	set := NewSet(10)
	c1 := set.Get(ws1)
	c2 := set.Get("http://repo.example.org/server/ws2/")
	assert.Same(t, c1, set.Get(ws1+"/"))

	u := ws1 + "/a"
	require.NoError(t, c1.Add(key("a"), u))
	err := c2.Add(key("a"), u)
	require.Error(t, err)
	merr, ok := err.(*MismatchError)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, "http://repo.example.org/server/ws", merr.CommonPrefix)
	assert.Equal(t, len("http://repo.example.org/server/ws"), merr.Position)
	assert.Equal(t, 0, c2.Len())

	// a workspace whose name starts with another's is still different
	err = c1.Add(key("x"), ws1+"0/x")
	assert.Error(t, err)

	set.Clear(ws1)
	assert.Equal(t, 0, c1.Len())
	set.Remove(ws1)
	assert.NotSame(t, c1, set.Get(ws1))
}
