package dav

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultistatusPrefixes(t *testing.T) {
	// the same document, with different prefixes
	var table = []string{
		`<D:multistatus xmlns:D="DAV:"><D:response><D:href>/ws/a</D:href></D:response></D:multistatus>`,
		`<x:multistatus xmlns:x="DAV:"><x:response><x:href>/ws/a</x:href><x:status>HTTP/1.1 200 OK</x:status></x:response></x:multistatus>`,
		`<multistatus xmlns="DAV:"><response><href>/ws/a</href></response></multistatus>`,
	}
	for _, text := range table {
		var ms Multistatus
		require.NoError(t, Decode(strings.NewReader(text), &ms), text)
		require.Len(t, ms.Responses, 1, text)
		assert.Equal(t, "/ws/a", ms.Responses[0].Href)
	}

	var ms Multistatus
	err := Decode(strings.NewReader(`<multistatus xmlns="urn:other"/>`), &ms)
	assert.Error(t, err)
}

func TestLockInfo(t *testing.T) {
	buf, err := Encode(TransactionLock("alice"))
	require.NoError(t, err)

	var li LockInfo
	require.NoError(t, Decode(bytes.NewReader(buf), &li))
	assert.NotNil(t, li.Scope.Exclusive)
	assert.Nil(t, li.Scope.Shared)
	assert.NotNil(t, li.Type.Transaction)
	assert.Nil(t, li.Type.Write)
	assert.Equal(t, "alice", li.Owner)
}

func TestTransactionInfo(t *testing.T) {
	for _, commit := range []bool{true, false} {
		buf, err := Encode(EndTransaction(commit))
		require.NoError(t, err)
		var ti TransactionInfo
		require.NoError(t, Decode(bytes.NewReader(buf), &ti))
		if (ti.Status.Commit != nil) != commit || (ti.Status.Rollback != nil) == commit {
			t.Errorf("Received %+v, expected commit=%v", ti.Status, commit)
		}
	}
}

func TestSetMixins(t *testing.T) {
	buf, err := Encode(SetMixins([]string{"mix:referenceable", "mix:versionable"}))
	require.NoError(t, err)
	var u PropertyUpdate
	require.NoError(t, Decode(bytes.NewReader(buf), &u))
	mixins, ok := u.Mixins()
	assert.True(t, ok)
	assert.Equal(t, []string{"mix:referenceable", "mix:versionable"}, mixins)

	// an empty list clears the mixins
	buf, _ = Encode(SetMixins(nil))
	u = PropertyUpdate{}
	require.NoError(t, Decode(bytes.NewReader(buf), &u))
	mixins, ok = u.Mixins()
	assert.True(t, ok)
	assert.Empty(t, mixins)
}

func TestHeaders(t *testing.T) {
	assert.Equal(t, "<urn:session:abc>", SessionLink("abc"))
	assert.Equal(t, "abc", ParseSessionLink(" <urn:session:abc> "))
	assert.Equal(t, "", ParseSessionLink("<http://example.org/>"))
	assert.Equal(t, "", ParseSessionLink(""))
	assert.Equal(t, "opaquelocktoken:1", ParseCodedURL(CodedURL("opaquelocktoken:1")))
	assert.Equal(t, "opaquelocktoken:1", ParseCodedURL("opaquelocktoken:1"))
}
