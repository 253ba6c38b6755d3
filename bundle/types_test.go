package bundle

import (
	"testing"
)

func TestNodeIDLongs(t *testing.T) {
	var table = []string{
		"00000000-0000-0000-0000-000000000000",
		"cafebabe-cafe-babe-cafe-babecafebabe",
		"ffffffff-ffff-ffff-ffff-ffffffffffff",
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8",
	}
	for _, s := range table {
		id := MustParseNodeID(s)
		got := NodeIDFromLongs(id.MSB(), id.LSB())
		if got != id {
			t.Errorf("Received %v, expected %v", got, id)
		}
		if got.String() != s {
			t.Errorf("Received %s, expected %s", got.String(), s)
		}
	}
	if !(NodeID{}).IsZero() || RootNodeID.IsZero() {
		t.Errorf("IsZero is wrong")
	}
	if _, err := ParseNodeID("not-an-id"); err == nil {
		t.Errorf("expected error parsing a malformed id")
	}
}

func TestParseName(t *testing.T) {
	var table = []struct {
		input  string
		output Name
		ok     bool
	}{
		{"abc", Name{Local: "abc"}, true},
		{"{urn:x}abc", Name{Namespace: "urn:x", Local: "abc"}, true},
		{"{}abc", Name{Local: "abc"}, true},
		{"{urn:x", Name{}, false},
	}
	for _, tab := range table {
		n, err := ParseName(tab.input)
		if (err == nil) != tab.ok {
			t.Errorf("%q: received error %v", tab.input, err)
			continue
		}
		if n != tab.output {
			t.Errorf("%q: received %#v, expected %#v", tab.input, n, tab.output)
		}
	}
}

func TestRemoveChild(t *testing.T) {
	b := NewBundle(NewNodeID(), RootNodeID, Name{Local: "folder"})
	a, c := NewNodeID(), NewNodeID()
	b.AddChild(Name{Local: "a"}, a)
	b.AddChild(Name{Local: "c"}, c)
	b.AddChild(Name{Local: "a2"}, a)
	if !b.RemoveChild(a) {
		t.Fatalf("RemoveChild returned false")
	}
	if len(b.Children) != 1 || b.Children[0].ID != c {
		t.Errorf("Received %v", b.Children)
	}
	if b.RemoveChild(a) {
		t.Errorf("second RemoveChild returned true")
	}
}
