package persistence

import (
	"bytes"
	"fmt"
	"log"
	"strings"

	humanize "github.com/dustin/go-humanize"
	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/bundlestore/bundle"
)

// EventKind is the kind of problem found by the consistency checker.
type EventKind int

const (
	// MissingChild is a child entry pointing at a bundle which does not
	// exist. It is the only problem the checker repairs.
	MissingChild EventKind = iota
	// WrongParent is a child whose parent id is some other node.
	WrongParent
	// MissingParent is a bundle whose parent does not exist.
	MissingParent
	// Undecodable is a stored bundle which could not be read.
	Undecodable
	// MissingBundle is an id passed to Check which has no bundle.
	MissingBundle
)

func (k EventKind) String() string {
	switch k {
	case MissingChild:
		return "missing child"
	case WrongParent:
		return "wrong parent"
	case MissingParent:
		return "missing parent"
	case Undecodable:
		return "undecodable"
	case MissingBundle:
		return "missing bundle"
	}
	return "unknown"
}

// An Event is one problem found by the checker. ID is the bundle being
// checked. Other is the child or parent involved, if any.
type Event struct {
	Kind   EventKind
	ID     bundle.NodeID
	Other  bundle.NodeID
	Name   bundle.Name   // name of the child entry
	Parent bundle.NodeID // parent recorded by the child, for WrongParent
	Err    error         // decode error, for Undecodable
}

func (e Event) String() string {
	switch e.Kind {
	case MissingChild:
		return fmt.Sprintf("bundle %s: child %s (%s) does not exist", e.ID, e.Name, e.Other)
	case WrongParent:
		return fmt.Sprintf("bundle %s: child %s (%s) has parent %s", e.ID, e.Name, e.Other, e.Parent)
	case MissingParent:
		return fmt.Sprintf("bundle %s: parent %s does not exist", e.ID, e.Other)
	case Undecodable:
		return fmt.Sprintf("bundle %s: %s", e.ID, e.Err)
	}
	return fmt.Sprintf("bundle %s: %s", e.ID, e.Kind)
}

// Report is the result of a consistency check.
type Report struct {
	Checked  int
	Bytes    int64
	Events   []Event
	Repaired []bundle.NodeID
}

// Count returns the number of events of the given kind.
func (r *Report) Count(kind EventKind) int {
	var n int
	for _, e := range r.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Report) String() string {
	var problems []string
	for k := MissingChild; k <= MissingBundle; k++ {
		if n := r.Count(k); n > 0 {
			problems = append(problems, fmt.Sprintf("%d %s", n, k))
		}
	}
	if len(problems) == 0 {
		problems = append(problems, "no problems")
	}
	return fmt.Sprintf("%s bundles (%s) checked, %s, %d repaired",
		humanize.Comma(int64(r.Checked)),
		humanize.Bytes(uint64(r.Bytes)),
		strings.Join(problems, ", "),
		len(r.Repaired))
}

// progressEvery is how many bundles are checked between progress messages.
const progressEvery = 1000

// A Checker walks stored bundles looking for child entries and parent ids
// which point at bundles that are not there.
//
// Bundles whose id ends in one of the configured virtual suffixes are never
// checked, and are never reported as missing.
type Checker struct {
	m        *Manager
	suffixes []string
	pageSize int
}

// NewChecker returns a checker for the bundles of m.
func NewChecker(m *Manager) *Checker {
	return &Checker{
		m:        m,
		suffixes: m.cfg.VirtualIDSuffixes,
		pageSize: progressEvery,
	}
}

func (ck *Checker) virtual(id bundle.NodeID) bool {
	s := id.String()
	for _, suffix := range ck.suffixes {
		if suffix != "" && strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// Check checks the bundles with the given ids, and their descendants if
// recursive is set. With no ids every stored bundle is checked in key order.
//
// If fix is set, child entries pointing at missing bundles are removed and
// the changed bundles are stored in one change set at the end. Other
// problems are only reported.
//
// A bundle which cannot be decoded is reported and skipped. An error is
// returned only if the database itself fails.
func (ck *Checker) Check(ids []bundle.NodeID, recursive, fix bool) (*Report, error) {
	if err := ck.m.checkReady(); err != nil {
		return nil, err
	}
	report := &Report{}
	var modified []*bundle.Bundle

	visit := func(id bundle.NodeID, explicit bool) (*bundle.Bundle, error) {
		b, changed, err := ck.checkOne(report, id, explicit, fix)
		if changed {
			modified = append(modified, b)
		}
		if report.Checked > 0 && report.Checked%progressEvery == 0 {
			log.Printf("consistency check: %s bundles (%s) checked",
				humanize.Comma(int64(report.Checked)), humanize.Bytes(uint64(report.Bytes)))
		}
		return b, err
	}

	if len(ids) == 0 {
		var after *bundle.NodeID
		for {
			page, err := ck.m.AllNodeIDs(after, ck.pageSize)
			if err != nil {
				return report, err
			}
			for _, id := range page {
				if _, err := visit(id, false); err != nil {
					return report, err
				}
			}
			if len(page) < ck.pageSize {
				break
			}
			after = &page[len(page)-1]
		}
	} else {
		seen := make(map[bundle.NodeID]bool)
		queue := append([]bundle.NodeID(nil), ids...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if seen[id] {
				continue
			}
			seen[id] = true
			b, err := visit(id, true)
			if err != nil {
				return report, err
			}
			if recursive && b != nil {
				for _, child := range b.Children {
					queue = append(queue, child.ID)
				}
			}
		}
	}

	if fix && len(modified) > 0 {
		cs := new(ChangeSet)
		for _, b := range modified {
			b.New = false
			cs.StoreBundle(b)
		}
		if err := ck.m.Store(cs); err != nil {
			return report, err
		}
		for _, b := range modified {
			log.Printf("consistency check: repaired bundle %s", b.ID)
			report.Repaired = append(report.Repaired, b.ID)
		}
	}
	return report, nil
}

// checkOne checks a single bundle. It returns the bundle, if it could be
// read, and whether it was changed by a repair.
func (ck *Checker) checkOne(report *Report, id bundle.NodeID, explicit, fix bool) (*bundle.Bundle, bool, error) {
	if ck.virtual(id) {
		return nil, false, nil
	}
	data, err := ck.m.loadRawLocked(id)
	if IsNotFound(err) {
		if explicit {
			report.Events = append(report.Events, Event{Kind: MissingBundle, ID: id})
			log.Printf("consistency check: bundle %s does not exist", id)
		}
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	report.Checked++
	report.Bytes += int64(len(data))

	b, err := ck.m.decodeLocked(id, data)
	if err != nil {
		ev := Event{Kind: Undecodable, ID: id, Err: err}
		report.Events = append(report.Events, ev)
		log.Printf("consistency check: %s", ev)
		raven.CaptureError(err, map[string]string{"bundle": id.String()})
		if cerr := bundle.CheckBundle(bytes.NewReader(data)); cerr == nil {
			log.Printf("consistency check: bundle %s is well formed, the error may be transient", id)
		}
		return nil, false, nil
	}

	var missing []bundle.NodeID
	for _, child := range b.Children {
		if ck.virtual(child.ID) {
			continue
		}
		raw, err := ck.m.loadRawLocked(child.ID)
		if IsNotFound(err) {
			ev := Event{Kind: MissingChild, ID: id, Other: child.ID, Name: child.Name}
			report.Events = append(report.Events, ev)
			log.Printf("consistency check: %s", ev)
			missing = append(missing, child.ID)
			continue
		} else if err != nil {
			return b, false, err
		}
		c, err := ck.m.decodeLocked(child.ID, raw)
		if err != nil {
			// reported when the child itself is checked
			continue
		}
		if c.ParentID != id && !contains(c.SharedSet, id) {
			ev := Event{Kind: WrongParent, ID: id, Other: child.ID, Name: child.Name, Parent: c.ParentID}
			report.Events = append(report.Events, ev)
			log.Printf("consistency check: %s", ev)
		}
	}

	if !b.ParentID.IsZero() && !ck.virtual(b.ParentID) {
		ok, err := ck.m.ExistsBundle(b.ParentID)
		if err != nil {
			return b, false, err
		}
		if !ok {
			ev := Event{Kind: MissingParent, ID: id, Other: b.ParentID}
			report.Events = append(report.Events, ev)
			log.Printf("consistency check: %s", ev)
		}
	}

	if !fix || len(missing) == 0 {
		return b, false, nil
	}
	for _, child := range missing {
		b.RemoveChild(child)
	}
	return b, true, nil
}

func contains(ids []bundle.NodeID, id bundle.NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
