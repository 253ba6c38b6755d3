package persistence

import (
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	"github.com/ndlib/bundlestore/bundle"
)

// dbNameIndex keeps the name index in the NAMES table, with every name seen
// cached in memory. New names get max(ID)+1 inside the current transaction,
// and are forgotten again if that transaction is rolled back.
type dbNameIndex struct {
	c  *conn
	st *statements

	m       sync.Mutex
	byName  map[string]int
	strings map[int]string
}

var _ bundle.NameIndex = &dbNameIndex{}

func newDBNameIndex(c *conn, st *statements) *dbNameIndex {
	return &dbNameIndex{
		c:       c,
		st:      st,
		byName:  map[string]int{"": 0},
		strings: map[int]string{0: ""},
	}
}

func (ni *dbNameIndex) Index(s string) (int, error) {
	ni.m.Lock()
	i, ok := ni.byName[s]
	ni.m.Unlock()
	if ok {
		return i, nil
	}

	var id int64
	err := ni.c.queryRow(ni.st.nameByName, []interface{}{s}, &id)
	if err == nil {
		ni.remember(s, int(id))
		return int(id), nil
	}
	if err != sql.ErrNoRows {
		return 0, errors.Wrapf(err, "looking up name %q", s)
	}

	err = ni.c.write(func() error {
		var max sql.NullInt64
		if err := ni.c.queryRow(ni.st.nameMax, nil, &max); err != nil {
			return err
		}
		id = max.Int64 + 1
		if _, err := ni.c.exec(ni.st.nameInsert, id, s); err != nil {
			return err
		}
		ni.remember(s, int(id))
		ni.c.onFinish(nil, func() { ni.forget(s, int(id)) })
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "adding name %q", s)
	}
	return int(id), nil
}

func (ni *dbNameIndex) String(i int) (string, error) {
	ni.m.Lock()
	s, ok := ni.strings[i]
	ni.m.Unlock()
	if ok {
		return s, nil
	}
	err := ni.c.queryRow(ni.st.nameByID, []interface{}{int64(i)}, &s)
	if err == sql.ErrNoRows {
		return "", errors.Errorf("no name with index %d", i)
	} else if err != nil {
		return "", errors.Wrapf(err, "looking up name %d", i)
	}
	ni.remember(s, i)
	return s, nil
}

func (ni *dbNameIndex) remember(s string, i int) {
	ni.m.Lock()
	ni.byName[s] = i
	ni.strings[i] = s
	ni.m.Unlock()
}

func (ni *dbNameIndex) forget(s string, i int) {
	ni.m.Lock()
	delete(ni.byName, s)
	delete(ni.strings, i)
	ni.m.Unlock()
}

// reset drops the cache. Used after reconnecting, since a retried
// transaction may hand out different ids.
func (ni *dbNameIndex) reset() {
	ni.m.Lock()
	ni.byName = map[string]int{"": 0}
	ni.strings = map[int]string{0: ""}
	ni.m.Unlock()
}
