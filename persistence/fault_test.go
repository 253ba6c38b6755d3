package persistence

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/go-sql-driver/mysql"
)

// faultDriver wraps the sqlite driver. It can make chosen statements fail
// with a connection error, and it records how connections and transactions
// are used.
//
// Only Prepare and Begin are passed through on connections, so database/sql
// runs every statement through a prepared Stmt, where the faults are
// injected.
type faultDriver struct {
	inner driver.Driver

	mu      sync.Mutex
	match   string
	skip    int
	fail    int
	opens   int
	refuse  int // Open calls still to fail
	active  int
	overlap bool
	commits int
}

var faultDrivers struct {
	sync.Mutex
	n int
}

// newFaultDriver registers a new fault driver and returns it with its name.
func newFaultDriver(t *testing.T) (*faultDriver, string) {
	db, err := sql.Open("sqlite", "")
	if err != nil {
		t.Fatal(err)
	}
	fd := &faultDriver{inner: db.Driver()}
	db.Close()

	faultDrivers.Lock()
	faultDrivers.n++
	name := fmt.Sprintf("sqlite-fault-%d", faultDrivers.n)
	faultDrivers.Unlock()
	sql.Register(name, fd)
	return fd, name
}

// arm makes executed statements containing match fail. The first skip
// matches succeed, then the next count fail.
func (fd *faultDriver) arm(match string, skip, count int) {
	fd.mu.Lock()
	fd.match, fd.skip, fd.fail = match, skip, count
	fd.mu.Unlock()
}

func (fd *faultDriver) shouldFail(query string) bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.match == "" || !strings.Contains(query, fd.match) {
		return false
	}
	if fd.skip > 0 {
		fd.skip--
		return false
	}
	if fd.fail > 0 {
		fd.fail--
		return true
	}
	return false
}

func (fd *faultDriver) stats() (opens, commits int, overlap bool) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.opens, fd.commits, fd.overlap
}

// refuseOpens makes the next n connection attempts fail. The error is not
// driver.ErrBadConn, which database/sql would retry on its own, so every
// refusal is one attempt by the manager.
func (fd *faultDriver) refuseOpens(n int) {
	fd.mu.Lock()
	fd.refuse = n
	fd.mu.Unlock()
}

func (fd *faultDriver) refused() int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.refuse
}

func (fd *faultDriver) Open(name string) (driver.Conn, error) {
	fd.mu.Lock()
	if fd.refuse > 0 {
		fd.refuse--
		fd.mu.Unlock()
		return nil, mysql.ErrInvalidConn
	}
	fd.mu.Unlock()
	c, err := fd.inner.Open(name)
	if err != nil {
		return nil, err
	}
	fd.mu.Lock()
	fd.opens++
	fd.mu.Unlock()
	return &faultConn{inner: c, fd: fd}, nil
}

type faultConn struct {
	inner driver.Conn
	fd    *faultDriver
}

func (c *faultConn) Prepare(query string) (driver.Stmt, error) {
	s, err := c.inner.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &faultStmt{Stmt: s, fd: c.fd, query: query}, nil
}

func (c *faultConn) Close() error { return c.inner.Close() }

func (c *faultConn) Begin() (driver.Tx, error) {
	tx, err := c.inner.Begin()
	if err != nil {
		return nil, err
	}
	c.fd.mu.Lock()
	c.fd.active++
	if c.fd.active > 1 {
		c.fd.overlap = true
	}
	c.fd.mu.Unlock()
	return &faultTx{inner: tx, fd: c.fd}, nil
}

type faultTx struct {
	inner driver.Tx
	fd    *faultDriver
}

func (tx *faultTx) Commit() error {
	err := tx.inner.Commit()
	tx.fd.mu.Lock()
	tx.fd.active--
	if err == nil {
		tx.fd.commits++
	}
	tx.fd.mu.Unlock()
	return err
}

func (tx *faultTx) Rollback() error {
	err := tx.inner.Rollback()
	tx.fd.mu.Lock()
	tx.fd.active--
	tx.fd.mu.Unlock()
	return err
}

type faultStmt struct {
	driver.Stmt
	fd    *faultDriver
	query string
}

func (s *faultStmt) Exec(args []driver.Value) (driver.Result, error) {
	if s.fd.shouldFail(s.query) {
		return nil, mysql.ErrInvalidConn
	}
	return s.Stmt.Exec(args)
}

func (s *faultStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.Stmt.Query(args)
}
