package persistence

import (
	"database/sql"
	"log"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// conn owns the single database connection of a manager. While a change set
// is being stored every statement goes through the open transaction; with
// only one connection in the pool a statement outside it would wait forever.
//
// Result rows must be closed before the next statement is run, for the
// same reason.
type conn struct {
	driver string
	dsn    string
	schema schema
	block  bool // retry opening until the database answers

	db *sql.DB
	tx *sql.Tx

	afterCommit   []func()
	afterRollback []func()
}

// reconnectMin is the first wait between attempts to reach the database.
var reconnectMin = 100 * time.Millisecond

// open connects and brings the schema up to date. If block is set and the
// database cannot be reached, it keeps trying with an exponential backoff.
func (c *conn) open() error {
	err := c.open1()
	if err == nil || !c.block {
		return err
	}
	b := &backoff.Backoff{
		Min:    reconnectMin,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for err != nil && IsConnectionError(err) {
		d := b.Duration()
		log.Printf("database unreachable (%s), retry in %s", err, d)
		time.Sleep(d)
		err = c.open1()
	}
	return err
}

func (c *conn) open1() error {
	v := c.schema.versioning()
	db, err := migration.OpenWith(c.driver, c.dsn, c.schema.migrations(), v.Get, v.Set)
	if err != nil {
		if v.lost != nil {
			err = v.lost
		}
		return errors.Wrap(err, "opening database")
	}
	db.SetMaxOpenConns(1)
	c.db = db
	return nil
}

// reopen throws away the current connection and makes a new one. Used after
// the connection was lost.
func (c *conn) reopen() error {
	c.close()
	return c.open()
}

func (c *conn) close() {
	if c.tx != nil {
		c.rollback()
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			log.Println("closing database:", err)
		}
		c.db = nil
	}
}

// ensure reconnects if the connection was dropped after an error.
func (c *conn) ensure() error {
	if c.db != nil {
		return nil
	}
	return c.open()
}

func (c *conn) begin() error {
	if err := c.ensure(); err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *conn) commit() error {
	err := c.tx.Commit()
	c.tx = nil
	hooks := c.afterCommit
	if err != nil {
		hooks = c.afterRollback
	}
	c.afterCommit, c.afterRollback = nil, nil
	for _, f := range hooks {
		f()
	}
	return err
}

// rollback aborts the transaction. A failed rollback is only logged, since
// it is always called while unwinding from another error.
func (c *conn) rollback() {
	if err := c.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		log.Println("rollback:", err)
	}
	c.tx = nil
	hooks := c.afterRollback
	c.afterCommit, c.afterRollback = nil, nil
	for _, f := range hooks {
		f()
	}
}

// onFinish registers functions to run when the current transaction ends.
func (c *conn) onFinish(commit, rollback func()) {
	if commit != nil {
		c.afterCommit = append(c.afterCommit, commit)
	}
	if rollback != nil {
		c.afterRollback = append(c.afterRollback, rollback)
	}
}

// write runs f inside a transaction, using the current one if there is one.
func (c *conn) write(f func() error) error {
	if c.tx != nil {
		return f()
	}
	if err := c.begin(); err != nil {
		return err
	}
	if err := f(); err != nil {
		c.rollback()
		return err
	}
	return c.commit()
}

func (c *conn) exec(query string, args ...interface{}) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.Exec(query, args...)
	}
	if err := c.ensure(); err != nil {
		return nil, err
	}
	return c.db.Exec(query, args...)
}

func (c *conn) query(query string, args ...interface{}) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.Query(query, args...)
	}
	if err := c.ensure(); err != nil {
		return nil, err
	}
	return c.db.Query(query, args...)
}

// queryRow runs a query returning at most one row and scans it into dest.
func (c *conn) queryRow(query string, args []interface{}, dest ...interface{}) error {
	rows, err := c.query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	return rows.Close()
}

// count runs a query returning a single count.
func (c *conn) count(query string, args ...interface{}) (int64, error) {
	var n int64
	err := c.queryRow(query, args, &n)
	return n, err
}
