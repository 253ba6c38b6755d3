package persistence

import (
	"database/sql/driver"
	"fmt"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/ndlib/bundlestore/bundle"
)

var (
	// ErrNotFound means the requested bundle or references record does not
	// exist. Use IsNotFound to test for it.
	ErrNotFound = errors.New("not found")
	// ErrNotInitialized is returned by every data access before Init.
	ErrNotInitialized = errors.New("persistence manager not initialized")
	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = errors.New("persistence manager already initialized")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("persistence manager closed")
	// ErrStorageModelMismatch means the existing tables were created with a
	// different storage model than the one configured.
	ErrStorageModelMismatch = errors.New("tables do not match the configured storage model")
)

// Error is returned by the manager when a storage operation fails. The
// original error is kept as the cause.
type Error struct {
	Op  string
	ID  bundle.NodeID // zero if the operation was not about one node
	Err error
}

func (e *Error) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("persistence %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s %s: %s", e.Op, e.ID, e.Err)
}

// Cause lets errors.Cause see through an *Error.
func (e *Error) Cause() error { return e.Err }

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound is true if err means the item asked for does not exist, as
// opposed to the storage having failed.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// IsConnectionError is true if err says the database connection was lost.
// These are the only errors a store is retried for.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	cause := errors.Cause(err)
	if cause == driver.ErrBadConn || cause == mysql.ErrInvalidConn {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
