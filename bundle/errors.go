package bundle

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBadVersion means the stream was written by an unknown codec
	// version.
	ErrBadVersion = errors.New("bundle: unknown format version")
	// ErrFormat means the stream is not a well formed bundle.
	ErrFormat = errors.New("bundle: malformed data")
	// ErrNoBlobStore is returned when a bundle refers to a blob but the codec
	// has no blob store.
	ErrNoBlobStore = errors.New("bundle: no blob store configured")
)

// IllegalStateError is returned when a stream holds a type code this package
// does not know. It is not a transient failure and should not be retried.
type IllegalStateError struct {
	Code  byte
	Where string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("bundle: unknown type code %d in %s", e.Code, e.Where)
}

// IsIllegalState is true if the cause of err is an *IllegalStateError.
func IsIllegalState(err error) bool {
	_, ok := errors.Cause(err).(*IllegalStateError)
	return ok
}
