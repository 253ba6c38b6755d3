package remote

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/pkg/errors"
)

// Exported errors
var (
	ErrNotFound       = errors.New("Item Not Found")
	ErrInvalidState   = errors.New("Item is locked or in an invalid state")
	ErrBatchConsumed  = errors.New("Batch was already submitted or disposed")
	ErrUnknownSession = errors.New("Unknown or disposed session")
	ErrNotAuthorized  = errors.New("Access Denied")
)

// A StatusError is returned when the server answers with an unexpected
// status code.
type StatusError struct {
	Method string
	URI    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Received status %d for %s %s", e.Status, e.Method, e.URI)
}

// IsNotFound is true if err means the item does not exist.
func IsNotFound(err error) bool {
	if errors.Cause(err) == ErrNotFound {
		return true
	}
	serr, ok := errors.Cause(err).(*StatusError)
	return ok && serr.Status == http.StatusNotFound
}

// checkStatus turns a response with a status not in ok into an error. The
// body of such a response is discarded and closed.
func checkStatus(resp *http.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	io.Copy(ioutil.Discard, resp.Body)
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrNotAuthorized
	}
	return &StatusError{
		Method: resp.Request.Method,
		URI:    resp.Request.URL.String(),
		Status: resp.StatusCode,
	}
}
