package client

import (
	"fmt"
	"net/http"

	"github.com/trialvault/trialvault/internal/errors"
)

// APIError is a non-2xx response from the server. Message is the error
// text from the response body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsConflict reports whether the server refused the operation on a lock
// rule, e.g. "This node is already locked".
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// IsNotFound reports whether no node exists at the requested path.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a refused lock operation.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsConflict()
}
