package store

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ConnectionError is a transient failure reaching the store. Deliveries retry it.
type ConnectionError struct {
	StatusCode int // zero when no response was received
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connection error (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RejectedError is a permanent refusal of a document (mapping conflict, bad request).
type RejectedError struct {
	StatusCode int
	Type       string
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("transport error (%d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("transport error (%d, %s): %s", e.StatusCode, e.Type, e.Reason)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsRejected reports whether the store refused the document.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
