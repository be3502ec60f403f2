package transport

import (
	"errors"
	"fmt"
)

// ErrRequestAborted is returned when the request context is canceled before or during the exchange.
var ErrRequestAborted = errors.New("request aborted")

// RequestFailedError is returned when the server answers with a status outside of 200-299.
type RequestFailedError struct {
	StatusCode int
	Body       string
}

func (e *RequestFailedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// NetworkError wraps transport level failures (DNS, refused or reset connections, ...).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsAborted reports whether err was caused by cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrRequestAborted)
}

func aborted(cause error) error {
	return fmt.Errorf("%w: %w", ErrRequestAborted, cause)
}
