package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionTimeout indicates an open exceeded ConnectTimeout.
	// Retryable with backoff.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrRetriesExhausted indicates background reconnects gave up. Only an
	// explicit EnsureConnected revives the store.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrNotConnected indicates the store has no live handle.
	ErrNotConnected = errors.New("store not connected")

	// ErrClosed indicates the Manager has been closed.
	ErrClosed = errors.New("connection manager closed")
)

// ConnectionError reports a failed open of a store handle.
// Use errors.Is(err, ErrConnectionTimeout) to distinguish timeouts from
// transport or auth failures.
type ConnectionError struct {
	StoreID string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s (attempt %d): %v", e.StoreID, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a connection timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrConnectionTimeout)
}
