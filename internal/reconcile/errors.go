package reconcile

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrAlreadyInProgress is returned by Trigger.Fire when another reconcile
// is running. It signals "already handled", not a failure.
var ErrAlreadyInProgress = errors.New("reconciliation already in progress")

// ItemFailure records one add or remove that failed during a run. The run
// continues past it.
type ItemFailure struct {
	StoreID string `json:"storeId"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (f *ItemFailure) Error() string {
	return fmt.Sprintf("store %s: %s", f.StoreID, f.Message)
}

func (f *ItemFailure) Unwrap() error {
	return f.Err
}

// RateLimitedError rejects a manual trigger that arrived before the minimum
// interval elapsed.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("reconcile triggered too soon, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
