package collector

import (
	"fmt"
	"time"
)

// ThrottledError is returned when the exchange asks the caller to back off
// (HTTP 429 or 418). RetryAfter is how long to wait before the next request.
type ThrottledError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: status %d, retry after %s", e.Status, e.RetryAfter)
}

// FatalError is any failure the caller should not retry within the cycle.
type FatalError struct {
	Op    string
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }
