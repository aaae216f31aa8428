package omnix

import (
	"errors"
	"fmt"
	"time"
)

// ErrHTTP is a transport-level failure from an external API. The adapter
// retries transient statuses (5xx) and surfaces the rest.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrAdapter is a non-retryable external API failure: a 4xx response, an
// unparseable payload, or retry exhaustion. Layers swallow it to "no verdict";
// the rule service propagates it to the caller.
type ErrAdapter struct {
	Op      string
	Message string
}

func (e *ErrAdapter) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// ErrBatcherClosed is returned by Batcher.Get and Batcher.Submit after Stop
// has drained the batcher.
var ErrBatcherClosed = errors.New("batcher closed")

// IsAdapterError reports whether err is (or wraps) an ErrAdapter.
func IsAdapterError(err error) bool {
	var e *ErrAdapter
	return errors.As(err, &e)
}
