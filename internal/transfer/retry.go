package transfer

import (
	"errors"
	"time"

	"github.com/indexedcp/indexcp/pkg/logging"
)

const (
	DefaultMaxRetries        = 3
	DefaultInitialRetryDelay = 1 * time.Second
)

// Retrier wraps a single delivery attempt with bounded exponential backoff.
// Between attempt k (0-indexed) and k+1 it sleeps initialDelay * 2^k. No
// jitter, no cap; callers may add one.
type Retrier struct {
	maxRetries   int
	initialDelay time.Duration

	// sleep is swapped out in tests to observe the schedule.
	sleep func(time.Duration)
}

func NewRetrier(maxRetries int, initialDelay time.Duration) *Retrier {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if initialDelay <= 0 {
		initialDelay = DefaultInitialRetryDelay
	}
	return &Retrier{
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		sleep:        time.Sleep,
	}
}

// Do invokes op up to maxRetries times. Only transport-level failures are
// retried; an auth failure or any other error is surfaced immediately. After
// the final attempt fails it returns an ExhaustedError carrying the last
// transport error.
func (r *Retrier) Do(op func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			return err
		}
		lastErr = err

		if attempt < r.maxRetries-1 {
			delay := r.initialDelay * (1 << attempt)
			logging.Component("retry").WithField("attempt", attempt+1).
				Warnf("attempt failed, retrying in %v: %v", delay, err)
			r.sleep(delay)
		}
	}
	return &ExhaustedError{Attempts: r.maxRetries, Err: lastErr}
}
