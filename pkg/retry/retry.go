// Package retry is the bounded-backoff loop used where a failsafe
// policy would be overkill, chiefly the change listener's reacquire
// cycle.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds the attempts and the backoff window.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy suits short store round-trips.
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc decides whether an error is worth another attempt.
type IsTransientFunc func(error) bool

// Do runs fn until it succeeds, the error is classified permanent, the
// attempts run out, or the context ends. The delay doubles per attempt
// up to MaxBackoff, with up to 50% jitter added so restarting replicas
// do not reconnect in lockstep.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	delay := policy.InitialBackoff

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) || attempt >= policy.MaxAttempts {
			return err
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		if delay *= 2; delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
	}
}
