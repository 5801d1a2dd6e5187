// Package retry wraps exponential backoff for transient failures around
// network operations (clones, fetches). Operations decide themselves which
// errors are worth retrying by returning backoff.Permanent for the rest.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation.
type Policy struct {
	Initial    time.Duration // first delay
	Max        time.Duration // delay cap
	MaxRetries uint64        // retries after the first failure
}

// DefaultPolicy suits clone and fetch traffic: 1s initial, 30s cap, two
// retries.
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, MaxRetries: 2}
}

// Do runs op, retrying with exponential backoff per the policy. Context
// cancellation stops the retries immediately.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
