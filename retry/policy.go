// Package retry implements the single reusable bounded-backoff policy used
// by every networked backend (PKCS#11 driver calls, KMIP requests): retry
// transient errors with exponential backoff up to a cumulative wall-time
// budget, never retry errors classified as terminal.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Classifier decides whether an error is worth retrying. Backends supply
// their own, since "transient" means different things to a PKCS#11 driver
// (session lost, device busy) than to a KMIP server (connection reset).
type Classifier func(err error) bool

// Policy is (initial delay, multiplier, cumulative cap). The zero value is
// not usable; construct with New.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Cap        time.Duration
}

// New builds a Policy from the config fields shared by §4.3 and §4.4:
// retry_seconds / backoff_multiplier / max_retry_seconds.
func New(retrySeconds, backoffMultiplier, maxRetrySeconds float64) Policy {
	return Policy{
		Initial:    time.Duration(retrySeconds * float64(time.Second)),
		Multiplier: backoffMultiplier,
		Cap:        time.Duration(maxRetrySeconds * float64(time.Second)),
	}
}

// Do runs fn, retrying on errors accepted by isTransient with exponential
// backoff, until fn succeeds, an error is rejected by isTransient (returned
// immediately), ctx is cancelled, or the cumulative elapsed retry wait
// exceeds Cap.
func (p Policy) Do(ctx context.Context, isTransient Classifier, fn func() error) error {
	delay := p.Initial
	if delay <= 0 {
		delay = time.Second
	}

	var elapsed time.Duration
	var lastErr error
	for {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if elapsed+delay > p.Cap {
			return errors.WithMessagef(lastErr, "retry budget exhausted after %s", elapsed)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}

		elapsed += delay
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.Cap {
			delay = p.Cap
		}
	}
}
