// Package retry runs store writes under the shared transient-error policy:
// a bounded number of attempts with exponential backoff, retrying only
// errors the store marked as transient.
package retry

import (
	"context"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/sirupsen/logrus"

	"shapesync/core"
)

const (
	DefaultAttempts = 3
	DefaultBase     = 50 * time.Millisecond
)

type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Base is the delay before the second attempt; it doubles afterwards.
	Base time.Duration
	Log  *logrus.Entry
}

func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Base: DefaultBase}
}

type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case core.IsTransient(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

// Backoff returns the waits between attempts.
func (p Policy) Backoff() []time.Duration {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	return retrier.ExponentialBackoff(attempts-1, base)
}

// Do runs fn until it succeeds, fails permanently, the attempts are used up
// or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	log := p.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	attempt := 0
	r := retrier.New(p.Backoff(), transientClassifier{})
	return r.RunCtx(ctx, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil {
			log.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"error":   err,
			}).Debug("Store write attempt failed")
		}
		return err
	})
}
