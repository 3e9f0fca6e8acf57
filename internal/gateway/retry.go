package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/user/pagewright/internal/types"
)

// RetryPolicy controls how failed history writes are retried with
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy allows three attempts, starting at one second and
// doubling up to thirty.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return attempt < p.MaxAttempts && p.isRetryable(err)
}

// Storage failures that clear up on their own.
var transientErrors = []string{
	"database is locked",
	"sqlite_busy",
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"resource temporarily unavailable",
	"too many open files",
}

// Storage failures that another attempt cannot fix.
var permanentErrors = []string{
	"no space left on device",
	"read-only file system",
	"permission denied",
	"malformed",
	"invalid",
}

func (p *RetryPolicy) isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, types.ErrBadParameter), errors.Is(err, types.ErrConflict):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range permanentErrors {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

func (p *RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

// Execute calls fn until it succeeds, fails permanently, runs out of
// attempts or ctx is done. The error returned is fn's most recent one.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var (
		attempt int
		last    error
	)
	err := backoff.Retry(func() error {
		attempt++
		if last = fn(); last == nil {
			return nil
		}
		if !p.ShouldRetry(last, attempt) {
			return backoff.Permanent(last)
		}
		return last
	}, p.backOff(ctx))
	if err != nil && last != nil {
		return last
	}
	return err
}
