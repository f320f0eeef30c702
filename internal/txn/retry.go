package txn

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/veloxdb/veloxdb/internal/verrors"
)

// RetryConfig bounds the exponential backoff applied between attempts of
// RunReadWrite when a transaction conflicts (spec §4.5: "transient errors
// are retried with bounded exponential backoff").
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig caps backoff at ~200ms per spec §7.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 2 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		MaxElapsedTime:  0, // bounded by ctx, not by elapsed wall time
	}
}

// RunReadWrite runs fn against a fresh read-write transaction, retrying
// with bounded exponential backoff while fn or Commit fails with a
// retryable error (spec §7: errors in the transient band, >10000, are
// retried; programmer and data errors are not).
func RunReadWrite(ctx context.Context, m *Manager, isolation Isolation, cfg RetryConfig, fn func(*Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime
	bctx := backoff.WithContext(b, ctx)

	op := func() error {
		t := m.BeginReadWrite(isolation)
		if err := fn(t); err != nil {
			t.Abort()
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := t.Commit(ctx); err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	return backoff.Retry(op, bctx)
}

func isRetryable(err error) bool {
	var verr *verrors.Error
	if errors.As(err, &verr) {
		return verr.Retryable()
	}
	return false
}
