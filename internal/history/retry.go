package history

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/comigor/wa-responder/internal/logger"
	"github.com/comigor/wa-responder/internal/metrics"
)

// RetryPolicy bounds how long a store operation keeps retrying transient failures.
// Delays start at BaseDelay and double on every attempt, without jitter.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches a backend with a handful of shared connections.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, BaseDelay: 300 * time.Millisecond}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.BaseDelay << uint(attempts)
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// withRetry runs fn until it succeeds, fails with a non-transient error, or the policy
// gives up. The result is nil or a *StoreError.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && !retryable(op, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.StoreRetries.Inc()
		logger.L.Warn("store busy, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, s.retry.backOff(ctx), notify)
	if err == nil {
		return nil
	}

	kind := KindBackend
	if isTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindUnavailable
	}
	metrics.StoreErrors.WithLabelValues(op, kind.String()).Inc()
	logger.L.Error("store operation failed", "op", op, "attempts", attempt, "kind", kind.String(), "error", err)
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// retryable excludes errors after which an insert may already have been committed, so
// a retry cannot add a second copy of the same record.
func retryable(op string, err error) bool {
	if op == "append" && errors.Is(err, mysql.ErrInvalidConn) {
		return false
	}
	return isTransient(err)
}
