package txn

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig controls WithRetry.
type RetryConfig struct {
	Tx TxConfig

	// Retries is the total number of attempts. Default: 3.
	Retries int

	// RetryDelay is the base backoff; the wait before attempt n+1 is
	// RetryDelay * n. Default: 100ms.
	RetryDelay time.Duration
}

// WithRetry runs WithTransaction and retries it on retryable errors only
// (serialization failures, deadlocks, lock and connection timeouts). Each
// attempt has its own full pending-to-terminal ledger lifecycle.
// Non-retryable errors propagate immediately; exhausted retries surface the
// last error wrapped with ErrRetriesExhausted.
func (e *Executor) WithRetry(ctx context.Context, cfg RetryConfig, op Operation) error {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	var last error
	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		last = e.WithTransaction(ctx, cfg.Tx, op)
		if last == nil {
			return nil
		}
		if !IsRetryable(last) {
			return last
		}
		if attempt == cfg.Retries {
			break
		}
		delay := cfg.RetryDelay * time.Duration(attempt)
		e.logger.Warn("retrying transaction",
			"operation", cfg.Tx.Name, "attempt", attempt, "delay", delay, "error", last)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: transaction %q failed %d times: %w",
		ErrRetriesExhausted, cfg.Tx.Name, cfg.Retries, last)
}

// sleep waits for d unless ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
