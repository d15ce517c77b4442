package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ncruces/go-sqlite3"
)

// RetryPolicy bounds the retries of a write that failed because another
// process holds the file lock.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts with a fixed 1 s delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Second}
}

// IsLocked reports whether err is a SQLITE_BUSY or SQLITE_LOCKED failure.
func IsLocked(err error) bool {
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}

// WithRetry runs fn until it succeeds, fails with an error other than a lock
// error, or the attempts are exhausted. The delay wait honors ctx.
func WithRetry(ctx context.Context, p RetryPolicy, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsLocked(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(err, ctx.Err()))
		case <-time.After(p.Delay):
		}
	}
	return fmt.Errorf("database locked after %d attempts: %w", attempts, err)
}
