package download

import (
	"context"
	"errors"
	"time"

	"github.com/comicvault/comicvault/internal/logger"
)

// maxAttempts bounds every retried step, including the first try.
const maxAttempts = 3

// RetryError is returned once every attempt of a step has failed.
// Its message is the last failure's message.
type RetryError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return e.Err.Error()
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retrier runs a step up to maxAttempts times with a linearly growing
// delay between attempts.
type retrier struct {
	base  time.Duration
	sleep SleepFunc
	task  string
}

func (r retrier) delay(attempt int) time.Duration {
	return time.Duration(attempt) * r.base
}

// retry runs fn until it succeeds, the attempts are exhausted, or ctx is
// done. Storage failures are returned without retrying.
func retry[T any](ctx context.Context, r retrier, step string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		var storageErr *StorageFailure
		if errors.As(err, &storageErr) {
			return zero, err
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}

		logger.WithField("task", r.task).
			WithField("attempt", attempt).
			WithError(err).
			Warnf("%s failed, retrying", step)
		if err := r.sleep(ctx, r.delay(attempt)); err != nil {
			return zero, err
		}
	}

	return zero, &RetryError{Step: step, Attempts: maxAttempts, Err: lastErr}
}
