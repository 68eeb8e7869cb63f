package engine

import (
	"context"
	"time"

	"recordflow/internal/domain"
)

const retryBaseDelay = 10 * time.Millisecond

// Retry runs fn up to attempts times while it fails with a storage
// conflict or an unavailable store, doubling the delay between tries.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := retryBaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !domain.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
