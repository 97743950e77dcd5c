package resilience

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryDelay is the pause before the single retry.
const RetryDelay = 100 * time.Millisecond

// RetryOnce runs fn and, if it fails while ctx is still live, runs it exactly
// once more. The last error is returned unwrapped.
func RetryOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(RetryDelay)), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
}

// RetryOnceValue is [RetryOnce] for functions that produce a value.
func RetryOnceValue[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := RetryOnce(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
