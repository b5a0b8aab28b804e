package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"glowdb/message"
)

// retryable is implemented by errors that know whether repeating the call may succeed,
// such as a failed dial.
type retryable interface {
	Retryable() bool
}

// Retryable reports whether err, or any error it wraps, asks to be retried.
func Retryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

// RetryMiddleware repeats read-only calls that fail with a retryable error, waiting
// baseDelay, 2*baseDelay, 4*baseDelay... between attempts. Writes are never repeated: a
// write whose reply was lost may already have been applied.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method message.Method, params any) (json.RawMessage, error) {
			result, err := next(ctx, method, params)
			if !method.ReadOnly() {
				return result, err
			}
			for i := 0; i < maxRetries && err != nil && Retryable(err); i++ {
				logger.Info("retrying call",
					zap.String("method", string(method)),
					zap.Int("attempt", i+1),
					zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				result, err = next(ctx, method, params)
			}
			return result, err
		}
	}
}
