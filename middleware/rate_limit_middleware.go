package middleware

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"glowdb/message"
)

// RateLimitMiddleware paces outgoing calls with a token bucket of r calls per second and
// the given burst. A call waits for a token; it fails only if ctx ends first.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method message.Method, params any) (json.RawMessage, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, method, params)
		}
	}
}
