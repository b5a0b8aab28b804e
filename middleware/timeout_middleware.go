package middleware

import (
	"context"
	"encoding/json"
	"time"

	"glowdb/message"
)

// TimeoutMiddleware bounds each call by timeout. The transport abandons a call whose
// context ends, so a late reply is dropped rather than delivered.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method message.Method, params any) (json.RawMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, method, params)
		}
	}
}
