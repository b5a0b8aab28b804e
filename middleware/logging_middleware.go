package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"glowdb/message"
)

// LoggingMiddleware logs every call with its method and duration. Failed calls are
// logged at warn level with the error.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method message.Method, params any) (json.RawMessage, error) {
			start := time.Now()
			result, err := next(ctx, method, params)
			fields := []zap.Field{
				zap.String("method", string(method)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
				return result, err
			}
			logger.Debug("call", fields...)
			return result, nil
		}
	}
}
