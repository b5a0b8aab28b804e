// Package middleware wraps client calls in an onion of cross-cutting behavior.
//
// Each Middleware receives the next Invoker and returns a new one, so
//
//	Chain(A, B, C)(call)
//
// runs A → B → C → call on the way in and C → B → A on the way out.
package middleware

import (
	"context"
	"encoding/json"

	"glowdb/message"
)

// Invoker performs one remote call and returns its raw result.
type Invoker func(ctx context.Context, method message.Method, params any) (json.RawMessage, error)

type Middleware func(next Invoker) Invoker

// Chain combines middlewares into one; the first argument is the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
