package client

import (
	"time"

	"go.uber.org/zap"

	"glowdb/codec"
	"glowdb/loadbalance"
	"glowdb/middleware"
	"glowdb/registry"
	"glowdb/transport"
)

// DefaultEndpoint is the store address used when none is configured.
const DefaultEndpoint = "ws://localhost:8888"

type options struct {
	endpoint    string
	kind        string
	codec       codec.CodecType
	explicit    bool
	dialTimeout time.Duration
	session     transport.SessionOptions
	logger      *zap.Logger
	middlewares []middleware.Middleware

	registry registry.Registry
	service  string
	balancer loadbalance.Balancer
}

func defaultOptions() options {
	return options{
		endpoint:    DefaultEndpoint,
		codec:       codec.CodecTypeJSONRPC,
		dialTimeout: 10 * time.Second,
		session:     transport.DefaultSessionOptions(),
		logger:      zap.NewNop(),
	}
}

// Option configures a Client.
type Option func(*options)

// WithEndpoint sets the store URI, e.g. "ws://db.internal:8888".
func WithEndpoint(uri string) Option {
	return func(o *options) { o.endpoint = uri }
}

// WithKind sets the kind given to documents the client builds from replies. It prefixes
// ids generated for replies that carry none.
func WithKind(kind string) Option {
	return func(o *options) { o.kind = kind }
}

// WithCodec selects the envelope encoding the store expects.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithExplicitConnect disables connecting on the first call. Calls made before Connect,
// or after the connection dropped, fail with transport.ErrNotConnected.
func WithExplicitConnect() Option {
	return func(o *options) { o.explicit = true }
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func WithSessionOptions(s transport.SessionOptions) Option {
	return func(o *options) { o.session = s }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMiddleware appends call middlewares; the first one given is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithRegistry resolves the endpoint through reg instead of WithEndpoint: every
// connection attempt picks one of the endpoints registered under service with bal
// (round robin when bal is nil).
func WithRegistry(reg registry.Registry, service string, bal loadbalance.Balancer) Option {
	return func(o *options) {
		o.registry = reg
		o.service = service
		o.balancer = bal
	}
}
