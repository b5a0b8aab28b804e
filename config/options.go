package config

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"glowdb/client"
	"glowdb/loadbalance"
	"glowdb/middleware"
	"glowdb/registry"
	"glowdb/transport"
)

// NewLogger builds a production JSON logger writing to stderr at level ("debug", "info",
// "warn", "error").
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// ClientOptions turns the settings into client options. The returned release func closes
// the etcd connection when the config uses one and must be called after the client is
// closed.
func (c Config) ClientOptions(logger *zap.Logger) ([]client.Option, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	session := transport.DefaultSessionOptions()
	session.HandshakeTimeout = c.HandshakeTimeout
	session.WriteTimeout = c.WriteTimeout
	session.PingInterval = c.PingInterval

	opts := []client.Option{
		client.WithEndpoint(c.Endpoint),
		client.WithKind(c.Kind),
		client.WithCodec(c.Codec),
		client.WithDialTimeout(c.DialTimeout),
		client.WithSessionOptions(session),
		client.WithLogger(logger),
	}
	if c.ExplicitConnect {
		opts = append(opts, client.WithExplicitConnect())
	}

	// Outermost first: log the whole call, pace it, retry it, bound each attempt.
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if c.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.RateLimit, c.RateBurst))
	}
	if c.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(c.Retries, c.RetryDelay, logger))
	}
	if c.CallTimeout > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(c.CallTimeout))
	}
	opts = append(opts, client.WithMiddleware(mws...))

	release := func() {}
	if len(c.EtcdEndpoints) > 0 {
		key := c.HashKey
		if key == "" {
			key, _ = os.Hostname()
		}
		bal, err := loadbalance.New(c.Balancer, key)
		if err != nil {
			return nil, nil, err
		}
		reg, err := registry.NewEtcdRegistry(registry.EtcdOptions{
			Endpoints:   c.EtcdEndpoints,
			DialTimeout: c.DialTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, client.WithRegistry(reg, c.Service, bal))
		release = func() { reg.Close() }
	}
	return opts, release, nil
}
