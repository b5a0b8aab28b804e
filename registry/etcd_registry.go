package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyRoot = "/glowdb/"

// EtcdOptions configures the etcd connection.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// EtcdRegistry keeps endpoints in etcd, one key per endpoint:
//
//	Key:   /glowdb/{service}/{escaped URI}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL leases: if a store dies without deregistering, its lease expires
// and the entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client // safe for concurrent use
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease granted by Register
}

// NewEtcdRegistry connects to etcd. The connection is established lazily by the etcd
// client, so an unreachable cluster surfaces on the first operation.
func NewEtcdRegistry(opts EtcdOptions) (*EtcdRegistry, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Logger:      opts.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		log:    opts.Logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func servicePrefix(service string) string {
	return keyRoot + service + "/"
}

func endpointKey(service, uri string) string {
	return servicePrefix(service) + url.PathEscape(uri)
}

// Register stores ep under service with a lease of ttl seconds, renewed in the background
// until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	key := endpointKey(service, ep.URI)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive must outlive the registering call, so it gets its own context.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	return nil
}

// Deregister removes an endpoint, revoking its lease when this registry granted it.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, uri string) error {
	key := endpointKey(service, uri)

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, id); err == nil {
			return nil
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

// Discover returns every endpoint currently registered for service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", service, err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch uses etcd's server-push watch on the service prefix and re-reads the whole list
// on every event batch.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		for wresp := range r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			if err := wresp.Err(); err != nil {
				r.log.Warn("watch interrupted", zap.String("service", service), zap.Error(err))
				continue
			}
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close releases the etcd connection. Leases it kept alive lapse after their TTL.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
