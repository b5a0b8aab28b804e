package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Cache keeps the endpoint list of one service up to date from a Watch, so that picking
// an endpoint does not cost a registry round trip.
type Cache struct {
	reg     Registry
	service string
	log     *zap.Logger

	mu        sync.RWMutex
	endpoints []Endpoint
	synced    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCache starts watching service. The watch runs until Close.
func NewCache(reg Registry, service string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		reg:     reg,
		service: service,
		log:     logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.watch(ctx)
	return c
}

func (c *Cache) watch(ctx context.Context) {
	defer close(c.done)
	ch := c.reg.Watch(ctx, c.service)
	// Events queued on ch are newer than this read.
	if endpoints, err := c.reg.Discover(ctx, c.service); err == nil {
		c.store(endpoints)
	}
	for endpoints := range ch {
		c.store(endpoints)
		c.log.Debug("endpoints updated", zap.String("service", c.service), zap.Int("count", len(endpoints)))
	}
}

func (c *Cache) store(endpoints []Endpoint) {
	c.mu.Lock()
	c.endpoints = endpoints
	c.synced = true
	c.mu.Unlock()
}

// Endpoints returns the cached list. Before the first watch event it falls back to
// Discover and caches the result.
func (c *Cache) Endpoints(ctx context.Context) ([]Endpoint, error) {
	c.mu.RLock()
	endpoints, synced := c.endpoints, c.synced
	c.mu.RUnlock()
	if synced {
		return endpoints, nil
	}

	endpoints, err := c.reg.Discover(ctx, c.service)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if !c.synced {
		c.endpoints = endpoints
		c.synced = true
	} else {
		endpoints = c.endpoints
	}
	c.mu.Unlock()
	return endpoints, nil
}

// Close stops the watch.
func (c *Cache) Close() {
	c.cancel()
	<-c.done
}
