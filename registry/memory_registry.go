package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is a process-local Registry. It ignores TTLs. Useful for tests and for
// wiring a fixed set of endpoints through the same discovery path as etcd.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Endpoint)
	}
	r.services[service][ep.URI] = ep
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service string, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], uri)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns the endpoints sorted by URI. Callers hold r.mu.
func (r *MemoryRegistry) list(service string) []Endpoint {
	endpoints := make([]Endpoint, 0, len(r.services[service]))
	for _, ep := range r.services[service] {
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].URI < endpoints[j].URI })
	return endpoints
}

// notify replaces any undelivered list with the latest one. Callers hold r.mu.
func (r *MemoryRegistry) notify(service string) {
	latest := r.list(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- latest
	}
}
