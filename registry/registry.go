// Package registry tells clients where glowdb stores can be reached.
//
// Stores announce themselves under a service name; clients discover the current set of
// endpoints, pick one with a loadbalance.Balancer and dial it.
package registry

import (
	"context"
	"errors"
)

// ErrNoEndpoints is returned when a service has no registered endpoint.
var ErrNoEndpoints = errors.New("registry: no endpoints available")

// Endpoint is one reachable store.
type Endpoint struct {
	URI     string `json:"uri"`    // e.g. ws://10.0.0.7:8888
	Weight  int    `json:"weight"` // weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, uri string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
