// Package loadbalance picks the store endpoint a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity stores, spreads successive connections
//   - WeightedRandom:  heterogeneous stores, honors Endpoint.Weight
//   - ConsistentHash:  pins a client (by key) to the same store while the set is stable
package loadbalance

import (
	"fmt"

	"glowdb/registry"
)

// Balancer selects one endpoint. The client calls Pick each time it (re)connects, so
// implementations must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)
	Name() string
}

// New returns the balancer called name: "round_robin" (also ""), "weighted_random" or
// "consistent_hash". key is only used by consistent_hash.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
}
