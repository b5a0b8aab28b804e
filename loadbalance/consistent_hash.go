package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"glowdb/registry"
)

// ConsistentHashBalancer maps a fixed key (typically a client or tenant name) onto a hash
// ring of endpoints. The same key lands on the same store until the endpoint set changes,
// and a change only moves the keys of the endpoints that came or went.
//
// Each endpoint gets 100 virtual nodes so that a handful of stores still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	sig   string // URIs the ring was built from
	ring  []uint32
	nodes map[uint32]string // hash → endpoint URI
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

// Pick returns the endpoint owning the balancer's key, rebuilding the ring when the
// endpoint set differs from the previous call.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, registry.ErrNoEndpoints
	}

	b.mu.Lock()
	b.sync(endpoints)
	uri := b.lookup(b.key)
	b.mu.Unlock()

	for i := range endpoints {
		if endpoints[i].URI == uri {
			return &endpoints[i], nil
		}
	}
	return nil, registry.ErrNoEndpoints
}

// sync rebuilds the ring if needed. Callers hold b.mu.
func (b *ConsistentHashBalancer) sync(endpoints []registry.Endpoint) {
	uris := make([]string, len(endpoints))
	for i, ep := range endpoints {
		uris[i] = ep.URI
	}
	sort.Strings(uris)
	sig := strings.Join(uris, "\n")
	if sig == b.sig && b.nodes != nil {
		return
	}

	b.sig = sig
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(uris)*b.replicas)
	for _, uri := range uris {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", uri, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = uri
		}
	}
	// Keep the ring sorted for binary search in lookup.
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// lookup finds the first node clockwise from key's hash, wrapping around past the end.
func (b *ConsistentHashBalancer) lookup(key string) string {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
