package loadbalance

import (
	"context"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"curryx/registry"
)

type affinityKey struct{}

// WithAffinityKey attaches the key the consistent hash balancer routes on.
// Calls carrying the same key land on the same provider while the provider
// set is unchanged.
func WithAffinityKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, affinityKey{}, key)
}

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing cache affinity for stateful services or local caches.
// Calls without an affinity key hash on the service key.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per instance ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real instance

	mu    sync.Mutex
	rings map[string]*hashRing // serviceKey → ring built for the last seen node set
}

type hashRing struct {
	signature string
	ring      []uint32       // Sorted hash values on the ring
	nodes     map[uint32]int // Hash value → index into the candidate slice
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		rings:    make(map[string]*hashRing),
	}
}

// ringFor returns the ring for the current candidates, rebuilding it when the
// node set differs from the one the cached ring was built for.
func (b *ConsistentHashBalancer) ringFor(serviceKey string, nodes []registry.Node) *hashRing {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	signature := strings.Join(names, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[serviceKey]; ok && r.signature == signature {
		return r
	}
	r := &hashRing{signature: signature, nodes: make(map[uint32]int, len(nodes)*b.replicas)}
	for i, n := range nodes {
		// Each virtual node is hashed from "{name}#{i}" to spread evenly across the ring.
		for v := 0; v < b.replicas; v++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", n.Name, v)))
			r.ring = append(r.ring, hash)
			r.nodes[hash] = i
		}
	}
	// Keep the ring sorted for binary search in Elect()
	sort.Slice(r.ring, func(i, j int) bool {
		return r.ring[i] < r.ring[j]
	})
	b.rings[serviceKey] = r
	return r
}

// Elect hashes the affinity key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
func (b *ConsistentHashBalancer) Elect(ctx context.Context, serviceKey string, nodes []registry.Node) (registry.Node, error) {
	if len(nodes) == 0 {
		return registry.Node{}, errEmpty(serviceKey)
	}
	key, _ := ctx.Value(affinityKey{}).(string)
	if key == "" {
		key = serviceKey
	}
	r := b.ringFor(serviceKey, nodes)
	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= hash
	})

	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(r.ring) {
		idx = 0
	}
	return nodes[r.nodes[r.ring[idx]]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
