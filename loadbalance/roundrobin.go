package loadbalance

import (
	"context"
	"sync"
	"sync/atomic"

	"curryx/registry"
)

// RoundRobinBalancer distributes requests evenly across all instances in order.
// Each service key has its own atomic cursor, so lookups for one service do not
// skew the rotation of another.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinBalancer struct {
	cursors sync.Map // serviceKey → *atomic.Uint64
}

// Elect selects the next instance in round-robin order. When the candidate
// list changes length the cursor is simply taken modulo the new length.
func (b *RoundRobinBalancer) Elect(_ context.Context, serviceKey string, nodes []registry.Node) (registry.Node, error) {
	if len(nodes) == 0 {
		return registry.Node{}, errEmpty(serviceKey)
	}
	v, ok := b.cursors.Load(serviceKey)
	if !ok {
		v, _ = b.cursors.LoadOrStore(serviceKey, new(atomic.Uint64))
	}
	n := v.(*atomic.Uint64).Add(1) - 1
	return nodes[n%uint64(len(nodes))], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
