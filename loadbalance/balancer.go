// Package loadbalance provides the selection policies that pick one provider
// out of the candidates discovery returned for a service key.
//
// Four strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - Random:          Same, without per-key state
//   - Weighted:        Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"context"

	"curryx/message"
	"curryx/registry"

	"github.com/pkg/errors"
)

// Balancer is the interface for load balancing strategies.
// The client calls Elect() before each RPC to select a target instance.
type Balancer interface {
	// Elect selects one node from the candidates of serviceKey.
	// Called on every RPC call, so it must be goroutine-safe. The candidates
	// slice is a snapshot and must not be modified.
	Elect(ctx context.Context, serviceKey string, nodes []registry.Node) (registry.Node, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer configured by name.
func New(name string) (Balancer, error) {
	switch name {
	case "random":
		return &RandomBalancer{}, nil
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	case "consistenthash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Errorf("loadbalance: unknown selector %q", name)
}

func errEmpty(serviceKey string) error {
	return message.Errorf(message.KindNoProvider, "no instances available for %s", serviceKey)
}
