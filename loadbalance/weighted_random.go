package loadbalance

import (
	"context"
	"math/rand/v2"

	"curryx/registry"
)

// WeightedRandomBalancer picks a node with probability proportional to the
// weight advertised in its endpoint (host:port:weight). Nodes without a
// weight count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Elect(_ context.Context, serviceKey string, nodes []registry.Node) (registry.Node, error) {
	if len(nodes) == 0 {
		return registry.Node{}, errEmpty(serviceKey)
	}

	totalWeight := 0
	for _, v := range nodes {
		totalWeight += weightOf(v)
	}

	// Walk the cumulative weights until the random point falls inside one.
	r := rand.IntN(totalWeight)
	for _, v := range nodes {
		r -= weightOf(v)
		if r < 0 {
			return v, nil
		}
	}
	return nodes[len(nodes)-1], nil
}

func weightOf(n registry.Node) int {
	if n.Weight < 1 {
		return registry.DefaultWeight
	}
	return n.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
