package loadbalance

import (
	"context"
	"math/rand/v2"

	"curryx/registry"
)

// RandomBalancer picks uniformly among the candidates.
type RandomBalancer struct{}

func (b *RandomBalancer) Elect(_ context.Context, serviceKey string, nodes []registry.Node) (registry.Node, error) {
	if len(nodes) == 0 {
		return registry.Node{}, errEmpty(serviceKey)
	}
	return nodes[rand.IntN(len(nodes))], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
