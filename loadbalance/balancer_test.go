package loadbalance

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"curryx/message"
	"curryx/registry"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNodes = []registry.Node{
	{Name: "n1", Endpoint: "127.0.0.1:8001", Weight: 10},
	{Name: "n2", Endpoint: "127.0.0.1:8002", Weight: 5},
	{Name: "n3", Endpoint: "127.0.0.1:8003", Weight: 10},
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":               "RoundRobin",
		"roundrobin":     "RoundRobin",
		"random":         "Random",
		"weighted":       "WeightedRandom",
		"consistenthash": "ConsistentHash",
	} {
		b, err := New(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, b.Name())
	}
	_, err := New("fastest")
	assert.Error(t, err)
}

func TestEmptyCandidates(t *testing.T) {
	for _, b := range []Balancer{&RandomBalancer{}, &RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Elect(context.Background(), "calc#v1", nil)
		assert.True(t, errors.Is(err, message.ErrNoProvider), b.Name())
	}
}

func TestRoundRobinWraps(t *testing.T) {
	b := &RoundRobinBalancer{}
	ctx := context.Background()

	first := make([]string, 3)
	for i := range first {
		n, err := b.Elect(ctx, "calc#v1", testNodes)
		require.NoError(t, err)
		first[i] = n.Name
	}
	assert.Equal(t, []string{"n1", "n2", "n3"}, first)

	n, _ := b.Elect(ctx, "calc#v1", testNodes)
	assert.Equal(t, "n1", n.Name, "wraps around to the first node")
}

func TestRoundRobinFairness(t *testing.T) {
	b := &RoundRobinBalancer{}
	const m, k = 1000, 3

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < m/10; i++ {
				n, err := b.Elect(context.Background(), "calc#v1", testNodes)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				counts[n.Name]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, n := range testNodes {
		assert.GreaterOrEqual(t, counts[n.Name], m/k)
		assert.LessOrEqual(t, counts[n.Name], (m+k-1)/k)
	}
}

func TestRoundRobinPerKeyCursor(t *testing.T) {
	b := &RoundRobinBalancer{}
	ctx := context.Background()

	a1, _ := b.Elect(ctx, "a#v1", testNodes)
	b1, _ := b.Elect(ctx, "b#v1", testNodes)
	assert.Equal(t, "n1", a1.Name)
	assert.Equal(t, "n1", b1.Name, "other keys do not advance the cursor")
}

func TestRoundRobinShrinkingList(t *testing.T) {
	b := &RoundRobinBalancer{}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = b.Elect(ctx, "calc#v1", testNodes)
	}
	// The cursor is 5 now and the list shrank to 2.
	n, err := b.Elect(ctx, "calc#v1", testNodes[:2])
	require.NoError(t, err)
	assert.Equal(t, "n2", n.Name)
}

func TestRandomCoversAll(t *testing.T) {
	b := &RandomBalancer{}
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		n, err := b.Elect(context.Background(), "calc#v1", testNodes)
		require.NoError(t, err)
		seen[n.Name] = true
	}
	assert.Len(t, seen, len(testNodes))
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	const n = 20000
	for i := 0; i < n; i++ {
		node, err := b.Elect(context.Background(), "calc#v1", testNodes)
		require.NoError(t, err)
		counts[node.Name]++
	}

	// Weights are 10:5:10, so each heavy node should get ~40% and the light one ~20%.
	assert.InDelta(t, 0.4, float64(counts["n1"])/n, 0.03)
	assert.InDelta(t, 0.2, float64(counts["n2"])/n, 0.03)
	assert.InDelta(t, 0.4, float64(counts["n3"])/n, 0.03)
}

func TestWeightedRandomDefaultWeight(t *testing.T) {
	b := &WeightedRandomBalancer{}
	nodes := []registry.Node{{Name: "a"}, {Name: "b"}}

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		node, err := b.Elect(context.Background(), "calc#v1", nodes)
		require.NoError(t, err)
		counts[node.Name]++
	}
	assert.InDelta(t, 1000, counts["a"], 150)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key should always map to the same node
	ctx := WithAffinityKey(context.Background(), "user-123")
	n1, err := b.Elect(ctx, "calc#v1", testNodes)
	require.NoError(t, err)
	n2, _ := b.Elect(ctx, "calc#v1", testNodes)
	assert.Equal(t, n1.Name, n2.Name)

	// Different keys should spread over the ring
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		n, _ := b.Elect(WithAffinityKey(context.Background(), fmt.Sprintf("key-%d", i)), "calc#v1", testNodes)
		seen[n.Name] = true
	}
	assert.Greater(t, len(seen), 1, "100 keys all mapped to one node")
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()

	moved := 0
	for i := 0; i < 300; i++ {
		ctx := WithAffinityKey(context.Background(), fmt.Sprintf("key-%d", i))
		before, _ := b.Elect(ctx, "calc#v1", testNodes)
		after, err := b.Elect(ctx, "calc#v1", testNodes[:2])
		require.NoError(t, err)
		assert.NotEqual(t, "n3", after.Name, "removed node must not be elected")
		if before.Name != after.Name {
			moved++
		}
	}
	// Only keys owned by the removed node move.
	assert.Less(t, moved, 200)
}
