package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"curryx/message"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoot = "/curryx"

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(typ EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	tree := NewMemoryTree()
	reg := New(tree.Connect(testRoot), testRoot, nil)
	defer reg.Close()

	name1, err := reg.Register(ctx, "calc#v1", "127.0.0.1:8001")
	require.NoError(t, err)
	name2, err := reg.Register(ctx, "calc#v1", "127.0.0.1:8002:5")
	require.NoError(t, err)
	assert.NotEqual(t, name1, name2)

	nodes, err := reg.Discover(ctx, "calc#v1")
	require.NoError(t, err)
	assert.Equal(t, []Node{
		{Name: name1, Endpoint: "127.0.0.1:8001", Weight: 1},
		{Name: name2, Endpoint: "127.0.0.1:8002", Weight: 5},
	}, nodes)

	node, err := reg.Endpoint(ctx, "calc#v1", name2)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8002", node.Endpoint)

	// Deregister one
	require.NoError(t, reg.Deregister(ctx, "calc#v1", name1))
	nodes, err = reg.Discover(ctx, "calc#v1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, name2, nodes[0].Name)

	_, err = reg.Endpoint(ctx, "calc#v1", name1)
	assert.True(t, errors.Is(err, ErrNoNode))
}

func TestDiscoverNoProvider(t *testing.T) {
	ctx := context.Background()
	tree := NewMemoryTree()
	reg := New(tree.Connect(testRoot), testRoot, nil)
	defer reg.Close()

	_, err := reg.Discover(ctx, "ghost#v1")
	assert.True(t, errors.Is(err, message.ErrNoProvider))

	// Path exists but has no children
	coord := tree.Connect(testRoot)
	defer coord.Close()
	require.NoError(t, coord.Ensure(ctx, testRoot+"/empty#v1"))
	_, err = reg.Discover(ctx, "empty#v1")
	assert.True(t, errors.Is(err, message.ErrNoProvider))
}

func TestRegisterRejectsMalformedEndpoint(t *testing.T) {
	tree := NewMemoryTree()
	reg := New(tree.Connect(testRoot), testRoot, nil)
	defer reg.Close()

	_, err := reg.Register(context.Background(), "calc#v1", "no-port")
	assert.Error(t, err)
}

func TestSessionCloseRemovesEphemeralNodes(t *testing.T) {
	ctx := context.Background()
	tree := NewMemoryTree()
	provider := New(tree.Connect(testRoot), testRoot, nil)
	consumer := New(tree.Connect(testRoot), testRoot, nil)
	defer consumer.Close()

	var log eventLog
	unsub := consumer.Subscribe(log.add)
	defer unsub()

	_, err := provider.Register(ctx, "calc#v1", "127.0.0.1:8001")
	require.NoError(t, err)
	_, err = consumer.Discover(ctx, "calc#v1")
	require.NoError(t, err)

	require.NoError(t, provider.Close())

	_, err = consumer.Discover(ctx, "calc#v1")
	assert.True(t, errors.Is(err, message.ErrNoProvider))
	assert.Eventually(t, func() bool { return log.has(EventChildChange) }, time.Second, 10*time.Millisecond)
}

func TestExpireReportsNewSession(t *testing.T) {
	ctx := context.Background()
	tree := NewMemoryTree()
	coord := tree.Connect(testRoot)
	reg := New(coord, testRoot, nil)
	defer reg.Close()

	var log eventLog
	unsub := reg.Subscribe(log.add)
	defer unsub()

	_, err := reg.Register(ctx, "calc#v1", "127.0.0.1:8001")
	require.NoError(t, err)

	coord.Expire()
	coord.FailSession(errors.New("quorum lost"))
	assert.Eventually(t, func() bool {
		return log.has(EventSessionExpired) && log.has(EventNewSession) && log.has(EventSessionError)
	}, time.Second, 10*time.Millisecond)

	_, err = reg.Discover(ctx, "calc#v1")
	assert.True(t, errors.Is(err, message.ErrNoProvider))
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in     string
		addr   string
		weight int
		ok     bool
	}{
		{"127.0.0.1:9001", "127.0.0.1:9001", 1, true},
		{"127.0.0.1:9001:3", "127.0.0.1:9001", 3, true},
		{"[::1]:9001", "[::1]:9001", 1, true},
		{"[::1]:9001:7", "[::1]:9001", 7, true},
		{"localhost:80:0", "", 0, false},
		{"localhost:80:x", "", 0, false},
		{"localhost", "", 0, false},
	}
	for _, tc := range cases {
		addr, weight, err := ParseEndpoint(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.addr, addr, tc.in)
		assert.Equal(t, tc.weight, weight, tc.in)
	}

	assert.Equal(t, "127.0.0.1:9001", FormatEndpoint("127.0.0.1:9001", 1))
	assert.Equal(t, "127.0.0.1:9001:4", FormatEndpoint("127.0.0.1:9001", 4))
}

func TestMemoryTreeList(t *testing.T) {
	ctx := context.Background()
	tree := NewMemoryTree()
	coord := tree.Connect(testRoot)
	defer coord.Close()

	require.NoError(t, coord.Ensure(ctx, "/curryx/a#v1"))
	require.NoError(t, coord.Ensure(ctx, "/curryx/b#v1"))
	_, err := coord.CreateEphemeral(ctx, "/curryx/a#v1", []byte("127.0.0.1:1"))
	require.NoError(t, err)

	children, err := coord.List(ctx, testRoot)
	require.NoError(t, err)
	require.Len(t, children, 2, "grandchildren are not listed")
	assert.Equal(t, "a#v1", children[0].Name)

	_, err = coord.CreateEphemeral(ctx, "/curryx/missing", nil)
	assert.Equal(t, ErrNoNode, err)
	assert.Error(t, coord.Ensure(ctx, "relative/path"))
	assert.Equal(t, 3, tree.NodeCount(testRoot))
}
