package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"curryx/discovery"
	"curryx/loadbalance"
	"curryx/message"
	"curryx/registry"
	"curryx/server"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoot = "/curryx"

type Calc struct{}

func (c *Calc) Add(a, b int) (int, error) { return a + b, nil }

func (c *Calc) Sleep(ctx context.Context, ms int) (int, error) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return ms, nil
}

type env struct {
	tree   *registry.MemoryTree
	cache  *discovery.Cache
	events atomic.Int64
}

func newEnv(t testing.TB) *env {
	e := &env{tree: registry.NewMemoryTree()}
	consumer := registry.New(e.tree.Connect(testRoot), testRoot, nil)
	unsubscribe := consumer.Subscribe(func(registry.Event) { e.events.Add(1) })
	e.cache = discovery.New(consumer)
	t.Cleanup(func() {
		unsubscribe()
		e.cache.Close()
		consumer.Close()
	})
	return e
}

// settle waits until coordinator events stop arriving, so no flush is still
// on its way to the cache.
func (e *env) settle() {
	last := e.events.Load()
	for {
		time.Sleep(50 * time.Millisecond)
		n := e.events.Load()
		if n == last {
			return
		}
		last = n
	}
}

// provide starts a calc#v1 server and registers it under its own session.
func (e *env) provide(t testing.TB) string {
	svc, err := server.Reflect("calc", "v1", &Calc{})
	require.NoError(t, err)
	table := server.NewTable()
	require.NoError(t, table.Add(svc))

	s := server.NewServer(table)
	addr, err := s.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve()

	reg := registry.New(e.tree.Connect(testRoot), testRoot, nil)
	_, err = reg.Register(context.Background(), svc.Key(), addr.String())
	require.NoError(t, err)
	t.Cleanup(func() {
		reg.Close()
		s.Shutdown(time.Second)
	})
	return addr.String()
}

func (e *env) client(t *testing.T, opts ...Option) *Client {
	c := NewClient(e.cache, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCall(t *testing.T) {
	e := newEnv(t)
	e.provide(t)
	c := e.client(t)
	e.settle()

	var sum int
	require.NoError(t, c.Call(context.Background(), "calc", "v1", "add", &sum, 2, 3))
	assert.Equal(t, 5, sum)
	assert.Equal(t, 1, e.cache.Len())
	assert.Equal(t, 1, c.pool.Len())
}

func TestInvoke(t *testing.T) {
	e := newEnv(t)
	e.provide(t)
	c := e.client(t)

	result, err := c.Invoke(context.Background(), &Invocation{
		Service:    "calc",
		Version:    "v1",
		Method:     "add",
		ParamTypes: []string{"int", "int"},
		Params:     [][]byte{[]byte("20"), []byte("22")},
		Timeout:    time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", string(result))
}

func TestCallConcurrent(t *testing.T) {
	e := newEnv(t)
	e.provide(t)
	e.provide(t)
	c := e.client(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var sum int
			if assert.NoError(t, c.Call(context.Background(), "calc", "v1", "add", &sum, n, 1)) {
				assert.Equal(t, n+1, sum)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 2, c.pool.Len(), "one connection per provider")
}

func TestUnknownService(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)

	err := c.Call(context.Background(), "ghost", "v1", "add", nil, 1, 2)
	assert.True(t, errors.Is(err, message.ErrNoProvider), "got %v", err)
	assert.Zero(t, e.cache.Len())
}

func TestMethodMismatch(t *testing.T) {
	e := newEnv(t)
	e.provide(t)
	c := e.client(t)

	err := c.Call(context.Background(), "calc", "v1", "sub", nil, 2, 3)
	assert.True(t, errors.Is(err, message.ErrMethodNotFound), "got %v", err)
}

func TestTimeoutWithLateResponse(t *testing.T) {
	e := newEnv(t)
	e.provide(t)
	c := e.client(t, WithTimeout(100*time.Millisecond))

	err := c.Call(context.Background(), "calc", "v1", "sleep", nil, 500)
	assert.True(t, errors.Is(err, message.ErrTimeout), "got %v", err)

	// The late response is dropped by the reader; the connection stays usable.
	time.Sleep(500 * time.Millisecond)
	var sum int
	require.NoError(t, c.Call(context.Background(), "calc", "v1", "add", &sum, 1, 1))
	assert.Equal(t, 2, sum)
	assert.Equal(t, 1, c.pool.Len())
}

func TestPerInvocationTimeout(t *testing.T) {
	e := newEnv(t)
	e.provide(t)
	c := e.client(t, WithTimeout(50*time.Millisecond))

	inv, err := NewInvocation("calc", "v1", "sleep", 100)
	require.NoError(t, err)
	inv.Timeout = time.Second
	result, err := c.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "100", string(result))
}

func TestRetryUntilProviderAppears(t *testing.T) {
	e := newEnv(t)
	c := e.client(t, WithRetry(20), WithTimeout(3*time.Second))

	go func() {
		time.Sleep(150 * time.Millisecond)
		e.provide(t)
	}()

	var sum int
	require.NoError(t, c.Call(context.Background(), "calc", "v1", "add", &sum, 2, 2))
	assert.Equal(t, 4, sum)
}

func TestDialFailure(t *testing.T) {
	e := newEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	reg := registry.New(e.tree.Connect(testRoot), testRoot, nil)
	defer reg.Close()
	_, err = reg.Register(context.Background(), "calc#v1", dead)
	require.NoError(t, err)

	c := e.client(t, WithRetry(2))
	err = c.Call(context.Background(), "calc", "v1", "add", nil, 1, 2)
	assert.True(t, errors.Is(err, message.ErrTransportClosed), "got %v", err)
}

func TestWeightedBalancer(t *testing.T) {
	e := newEnv(t)
	e.provide(t)
	c := e.client(t, WithBalancer(&loadbalance.WeightedRandomBalancer{}))

	var sum int
	require.NoError(t, c.Call(context.Background(), "calc", "v1", "add", &sum, 3, 4))
	assert.Equal(t, 7, sum)
}

func TestCallAfterClose(t *testing.T) {
	e := newEnv(t)
	e.provide(t)
	c := NewClient(e.cache)
	require.NoError(t, c.Close())

	err := c.Call(context.Background(), "calc", "v1", "add", nil, 1, 2)
	assert.Error(t, err)
}
