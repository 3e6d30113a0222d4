// Package discovery is the client-side discovery cache.
//
// The cache maps a service key to the providers found under it. It is kept
// coherent by flushing everything whenever the coordinator reports a
// reconnect, a new session, a failed session or a change under the root:
// the events do not say which service changed, and rediscovery is one
// round-trip.
package discovery

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"curryx/loadbalance"
	"curryx/message"
	"curryx/metrics"
	"curryx/registry"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultQueryTimeout bounds one shared query to the source.
const DefaultQueryTimeout = 5 * time.Second

// Source is what the cache reads through on a miss. *registry.Registry
// implements it.
type Source interface {
	Discover(ctx context.Context, serviceKey string) ([]registry.Node, error)
	Endpoint(ctx context.Context, serviceKey, name string) (registry.Node, error)
	Subscribe(fn func(registry.Event)) func()
	Root() string
}

type entry struct {
	gen   uint64
	nodes []registry.Node
}

// Cache is safe for concurrent use.
type Cache struct {
	src          Source
	logger       *zap.Logger
	metrics      *metrics.Collector
	queryTimeout time.Duration

	entries sync.Map // serviceKey → entry
	gen     atomic.Uint64
	group   singleflight.Group

	unsubscribe func()
}

type Option func(*Cache)

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithQueryTimeout bounds each query to the source. The query runs on behalf
// of every caller waiting for it, so no single caller's ctx can cut it short.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Cache) { c.queryTimeout = d }
}

// New returns a cache reading through src and subscribed to its events.
func New(src Source, opts ...Option) *Cache {
	c := &Cache{src: src, logger: zap.NewNop(), queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = src.Subscribe(c.handleEvent)
	return c
}

func (c *Cache) handleEvent(ev registry.Event) {
	switch ev.Type {
	case registry.EventSyncConnected, registry.EventNewSession, registry.EventSessionError:
	case registry.EventChildChange:
		if ev.Path != c.src.Root() {
			return
		}
	default:
		return
	}
	c.logger.Debug("flushing discovery cache", zap.Stringer("event", ev.Type), zap.Error(ev.Err))
	c.metrics.CacheFlush(ev.Type.String())
	c.Flush()
}

// Flush drops every entry. Entries inserted by lookups that started before the
// flush are ignored from now on, even if they land after it.
func (c *Cache) Flush() {
	c.gen.Add(1)
	c.entries.Clear()
}

// Lookup returns the providers of serviceKey, querying the source on a miss.
// The returned slice is shared and must not be modified.
func (c *Cache) Lookup(ctx context.Context, serviceKey string) ([]registry.Node, error) {
	gen := c.gen.Load()
	if v, ok := c.entries.Load(serviceKey); ok {
		if e := v.(entry); e.gen == gen && len(e.nodes) > 0 {
			c.metrics.CacheLookup(true)
			return e.nodes, nil
		}
	}
	c.metrics.CacheLookup(false)

	// Callers that miss in the same generation share one query. A lookup
	// after a flush never joins a query started before it. Each caller stops
	// waiting when its own ctx is done; the query itself carries on.
	ch := c.group.DoChan(serviceKey+"@"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.queryTimeout)
		defer cancel()
		nodes, err := c.src.Discover(qctx, serviceKey)
		if err != nil {
			return nil, err
		}
		if len(nodes) > 0 {
			c.entries.Store(serviceKey, entry{gen: gen, nodes: nodes})
			c.logger.Debug("cached providers", zap.String("service", serviceKey), zap.Int("count", len(nodes)))
		}
		return nodes, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]registry.Node), nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "discovery: lookup %s", serviceKey)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	gen := c.gen.Load()
	n := 0
	c.entries.Range(func(_, v any) bool {
		if v.(entry).gen == gen {
			n++
		}
		return true
	})
	return n
}

// Resolve picks one provider of serviceKey with b and re-reads its endpoint,
// which may have changed since the node list was cached. If the winner is gone
// the cache is flushed and the whole resolution runs once more.
func (c *Cache) Resolve(ctx context.Context, serviceKey string, b loadbalance.Balancer) (registry.Node, error) {
	for attempt := 0; ; attempt++ {
		nodes, err := c.Lookup(ctx, serviceKey)
		if err != nil {
			return registry.Node{}, err
		}
		winner, err := b.Elect(ctx, serviceKey, nodes)
		if err != nil {
			return registry.Node{}, err
		}
		node, err := c.src.Endpoint(ctx, serviceKey, winner.Name)
		if errors.Is(err, registry.ErrNoNode) {
			if attempt == 0 {
				c.logger.Debug("elected provider is gone, rediscovering", zap.String("service", serviceKey), zap.String("node", winner.Name))
				c.Flush()
				continue
			}
			return registry.Node{}, message.Errorf(message.KindNoProvider, "provider %s of %s is gone", winner.Name, serviceKey)
		}
		if err != nil {
			return registry.Node{}, errors.Wrapf(err, "discovery: read %s/%s", serviceKey, winner.Name)
		}
		return node, nil
	}
}

// Close stops listening to coordinator events.
func (c *Cache) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}
