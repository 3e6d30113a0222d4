// Package client is the public call surface: it resolves a provider through
// the discovery cache and a balancer, borrows the pooled connection to it and
// waits for the correlated response.
package client

import (
	"context"
	"time"

	"curryx/codec"
	"curryx/discovery"
	"curryx/loadbalance"
	"curryx/message"
	"curryx/metrics"
	"curryx/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultTimeout = 3 * time.Second

// Invocation describes one call.
type Invocation struct {
	Service    string
	Version    string
	Method     string
	ParamTypes []string
	Params     [][]byte
	Timeout    time.Duration // 0 means the client default
}

// NewInvocation serializes args and names their types with codec.TypeName.
func NewInvocation(service, version, method string, args ...any) (*Invocation, error) {
	types, params, err := codec.MarshalParams(args...)
	if err != nil {
		return nil, err
	}
	return &Invocation{Service: service, Version: version, Method: method, ParamTypes: types, Params: params}, nil
}

type Client struct {
	cache    *discovery.Cache
	balancer loadbalance.Balancer
	pool     *transport.Pool
	topts    transport.Options
	timeout  time.Duration
	retries  uint64
	logger   *zap.Logger
	metrics  *metrics.Collector
}

type Option func(*Client)

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTransport configures the pooled connections: codec, cipher, frame limit, dialing.
func WithTransport(opts transport.Options) Option {
	return func(c *Client) { c.topts = opts }
}

// WithRetry retries the steps before a request is written (no provider found,
// connection refused) up to n times with exponential backoff, within the call
// timeout. A written request is never sent again.
func WithRetry(n int) Option {
	return func(c *Client) { c.retries = uint64(n) }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient returns a client resolving providers through cache. The client
// owns its connection pool; the cache stays the caller's.
func NewClient(cache *discovery.Cache, opts ...Option) *Client {
	c := &Client{
		cache:    cache,
		balancer: &loadbalance.RoundRobinBalancer{},
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.topts.Logger == nil {
		c.topts.Logger = c.logger
	}
	if c.topts.Metrics == nil {
		c.topts.Metrics = c.metrics
	}
	c.pool = transport.NewPool(c.topts)
	return c
}

// Invoke performs inv and returns the raw result.
func (c *Client) Invoke(ctx context.Context, inv *Invocation) ([]byte, error) {
	start := time.Now()
	result, err := c.invoke(ctx, inv)
	c.metrics.ObserveCall(message.ServiceKey(inv.Service, inv.Version), inv.Method, err, time.Since(start))
	if err != nil {
		c.logger.Debug("call failed", zap.String("service", message.ServiceKey(inv.Service, inv.Version)), zap.String("method", inv.Method), zap.Error(err))
	}
	return result, err
}

func (c *Client) invoke(ctx context.Context, inv *Invocation) ([]byte, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := message.NewRequest(inv.Service, inv.Version, inv.Method, inv.ParamTypes, inv.Params)
	serviceKey := req.ServiceKey()

	t, err := c.connect(ctx, serviceKey)
	if err != nil {
		if ctx.Err() != nil && message.KindOf(err) == "" {
			return nil, message.Errorf(message.KindTimeout, "%s: resolving provider: %v", serviceKey, err)
		}
		return nil, err
	}

	resp, err := t.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// connect resolves a provider and acquires its connection, retrying as
// configured by WithRetry.
func (c *Client) connect(ctx context.Context, serviceKey string) (*transport.ClientTransport, error) {
	var t *transport.ClientTransport
	op := func() error {
		node, err := c.cache.Resolve(ctx, serviceKey, c.balancer)
		if err != nil {
			if errors.Is(err, message.ErrNoProvider) {
				return err
			}
			return backoff.Permanent(err)
		}
		t, err = c.pool.Acquire(ctx, node.Endpoint)
		if err != nil {
			if errors.Is(err, transport.ErrPoolClosed) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return message.Errorf(message.KindTransportClosed, "connect %s: %v", node.Endpoint, err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0 // Bounded by ctx
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		c.logger.Debug("retrying before send", zap.String("service", serviceKey), zap.Error(err), zap.Duration("in", next))
	})
	return t, err
}

// Call invokes service#version.method with args and decodes the result into
// reply. reply may be nil when the result is not wanted.
func (c *Client) Call(ctx context.Context, service, version, method string, reply any, args ...any) error {
	inv, err := NewInvocation(service, version, method, args...)
	if err != nil {
		return err
	}
	result, err := c.Invoke(ctx, inv)
	if err != nil {
		return err
	}
	return codec.UnmarshalResult(result, reply)
}

// Close closes every pooled connection. Calls in flight fail with transport-closed.
func (c *Client) Close() error {
	return c.pool.Close()
}
