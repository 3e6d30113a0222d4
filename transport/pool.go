package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// Pool keeps at most one live multiplexed ClientTransport per endpoint.
//
// Connections are created lazily on first Acquire. A transport that dies
// (I/O error, remote close, decode failure) evicts itself, and the next
// Acquire for that endpoint dials anew. Concurrent misses for one endpoint
// share a single dial.
type Pool struct {
	opts Options

	mu     sync.Mutex
	conns  map[string]*ClientTransport
	closed bool

	dials singleflight.Group
}

func NewPool(opts Options) *Pool {
	return &Pool{
		opts:  opts.withDefaults(),
		conns: make(map[string]*ClientTransport),
	}
}

// lookup returns the live transport for addr, evicting a dead one.
func (p *Pool) lookup(addr string) (*ClientTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	t, ok := p.conns[addr]
	if !ok {
		return nil, nil
	}
	if !t.Alive() {
		delete(p.conns, addr)
		return nil, nil
	}
	return t, nil
}

// Acquire returns the connection to addr, dialing it if needed. The dial is
// shared by every caller missing on addr and is bounded by the dial timeout
// alone; ctx only bounds how long this caller waits for it.
func (p *Pool) Acquire(ctx context.Context, addr string) (*ClientTransport, error) {
	if t, err := p.lookup(addr); t != nil || err != nil {
		return t, err
	}

	ch := p.dials.DoChan(addr, func() (interface{}, error) {
		// Another caller may have finished dialing between lookup and DoChan.
		if t, err := p.lookup(addr); t != nil || err != nil {
			return t, err
		}
		t, err := Dial(context.WithoutCancel(ctx), addr, p.opts)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			t.Close()
			return nil, ErrPoolClosed
		}
		p.conns[addr] = t
		p.mu.Unlock()
		p.opts.Logger.Debug("connection opened", zap.String("endpoint", addr))

		go p.evictOnDone(addr, t)
		return t, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ClientTransport), nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "transport: acquire %s", addr)
	}
}

func (p *Pool) evictOnDone(addr string, t *ClientTransport) {
	<-t.Done()
	p.mu.Lock()
	if p.conns[addr] == t {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every pooled connection. Pending calls fail with transport-closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*ClientTransport)
	p.mu.Unlock()

	for _, t := range conns {
		t.Close()
	}
	return nil
}
