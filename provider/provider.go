// Package provider runs the provider side: it serves the exported services
// and keeps them registered for as long as the process is up.
package provider

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"curryx/registry"
	"curryx/server"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultShutdownTimeout = 5 * time.Second

type Options struct {
	Address         string // Listen address, e.g. ":9001" or "127.0.0.1:0"
	Host            string // Advertised host; the listen address is not routable when it is ":9001"
	Weight          int    // Advertised weight, 0 means registry.DefaultWeight
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// Provider ties a server to the registry. It owns both: Shutdown closes the
// registry session and stops the server.
type Provider struct {
	srv    *server.Server
	reg    *registry.Registry
	opts   Options
	logger *zap.Logger

	endpoint string

	regMu sync.Mutex // Serializes registerAll
	mu    sync.Mutex
	nodes map[string]string // serviceKey → registered node name

	resync      chan struct{}
	unsubscribe func()
	serveErr    chan error
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	once        sync.Once
}

func New(reg *registry.Registry, srv *server.Server, opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Weight <= 0 {
		opts.Weight = registry.DefaultWeight
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		srv:      srv,
		reg:      reg,
		opts:     opts,
		logger:   opts.Logger,
		nodes:    make(map[string]string),
		resync:   make(chan struct{}, 1),
		serveErr: make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens, starts serving and registers every exported service. When
// Start fails nothing stays registered.
func (p *Provider) Start(ctx context.Context) error {
	if len(p.srv.Table().Services()) == 0 {
		return errors.New("provider: no service to export")
	}
	addr, err := p.srv.Listen("tcp", p.opts.Address)
	if err != nil {
		return err
	}
	host := p.opts.Host
	tcp, _ := addr.(*net.TCPAddr)
	if host == "" && tcp != nil && !tcp.IP.IsUnspecified() {
		host = tcp.IP.String()
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port := 0
	if tcp != nil {
		port = tcp.Port
	}
	p.endpoint = registry.FormatEndpoint(net.JoinHostPort(host, strconv.Itoa(port)), p.opts.Weight)

	go func() { p.serveErr <- p.srv.Serve() }()

	p.unsubscribe = p.reg.Subscribe(p.handleEvent)
	p.wg.Add(1)
	go p.resyncLoop()

	if err := p.registerAll(ctx); err != nil {
		p.Shutdown()
		return err
	}
	return nil
}

// Endpoint returns the advertised host:port[:weight]. Valid after Start.
func (p *Provider) Endpoint() string {
	return p.endpoint
}

func (p *Provider) registerAll(ctx context.Context) error {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	for _, svc := range p.srv.Table().Services() {
		p.mu.Lock()
		_, ok := p.nodes[svc.Key()]
		p.mu.Unlock()
		if ok {
			continue
		}
		name, err := p.reg.Register(ctx, svc.Key(), p.endpoint)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.nodes[svc.Key()] = name
		p.mu.Unlock()
	}
	return nil
}

// handleEvent runs on the registry's hub. It only records state and wakes
// the resync loop; registering is network work.
func (p *Provider) handleEvent(ev registry.Event) {
	switch ev.Type {
	case registry.EventSessionExpired:
		// Ephemeral nodes died with the session.
		p.mu.Lock()
		p.nodes = make(map[string]string)
		p.mu.Unlock()
	case registry.EventNewSession:
		select {
		case p.resync <- struct{}{}:
		default:
		}
	}
}

// resyncLoop re-registers every service on a new session, retrying with
// backoff until it succeeds or the provider shuts down.
func (p *Provider) resyncLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.resync:
		}
		p.logger.Info("new session, re-registering services", zap.String("endpoint", p.endpoint))
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		err := backoff.RetryNotify(func() error {
			return p.registerAll(p.ctx)
		}, backoff.WithContext(b, p.ctx), func(err error, next time.Duration) {
			p.logger.Warn("re-registration failed", zap.Error(err), zap.Duration("retry", next))
		})
		if err != nil {
			return
		}
	}
}

// Registered returns the node name of each registered service key.
func (p *Provider) Registered() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.nodes))
	for k, v := range p.nodes {
		out[k] = v
	}
	return out
}

// Wait blocks until the server stops and returns its error.
func (p *Provider) Wait() error {
	err := <-p.serveErr
	p.serveErr <- err
	return err
}

// Shutdown performs graceful shutdown:
//  1. Deregister every node (clients stop routing to this provider)
//  2. Close the registry session, which removes anything step 1 missed
//  3. Stop the server, waiting for in-flight requests
func (p *Provider) Shutdown() error {
	var err error
	p.once.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		p.cancel()
		p.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.ShutdownTimeout)
		defer cancel()
		for key, name := range p.Registered() {
			if derr := p.reg.Deregister(ctx, key, name); derr != nil {
				p.logger.Warn("deregister failed", zap.String("service", key), zap.Error(derr))
			}
		}
		if cerr := p.reg.Close(); cerr != nil {
			err = cerr
		}
		if serr := p.srv.Shutdown(p.opts.ShutdownTimeout); serr != nil && err == nil {
			err = serr
		}
		p.logger.Info("provider stopped", zap.String("endpoint", p.endpoint))
	})
	return err
}
