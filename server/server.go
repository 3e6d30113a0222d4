// Package server implements the RPC server: service registration table,
// middleware chain, parallel request processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Middleware Chain → Table.Dispatch → Encoder → write response (under the conn's write lock)
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"curryx/message"
	"curryx/middleware"
	"curryx/protocol"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server accepts connections and dispatches their requests through a Table.
type Server struct {
	table       *Table
	opts        protocol.Options
	logger      *zap.Logger
	middlewares []middleware.Middleware // Applied in order, first is outermost
	handler     middleware.HandlerFunc  // Built once in Serve: middleware(middleware(...(Dispatch)))

	listener net.Listener
	shutdown atomic.Bool // Set during shutdown to suppress the Accept error

	mu       sync.Mutex
	closing  bool
	conns    map[net.Conn]struct{}
	inflight sync.WaitGroup // In-flight requests, for graceful shutdown

	ctx    context.Context // Parent of every handler context, cancelled by Shutdown
	cancel context.CancelFunc
}

type Option func(*Server)

// WithProtocol sets the codec, cipher and frame limit. Both peers must agree.
func WithProtocol(opts protocol.Options) Option {
	return func(s *Server) { s.opts = opts }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMiddleware appends middlewares to the chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// NewServer returns a server dispatching through table.
func NewServer(table *Table, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		table:  table,
		logger: zap.NewNop(),
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers a middleware. Must be called before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Table returns the service registration table.
func (s *Server) Table() *Table {
	return s.table
}

// Listen binds the listener without accepting yet, so the caller can learn
// the bound address (port 0) before advertising it.
func (s *Server) Listen(network, address string) (net.Addr, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "server: listen %s", address)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(network, address string) error {
	if _, err := s.Listen(network, address); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the accept loop on the listener bound by Listen, one goroutine
// per connection. It returns nil after Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	// Build the middleware chain once at startup (not per-request)
	s.handler = middleware.Chain(s.middlewares...)(s.table.Dispatch)
	s.logger.Info("serving", zap.Stringer("addr", s.listener.Addr()))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "server: accept")
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// begin counts a request as in flight unless shutdown has started. Taking the
// lock keeps inflight.Add from racing with the Wait in Shutdown.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

// handleConn processes a single TCP connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame boundaries),
// but dispatches each request to its own goroutine, so responses may leave in any order.
//
// A decode failure (bad frame, wrong key, oversized frame) closes the connection:
// the stream cannot be resynchronized. The client sees its pending calls fail.
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	dec := protocol.NewDecoder(conn, s.opts)
	enc := protocol.NewEncoder(conn, (*message.Response)(nil), s.opts)
	writeMu := &sync.Mutex{} // Per-connection write lock, shared by all requests on this conn

	for {
		req := new(message.Request)
		if err := dec.Decode(req); err != nil {
			if errors.Is(err, message.ErrDecodeFailure) {
				logger.Warn("closing connection", zap.Error(err))
			} else {
				logger.Debug("connection closed", zap.Error(err))
			}
			return
		}
		if !s.begin() {
			return
		}
		go s.handleRequest(req, conn, enc, writeMu, logger)
	}
}

// handleRequest runs one request through the middleware chain and writes the response.
func (s *Server) handleRequest(req *message.Request, conn net.Conn, enc *protocol.Encoder, writeMu *sync.Mutex, logger *zap.Logger) {
	defer s.inflight.Done()

	resp := s.handler(s.ctx, req)
	if resp == nil {
		resp = message.NewFailure(req.ID, message.Errorf(message.KindInvocationFailed, "no response"))
	}

	body, err := enc.Marshal(resp)
	if err != nil {
		// e.g. result over the frame limit: report it instead of leaving the caller hanging
		logger.Warn("failed to encode response", zap.Stringer("id", req.ID), zap.Error(err))
		body, err = enc.Marshal(message.NewFailure(req.ID, message.Errorf(message.KindInvocationFailed, "encode response: %v", err)))
		if err != nil {
			logger.Error("failed to encode failure response", zap.Error(err))
			return
		}
	}

	writeMu.Lock()
	err = protocol.WriteFrame(conn, body)
	writeMu.Unlock()
	if err != nil {
		logger.Debug("failed to write response", zap.Stringer("id", req.ID), zap.Error(err))
		conn.Close()
	}
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so the Accept error is recognized as intentional)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close every connection
//
// Deregistering from discovery first is the caller's job; see provider.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("server: timeout waiting for ongoing requests to finish")
	}

	s.cancel()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return err
}
