// Package transport implements the client-side transport layer with multiplexing.
//
// ClientTransport enables multiple concurrent RPC calls over a single TCP connection.
// Each request carries a unique 128-bit ID, and a background goroutine (recvLoop)
// continuously reads responses and routes them to the correct caller via pending slots.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── response(id=b) → pending[b] slot → goroutine-2 wakes up
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"curryx/message"
	"curryx/metrics"
	"curryx/protocol"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultKeepAlive   = 30 * time.Second
)

// Options configures dialed transports.
type Options struct {
	Protocol    protocol.Options
	DialTimeout time.Duration // 0 means DefaultDialTimeout
	KeepAlive   time.Duration // TCP keep-alive period, 0 means DefaultKeepAlive
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	addr    string
	enc     *protocol.Encoder
	dec     *protocol.Decoder
	logger  *zap.Logger
	metrics *metrics.Collector
	sending chan struct{} // Write lock, a channel so waiting on it can be abandoned with ctx

	mu      sync.Mutex
	pending map[uuid.UUID]chan *message.Response // Each request waits on its own buffered slot
	dead    bool
	err     error // Why the transport died

	done chan struct{}
}

// Dial opens a TCP connection to addr with keep-alive enabled and starts its
// reader. Keep-alive replaces an application heartbeat: the frame has no room
// for one.
func Dial(ctx context.Context, addr string, opts Options) (*ClientTransport, error) {
	opts = opts.withDefaults()
	d := net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dial %s", addr)
	}
	return NewClientTransport(conn, opts), nil
}

// NewClientTransport takes ownership of conn and starts the recvLoop goroutine.
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	opts = opts.withDefaults()
	t := &ClientTransport{
		conn:    conn,
		addr:    conn.RemoteAddr().String(),
		enc:     protocol.NewEncoder(conn, (*message.Request)(nil), opts.Protocol),
		dec:     protocol.NewDecoder(conn, opts.Protocol),
		logger:  opts.Logger.With(zap.String("remote", conn.RemoteAddr().String())),
		metrics: opts.Metrics,
		sending: make(chan struct{}, 1),
		pending: make(map[uuid.UUID]chan *message.Response),
		done:    make(chan struct{}),
	}
	opts.Metrics.ConnOpened()
	go t.recvLoop()
	return t
}

// Send registers a pending slot for req and writes it. The returned channel
// receives exactly one response: the server's, or a transport-closed failure
// if the connection dies first.
//
// The slot is registered BEFORE the frame is written, so a fast response can
// never arrive ahead of its slot. ctx bounds the wait for the write lock and
// the write itself. A write cut short by ctx leaves a partial frame on the
// stream, so it kills the transport.
func (t *ClientTransport) Send(ctx context.Context, req *message.Request) (<-chan *message.Response, error) {
	body, err := t.enc.Marshal(req)
	if err != nil {
		return nil, err
	}

	slot := make(chan *message.Response, 1) // Buffered so recvLoop never blocks on a slow caller
	t.mu.Lock()
	if t.dead {
		err := t.err
		t.mu.Unlock()
		return nil, closedError(err)
	}
	if _, ok := t.pending[req.ID]; ok {
		t.mu.Unlock()
		return nil, errors.Errorf("transport: request %s already pending", req.ID)
	}
	t.pending[req.ID] = slot
	t.mu.Unlock()
	t.metrics.PendingAdd(1)

	select {
	case t.sending <- struct{}{}:
	case <-ctx.Done():
		t.Cancel(req.ID)
		return nil, t.abandoned(ctx, req)
	case <-t.done:
		return slot, nil
	}
	n, err := t.write(ctx, body)
	<-t.sending
	if err != nil && n == 0 && ctx.Err() != nil {
		// Nothing reached the wire: the stream is intact.
		t.Cancel(req.ID)
		return nil, t.abandoned(ctx, req)
	}
	if err != nil {
		t.fail(errors.Wrap(err, "write"))
		if ctx.Err() != nil {
			// fail() already completed the slot; nobody reads it.
			return nil, t.abandoned(ctx, req)
		}
		// The slot is failed by fail(); the caller reads it from there.
	}
	return slot, nil
}

// write writes one frame, interrupting a blocked write when ctx is done, and
// reports how many bytes went out. Must be called with the write lock held.
func (t *ClientTransport) write(ctx context.Context, body []byte) (int, error) {
	w := &countingWriter{w: t.conn}
	if ctx.Done() == nil {
		err := protocol.WriteFrame(w, body)
		return w.n, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetWriteDeadline(time.Unix(1, 0))
		close(interrupted)
	})
	err := protocol.WriteFrame(w, body)
	if !stop() {
		<-interrupted
	}
	t.conn.SetWriteDeadline(time.Time{})
	return w.n, err
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

// abandoned is the error of a call given up because ctx is done.
func (t *ClientTransport) abandoned(ctx context.Context, req *message.Request) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return message.Errorf(message.KindTimeout, "%s.%s on %s", req.ServiceKey(), req.MethodName, t.addr)
	}
	return errors.Wrap(ctx.Err(), "transport: call abandoned")
}

// Cancel removes the pending slot of id. A response arriving later is dropped
// by recvLoop.
func (t *ClientTransport) Cancel(id uuid.UUID) {
	t.mu.Lock()
	_, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		t.metrics.PendingAdd(-1)
	}
}

// Call sends req and waits for its response until ctx is done. A call that
// gives up after its request is written leaves the connection untouched.
func (t *ClientTransport) Call(ctx context.Context, req *message.Request) (*message.Response, error) {
	slot, err := t.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-slot:
		return resp, nil
	case <-ctx.Done():
		t.Cancel(req.ID)
		// The response may have landed between ctx.Done and Cancel.
		select {
		case resp := <-slot:
			return resp, nil
		default:
		}
		return nil, t.abandoned(ctx, req)
	}
}

// recvLoop runs in a dedicated goroutine, continuously reading responses from the connection.
// For each response, it looks up the request ID in the pending map and completes the caller's
// slot. Responses can arrive in any order.
//
// A single reader is required: TCP is a byte stream and frame boundaries are only
// known by reading sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		var resp message.Response
		if err := t.dec.Decode(&resp); err != nil {
			t.fail(err)
			return
		}

		t.mu.Lock()
		slot, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()
		if !ok {
			// Late response after timeout eviction
			t.logger.Debug("dropping response without pending request", zap.Stringer("id", resp.ID))
			t.metrics.ResponseDropped()
			continue
		}
		t.metrics.PendingAdd(-1)
		slot <- &resp
	}
}

// fail marks the transport dead, closes the socket and completes every pending
// slot with transport-closed. Only the first call has any effect.
func (t *ClientTransport) fail(cause error) {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.dead = true
	t.err = cause
	pending := t.pending
	t.pending = make(map[uuid.UUID]chan *message.Response)
	t.mu.Unlock()

	t.conn.Close()
	close(t.done)
	t.metrics.ConnClosed()
	t.metrics.PendingAdd(-len(pending))

	if len(pending) > 0 || !isClosedConn(cause) {
		t.logger.Info("connection closed", zap.Int("pending", len(pending)), zap.Error(cause))
	}
	for id, slot := range pending {
		slot <- message.NewFailure(id, closedError(cause))
	}
}

func closedError(cause error) *message.Error {
	if cause == nil {
		return message.Errorf(message.KindTransportClosed, "connection closed")
	}
	return message.Errorf(message.KindTransportClosed, "%v", cause)
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, errLocalClose)
}

var errLocalClose = errors.New("closed by client")

// Alive reports whether the connection can still carry requests.
func (t *ClientTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.dead
}

// Done is closed when the transport dies.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Addr returns the remote address.
func (t *ClientTransport) Addr() string {
	return t.addr
}

// Pending returns the number of requests awaiting a response.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close closes the connection, failing pending calls with transport-closed.
func (t *ClientTransport) Close() error {
	t.fail(errLocalClose)
	return nil
}
