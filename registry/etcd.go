// etcd-backed Coordinator.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for services, laid out like a tree:
//
//	Key:   /curryx/{ServiceName}#{Version}/{NodeName}
//	Value: host:port[:weight]
//
// Ephemeral nodes are keys attached to the session lease: if the provider crashes,
// the lease expires and the entry is automatically removed, so no "ghost" instances remain.

package registry

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

// EtcdConfig configures an EtcdCoordinator.
type EtcdConfig struct {
	Endpoints      []string
	Root           string        // Watched root, e.g. "/curryx"
	SessionTimeout time.Duration // Lease TTL, rounded up to whole seconds
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// EtcdCoordinator implements Coordinator using etcd v3.
//
// The session is a concurrency.Session: one lease kept alive in the background.
// When it expires a new one is created with exponential backoff, reporting
// SessionExpired, then SessionEstablishmentError per failed attempt, then NewSession.
type EtcdCoordinator struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	cfg    EtcdConfig
	logger *zap.Logger

	mu      sync.Mutex
	session *concurrency.Session

	events  chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	closing atomic.Bool
}

var _ Coordinator = (*EtcdCoordinator)(nil)

// NewEtcdCoordinator connects to etcd, opens a session and starts watching cfg.Root.
func NewEtcdCoordinator(cfg EtcdConfig) (*EtcdCoordinator, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 15 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.ConnectTimeout,
		Logger:      cfg.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "registry: connect etcd")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &EtcdCoordinator{
		client: c,
		cfg:    cfg,
		logger: cfg.Logger,
		events: make(chan Event, 16),
		ctx:    ctx,
		cancel: cancel,
	}
	session, err := e.newSession()
	if err != nil {
		cancel()
		c.Close()
		return nil, err
	}
	e.session = session

	e.wg.Add(3)
	go e.watchLoop()
	go e.stateLoop()
	go e.sessionLoop(session)
	e.emit(Event{Type: EventSyncConnected})
	return e, nil
}

func (e *EtcdCoordinator) newSession() (*concurrency.Session, error) {
	ttl := int((e.cfg.SessionTimeout + time.Second - 1) / time.Second)
	s, err := concurrency.NewSession(e.client, concurrency.WithTTL(ttl), concurrency.WithContext(e.ctx))
	if err != nil {
		return nil, errors.Wrap(err, "registry: open etcd session")
	}
	return s, nil
}

func (e *EtcdCoordinator) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

func (e *EtcdCoordinator) lease() (clientv3.LeaseID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return 0, errors.New("registry: no live etcd session")
	}
	return e.session.Lease(), nil
}

// Ensure creates the key and all its ancestors if missing. Each create is a
// transaction guarded on CreateRevision == 0 so existing data is never overwritten.
func (e *EtcdCoordinator) Ensure(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	for _, p := range ancestors(path) {
		_, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(p), "=", 0)).
			Then(clientv3.OpPut(p, "")).
			Commit()
		if err != nil {
			return errors.Wrapf(err, "registry: ensure %s", p)
		}
	}
	return nil
}

// CreateEphemeral stores data under parent/{uuid} with the session lease attached.
func (e *EtcdCoordinator) CreateEphemeral(ctx context.Context, parent string, data []byte) (string, error) {
	if err := validatePath(parent); err != nil {
		return "", err
	}
	lease, err := e.lease()
	if err != nil {
		return "", err
	}
	name := uuid.NewString()
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(parent), ">", 0)).
		Then(clientv3.OpPut(JoinPath(parent, name), string(data), clientv3.WithLease(lease))).
		Commit()
	if err != nil {
		return "", errors.Wrapf(err, "registry: create under %s", parent)
	}
	if !resp.Succeeded {
		return "", ErrNoNode
	}
	return name, nil
}

func (e *EtcdCoordinator) Delete(ctx context.Context, path string) error {
	_, err := e.client.Delete(ctx, path)
	return errors.Wrapf(err, "registry: delete %s", path)
}

// List reads the node and everything below it in one transaction, then keeps
// only the direct children.
func (e *EtcdCoordinator) List(ctx context.Context, path string) ([]Child, error) {
	prefix := strings.TrimRight(path, "/") + "/"
	resp, err := e.client.Txn(ctx).
		Then(clientv3.OpGet(path, clientv3.WithCountOnly()), clientv3.OpGet(prefix, clientv3.WithPrefix())).
		Commit()
	if err != nil {
		return nil, errors.Wrapf(err, "registry: list %s", path)
	}
	if resp.Responses[0].GetResponseRange().Count == 0 {
		return nil, ErrNoNode
	}
	var children []Child
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		name := strings.TrimPrefix(string(kv.Key), prefix)
		if name == "" || strings.Contains(name, "/") {
			continue // Grandchildren
		}
		children = append(children, Child{Name: name, Data: kv.Value})
	}
	return children, nil
}

func (e *EtcdCoordinator) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := e.client.Get(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: get %s", path)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNoNode
	}
	return resp.Kvs[0].Value, nil
}

func (e *EtcdCoordinator) Events() <-chan Event {
	return e.events
}

// watchLoop turns every change under the root into one ChildChange event.
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
// A broken watch (compaction, cancellation by the server) is re-established;
// the change that may have been missed is covered by the ChildChange emitted
// on re-watch.
func (e *EtcdCoordinator) watchLoop() {
	defer e.wg.Done()
	prefix := strings.TrimRight(e.cfg.Root, "/") + "/"
	for e.ctx.Err() == nil {
		wch := e.client.Watch(clientv3.WithRequireLeader(e.ctx), prefix, clientv3.WithPrefix())
		for resp := range wch {
			if err := resp.Err(); err != nil {
				e.logger.Warn("etcd watch broken", zap.String("root", e.cfg.Root), zap.Error(err))
				break
			}
			if len(resp.Events) > 0 {
				e.emit(Event{Type: EventChildChange, Path: e.cfg.Root})
			}
		}
		if e.ctx.Err() != nil {
			return
		}
		e.emit(Event{Type: EventChildChange, Path: e.cfg.Root})
		select {
		case <-time.After(time.Second):
		case <-e.ctx.Done():
		}
	}
}

// stateLoop follows the gRPC connection state and reports Disconnected when
// a ready connection drops, and SyncConnected when it comes back.
func (e *EtcdCoordinator) stateLoop() {
	defer e.wg.Done()
	conn := e.client.ActiveConnection()
	state := conn.GetState()
	dropped := false
	for conn.WaitForStateChange(e.ctx, state) {
		state = conn.GetState()
		switch {
		case state == connectivity.Ready && dropped:
			dropped = false
			e.logger.Info("etcd connection restored")
			e.emit(Event{Type: EventSyncConnected})
		case state == connectivity.TransientFailure && !dropped:
			dropped = true
			e.logger.Warn("etcd connection lost", zap.Stringer("state", state))
			e.emit(Event{Type: EventDisconnected})
		}
	}
}

// sessionLoop replaces the session whenever its lease is lost.
func (e *EtcdCoordinator) sessionLoop(session *concurrency.Session) {
	defer e.wg.Done()
	for {
		select {
		case <-session.Done():
		case <-e.ctx.Done():
			return
		}
		if e.closing.Load() || e.ctx.Err() != nil {
			return
		}
		e.logger.Warn("etcd session expired", zap.Int64("lease", int64(session.Lease())))
		e.mu.Lock()
		e.session = nil
		e.mu.Unlock()
		e.emit(Event{Type: EventSessionExpired})

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		err := backoff.RetryNotify(func() error {
			s, err := e.newSession()
			if err != nil {
				return err
			}
			session = s
			return nil
		}, backoff.WithContext(b, e.ctx), func(err error, next time.Duration) {
			e.logger.Error("etcd session establishment failed", zap.Error(err), zap.Duration("retry", next))
			e.emit(Event{Type: EventSessionError, Err: err})
		})
		if err != nil {
			return
		}
		e.mu.Lock()
		e.session = session
		e.mu.Unlock()
		e.logger.Info("etcd session established", zap.Int64("lease", int64(session.Lease())))
		e.emit(Event{Type: EventNewSession})
	}
}

// Close revokes the session lease, which deletes every ephemeral node this
// coordinator created, then closes the client.
func (e *EtcdCoordinator) Close() error {
	var err error
	e.once.Do(func() {
		e.closing.Store(true)
		e.mu.Lock()
		session := e.session
		e.session = nil
		e.mu.Unlock()
		if session != nil {
			err = session.Close()
		}
		e.cancel()
		e.wg.Wait()
		if cerr := e.client.Close(); err == nil {
			err = cerr
		}
		close(e.events)
	})
	return err
}
