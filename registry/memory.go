package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryTree is an in-process coordination service. Every MemoryCoordinator
// connected to the same tree sees the same nodes, so a tree can stand in for
// a real cluster in tests and single-process deployments.
type MemoryTree struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	sessions map[*MemoryCoordinator]struct{}
	seq      int64
}

type memNode struct {
	data  []byte
	owner *MemoryCoordinator // nil for persistent nodes
}

func NewMemoryTree() *MemoryTree {
	return &MemoryTree{
		nodes:    map[string]*memNode{"/": {}},
		sessions: make(map[*MemoryCoordinator]struct{}),
	}
}

// Connect opens a session on the tree that watches root.
func (t *MemoryTree) Connect(root string) *MemoryCoordinator {
	c := &MemoryCoordinator{
		tree:   t,
		root:   root,
		events: make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	t.sessions[c] = struct{}{}
	t.mu.Unlock()

	go c.dispatch()
	c.emit(Event{Type: EventSyncConnected})
	return c
}

// NodeCount returns the number of nodes below root, for tests.
func (t *MemoryTree) NodeCount(root string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for p := range t.nodes {
		if strings.HasPrefix(p, root+"/") {
			n++
		}
	}
	return n
}

// notifyLocked tells every session watching an ancestor of path that its
// children changed. Must be called with t.mu held.
func (t *MemoryTree) notifyLocked(path string) {
	for c := range t.sessions {
		if path == c.root || strings.HasPrefix(path, c.root+"/") {
			c.emit(Event{Type: EventChildChange, Path: c.root})
		}
	}
}

// dropEphemeralsLocked deletes every node owned by c. Must be called with t.mu held.
func (t *MemoryTree) dropEphemeralsLocked(c *MemoryCoordinator) {
	var removed []string
	for p, n := range t.nodes {
		if n.owner == c {
			delete(t.nodes, p)
			removed = append(removed, p)
		}
	}
	for _, p := range removed {
		t.notifyLocked(parentOf(p))
	}
}

// MemoryCoordinator is one session on a MemoryTree.
type MemoryCoordinator struct {
	tree *MemoryTree
	root string

	mu     sync.Mutex
	queue  []Event
	closed bool

	events chan Event
	wake   chan struct{}
	done   chan struct{}
}

var _ Coordinator = (*MemoryCoordinator)(nil)

// emit queues ev for delivery. It never blocks, so it is safe to call with
// the tree lock held.
func (c *MemoryCoordinator) emit(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events in order, like a client library's event thread.
func (c *MemoryCoordinator) dispatch() {
	defer close(c.events)
	for {
		c.mu.Lock()
		queue := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, ev := range queue {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCoordinator) alive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *MemoryCoordinator) Ensure(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := c.alive(); err != nil {
		return err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	for _, p := range ancestors(path) {
		if _, ok := c.tree.nodes[p]; !ok {
			c.tree.nodes[p] = &memNode{}
			c.tree.notifyLocked(parentOf(p))
		}
	}
	return nil
}

func (c *MemoryCoordinator) CreateEphemeral(ctx context.Context, parent string, data []byte) (string, error) {
	if err := validatePath(parent); err != nil {
		return "", err
	}
	if err := c.alive(); err != nil {
		return "", err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if _, ok := c.tree.nodes[parent]; !ok {
		return "", ErrNoNode
	}
	c.tree.seq++
	name := fmt.Sprintf("n%010d", c.tree.seq)
	c.tree.nodes[JoinPath(parent, name)] = &memNode{data: append([]byte(nil), data...), owner: c}
	c.tree.notifyLocked(parent)
	return name, nil
}

func (c *MemoryCoordinator) Delete(ctx context.Context, path string) error {
	if err := c.alive(); err != nil {
		return err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if _, ok := c.tree.nodes[path]; ok {
		delete(c.tree.nodes, path)
		c.tree.notifyLocked(parentOf(path))
	}
	return nil
}

func (c *MemoryCoordinator) List(ctx context.Context, path string) ([]Child, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if _, ok := c.tree.nodes[path]; !ok {
		return nil, ErrNoNode
	}
	var children []Child
	for p, n := range c.tree.nodes {
		if p != "/" && parentOf(p) == path {
			children = append(children, Child{Name: strings.TrimPrefix(p[len(path):], "/"), Data: append([]byte(nil), n.data...)})
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

func (c *MemoryCoordinator) Get(ctx context.Context, path string) ([]byte, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	n, ok := c.tree.nodes[path]
	if !ok {
		return nil, ErrNoNode
	}
	return append([]byte(nil), n.data...), nil
}

func (c *MemoryCoordinator) Events() <-chan Event {
	return c.events
}

// Expire simulates session expiry: the session's ephemeral nodes disappear,
// then the coordinator reports SessionExpired followed by NewSession.
func (c *MemoryCoordinator) Expire() {
	c.tree.mu.Lock()
	c.emit(Event{Type: EventSessionExpired})
	c.tree.dropEphemeralsLocked(c)
	c.emit(Event{Type: EventNewSession})
	c.tree.mu.Unlock()
}

// Disconnect and Reconnect simulate a dropped and restored connection with
// the session kept alive.
func (c *MemoryCoordinator) Disconnect() {
	c.emit(Event{Type: EventDisconnected})
}

func (c *MemoryCoordinator) Reconnect() {
	c.emit(Event{Type: EventSyncConnected})
}

// FailSession simulates a failed attempt to establish a new session.
func (c *MemoryCoordinator) FailSession(err error) {
	c.emit(Event{Type: EventSessionError, Err: err})
}

func (c *MemoryCoordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.tree.mu.Lock()
	delete(c.tree.sessions, c)
	c.tree.dropEphemeralsLocked(c)
	c.tree.mu.Unlock()

	close(c.done)
	return nil
}
