// Package registry is the provider registration and discovery adapter.
//
// Providers register each exported service as an ephemeral node:
//
//	/root                            persistent
//	/root/{service}#{version}        persistent
//	/root/{service}#{version}/{name} ephemeral, data = host:port[:weight]
//
// The coordination service itself sits behind the Coordinator interface, with
// an etcd implementation for deployments and an in-memory tree for tests.
// Coordinator events are republished on a pubsub hub, so subscribers (the
// discovery cache, the provider) never run on the coordinator's goroutine.
package registry

import (
	"context"
	"sync"

	"curryx/message"

	"github.com/juju/pubsub/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const eventTopic = "curryx.registry.event"

// Registry registers providers and discovers them.
type Registry struct {
	coord  Coordinator
	root   string
	hub    *pubsub.SimpleHub
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps coord. The registry owns coord from now on and closes it in Close.
func New(coord Coordinator, root string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		coord:  coord,
		root:   root,
		hub:    pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{}),
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.pump()
	return r
}

// pump forwards coordinator events to the hub until the coordinator closes.
func (r *Registry) pump() {
	defer close(r.done)
	for ev := range r.coord.Events() {
		r.logger.Debug("coordinator event", zap.Stringer("type", ev.Type), zap.String("path", ev.Path), zap.Error(ev.Err))
		r.hub.Publish(eventTopic, ev)
	}
}

// Subscribe calls fn for every coordinator event, in order, on a goroutine
// owned by the hub. The returned func unsubscribes.
func (r *Registry) Subscribe(fn func(Event)) func() {
	return r.hub.Subscribe(eventTopic, func(_ string, data interface{}) {
		if ev, ok := data.(Event); ok {
			fn(ev)
		}
	})
}

// Root returns the root path all services live under.
func (r *Registry) Root() string {
	return r.root
}

func (r *Registry) servicePath(serviceKey string) string {
	return JoinPath(r.root, serviceKey)
}

// Register advertises endpoint for serviceKey and returns the name of the
// ephemeral node holding it.
func (r *Registry) Register(ctx context.Context, serviceKey, endpoint string) (string, error) {
	if _, _, err := ParseEndpoint(endpoint); err != nil {
		return "", err
	}
	path := r.servicePath(serviceKey)
	if err := r.coord.Ensure(ctx, path); err != nil {
		return "", errors.Wrapf(err, "registry: register %s", serviceKey)
	}
	name, err := r.coord.CreateEphemeral(ctx, path, []byte(endpoint))
	if err != nil {
		return "", errors.Wrapf(err, "registry: register %s", serviceKey)
	}
	r.logger.Info("registered provider", zap.String("service", serviceKey), zap.String("node", name), zap.String("endpoint", endpoint))
	return name, nil
}

// Deregister removes one provider node ahead of session close, so clients
// stop routing to it before its connections go away.
func (r *Registry) Deregister(ctx context.Context, serviceKey, name string) error {
	return r.coord.Delete(ctx, JoinPath(r.servicePath(serviceKey), name))
}

// Discover returns every provider of serviceKey. A missing service path or a
// path without usable children is a no-provider error.
func (r *Registry) Discover(ctx context.Context, serviceKey string) ([]Node, error) {
	path := r.servicePath(serviceKey)
	children, err := r.coord.List(ctx, path)
	if errors.Is(err, ErrNoNode) {
		return nil, message.Errorf(message.KindNoProvider, "service path %s does not exist", path)
	}
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(children))
	for _, c := range children {
		addr, weight, err := ParseEndpoint(string(c.Data))
		if err != nil {
			r.logger.Warn("skipping provider node", zap.String("service", serviceKey), zap.String("node", c.Name), zap.Error(err))
			continue
		}
		nodes = append(nodes, Node{Name: c.Name, Endpoint: addr, Weight: weight})
	}
	if len(nodes) == 0 {
		return nil, message.Errorf(message.KindNoProvider, "no provider under %s", path)
	}
	return nodes, nil
}

// Endpoint re-reads the data of one provider node. It returns ErrNoNode if
// the node is gone.
func (r *Registry) Endpoint(ctx context.Context, serviceKey, name string) (Node, error) {
	data, err := r.coord.Get(ctx, JoinPath(r.servicePath(serviceKey), name))
	if err != nil {
		return Node{}, err
	}
	addr, weight, err := ParseEndpoint(string(data))
	if err != nil {
		return Node{}, err
	}
	return Node{Name: name, Endpoint: addr, Weight: weight}, nil
}

// Close ends the coordinator session, which deregisters every provider this
// process registered.
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.coord.Close()
		<-r.done
	})
	return err
}
