package server

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"sync"

	"curryx/codec"
	"curryx/message"

	"github.com/pkg/errors"
)

// Handler serves one method signature. params are the raw parameter values
// in declaration order; the returned bytes become the response result.
type Handler func(ctx context.Context, params [][]byte) ([]byte, error)

// Service is the handler table of one exported (name, version) pair.
type Service struct {
	name    string
	version string
	methods map[string]Handler // "add(int,int)" → handler
}

func NewService(name, version string) *Service {
	return &Service{name: name, version: version, methods: make(map[string]Handler)}
}

func (s *Service) Name() string    { return s.name }
func (s *Service) Version() string { return s.version }

// Key returns the service key the provider registers under.
func (s *Service) Key() string {
	return message.ServiceKey(s.name, s.version)
}

// Handle adds h for method with the given parameter types. A later Handle for
// the same signature replaces the earlier one.
func (s *Service) Handle(method string, paramTypes []string, h Handler) *Service {
	s.methods[signature(method, paramTypes)] = h
	return s
}

func (s *Service) lookup(method string, paramTypes []string) (Handler, bool) {
	h, ok := s.methods[signature(method, paramTypes)]
	return h, ok
}

// Methods returns the signatures served, sorted.
func (s *Service) Methods() []string {
	sigs := make([]string, 0, len(s.methods))
	for sig := range s.methods {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	return sigs
}

func signature(method string, paramTypes []string) string {
	return method + "(" + strings.Join(paramTypes, ",") + ")"
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Reflect scans the exported methods of rcvr and builds a Service from them.
// The scan happens once, here; dispatch afterwards is a map lookup.
//
// A method qualifies when it looks like
//
//	func (r *T) Name([ctx context.Context,] a1 A1, ..., an An) (R, error)
//	func (r *T) Name([ctx context.Context,] a1 A1, ..., an An) error
//
// Method names are exported with a lower-case first letter ("Add" → "add")
// and parameter types are named by codec.TypeName. A variadic tail ...A is one
// parameter of type []A. An empty name defaults to
// the receiver's type name.
func Reflect(name, version string, rcvr any) (*Service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, errors.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	val := reflect.ValueOf(rcvr)

	svc := NewService(name, version)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt, ok := newMethodType(m)
		if !ok {
			continue
		}
		svc.Handle(lowerFirst(m.Name), mt.paramTypes(), mt.handler(val))
	}
	if len(svc.methods) == 0 {
		return nil, errors.Errorf("server: %s has no exported method of a suitable signature", typ)
	}
	return svc, nil
}

type methodType struct {
	method     reflect.Method
	withCtx    bool
	argTypes   []reflect.Type
	variadic   bool
	withResult bool
}

func newMethodType(m reflect.Method) (*methodType, bool) {
	ft := m.Type
	mt := &methodType{method: m, variadic: ft.IsVariadic()}

	in := 1 // Skip the receiver
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		mt.withCtx = true
		in++
	}
	for ; in < ft.NumIn(); in++ {
		mt.argTypes = append(mt.argTypes, ft.In(in))
	}

	switch {
	case ft.NumOut() == 1 && ft.Out(0) == errorType:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
		mt.withResult = true
	default:
		return nil, false
	}
	return mt, true
}

func (mt *methodType) paramTypes() []string {
	names := make([]string, len(mt.argTypes))
	for i, t := range mt.argTypes {
		names[i] = codec.TypeName(t)
	}
	return names
}

// handler binds the method to rcvr.
func (mt *methodType) handler(rcvr reflect.Value) Handler {
	return func(ctx context.Context, params [][]byte) ([]byte, error) {
		args := make([]reflect.Value, 0, 2+len(mt.argTypes))
		args = append(args, rcvr)
		if mt.withCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		for i, t := range mt.argTypes {
			// Decode into a fresh value, then pass it by value or pointer as declared.
			base := t
			if t.Kind() == reflect.Pointer {
				base = t.Elem()
			}
			argv := reflect.New(base)
			if err := json.Unmarshal(params[i], argv.Interface()); err != nil {
				return nil, errors.Wrapf(err, "param %d", i)
			}
			if t.Kind() != reflect.Pointer {
				argv = argv.Elem()
			}
			args = append(args, argv)
		}

		var out []reflect.Value
		if mt.variadic {
			out = mt.method.Func.CallSlice(args)
		} else {
			out = mt.method.Func.Call(args)
		}
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		if !mt.withResult {
			return nil, nil
		}
		return codec.MarshalResult(out[0].Interface())
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// Table is the service registration table: service key → Service. It is what
// the server dispatches through and what the provider registers.
type Table struct {
	mu       sync.RWMutex
	services map[string]*Service
}

func NewTable() *Table {
	return &Table{services: make(map[string]*Service)}
}

// Add exports svc. Adding a second service with the same key fails.
func (t *Table) Add(svc *Service) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.services[svc.Key()]; ok {
		return errors.Errorf("server: service %s already exported", svc.Key())
	}
	t.services[svc.Key()] = svc
	return nil
}

// Lookup returns the implementation of (name, version), if exported.
func (t *Table) Lookup(name, version string) (*Service, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	svc, ok := t.services[message.ServiceKey(name, version)]
	return svc, ok
}

// Services returns every exported service sorted by key.
func (t *Table) Services() []*Service {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Service, 0, len(t.services))
	for _, svc := range t.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Dispatch resolves the target of req and invokes it. It is the innermost
// handler of the server's middleware chain.
func (t *Table) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	svc, ok := t.Lookup(req.ServiceName, req.ServiceVersion)
	if !ok {
		return message.NewFailure(req.ID, message.Errorf(message.KindMethodNotFound, "service %s is not exported here", req.ServiceKey()))
	}
	h, ok := svc.lookup(req.MethodName, req.ParamTypes)
	if !ok {
		return message.NewFailure(req.ID, message.Errorf(message.KindMethodNotFound, "%s has no method %s", req.ServiceKey(), signature(req.MethodName, req.ParamTypes)))
	}
	if len(req.Params) != len(req.ParamTypes) {
		return message.NewFailure(req.ID, message.Errorf(message.KindInvocationFailed, "%d parameter types but %d parameters", len(req.ParamTypes), len(req.Params)))
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		return message.NewFailure(req.ID, err)
	}
	return message.NewResult(req.ID, result)
}
