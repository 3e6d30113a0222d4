package registry

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNoNode = errors.New("registry: node does not exist")
	ErrClosed = errors.New("registry: coordinator closed")
)

// EventType enumerates what a coordinator reports about its session and the
// watched root.
type EventType int

const (
	EventSyncConnected  EventType = iota // Connection (re)established
	EventDisconnected                    // Connection lost, session may still be alive
	EventSessionExpired                  // Session gone, its ephemeral nodes are deleted
	EventNewSession                      // A new session replaced an expired one
	EventSessionError                    // Establishing a new session failed
	EventChildChange                     // Something under the watched root changed
)

func (t EventType) String() string {
	switch t {
	case EventSyncConnected:
		return "SyncConnected"
	case EventDisconnected:
		return "Disconnected"
	case EventSessionExpired:
		return "SessionExpired"
	case EventNewSession:
		return "NewSession"
	case EventSessionError:
		return "SessionEstablishmentError"
	case EventChildChange:
		return "ChildChange"
	}
	return "Unknown"
}

// Event is delivered on Coordinator.Events.
type Event struct {
	Type EventType
	Path string // Watched root, set for EventChildChange
	Err  error  // Set for EventSessionError
}

// Child is a direct child of a node.
type Child struct {
	Name string
	Data []byte
}

// Coordinator is the view of the coordination service the framework needs: a
// hierarchical tree of persistent and ephemeral nodes, plus a stream of
// session and child events for one watched root.
//
// Ephemeral nodes live as long as the session that created them. Events are
// delivered from the coordinator's own goroutine; the receiver must keep
// draining Events until it is closed.
type Coordinator interface {
	// Ensure creates path and any missing ancestors as persistent nodes.
	Ensure(ctx context.Context, path string) error
	// CreateEphemeral creates a uniquely named ephemeral child of parent
	// holding data, and returns the child's name.
	CreateEphemeral(ctx context.Context, parent string, data []byte) (string, error)
	// Delete removes a node. Missing nodes are not an error.
	Delete(ctx context.Context, path string) error
	// List returns the direct children of path with their data, in one round trip.
	List(ctx context.Context, path string) ([]Child, error)
	// Get returns the data of path.
	Get(ctx context.Context, path string) ([]byte, error)
	// Events is closed by Close.
	Events() <-chan Event
	// Close ends the session, which deletes every ephemeral node it owns.
	Close() error
}

// JoinPath joins node path segments with "/".
func JoinPath(parent string, names ...string) string {
	p := strings.TrimRight(parent, "/")
	for _, n := range names {
		p += "/" + n
	}
	return p
}

// ancestors returns "/a", "/a/b", "/a/b/c" for "/a/b/c".
func ancestors(path string) []string {
	var out []string
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return append(out, path)
}

func parentOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func validatePath(path string) error {
	if !strings.HasPrefix(path, "/") || (len(path) > 1 && strings.HasSuffix(path, "/")) || strings.Contains(path, "//") {
		return errors.Errorf("registry: invalid path %q", path)
	}
	return nil
}
