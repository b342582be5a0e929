package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

// CreateMode selects the lifetime and naming semantics of a created node.
type CreateMode int

const (
	// Persistent nodes survive the creating session.
	Persistent CreateMode = iota
	// Ephemeral nodes are removed by the service when the creating
	// session ends.
	Ephemeral
	// EphemeralSequential nodes are ephemeral and get a monotonically
	// increasing counter appended to the requested name, fixing their
	// global arrival order at creation.
	EphemeralSequential
)

// EventType describes what a fired watch (or the session channel) observed.
type EventType int

const (
	EventCreated EventType = iota
	EventDeleted
	EventDataChanged
	EventChildrenChanged
	// EventSessionLost means the client session has expired or closed;
	// every ephemeral node owned by it is gone.
	EventSessionLost
	// EventDisconnected is a transient connection-level notice. Armed
	// watches stay valid across it.
	EventDisconnected
)

// Event is delivered on watch and session channels.
type Event struct {
	Type EventType
	Path string
	Err  error
}

// Conn is the coordination-service capability set the gatekeeper consumes:
// atomic node creation, sequential numbering, session-scoped ephemeral
// lifetime, and one-shot change notifications. ZooKeeper satisfies it (see
// package zkconn); MemoryStore provides an in-process implementation.
//
// Watches are one-shot. A channel returned by GetW or ExistsW delivers at
// most one event; to keep observing, re-read with a fresh watch.
type Conn interface {
	// Get returns the data of the node at path, or ErrNoNode.
	Get(path string) ([]byte, error)

	// GetW is Get plus a one-shot watch on the node's next change
	// (data change or deletion).
	GetW(path string) ([]byte, <-chan Event, error)

	// Exists reports whether a node is present at path.
	Exists(path string) (bool, error)

	// ExistsW is Exists plus a one-shot watch that fires on the node's
	// creation, data change, or deletion. The watch is armed whether or
	// not the node currently exists.
	ExistsW(path string) (bool, <-chan Event, error)

	// Create makes a new node and returns its actual path, which differs
	// from the requested one only for EphemeralSequential nodes. Fails
	// with ErrNodeExists if the node is already present and with
	// ErrNoNode if the parent is missing.
	Create(path string, data []byte, mode CreateMode) (string, error)

	// Delete removes the node at path, or returns ErrNoNode.
	Delete(path string) error

	// Children returns the names (not paths) of the node's children.
	Children(path string) ([]string, error)

	// Session delivers connection-level events, in particular
	// EventSessionLost when the session expires.
	Session() <-chan Event

	// Close ends the session, releasing every ephemeral node it owns.
	Close()
}

// EnsurePath creates the node at path and any missing ancestors as
// persistent nodes. Concurrent creators racing on the same ancestors are
// tolerated: ErrNodeExists from any step is success.
func EnsurePath(conn Conn, path string) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("ensure path %q: %w", path, ErrBadPath)
	}
	if path == "/" {
		return nil
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		_, err := conn.Create(current, nil, Persistent)
		if err != nil && !errors.Is(err, ErrNodeExists) {
			return fmt.Errorf("ensure path %q: %w", current, err)
		}
	}
	return nil
}

// LocksPath returns the container path for exclusive locks under root.
func LocksPath(root string) string { return root + "/locks" }

// SemaphoresPath returns the container path for a resource's lease queue.
func SemaphoresPath(root, resource string) string {
	return root + "/semaphores/" + resource
}
