package coordinator

import (
	"errors"
	"fmt"
)

// Sentinel errors for the anticipated coordination-service outcomes. The
// zkconn adapter maps the client library's errors onto these so decision
// points can use errors.Is regardless of backend.
var (
	// ErrNodeExists is the designed "busy" outcome of an atomic create.
	ErrNodeExists = errors.New("node already exists")
	// ErrNoNode means the node (or a required parent) is absent.
	ErrNoNode = errors.New("node does not exist")
	// ErrConnectionClosed means the connection is gone; the operation
	// may or may not have reached the service.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSessionExpired means the service discarded the session and
	// every ephemeral node it owned.
	ErrSessionExpired = errors.New("session expired")
	// ErrBadPath rejects paths that are not absolute.
	ErrBadPath = errors.New("path must be absolute")
	// ErrNotEmpty rejects deleting a node that still has children.
	ErrNotEmpty = errors.New("node has children")
)

// GroupUndefinedError reports a requested execution group that is entirely
// absent from the group document. This is a misconfiguration upstream, not a
// normal "host not listed" skip, and must abort before any lock or lease
// work.
type GroupUndefinedError struct {
	Group string
}

func (e *GroupUndefinedError) Error() string {
	return fmt.Sprintf("group %q is not defined in the group document", e.Group)
}

// RevokedError reports that the monitor observed a revocation condition
// while the workload was running.
type RevokedError struct {
	Reason string
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("authorization revoked: %s", e.Reason)
}
