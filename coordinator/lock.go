package coordinator

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/neilb/switchman/telemetry"
)

// Lock is a held exclusive handle. At most one live lock exists per name
// at any instant; the coordination service's atomic creation enforces
// that, not this program. The handle is owned by the supervising process
// for the workload's entire lifetime and only that process may release it.
type Lock struct {
	conn Conn

	Name string
	Path string

	// Events is armed at acquisition and fires when the lock node is
	// removed, whether by external interference, manual deletion, or
	// loss of the owning session.
	Events <-chan Event
}

// AcquireLock attempts atomic creation of the ephemeral lock node with a
// payload identifying the holder. A nil, nil return is the designed "busy"
// outcome: another holder exists, the caller exits quietly without running
// anything, no wait, no retry. Any other failure is a hard error and the
// command is likewise not run.
func AcquireLock(conn Conn, root, name, host string) (*Lock, error) {
	if name == "" {
		return nil, fmt.Errorf("lock name must not be empty")
	}
	lockPath := LocksPath(root) + "/" + name
	payload := fmt.Sprintf("%s %d", host, os.Getpid())

	_, err := conn.Create(lockPath, []byte(payload), Ephemeral)
	if errors.Is(err, ErrNoNode) {
		if perr := EnsurePath(conn, LocksPath(root)); perr != nil {
			return nil, perr
		}
		_, err = conn.Create(lockPath, []byte(payload), Ephemeral)
	}
	if errors.Is(err, ErrNodeExists) {
		holder := "unknown"
		if data, gerr := conn.Get(lockPath); gerr == nil && len(data) > 0 {
			holder = string(data)
		}
		telemetry.LockAcquireTotal.With("busy").Inc()
		log.Info().Str("lock", name).Str("holder", holder).Msg("Lock is held elsewhere")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}

	present, events, err := conn.ExistsW(lockPath)
	if err != nil {
		releaseNode(conn, lockPath)
		return nil, fmt.Errorf("watch lock %q: %w", name, err)
	}
	if !present {
		return nil, fmt.Errorf("lock %q vanished immediately after creation", name)
	}

	telemetry.LockAcquireTotal.With("acquired").Inc()
	log.Debug().Str("lock", name).Str("holder", payload).Msg("Lock acquired")
	return &Lock{conn: conn, Name: name, Path: lockPath, Events: events}, nil
}

// Release deletes the lock node. Callers release only on clean shutdown;
// on a crash the session's end removes the node instead.
func (l *Lock) Release() error {
	err := l.conn.Delete(l.Path)
	if err != nil && !errors.Is(err, ErrNoNode) {
		return fmt.Errorf("release lock %q: %w", l.Name, err)
	}
	log.Debug().Str("lock", l.Name).Msg("Lock released")
	return nil
}

func releaseNode(conn Conn, path string) {
	if err := conn.Delete(path); err != nil && !errors.Is(err, ErrNoNode) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove node")
	}
}
