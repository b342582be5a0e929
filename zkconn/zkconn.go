// Package zkconn adapts the go-zookeeper client to the coordinator's
// connection contract: sentinel error mapping, one-shot watch translation,
// and a filtered session-lifecycle channel.
package zkconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"

	"github.com/neilb/switchman/coordinator"
)

// sessionEventBufferSize bounds the session channel. The monitor drains it
// continuously; anything beyond a short burst of state flaps is droppable
// because operations fail with the session error on their own.
const sessionEventBufferSize = 8

// Conn is a live ZooKeeper session satisfying coordinator.Conn.
type Conn struct {
	zc      *zk.Conn
	session chan coordinator.Event
}

var _ coordinator.Conn = (*Conn)(nil)

// zkLogger routes the client library's diagnostics into the process log.
type zkLogger struct{}

func (zkLogger) Printf(format string, args ...interface{}) {
	log.Debug().Msgf("zookeeper: "+format, args...)
}

// Connect dials the ensemble and waits for an established session, bounded
// by the session timeout. The returned connection auto-reconnects; a
// session expiry surfaces as EventSessionLost on Session() and as
// ErrSessionExpired from in-flight operations.
func Connect(servers []string, sessionTimeout time.Duration) (*Conn, error) {
	if len(servers) == 0 {
		return nil, errors.New("no coordination servers configured")
	}
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Second
	}

	zc, raw, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, fmt.Errorf("connect to coordination service: %w", err)
	}

	deadline := time.NewTimer(sessionTimeout)
	defer deadline.Stop()
	for established := false; !established; {
		select {
		case ev, ok := <-raw:
			if !ok {
				return nil, coordinator.ErrConnectionClosed
			}
			if ev.State == zk.StateHasSession {
				established = true
			}
		case <-deadline.C:
			zc.Close()
			return nil, fmt.Errorf("no session with %v within %s", servers, sessionTimeout)
		}
	}
	log.Debug().Strs("servers", servers).Msg("Coordination session established")

	conn := &Conn{zc: zc, session: make(chan coordinator.Event, sessionEventBufferSize)}
	go conn.pumpSession(raw)
	return conn, nil
}

// pumpSession forwards session-lifecycle transitions. The raw channel
// closes when the client shuts down, which ends the pump.
func (c *Conn) pumpSession(raw <-chan zk.Event) {
	defer close(c.session)
	for ev := range raw {
		if ev.Type != zk.EventSession {
			continue
		}
		switch ev.State {
		case zk.StateExpired:
			log.Warn().Msg("Coordination session expired")
			c.forward(coordinator.Event{Type: coordinator.EventSessionLost})
		case zk.StateDisconnected:
			c.forward(coordinator.Event{Type: coordinator.EventDisconnected})
		case zk.StateHasSession:
			log.Debug().Msg("Coordination session reestablished")
		}
	}
}

func (c *Conn) forward(ev coordinator.Event) {
	select {
	case c.session <- ev:
	default:
		// Reader is behind; the condition also surfaces as operation
		// errors, so dropping is safe.
		log.Warn().Msg("Dropping session event, channel full")
	}
}

func (c *Conn) Get(path string) ([]byte, error) {
	data, _, err := c.zc.Get(path)
	return data, mapErr(err)
}

func (c *Conn) GetW(path string) ([]byte, <-chan coordinator.Event, error) {
	data, _, events, err := c.zc.GetW(path)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	return data, translateWatch(events), nil
}

func (c *Conn) Exists(path string) (bool, error) {
	present, _, err := c.zc.Exists(path)
	return present, mapErr(err)
}

func (c *Conn) ExistsW(path string) (bool, <-chan coordinator.Event, error) {
	present, _, events, err := c.zc.ExistsW(path)
	if err != nil {
		return false, nil, mapErr(err)
	}
	return present, translateWatch(events), nil
}

func (c *Conn) Create(path string, data []byte, mode coordinator.CreateMode) (string, error) {
	var flags int32
	switch mode {
	case coordinator.Ephemeral:
		flags = zk.FlagEphemeral
	case coordinator.EphemeralSequential:
		flags = zk.FlagEphemeral | zk.FlagSequence
	}
	created, err := c.zc.Create(path, data, flags, zk.WorldACL(zk.PermAll))
	return created, mapErr(err)
}

func (c *Conn) Delete(path string) error {
	return mapErr(c.zc.Delete(path, -1))
}

func (c *Conn) Children(path string) ([]string, error) {
	names, _, err := c.zc.Children(path)
	return names, mapErr(err)
}

func (c *Conn) Session() <-chan coordinator.Event {
	return c.session
}

func (c *Conn) Close() {
	c.zc.Close()
}

// translateWatch bridges a one-shot client watch onto the coordinator
// event type. The goroutine lives exactly as long as the watch.
func translateWatch(events <-chan zk.Event) <-chan coordinator.Event {
	out := make(chan coordinator.Event, 1)
	go func() {
		defer close(out)
		ev, ok := <-events
		if !ok {
			return
		}
		out <- mapEvent(ev)
	}()
	return out
}

func mapEvent(ev zk.Event) coordinator.Event {
	out := coordinator.Event{Path: ev.Path, Err: mapErr(ev.Err)}
	switch ev.Type {
	case zk.EventNodeCreated:
		out.Type = coordinator.EventCreated
	case zk.EventNodeDeleted:
		out.Type = coordinator.EventDeleted
	case zk.EventNodeDataChanged:
		out.Type = coordinator.EventDataChanged
	case zk.EventNodeChildrenChanged:
		out.Type = coordinator.EventChildrenChanged
	default:
		// EventNotWatching and session-state deliveries both mean the
		// watch can no longer observe the node. Watched state must be
		// presumed gone.
		out.Type = coordinator.EventSessionLost
	}
	return out
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return coordinator.ErrNodeExists
	case errors.Is(err, zk.ErrNoNode):
		return coordinator.ErrNoNode
	case errors.Is(err, zk.ErrNotEmpty):
		return coordinator.ErrNotEmpty
	case errors.Is(err, zk.ErrSessionExpired):
		return coordinator.ErrSessionExpired
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrClosing):
		return coordinator.ErrConnectionClosed
	case errors.Is(err, zk.ErrInvalidPath):
		return coordinator.ErrBadPath
	}
	return err
}
