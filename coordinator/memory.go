package coordinator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// sessionEventBufferSize is the buffer for per-connection session channels.
// A session sees at most a handful of lifecycle events; senders never block.
const sessionEventBufferSize = 4

// MemoryStore is an in-process coordination backend with the same contract
// the zkconn adapter provides over a real service: hierarchical nodes,
// ephemeral ownership tied to a session, monotonic per-parent sequence
// counters, and one-shot watches. It backs the package tests so every
// recipe is exercised against real watch and expiry semantics without a
// running ensemble.
type MemoryStore struct {
	mu       sync.Mutex
	nodes    map[string]*memoryNode
	absentW  map[string][]*watcher
	sessions map[uint64]*MemoryConn
	nextSess uint64
}

type memoryNode struct {
	data []byte
	// owner is the session holding this node ephemerally; zero means
	// persistent.
	owner uint64
	// nextSeq numbers sequential children. It only ever increases, so
	// names are never reused within a parent.
	nextSeq uint64
	// watchers observe this node's data changes and deletion. Present
	// ExistsW watchers live here too since they fire on the same events.
	watchers []*watcher
}

// watcher is a one-shot subscription: it receives at most one event and is
// then closed. All transitions happen under the store mutex, so the single
// send into the cap-1 channel can never block.
type watcher struct {
	ch    chan Event
	fired bool
}

func newWatcher() *watcher {
	return &watcher{ch: make(chan Event, 1)}
}

func (w *watcher) fire(ev Event) {
	if w.fired {
		return
	}
	w.fired = true
	w.ch <- ev
	close(w.ch)
}

// discard closes the channel without delivering an event, mirroring a
// client library tearing down its watch registry on a voluntary close.
func (w *watcher) discard() {
	if w.fired {
		return
	}
	w.fired = true
	close(w.ch)
}

// NewMemoryStore returns an empty store containing only the root node.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    map[string]*memoryNode{"/": {}},
		absentW:  make(map[string][]*watcher),
		sessions: make(map[uint64]*MemoryConn),
	}
}

// Connect opens a new session against the store.
func (s *MemoryStore) Connect() *MemoryConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSess++
	conn := &MemoryConn{
		store:   s,
		id:      s.nextSess,
		session: make(chan Event, sessionEventBufferSize),
	}
	s.sessions[conn.id] = conn
	return conn
}

// Put creates or replaces a persistent node, creating missing parents. It
// stands in for the operator-side tooling that publishes documents out of
// band, which is why it lives on the store rather than on a session.
func (s *MemoryStore) Put(path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, parent := range ancestors(path) {
		if _, ok := s.nodes[parent]; !ok {
			s.createLocked(parent, nil, 0)
		}
	}
	if node, ok := s.nodes[path]; ok {
		node.data = append([]byte(nil), data...)
		s.fireNode(node, Event{Type: EventDataChanged, Path: path})
		return nil
	}
	s.createLocked(path, data, 0)
	return nil
}

// ExpireSession simulates the service declaring a session dead: every
// ephemeral node it owns is removed, its watchers observe the loss, and all
// further operations on the connection fail with ErrSessionExpired.
func (s *MemoryStore) ExpireSession(conn *MemoryConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endSession(conn, connExpired)
}

// endSession tears a session down under the store mutex. Ephemeral removals
// fire other sessions' watchers exactly as a real expiry would.
func (s *MemoryStore) endSession(conn *MemoryConn, state connState) {
	if conn.state != connAlive {
		return
	}
	conn.state = state
	delete(s.sessions, conn.id)

	var owned []string
	for path, node := range s.nodes {
		if node.owner == conn.id {
			owned = append(owned, path)
		}
	}
	// Ephemerals never have children, so removal order is arbitrary;
	// sorted for deterministic event sequences in tests.
	sort.Strings(owned)
	for _, path := range owned {
		s.deleteLocked(path)
	}

	for _, w := range conn.watchers {
		if state == connExpired {
			w.fire(Event{Type: EventSessionLost})
		} else {
			w.discard()
		}
	}
	conn.watchers = nil

	if state == connExpired {
		select {
		case conn.session <- Event{Type: EventSessionLost}:
		default:
		}
	}
	close(conn.session)
}

// createLocked inserts a node and fires absent-path watchers. Callers hold
// the mutex and have validated the parent. Every insertion advances the
// parent's sequence counter, the way cversion does, so sequential names
// can never collide with manually created siblings.
func (s *MemoryStore) createLocked(path string, data []byte, owner uint64) {
	s.nodes[path] = &memoryNode{
		data:  append([]byte(nil), data...),
		owner: owner,
	}
	if parent, ok := s.nodes[parentPath(path)]; ok && path != "/" {
		parent.nextSeq++
	}
	for _, w := range s.absentW[path] {
		w.fire(Event{Type: EventCreated, Path: path})
	}
	delete(s.absentW, path)
}

// deleteLocked removes a node and fires its watchers.
func (s *MemoryStore) deleteLocked(path string) {
	node := s.nodes[path]
	delete(s.nodes, path)
	s.fireNode(node, Event{Type: EventDeleted, Path: path})
}

func (s *MemoryStore) fireNode(node *memoryNode, ev Event) {
	for _, w := range node.watchers {
		w.fire(ev)
	}
	node.watchers = nil
}

// hasChildren reports whether any node is a direct or indirect child.
func (s *MemoryStore) hasChildren(path string) bool {
	prefix := childPrefix(path)
	for candidate := range s.nodes {
		if candidate != path && strings.HasPrefix(candidate, prefix) {
			return true
		}
	}
	return false
}

type connState int

const (
	connAlive connState = iota
	connClosed
	connExpired
)

// MemoryConn is a session against a MemoryStore. It satisfies Conn.
type MemoryConn struct {
	store *MemoryStore
	id    uint64

	// Guarded by store.mu.
	state    connState
	watchers []*watcher
	session  chan Event
}

var _ Conn = (*MemoryConn)(nil)

// failed returns the error matching a dead connection's state.
func (c *MemoryConn) failed() error {
	switch c.state {
	case connClosed:
		return ErrConnectionClosed
	case connExpired:
		return ErrSessionExpired
	}
	return nil
}

func (c *MemoryConn) Get(path string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.failed(); err != nil {
		return nil, err
	}
	node, ok := c.store.nodes[path]
	if !ok {
		return nil, ErrNoNode
	}
	return append([]byte(nil), node.data...), nil
}

func (c *MemoryConn) GetW(path string) ([]byte, <-chan Event, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.failed(); err != nil {
		return nil, nil, err
	}
	node, ok := c.store.nodes[path]
	if !ok {
		return nil, nil, ErrNoNode
	}
	w := newWatcher()
	node.watchers = append(node.watchers, w)
	c.watchers = append(c.watchers, w)
	return append([]byte(nil), node.data...), w.ch, nil
}

func (c *MemoryConn) Exists(path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.failed(); err != nil {
		return false, err
	}
	_, ok := c.store.nodes[path]
	return ok, nil
}

func (c *MemoryConn) ExistsW(path string) (bool, <-chan Event, error) {
	if err := validatePath(path); err != nil {
		return false, nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.failed(); err != nil {
		return false, nil, err
	}
	w := newWatcher()
	c.watchers = append(c.watchers, w)
	if node, ok := c.store.nodes[path]; ok {
		node.watchers = append(node.watchers, w)
		return true, w.ch, nil
	}
	c.store.absentW[path] = append(c.store.absentW[path], w)
	return false, w.ch, nil
}

func (c *MemoryConn) Create(path string, data []byte, mode CreateMode) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.failed(); err != nil {
		return "", err
	}
	parent, ok := c.store.nodes[parentPath(path)]
	if !ok {
		return "", ErrNoNode
	}

	created := path
	if mode == EphemeralSequential {
		created = fmt.Sprintf("%s%010d", path, parent.nextSeq)
	}
	if _, exists := c.store.nodes[created]; exists {
		return "", ErrNodeExists
	}

	var owner uint64
	if mode == Ephemeral || mode == EphemeralSequential {
		owner = c.id
	}
	c.store.createLocked(created, data, owner)
	return created, nil
}

func (c *MemoryConn) Delete(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.failed(); err != nil {
		return err
	}
	if _, ok := c.store.nodes[path]; !ok {
		return ErrNoNode
	}
	if c.store.hasChildren(path) {
		return ErrNotEmpty
	}
	c.store.deleteLocked(path)
	return nil
}

func (c *MemoryConn) Children(path string) ([]string, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.failed(); err != nil {
		return nil, err
	}
	if _, ok := c.store.nodes[path]; !ok {
		return nil, ErrNoNode
	}

	prefix := childPrefix(path)
	var names []string
	for candidate := range c.store.nodes {
		if candidate == path || !strings.HasPrefix(candidate, prefix) {
			continue
		}
		rest := candidate[len(prefix):]
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	// Map iteration order is random, which is what a real service gives
	// callers anyway.
	return names, nil
}

func (c *MemoryConn) Session() <-chan Event {
	return c.session
}

func (c *MemoryConn) Close() {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.endSession(c, connClosed)
}

func validatePath(path string) error {
	if path == "" || path[0] != '/' {
		return ErrBadPath
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return ErrBadPath
	}
	return nil
}

// parentPath returns the containing node's path; the root is its own
// parent.
func parentPath(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// childPrefix is the prefix every descendant of path shares.
func childPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

// ancestors lists the missing-parent candidates of path from the top down,
// excluding the root and path itself.
func ancestors(path string) []string {
	var out []string
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}
