package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recvEvent waits briefly for a watch to fire.
func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch channel closed without an event")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
	return Event{}
}

// expectNoEvent asserts a watch stays silent.
func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
		t.Fatal("watch channel closed unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryCreateGetDelete(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	defer conn.Close()

	created, err := conn.Create("/a", []byte("one"), Persistent)
	require.NoError(t, err)
	assert.Equal(t, "/a", created)

	data, err := conn.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	_, err = conn.Create("/a", []byte("two"), Persistent)
	assert.ErrorIs(t, err, ErrNodeExists)

	_, err = conn.Get("/missing")
	assert.ErrorIs(t, err, ErrNoNode)

	// Parent must exist before the child.
	_, err = conn.Create("/x/y", nil, Persistent)
	assert.ErrorIs(t, err, ErrNoNode)

	require.NoError(t, conn.Delete("/a"))
	assert.ErrorIs(t, conn.Delete("/a"), ErrNoNode)
}

func TestMemoryDeleteWithChildren(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	defer conn.Close()

	_, err := conn.Create("/parent", nil, Persistent)
	require.NoError(t, err)
	_, err = conn.Create("/parent/child", nil, Persistent)
	require.NoError(t, err)

	assert.ErrorIs(t, conn.Delete("/parent"), ErrNotEmpty)
	require.NoError(t, conn.Delete("/parent/child"))
	require.NoError(t, conn.Delete("/parent"))
}

func TestMemoryBadPaths(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	defer conn.Close()

	for _, path := range []string{"", "relative", "/trailing/"} {
		_, err := conn.Get(path)
		assert.ErrorIs(t, err, ErrBadPath, "path %q", path)
	}
}

func TestMemorySequentialNaming(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	defer conn.Close()

	_, err := conn.Create("/q", nil, Persistent)
	require.NoError(t, err)

	first, err := conn.Create("/q/lease-", []byte("1"), EphemeralSequential)
	require.NoError(t, err)
	second, err := conn.Create("/q/lease-", []byte("1"), EphemeralSequential)
	require.NoError(t, err)

	assert.Equal(t, "/q/lease-0000000000", first)
	assert.Equal(t, "/q/lease-0000000001", second)

	// Sequence numbers are never reused, even after a removal.
	require.NoError(t, conn.Delete(first))
	third, err := conn.Create("/q/lease-", []byte("1"), EphemeralSequential)
	require.NoError(t, err)
	assert.Equal(t, "/q/lease-0000000002", third)
}

func TestMemoryChildren(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	defer conn.Close()

	_, err := conn.Create("/dir", nil, Persistent)
	require.NoError(t, err)
	_, err = conn.Create("/dir/a", nil, Persistent)
	require.NoError(t, err)
	_, err = conn.Create("/dir/b", nil, Persistent)
	require.NoError(t, err)
	_, err = conn.Create("/dir/b/nested", nil, Persistent)
	require.NoError(t, err)

	names, err := conn.Children("/dir")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names, "only direct children listed")

	_, err = conn.Children("/nosuch")
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestMemoryWatchFiresOnce(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	defer conn.Close()

	require.NoError(t, store.Put("/doc", []byte("v1")))

	data, events, err := conn.GetW("/doc")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	require.NoError(t, store.Put("/doc", []byte("v2")))
	require.NoError(t, store.Put("/doc", []byte("v3")))

	ev := recvEvent(t, events)
	assert.Equal(t, EventDataChanged, ev.Type)
	assert.Equal(t, "/doc", ev.Path)

	// One-shot: the second update was not observed and the channel is
	// closed after its single delivery.
	_, ok := <-events
	assert.False(t, ok)

	// Re-arm sees the latest data.
	data, _, err = conn.GetW("/doc")
	require.NoError(t, err)
	assert.Equal(t, "v3", string(data))
}

func TestMemoryWatchDeletion(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	defer conn.Close()

	_, err := conn.Create("/node", nil, Persistent)
	require.NoError(t, err)

	present, events, err := conn.ExistsW("/node")
	require.NoError(t, err)
	require.True(t, present)

	other := store.Connect()
	defer other.Close()
	require.NoError(t, other.Delete("/node"))

	ev := recvEvent(t, events)
	assert.Equal(t, EventDeleted, ev.Type)
	assert.Equal(t, "/node", ev.Path)
}

func TestMemoryExistsWatchOnAbsentNode(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	defer conn.Close()

	present, events, err := conn.ExistsW("/future")
	require.NoError(t, err)
	require.False(t, present)

	expectNoEvent(t, events)

	other := store.Connect()
	defer other.Close()
	_, err = other.Create("/future", nil, Persistent)
	require.NoError(t, err)

	ev := recvEvent(t, events)
	assert.Equal(t, EventCreated, ev.Type)
	assert.Equal(t, "/future", ev.Path)
}

func TestMemoryEphemeralsDieWithSession(t *testing.T) {
	store := NewMemoryStore()
	owner := store.Connect()
	watcher := store.Connect()
	defer watcher.Close()

	_, err := owner.Create("/eph", []byte("x"), Ephemeral)
	require.NoError(t, err)
	_, err = owner.Create("/keep", []byte("y"), Persistent)
	require.NoError(t, err)

	present, events, err := watcher.ExistsW("/eph")
	require.NoError(t, err)
	require.True(t, present)

	owner.Close()

	ev := recvEvent(t, events)
	assert.Equal(t, EventDeleted, ev.Type)

	present, err = watcher.Exists("/eph")
	require.NoError(t, err)
	assert.False(t, present, "ephemeral must die with its session")

	present, err = watcher.Exists("/keep")
	require.NoError(t, err)
	assert.True(t, present, "persistent node must survive its creator")
}

func TestMemoryCloseFailsFurtherOperations(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	conn.Close()

	_, err := conn.Get("/")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = conn.Create("/n", nil, Persistent)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// Closing twice is harmless.
	conn.Close()
}

func TestMemoryExpireSession(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()

	_, err := conn.Create("/mine", nil, Ephemeral)
	require.NoError(t, err)

	_, events, err := conn.GetW("/mine")
	require.NoError(t, err)

	store.ExpireSession(conn)

	// The expiry surfaces on the session channel, on armed watches, and
	// on every subsequent operation.
	ev := recvEvent(t, conn.Session())
	assert.Equal(t, EventSessionLost, ev.Type)

	ev = recvEvent(t, events)
	assert.Contains(t, []EventType{EventSessionLost, EventDeleted}, ev.Type)

	_, err = conn.Get("/")
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The ephemeral is gone for everyone else.
	other := store.Connect()
	defer other.Close()
	present, err := other.Exists("/mine")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestMemoryPutCreatesParents(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	defer conn.Close()

	require.NoError(t, store.Put("/deep/nested/doc", []byte("v")))

	data, err := conn.Get("/deep/nested/doc")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))

	names, err := conn.Children("/deep")
	require.NoError(t, err)
	assert.Equal(t, []string{"nested"}, names)
}
