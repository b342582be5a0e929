package coordinator

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neilb/switchman/telemetry"
)

// leaseSlotPrefix is the requested name of every slot node; the service
// appends the sequence counter to it.
const leaseSlotPrefix = "lease-"

// LeaseRequest asks for count permits out of a believed capacity of total
// on the named resource. Totals are advisory: nothing arbitrates totals
// across independent callers, so inconsistent values can transiently
// over-subscribe a resource.
type LeaseRequest struct {
	Resource string
	Count    int
	Total    int
}

func (r LeaseRequest) String() string {
	return fmt.Sprintf("%s=%d:%d", r.Resource, r.Count, r.Total)
}

// Lease is a granted semaphore permit. It lives until Release or until the
// owning session ends, whichever comes first.
type Lease struct {
	conn Conn

	Resource string
	Count    int
	Path     string
}

// Release deletes the slot node. This is the event other blocked
// requesters are watching for, directly or transitively.
func (l *Lease) Release() error {
	err := l.conn.Delete(l.Path)
	if err != nil && !errors.Is(err, ErrNoNode) {
		return fmt.Errorf("release lease %q: %w", l.Path, err)
	}
	log.Debug().Str("slot", l.Path).Msg("Lease released")
	return nil
}

// slot is a parsed sibling entry in a resource's queue.
type slot struct {
	name  string
	seq   int64
	count int
}

// AcquireLease obtains one fair, capacity-bounded permit from the
// resource's queue. It blocks until granted; the wait is bounded only by
// other holders' releases (or their sessions ending). Grants follow strict
// arrival order: a request's slot occupies the queue while it waits, so a
// later, smaller request stays blocked behind an earlier, larger one even
// when capacity would otherwise admit it.
func AcquireLease(conn Conn, root string, req LeaseRequest) (*Lease, error) {
	if req.Count < 1 || req.Total < 1 {
		return nil, fmt.Errorf("lease %s: count and total must be positive", req)
	}
	if req.Count > req.Total {
		return nil, fmt.Errorf("lease %s: count exceeds total, could never be granted", req)
	}

	container := SemaphoresPath(root, req.Resource)
	if err := EnsurePath(conn, container); err != nil {
		return nil, err
	}

	start := time.Now()
	own, err := conn.Create(container+"/"+leaseSlotPrefix, []byte(strconv.Itoa(req.Count)), EphemeralSequential)
	if err != nil {
		return nil, fmt.Errorf("create lease slot for %q: %w", req.Resource, err)
	}
	ownSeq, err := slotSequence(path.Base(own))
	if err != nil {
		dropSlot(conn, own)
		return nil, fmt.Errorf("lease %s: %w", req, err)
	}

	log.Debug().
		Str("slot", own).
		Int("count", req.Count).
		Int("total", req.Total).
		Msg("Lease slot created")

	for {
		ahead, err := slotsAhead(conn, container, ownSeq)
		if err != nil {
			dropSlot(conn, own)
			return nil, fmt.Errorf("lease %s: %w", req, err)
		}
		held := 0
		for _, s := range ahead {
			held += s.count
		}

		if held+req.Count <= req.Total {
			telemetry.LeaseWaitSeconds.With(req.Resource).Observe(time.Since(start).Seconds())
			log.Debug().
				Str("slot", own).
				Int("held_ahead", held).
				Dur("waited", time.Since(start)).
				Msg("Lease granted")
			return &Lease{conn: conn, Resource: req.Resource, Count: req.Count, Path: own}, nil
		}

		target := watchTarget(ahead, held, req.Total-req.Count)
		present, events, err := conn.ExistsW(container + "/" + target.name)
		if err != nil {
			dropSlot(conn, own)
			return nil, fmt.Errorf("lease %s: watch %q: %w", req, target.name, err)
		}
		if !present {
			// The target vanished between enumeration and watch
			// installation; the state has already shifted.
			continue
		}

		log.Debug().
			Str("slot", own).
			Str("watching", target.name).
			Int("held_ahead", held).
			Msg("Lease capacity exhausted, waiting")

		ev, ok := <-events
		if !ok {
			dropSlot(conn, own)
			return nil, fmt.Errorf("lease %s: %w", req, ErrConnectionClosed)
		}
		if ev.Type == EventSessionLost {
			return nil, fmt.Errorf("lease %s: %w", req, ErrSessionExpired)
		}
		if ev.Err != nil {
			dropSlot(conn, own)
			return nil, fmt.Errorf("lease %s: %w", req, ev.Err)
		}
		// Any other event on the target means the queue moved;
		// re-enumerate and recompute.
	}
}

// AcquireLeases acquires every request strictly in the declared order,
// completing each acquisition (including any wait) before starting the
// next. Combined with a globally shared resource ordering convention this
// prevents circular waits across independently-running instances. On
// failure, already-acquired leases are released in reverse order.
func AcquireLeases(conn Conn, root string, reqs []LeaseRequest) ([]*Lease, error) {
	leases := make([]*Lease, 0, len(reqs))
	for _, req := range reqs {
		lease, err := AcquireLease(conn, root, req)
		if err != nil {
			ReleaseLeases(leases)
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// ReleaseLeases releases in reverse acquisition order, logging rather than
// failing: by the time this runs the process is exiting and the session's
// end will reap anything a delete could not.
func ReleaseLeases(leases []*Lease) {
	for i := len(leases) - 1; i >= 0; i-- {
		if err := leases[i].Release(); err != nil {
			log.Warn().Err(err).Str("resource", leases[i].Resource).Msg("Failed to release lease")
		}
	}
}

// slotsAhead enumerates the queue and returns the still-present slots with
// a sequence lower than ownSeq, in sequence order. A slot that disappears
// between enumeration and its count read is treated as absent.
func slotsAhead(conn Conn, container string, ownSeq int64) ([]slot, error) {
	names, err := conn.Children(container)
	if err != nil {
		return nil, err
	}
	ahead := make([]slot, 0, len(names))
	for _, name := range names {
		seq, err := slotSequence(name)
		if err != nil {
			log.Warn().Str("node", name).Msg("Ignoring foreign node in lease queue")
			continue
		}
		if seq >= ownSeq {
			continue
		}
		data, err := conn.Get(container + "/" + name)
		if errors.Is(err, ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		count, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || count < 0 {
			log.Warn().Str("node", name).Msg("Ignoring lease slot with unreadable count")
			continue
		}
		ahead = append(ahead, slot{name: name, seq: seq, count: count})
	}
	sort.Slice(ahead, func(i, j int) bool { return ahead[i].seq < ahead[j].seq })
	return ahead, nil
}

// watchTarget picks the sibling to block on: the earliest-sequence slot
// whose single removal could drop the held count to the threshold, or the
// earliest slot outright when no single removal can. The target is always
// ephemeral, so the watch fires eventually and every firing re-evaluates
// the whole queue; a removal elsewhere in the queue can at worst delay the
// grant until the watched slot itself goes away, never lose it.
func watchTarget(ahead []slot, held, threshold int) slot {
	for _, s := range ahead {
		if held-s.count <= threshold {
			return s
		}
	}
	return ahead[0]
}

// slotSequence extracts the service-assigned sequence number from a slot
// name such as "lease-0000000042".
func slotSequence(name string) (int64, error) {
	i := strings.LastIndex(name, "-")
	if i < 0 || i == len(name)-1 {
		return 0, fmt.Errorf("node %q has no sequence suffix", name)
	}
	seq, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("node %q has a malformed sequence suffix", name)
	}
	return seq, nil
}

// dropSlot best-effort deletes a slot on an acquisition error path. If the
// session is already gone the slot dies with it.
func dropSlot(conn Conn, path string) {
	if err := conn.Delete(path); err != nil && !errors.Is(err, ErrNoNode) {
		log.Warn().Err(err).Str("slot", path).Msg("Failed to remove lease slot")
	}
}
