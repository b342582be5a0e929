package coordinator

import (
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/neilb/switchman/telemetry"
)

// Outcome is the monitor's terminal decision.
type Outcome struct {
	// Revoked is true when authorization was withdrawn while the
	// workload ran; the caller must terminate the workload before
	// exiting. False means the workload exited on its own.
	Revoked bool
	Reason  string
}

// Monitor polls the two live subscriptions that keep a running workload
// authorized (the held lock's existence and the group document) and
// decides when authorization has been revoked. It is the only source of an
// involuntary-termination decision. The monitor decides; the caller owns
// the termination sequencing, so the terminate-before-exit guarantee lives
// in one linear code path.
//
// The state machine is WAITING → (lock-lost | group-revoked) →
// TERMINATING → DONE, or WAITING → workload-exited → DONE; no transition
// leads back to WAITING.
type Monitor struct {
	Conn Conn
	Root string

	// Group and Host are re-authorized whenever the document changes.
	// An empty Group means membership was never restricted and cannot
	// be revoked.
	Group string
	Host  string

	// Lock is the held exclusive handle whose removal revokes
	// authorization.
	Lock *Lock

	// GroupEvents is the document watch armed by the pre-flight fetch;
	// the monitor re-arms it after every refresh.
	GroupEvents <-chan Event

	// DocSum is the digest of the last-seen document. A refresh that
	// delivers identical bytes re-arms the watch and changes nothing.
	DocSum uint64

	// Interval bounds the staleness between a revoking event and its
	// detection, and paces re-arm retries after transient refresh
	// failures. Zero means one second.
	Interval time.Duration
}

// Run blocks until the workload exits (exited closes) or a revocation
// condition is observed, whichever comes first.
func (m *Monitor) Run(exited <-chan struct{}) Outcome {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lockEvents := m.Lock.Events
	groupEvents := m.GroupEvents
	if m.Group == "" {
		// Nothing to re-authorize; document changes are irrelevant.
		groupEvents = nil
	}
	session := m.Conn.Session()
	// Set when a refresh failed transiently; retried on the next tick.
	retryRefresh := false

	for {
		// A finished workload wins every race: if it has already
		// been reaped, no termination decision is ever made.
		select {
		case <-exited:
			log.Debug().Msg("Workload exited on its own")
			return Outcome{}
		default:
		}

		select {
		case <-exited:
			log.Debug().Msg("Workload exited on its own")
			return Outcome{}

		case ev, ok := <-lockEvents:
			if !ok {
				return m.revoke("lock_lost", "lock watch closed with the connection")
			}
			if ev.Err != nil || ev.Type == EventSessionLost {
				return m.revoke("session_expired", "session expired while holding the lock")
			}
			if ev.Type == EventDeleted {
				return m.revoke("lock_lost", "lock node was removed")
			}
			// Any other event on the lock node leaves it held, but
			// the one-shot watch is spent; re-arm or treat the
			// lock as gone.
			present, events, err := m.Conn.ExistsW(m.Lock.Path)
			if err != nil || !present {
				return m.revoke("lock_lost", "lock gone on watch re-arm")
			}
			lockEvents = events

		case ev, ok := <-groupEvents:
			if !ok {
				return m.revoke("session_expired", "group watch closed with the connection")
			}
			if ev.Err != nil || ev.Type == EventSessionLost {
				return m.revoke("session_expired", "session expired while watching the group document")
			}
			out, events, refreshed := m.refreshGroup()
			if out != nil {
				return *out
			}
			if refreshed {
				groupEvents = events
				retryRefresh = false
			} else {
				groupEvents = nil
				retryRefresh = true
			}

		case ev, ok := <-session:
			if !ok {
				session = nil
				continue
			}
			if ev.Type == EventSessionLost {
				return m.revoke("session_expired", "coordination session expired")
			}
			if ev.Type == EventDisconnected {
				log.Warn().Msg("Coordination service connection interrupted")
			}

		case <-ticker.C:
			if retryRefresh {
				out, events, refreshed := m.refreshGroup()
				if out != nil {
					return *out
				}
				if refreshed {
					groupEvents = events
					retryRefresh = false
				}
			}
		}
	}
}

// refreshGroup re-fetches the document with a fresh watch and re-runs the
// authorization decision. It returns a non-nil outcome when authorization
// is revoked, otherwise the newly armed watch channel; refreshed is false
// when the fetch failed transiently and should be retried.
func (m *Monitor) refreshGroup() (*Outcome, <-chan Event, bool) {
	raw, events, err := m.Conn.GetW(m.Root)
	switch {
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrConnectionClosed):
		out := m.revoke("session_expired", "session expired during group refresh")
		return &out, nil, false
	case errors.Is(err, ErrNoNode):
		out := m.revoke("group_revoked", "group document was removed")
		return &out, nil, false
	case err != nil:
		log.Warn().Err(err).Msg("Group document refresh failed, will retry")
		return nil, nil, false
	}

	if xxhash.Sum64(raw) == m.DocSum {
		// Spurious or no-op change; the fresh watch keeps observing.
		return nil, events, true
	}

	doc, err := ParseDoc(raw)
	if err != nil {
		// An unreadable document can no longer prove authorization.
		out := m.revoke("document_unreadable", "group document is unreadable")
		return &out, nil, false
	}
	allowed, err := Authorize(m.Group, doc, m.Host)
	if err != nil {
		out := m.revoke("group_revoked", "group is no longer defined")
		return &out, nil, false
	}
	if !allowed {
		out := m.revoke("group_revoked", "host is no longer in the group")
		return &out, nil, false
	}

	log.Debug().Uint64("doc_sum", doc.Sum).Msg("Group document changed, still authorized")
	m.DocSum = doc.Sum
	return nil, events, true
}

func (m *Monitor) revoke(label, reason string) Outcome {
	telemetry.RevocationsTotal.With(label).Inc()
	log.Warn().Str("reason", reason).Msg("Authorization revoked")
	return Outcome{Revoked: true, Reason: reason}
}
