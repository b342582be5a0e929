package coordinator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
)

// HostSet is a group's member list. The document may spell a single-host
// group as a bare string instead of a one-element array; both forms decode
// to the same set.
type HostSet []string

func (hs *HostSet) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*hs = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*hs = HostSet{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("host set must be a string or an array of strings")
	}
	*hs = HostSet(many)
	return nil
}

// Contains reports whether host matches a member of the set. Members
// containing glob metacharacters are matched as patterns ("worker-*");
// plain members and malformed patterns compare literally.
func (hs HostSet) Contains(host string) bool {
	for _, member := range hs {
		if member == host {
			return true
		}
		if !strings.ContainsAny(member, "*?[{\\") {
			continue
		}
		g, err := glob.Compile(member)
		if err != nil {
			continue
		}
		if g.Match(host) {
			return true
		}
	}
	return false
}

// Doc is the externally-owned document stored at the configured root:
// group membership plus the advisory resource acquisition order. It is
// read-only to this program and re-fetched on change notification.
type Doc struct {
	Groups    map[string]HostSet `json:"groups"`
	Resources []string           `json:"resources"`

	// Sum is the xxhash64 digest of the raw bytes the document was
	// parsed from, used to skip re-parsing when a data watch fires
	// without a payload change.
	Sum uint64 `json:"-"`
}

// ParseDoc decodes the root document. An empty node decodes to an empty
// document (no groups defined, no advisory order).
func ParseDoc(raw []byte) (*Doc, error) {
	doc := &Doc{Sum: xxhash.Sum64(raw)}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("parse group document: %w", err)
	}
	return doc, nil
}

// Authorize decides whether host may run under the named group. It is pure:
// no side effects, no service contact.
//
// An unset group means no restriction was requested and always authorizes.
// A group absent from the document is a fatal misconfiguration
// (GroupUndefinedError), distinct from the quiet skip of a host that is
// simply not listed in an otherwise valid group.
func Authorize(group string, doc *Doc, host string) (bool, error) {
	if group == "" {
		return true, nil
	}
	hosts, ok := doc.Groups[group]
	if !ok {
		return false, &GroupUndefinedError{Group: group}
	}
	return hosts.Contains(host), nil
}

// OrderConforms reports whether the declared lease resources appear in the
// same relative order as the document's advisory resource list. Resources
// the document does not mention are ignored. The order is a convention to
// avoid cross-resource deadlock between independent callers; violations are
// the caller's to warn about, not to reject.
func OrderConforms(declared, order []string) bool {
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}
	last := -1
	for _, name := range declared {
		r, ok := rank[name]
		if !ok {
			continue
		}
		if r < last {
			return false
		}
		last = r
	}
	return true
}
