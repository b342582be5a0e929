// Package macro parses lease declarations and expands the numeric macros
// they may carry, so one fleet-wide invocation line can scale to whatever
// host it lands on.
package macro

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/neilb/switchman/coordinator"
)

// Overridable host probes for tests.
var (
	cpuCount   = runtime.NumCPU
	memTotalMB = readMemTotalMB
)

// readMemTotalMB reads the host's total memory from /proc/meminfo.
func readMemTotalMB() (int, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, fmt.Errorf("open procfs: %w", err)
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if info.MemTotal == nil {
		return 0, errors.New("meminfo reports no MemTotal")
	}
	// MemTotal is in kibibytes.
	return int(*info.MemTotal / 1024), nil
}

// ParseLease parses one declaration of the form "resource=count:total",
// for example "scratch=2:10" or "ram=MEMMB/4:MEMMB". Count and total
// accept a decimal integer, a macro (CPUS, MEMMB), or macro/<divisor>.
// Expansion and validation both happen here, before any service contact.
func ParseLease(decl string) (coordinator.LeaseRequest, error) {
	var req coordinator.LeaseRequest

	resource, amounts, ok := strings.Cut(decl, "=")
	if !ok {
		return req, fmt.Errorf("lease %q: want resource=count:total", decl)
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return req, fmt.Errorf("lease %q: empty resource name", decl)
	}
	if strings.ContainsRune(resource, '/') {
		// The name becomes a node path component.
		return req, fmt.Errorf("lease %q: resource name must not contain '/'", decl)
	}

	countStr, totalStr, ok := strings.Cut(amounts, ":")
	if !ok {
		return req, fmt.Errorf("lease %q: want resource=count:total", decl)
	}
	count, err := expand(countStr)
	if err != nil {
		return req, fmt.Errorf("lease %q: count: %w", decl, err)
	}
	total, err := expand(totalStr)
	if err != nil {
		return req, fmt.Errorf("lease %q: total: %w", decl, err)
	}
	if count < 1 || total < 1 {
		return req, fmt.Errorf("lease %q: count and total must be positive", decl)
	}
	if count > total {
		return req, fmt.Errorf("lease %q: count %d exceeds total %d", decl, count, total)
	}

	return coordinator.LeaseRequest{Resource: resource, Count: count, Total: total}, nil
}

// ParseLeases parses every declaration and rejects duplicate resources;
// one slot per resource per instance is what keeps the queue arithmetic
// honest.
func ParseLeases(decls []string) ([]coordinator.LeaseRequest, error) {
	reqs := make([]coordinator.LeaseRequest, 0, len(decls))
	seen := make(map[string]struct{}, len(decls))
	for _, decl := range decls {
		req, err := ParseLease(decl)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[req.Resource]; dup {
			return nil, fmt.Errorf("lease %q: resource declared twice", decl)
		}
		seen[req.Resource] = struct{}{}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// expand resolves one amount token: an integer, a macro name, or a macro
// divided by an integer. Division truncates; a quotient below one fails
// the caller's positivity check rather than silently rounding up.
func expand(tok string) (int, error) {
	tok = strings.TrimSpace(tok)
	base := tok
	div := 1
	if name, divisor, ok := strings.Cut(tok, "/"); ok {
		base = name
		d, err := strconv.Atoi(divisor)
		if err != nil || d < 1 {
			return 0, fmt.Errorf("bad divisor %q", divisor)
		}
		div = d
	}

	var value int
	switch base {
	case "CPUS":
		value = cpuCount()
	case "MEMMB":
		v, err := memTotalMB()
		if err != nil {
			return 0, err
		}
		value = v
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return 0, fmt.Errorf("%q is neither a number nor a macro", base)
		}
		value = v
	}
	return value / div, nil
}
