// Package mux implements the readiness multiplexer: a uniform interface
// over four backends (direct single-socket receive, select, poll, epoll)
// that, given a descriptor set, yields the subset ready for read within a
// timeout.
//
// Common contract across all four backends: a zero-length ready result
// together with a nil error means "no work, keep looping" (the wait timed
// out). A zero timeout means "poll once and return immediately"; a negative
// timeout means "wait indefinitely". Returning no ready descriptors with an
// indefinite wait is reported as an error rather than silently treated as
// idle. Within one wake-up, ready descriptors are handled in the backend's
// natural order, and that order is stable across calls for the same
// backend.
package mux

import (
	"fmt"
	"time"
)

// Backend names. The -F CLI flag accepts select, poll and epoll (or the
// short aliases s, p, e); direct is not selectable from the CLI.
const (
	BackendDirect = "direct"
	BackendSelect = "select"
	BackendPoll   = "poll"
	BackendEpoll  = "epoll"
)

// ResolveBackendName expands the short CLI aliases (s|p|e) to their long form.
func ResolveBackendName(name string) (string, error) {
	switch name {
	case "s", BackendSelect:
		return BackendSelect, nil
	case "p", BackendPoll:
		return BackendPoll, nil
	case "e", BackendEpoll:
		return BackendEpoll, nil
	case BackendDirect:
		return BackendDirect, nil
	default:
		return "", fmt.Errorf("mux: unknown readiness backend %q", name)
	}
}

// Multiplexer waits for a subset of a fixed descriptor set to become ready
// for reading.
type Multiplexer interface {
	// WaitReady blocks until at least one registered descriptor is ready
	// for read, timeout elapses, or an error occurs. Timeout 0 returns
	// immediately (a single non-blocking poll); a negative timeout means
	// wait indefinitely.
	WaitReady(timeout time.Duration) ([]int, error)
	// Close releases any backend-owned resources (e.g. the epoll fd).
	Close() error
}

// New constructs the named backend over fds. fds must be non-empty for all
// backends except Direct, which additionally requires exactly one fd.
func New(backend string, fds []int) (Multiplexer, error) {
	name, err := ResolveBackendName(backend)
	if err != nil {
		return nil, err
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("mux: no descriptors to register")
	}
	switch name {
	case BackendDirect:
		if len(fds) != 1 {
			return nil, fmt.Errorf("mux: direct backend requires exactly one descriptor, got %d", len(fds))
		}
		return newDirect(fds[0]), nil
	case BackendSelect:
		return newSelect(fds)
	case BackendPoll:
		return newPoll(fds), nil
	case BackendEpoll:
		return newEpoll(fds)
	default:
		return nil, fmt.Errorf("mux: unknown readiness backend %q", backend)
	}
}
