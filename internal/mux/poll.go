package mux

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollMux keeps a stable array of {fd, events} entries; the caller iterates
// [0, count) of the pollfd array itself, never the full descriptor range.
type pollMux struct {
	fds []unix.PollFd
}

func newPoll(fds []int) *pollMux {
	p := &pollMux{fds: make([]unix.PollFd, len(fds))}
	for i, fd := range fds {
		p.fds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI}
	}
	return p
}

func (p *pollMux) WaitReady(timeout time.Duration) ([]int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	for i := range p.fds {
		p.fds[i].Revents = 0
	}
	n, err := unix.Poll(p.fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("mux: poll: %w", err)
	}
	if n == 0 {
		if ms < 0 {
			return nil, fmt.Errorf("mux: poll: returned 0 with no timeout")
		}
		return nil, nil
	}
	ready := make([]int, 0, n)
	for _, pfd := range p.fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLPRI) != 0 {
			ready = append(ready, int(pfd.Fd))
		}
	}
	return ready, nil
}

func (p *pollMux) Close() error { return nil }
