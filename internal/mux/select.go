package mux

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// selectMux rebuilds the read-set from the saved template on every call,
// since select(2) mutates the set in place to reflect readiness. Ready
// descriptors are reported in ascending fd order over [fdMin, fdMax], the
// caller-visible iteration bound for this backend.
type selectMux struct {
	fds          []int
	fdMin, fdMax int
	template     unix.FdSet
}

func newSelect(fds []int) (*selectMux, error) {
	s := &selectMux{fds: append([]int(nil), fds...)}
	s.fdMin, s.fdMax = fds[0], fds[0]
	for _, fd := range fds {
		if fd < s.fdMin {
			s.fdMin = fd
		}
		if fd > s.fdMax {
			s.fdMax = fd
		}
		if fd >= unix.FD_SETSIZE {
			return nil, fmt.Errorf("mux: select: fd %d exceeds FD_SETSIZE", fd)
		}
		fdSet(fd, &s.template)
	}
	return s, nil
}

func (s *selectMux) WaitReady(timeout time.Duration) ([]int, error) {
	set := s.template // reset before every call; select mutates its argument

	var tv *unix.Timeval
	var val unix.Timeval
	if timeout >= 0 {
		val = unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &val
	}

	n, err := unix.Select(s.fdMax+1, &set, nil, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("mux: select: %w", err)
	}
	if n == 0 {
		if tv == nil {
			return nil, fmt.Errorf("mux: select: returned 0 with no timeout")
		}
		return nil, nil
	}
	ready := make([]int, 0, n)
	for fd := s.fdMin; fd <= s.fdMax; fd++ {
		if fdIsSet(fd, &set) {
			ready = append(ready, fd)
		}
	}
	return ready, nil
}

func (s *selectMux) Close() error { return nil }

func fdSet(fd int, set *unix.FdSet) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(fd int, set *unix.FdSet) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
