package mux

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollMux registers descriptors once at construction; WaitReady returns an
// events array sized to the ready count and the caller iterates only those
// entries, never the full descriptor range.
type epollMux struct {
	epfd   int
	events []unix.EpollEvent
}

func newEpoll(fds []int) (*epollMux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mux: epoll_create1: %w", err)
	}
	e := &epollMux{epfd: epfd, events: make([]unix.EpollEvent, len(fds))}
	for _, fd := range fds {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			_ = unix.Close(epfd)
			return nil, fmt.Errorf("mux: epoll_ctl(ADD, %d): %w", fd, err)
		}
	}
	return e, nil
}

func (e *epollMux) WaitReady(timeout time.Duration) ([]int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := unix.EpollWait(e.epfd, e.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("mux: epoll_wait: %w", err)
	}
	if n == 0 {
		if ms < 0 {
			return nil, fmt.Errorf("mux: epoll_wait: returned 0 with no timeout")
		}
		return nil, nil
	}
	ready := make([]int, n)
	for i := 0; i < n; i++ {
		ready[i] = int(e.events[i].Fd)
	}
	return ready, nil
}

func (e *epollMux) Close() error { return unix.Close(e.epfd) }
