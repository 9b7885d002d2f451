package mux

import "time"

// direct is used only when the socket set has exactly one entry and the
// caller elected it: it performs no readiness wait of its own, since the
// caller's subsequent blocking recvfrom is the wait. WaitReady always
// reports the single descriptor ready immediately.
type direct struct {
	fd int
}

func newDirect(fd int) *direct { return &direct{fd: fd} }

func (d *direct) WaitReady(_ time.Duration) ([]int, error) {
	return []int{d.fd}, nil
}

func (d *direct) Close() error { return nil }
