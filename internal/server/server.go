// Package server implements the echo loop described in spec section 4.6:
// receive, validate the client mask, rewrite it to the server mask, and
// send the datagram back, honoring the unicast/multicast reply policy.
package server

import (
	"log/slog"
	"time"

	"github.com/kstaniek/udpbench/internal/engine"
	"github.com/kstaniek/udpbench/internal/metrics"
	"github.com/kstaniek/udpbench/internal/mux"
	"github.com/kstaniek/udpbench/internal/sockset"
	"github.com/kstaniek/udpbench/internal/udpio"
	"github.com/kstaniek/udpbench/internal/wire"
)

// Server owns one socket partition and its own readiness multiplexer
// instance. The multithreaded dispatcher (internal/dispatch) constructs
// one Server per worker, each over a disjoint fd range.
type Server struct {
	Set     *sockset.Set
	Mux     mux.Multiplexer
	Timeout time.Duration

	// ForceUnicastReply sends replies to the datagram's source address
	// even for multicast-bound sockets (spec section 4.6).
	ForceUnicastReply bool

	// McLoopbackDisable, when set, additionally logs a mask-mismatch
	// receipt as an error (spec section 4.1): such a receipt would
	// otherwise indicate our own echoed multicast traffic looping back.
	McLoopbackDisable bool

	ActivityDotEvery  int
	ActivityLineEvery int

	Logger *slog.Logger

	buf      []byte
	lastLog  time.Time
	lastSeen uint64
}

// New constructs a Server bound to set, waiting via m with the given
// per-iteration timeout and message buffer size.
func New(set *sockset.Set, m mux.Multiplexer, timeout time.Duration, msgSize int, logger *slog.Logger) *Server {
	return &Server{
		Set:     set,
		Mux:     m,
		Timeout: timeout,
		buf:     make([]byte, msgSize),
		Logger:  logger,
		lastLog: time.Now(),
	}
}

// Run loops the readiness-multiplex echo cycle until ctx is terminated.
// Cleanup (closing Mux) always runs regardless of how the loop exits,
// matching the v2 cleanup-ordering decision in spec section 9.
func (s *Server) Run(ctx *engine.Context) error {
	defer func() { _ = s.Mux.Close() }()
	for {
		if ctx.Terminated() {
			return nil
		}
		ready, err := s.Mux.WaitReady(s.Timeout)
		if err != nil {
			metrics.IncError(metrics.ErrMuxWait)
			return err
		}
		for _, fd := range ready {
			if ctx.Terminated() {
				return nil
			}
			s.handleOne(ctx, fd)
		}
	}
}

func (s *Server) handleOne(ctx *engine.Context, fd int) {
	n, from, err := udpio.RecvFrom(fd, s.buf)
	if err != nil {
		metrics.IncError(metrics.ErrReceive)
		s.Logger.Error("recv_error", "error", err, "fd", fd)
		return
	}
	if n == 0 || from == nil {
		return // EAGAIN/EINTR: benign, re-polled next round
	}
	if !wire.IsClient(s.buf[:n]) {
		metrics.IncServerDiscarded()
		if s.McLoopbackDisable {
			s.Logger.Error("mask_mismatch", "fd", fd, "mask", s.buf[wire.MaskOffset])
		}
		return
	}
	wire.SetMask(s.buf, wire.ServerMask)

	entry := s.Set.Get(fd)
	dest := from
	if entry != nil && entry.IsMulticast && !s.ForceUnicastReply {
		dest = entry.Addr
	}
	if err := udpio.SendTo(fd, s.buf[:n], dest); err != nil {
		metrics.IncError(metrics.ErrSend)
		s.Logger.Error("send_error", "error", err, "fd", fd)
		return
	}
	metrics.IncServerEchoed()
	count := ctx.PacketCounter.Add(1)
	s.reportActivity(count)
}

func (s *Server) reportActivity(count uint64) {
	if s.ActivityDotEvery > 0 && count%uint64(s.ActivityDotEvery) == 0 {
		s.Logger.Info(".")
	}
	if s.ActivityLineEvery > 0 && count%uint64(s.ActivityLineEvery) == 0 {
		now := time.Now().Round(0) // wall clock: activity interval is a human readout (spec section 9)
		interval := now.Sub(s.lastLog)
		delta := count - s.lastSeen
		rate := float64(0)
		if interval > 0 {
			rate = float64(delta) / interval.Seconds()
		}
		s.Logger.Info("activity", "interval", interval, "rate_pps", rate, "total", count)
		s.lastLog = now
		s.lastSeen = count
	}
}
