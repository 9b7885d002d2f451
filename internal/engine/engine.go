// Package engine provides the shared per-role engine context: the
// termination flag, atomic packet/duplicate/integrity-failure counters, and
// the reference pattern buffer with its message size. Each role (client,
// server, bridge, dispatcher) keeps its own send/receive buffers.
//
// This replaces the original design's process-wide globals (b_exit,
// counters, timers) with an explicit context object passed by reference,
// per spec section 9's design notes: signal handlers set only the atomic
// flag and re-raise no state; summaries are produced by the caller on
// observing the flag.
package engine

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kstaniek/udpbench/internal/logging"
	"github.com/kstaniek/udpbench/internal/wire"
)

// Context is the shared state passed into a role's Run method.
type Context struct {
	Logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// terminating mirrors ctx.Done() but is also readable from the tight
	// busy-wait cycle loop without the overhead of a channel select on
	// every iteration (see internal/cycle). It is a pointer so that
	// NewChild can share one termination flag across several Contexts
	// that otherwise carry independent, per-worker counters.
	terminating *atomic.Bool

	PacketCounter     atomic.Uint64
	DuplicateCounter  atomic.Uint64
	IntegrityFailures atomic.Uint64

	Pattern *wire.Pattern
	MsgSize int

	StartTime time.Time
}

// Option configures a Context at construction.
type Option func(*Context)

// WithLogger overrides the default package logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithPattern attaches the reference pattern buffer and its size.
func WithPattern(p *wire.Pattern, size int) Option {
	return func(c *Context) {
		c.Pattern = p
		c.MsgSize = size
	}
}

// New creates a Context with a cancellable background context, wiring
// SIGINT/SIGTERM to Terminate so that every loop observing Done()/
// Terminated() unwinds cleanly. Callers must call Stop when finished to
// release the signal notification.
func New(opts ...Option) (*Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{
		ctx:         ctx,
		cancel:      cancel,
		terminating: new(atomic.Bool),
		Logger:      logging.L(),
		StartTime:   time.Now(),
	}
	for _, o := range opts {
		o(c)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case s := <-sigCh:
			c.Logger.Info("shutdown_signal", "signal", s.String())
			c.Terminate()
		case <-done:
		}
	}()
	stop := func() {
		close(done)
		signal.Stop(sigCh)
		c.cancel()
	}
	return c, stop
}

// NewChild returns a Context that shares parent's termination flag, signal
// handling, and cancellation, but has its own independent packet/duplicate/
// integrity counters. The multithreaded dispatcher uses this so that each
// worker's counters stay per-partition (spec section 5) while a single
// signal handler still terminates every worker at once.
func NewChild(parent *Context) *Context {
	return &Context{
		Logger:      parent.Logger,
		ctx:         parent.ctx,
		cancel:      parent.cancel,
		terminating: parent.terminating,
		Pattern:     parent.Pattern,
		MsgSize:     parent.MsgSize,
		StartTime:   parent.StartTime,
	}
}

// WithDuration arms a timer that calls Terminate after d elapses, standing
// in for the original's SIGALRM-driven interval timer.
func (c *Context) WithDuration(d time.Duration) *time.Timer {
	return time.AfterFunc(d, c.Terminate)
}

// Done returns a channel closed once termination has been requested.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Terminated reports whether termination has been requested. Once true it
// never reverts: no further datagrams are sent and the summary is printed
// at most once by the caller.
func (c *Context) Terminated() bool { return c.terminating.Load() }

// Terminate requests termination; idempotent.
func (c *Context) Terminate() {
	if c.terminating.CompareAndSwap(false, true) {
		c.cancel()
	}
}

// Elapsed returns the wall-clock time since the Context was created.
func (c *Context) Elapsed() time.Duration { return time.Since(c.StartTime) }
