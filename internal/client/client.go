// Package client implements the cycle scheduler and burst loop described in
// spec section 4.7: rotate through the socket set, align each burst to a
// cycle boundary, send burst_size datagrams back-to-back, then block for
// matched replies before feeding round-trip samples into the latency
// pipeline and rotating to the next socket.
package client

import (
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/kstaniek/udpbench/internal/cycle"
	"github.com/kstaniek/udpbench/internal/engine"
	"github.com/kstaniek/udpbench/internal/latency"
	"github.com/kstaniek/udpbench/internal/metrics"
	"github.com/kstaniek/udpbench/internal/mux"
	"github.com/kstaniek/udpbench/internal/sockset"
	"github.com/kstaniek/udpbench/internal/udpio"
	"github.com/kstaniek/udpbench/internal/wire"
)

// Config collects the per-run parameters that shape the burst loop. It is
// intentionally separate from internal/config.Config: only the fields the
// engine itself needs to make send/receive/accounting decisions.
type Config struct {
	Backend       string
	Timeout       time.Duration
	MsgSize       int
	RangeSize     int // randomize msg size within [MsgSize-RangeSize, MsgSize+RangeSize]; 0 disables
	BurstSize     int
	Stream        bool // send-only, no reply wait, no latency measurement
	SrvNum        int  // matched replies required per sent datagram; <=1 means one
	DataIntegrity bool
	Seed          int64

	DontWarmup    bool          // --dontwarmup: skip the warmup burst entirely
	PreWarmupWait time.Duration // --pre_warmup_wait: delay before the warmup burst
}

// Client owns the socket rotation, the cycle scheduler, and the latency
// pipeline it feeds on every completed burst.
type Client struct {
	set    *sockset.Set
	cfg    Config
	cycle  *cycle.State
	pipe   *latency.Pipeline
	pat    *wire.Pattern
	logger *slog.Logger

	rnd *rand.Rand

	current *sockset.Entry
	muxes   map[int]mux.Multiplexer

	seq     byte
	sendBuf []byte
	recvBuf []byte

	streamBytes   uint64
	streamPackets uint64
}

// New builds a Client over set. cyc, pipe, and pat are constructed by the
// caller (cmd/udpbench) so they can be shared with the summary printer
// after Run returns.
func New(set *sockset.Set, cfg Config, cyc *cycle.State, pipe *latency.Pipeline, pat *wire.Pattern, logger *slog.Logger) (*Client, error) {
	muxes := make(map[int]mux.Multiplexer, len(set.Entries()))
	for fd := range set.Entries() {
		m, err := mux.New(cfg.Backend, []int{fd})
		if err != nil {
			for _, existing := range muxes {
				_ = existing.Close()
			}
			return nil, err
		}
		muxes[fd] = m
	}
	bufCap := cfg.MsgSize + cfg.RangeSize
	if bufCap > wire.MaxMessageSize {
		bufCap = wire.MaxMessageSize
	}
	c := &Client{
		set:     set,
		cfg:     cfg,
		cycle:   cyc,
		pipe:    pipe,
		pat:     pat,
		logger:  logger,
		rnd:     rand.New(rand.NewSource(cfg.Seed)),
		muxes:   muxes,
		sendBuf: make([]byte, bufCap),
		recvBuf: make([]byte, bufCap),
	}
	c.current = set.Get(set.FDMin)
	return c, nil
}

// warmupPort is the destination used for pre-test warmup datagrams.
// Nothing listens there; the sends exist to prime the multicast path
// (ARP/IGMP, NIC queues, kernel routes) before the measured loop starts.
const warmupPort = 57341

// Warmup waits PreWarmupWait, then — unless DontWarmup is set — sends two
// dummy datagrams to each multicast socket's group address on warmupPort.
// Unicast-only runs have nothing to warm up. Both the wait and the send
// loop exit early on termination.
func (c *Client) Warmup(ctx *engine.Context) {
	if c.cfg.PreWarmupWait > 0 {
		select {
		case <-time.After(c.cfg.PreWarmupWait):
		case <-ctx.Done():
		}
	}
	if c.cfg.DontWarmup || ctx.Terminated() {
		return
	}

	size := c.cfg.MsgSize
	if size > len(c.sendBuf) {
		size = len(c.sendBuf)
	}
	payload := make([]byte, size)
	if c.pat != nil {
		copy(payload, c.pat.Bytes()[:size])
	}

	for fd, entry := range c.set.Entries() {
		if ctx.Terminated() {
			return
		}
		if !entry.IsMulticast {
			continue
		}
		dest := &net.UDPAddr{IP: entry.Addr.IP, Port: warmupPort}
		for i := 0; i < 2; i++ {
			if err := udpio.SendTo(fd, payload, dest); err != nil {
				c.logger.Warn("warmup_send_error", "error", err, "fd", fd)
			}
		}
	}
}

// Run drives bursts until ctx is terminated. Cleanup (closing every
// per-socket multiplexer) always runs regardless of how the loop exits,
// matching the v2 cleanup-ordering decision.
func (c *Client) Run(ctx *engine.Context) error {
	defer c.closeMuxes()
	for !ctx.Terminated() {
		if err := c.runBurst(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) closeMuxes() {
	for _, m := range c.muxes {
		_ = m.Close()
	}
}

func (c *Client) burstSize() int {
	size := c.cfg.MsgSize
	if c.cfg.RangeSize > 0 {
		span := 2*c.cfg.RangeSize + 1
		size = c.cfg.MsgSize - c.cfg.RangeSize + c.rnd.Intn(span)
	}
	if size < wire.MinMessageSize {
		size = wire.MinMessageSize
	}
	if size > len(c.sendBuf) {
		size = len(c.sendBuf)
	}
	return size
}

func (c *Client) runBurst(ctx *engine.Context) error {
	size := c.burstSize()
	c.seq = wire.NextSeq(c.seq)

	c.cycle.Wait(ctx.Terminated)
	if ctx.Terminated() {
		return nil
	}

	entry := c.current
	wire.SetSeq(c.sendBuf[:size], c.seq)
	wire.SetMask(c.sendBuf[:size], wire.ClientMask)
	if c.pat != nil {
		copy(c.sendBuf[wire.HeaderSize:size], c.pat.Bytes()[wire.HeaderSize:size])
	}

	sendTimes := make([]time.Time, 0, c.cfg.BurstSize)
	for i := 0; i < c.cfg.BurstSize; i++ {
		if ctx.Terminated() {
			return nil
		}
		t := time.Now()
		if err := udpio.SendTo(entry.FD, c.sendBuf[:size], entry.Addr); err != nil {
			metrics.IncError(metrics.ErrSend)
			c.logger.Error("send_error", "error", err, "fd", entry.FD)
			return err
		}
		metrics.IncClientSent()
		ctx.PacketCounter.Add(1)
		sendTimes = append(sendTimes, t)
	}

	if c.cfg.Stream {
		c.streamBytes += uint64(size) * uint64(c.cfg.BurstSize)
		c.streamPackets += uint64(c.cfg.BurstSize)
		c.rotate()
		return nil
	}

	c.awaitBurst(ctx, entry, size, sendTimes)
	c.rotate()
	return nil
}

// awaitBurst blocks, re-polling the current socket's multiplexer, until
// srv_num-adjusted matched replies have arrived for this burst or
// termination is requested.
func (c *Client) awaitBurst(ctx *engine.Context, entry *sockset.Entry, size int, sendTimes []time.Time) {
	srvNum := max(c.cfg.SrvNum, 1)
	required := c.cfg.BurstSize * srvNum
	m := c.muxes[entry.FD]
	matched := 0
	for matched < required && !ctx.Terminated() {
		ready, err := m.WaitReady(c.cfg.Timeout)
		if err != nil {
			metrics.IncError(metrics.ErrMuxWait)
			c.logger.Error("mux_wait_error", "error", err, "fd", entry.FD)
			return
		}
		for range ready {
			ok, recvTime := c.receiveOne(ctx, size)
			if !ok {
				continue
			}
			matched++
			// srvNum replies per sent datagram all pair against the same
			// send time, so the index into sendTimes advances once every
			// srvNum matches rather than once per match.
			sendIdx := (matched - 1) / srvNum
			sendTime := recvTime
			if sendIdx < len(sendTimes) {
				sendTime = sendTimes[sendIdx]
			}
			rtt := recvTime.Sub(sendTime)
			if rtt < 0 {
				rtt = 0
			}
			c.pipe.Observe(rtt.Microseconds(), ctx.PacketCounter.Load())
		}
	}
}

// receiveOne reads one datagram from fd and reports whether it is a valid
// matched reply for the current sequence, plus the time it was received.
// Mask mismatch, sequence mismatch, or size mismatch counts as a
// duplicate/drop (spec section 4.1) and never advances burst completion.
func (c *Client) receiveOne(ctx *engine.Context, size int) (bool, time.Time) {
	entry := c.current
	n, from, err := udpio.RecvFrom(entry.FD, c.recvBuf)
	recvTime := time.Now()
	if err != nil {
		metrics.IncError(metrics.ErrReceive)
		c.logger.Error("recv_error", "error", err, "fd", entry.FD)
		return false, recvTime
	}
	if n == 0 || from == nil {
		return false, recvTime
	}
	reply := c.recvBuf[:n]
	if !wire.IsServer(reply) || wire.Seq(reply) != c.seq || n != size {
		metrics.IncClientDuplicate()
		ctx.DuplicateCounter.Add(1)
		return false, recvTime
	}
	if c.cfg.DataIntegrity && c.pat != nil && !c.pat.Verify(reply, size) {
		metrics.IncIntegrityFailure()
		ctx.IntegrityFailures.Add(1)
	}
	metrics.IncClientMatched()
	return true, recvTime
}

func (c *Client) rotate() {
	c.current = c.set.Get(c.current.Next)
}

// Summary is the final accounting handed to the caller for the stdout
// report (spec section 4.7/8).
type Summary struct {
	PacketCounter     uint64
	DuplicateCounter  uint64
	IntegrityFailures uint64
	Stream            bool
	StreamBytes       uint64
	StreamPackets     uint64
	Elapsed           time.Duration
	CycleWaitLoops    uint64
	BurstSize         int
}

// BuildSummary assembles the final report from ctx's counters and the
// client's own stream-mode tally.
func (c *Client) BuildSummary(ctx *engine.Context) Summary {
	return Summary{
		PacketCounter:     ctx.PacketCounter.Load(),
		DuplicateCounter:  ctx.DuplicateCounter.Load(),
		IntegrityFailures: ctx.IntegrityFailures.Load(),
		Stream:            c.cfg.Stream,
		StreamBytes:       c.streamBytes,
		StreamPackets:     c.streamPackets,
		Elapsed:           ctx.Elapsed(),
		CycleWaitLoops:    c.cycle.WaitLoops(),
		BurstSize:         c.cfg.BurstSize,
	}
}
