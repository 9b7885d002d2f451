package client

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/kstaniek/udpbench/internal/cycle"
	"github.com/kstaniek/udpbench/internal/engine"
	"github.com/kstaniek/udpbench/internal/latency"
	"github.com/kstaniek/udpbench/internal/logging"
	"github.com/kstaniek/udpbench/internal/mux"
	"github.com/kstaniek/udpbench/internal/sockset"
	"github.com/kstaniek/udpbench/internal/wire"
)

// listenReusable opens a UDP socket on 127.0.0.2 with SO_REUSEADDR set.
// sockset.Build binds the client's socket to INADDR_ANY on the destination
// port, which the kernel allows only when both sockets set SO_REUSEADDR.
// Listening on 127.0.0.2 keeps replies sent to the client's 127.0.0.1
// source address from being delivered back to this socket.
func listenReusable(t *testing.T) *net.UDPConn {
	t.Helper()
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return serr
	}}
	pc, err := lc.ListenPacket(context.Background(), "udp4", "127.0.0.2:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	return pc.(*net.UDPConn)
}

// loopbackEcho opens a second loopback socket that echoes any client-masked
// datagram back to its source with the server mask, standing in for a
// separate server process in this in-process test.
func loopbackEcho(t *testing.T, stop <-chan struct{}) *net.UDPAddr {
	t.Helper()
	conn := listenReusable(t)
	go func() {
		buf := make([]byte, 65536)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			n, from, err := conn.ReadFromUDP(buf)
			select {
			case <-stop:
				_ = conn.Close()
				return
			default:
			}
			if err != nil {
				continue
			}
			if wire.IsClient(buf[:n]) {
				wire.SetMask(buf[:n], wire.ServerMask)
				_, _ = conn.WriteToUDP(buf[:n], from)
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func buildClientSocket(t *testing.T, dest *net.UDPAddr) *sockset.Set {
	t.Helper()
	set, err := sockset.Build([]*net.UDPAddr{dest}, sockset.Options{})
	if err != nil {
		t.Fatalf("sockset.Build: %v", err)
	}
	return set
}

func TestClient_SingleBurstMatchesAndAdvancesCounters(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	serverAddr := loopbackEcho(t, stop)

	set := buildClientSocket(t, serverAddr)
	defer set.Close()

	cfg := Config{
		Backend:   mux.BackendSelect,
		Timeout:   200 * time.Millisecond,
		MsgSize:   32,
		BurstSize: 4,
		SrvNum:    1,
		Seed:      1,
	}
	cyc := cycle.NewState(0)
	pipe := latency.NewPipeline(3)
	pat := wire.NewPattern(cfg.MsgSize, cfg.Seed)

	c, err := New(set, cfg, cyc, pipe, pat, logging.L())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, stopCtx := engine.New()
	defer stopCtx()

	if err := c.runBurst(ctx); err != nil {
		t.Fatalf("runBurst: %v", err)
	}

	if ctx.PacketCounter.Load() != uint64(cfg.BurstSize) {
		t.Fatalf("expected packet counter %d, got %d", cfg.BurstSize, ctx.PacketCounter.Load())
	}
	if pipe.Samples() != uint64(cfg.BurstSize) {
		t.Fatalf("expected %d latency samples, got %d", cfg.BurstSize, pipe.Samples())
	}
	if ctx.DuplicateCounter.Load() != 0 {
		t.Fatalf("expected no duplicates, got %d", ctx.DuplicateCounter.Load())
	}
}

func TestClient_StreamModeSkipsReplyWait(t *testing.T) {
	// A socket with nothing listening on the destination: if stream mode
	// incorrectly waited for replies, this burst would block for the full
	// mux timeout instead of returning immediately.
	set, err := sockset.Build([]*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: 18231}}, sockset.Options{})
	if err != nil {
		t.Fatalf("sockset.Build: %v", err)
	}
	defer set.Close()

	cfg := Config{
		Backend:   mux.BackendSelect,
		Timeout:   5 * time.Second,
		MsgSize:   16,
		BurstSize: 2,
		Stream:    true,
		Seed:      1,
	}
	cyc := cycle.NewState(0)
	pipe := latency.NewPipeline(3)
	pat := wire.NewPattern(cfg.MsgSize, cfg.Seed)

	c, err := New(set, cfg, cyc, pipe, pat, logging.L())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, stopCtx := engine.New()
	defer stopCtx()

	start := time.Now()
	if err := c.runBurst(ctx); err != nil {
		t.Fatalf("runBurst: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stream mode burst took %v, expected near-instant return", elapsed)
	}
	if pipe.Samples() != 0 {
		t.Fatalf("expected no latency samples in stream mode, got %d", pipe.Samples())
	}
}

func TestClient_DiscardsSequenceMismatchAsDuplicate(t *testing.T) {
	// A responder that always echoes with a stale sequence byte: every
	// reply should be discarded as a duplicate, never advancing the burst.
	conn := listenReusable(t)
	defer conn.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		buf := make([]byte, 65536)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
			n, from, err := conn.ReadFromUDP(buf)
			select {
			case <-stop:
				return
			default:
			}
			if err != nil {
				continue
			}
			wire.SetSeq(buf[:n], 0xFF)
			wire.SetMask(buf[:n], wire.ServerMask)
			_, _ = conn.WriteToUDP(buf[:n], from)
		}
	}()

	set := buildClientSocket(t, conn.LocalAddr().(*net.UDPAddr))
	defer set.Close()

	cfg := Config{
		Backend:   mux.BackendSelect,
		Timeout:   50 * time.Millisecond,
		MsgSize:   16,
		BurstSize: 1,
		Seed:      1,
	}
	cyc := cycle.NewState(0)
	pipe := latency.NewPipeline(3)
	pat := wire.NewPattern(cfg.MsgSize, cfg.Seed)

	c, err := New(set, cfg, cyc, pipe, pat, logging.L())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, stopCtx := engine.New()
	defer stopCtx()

	go func() {
		time.Sleep(300 * time.Millisecond)
		ctx.Terminate()
	}()
	if err := c.runBurst(ctx); err != nil {
		t.Fatalf("runBurst: %v", err)
	}
	if pipe.Samples() != 0 {
		t.Fatalf("expected no matched samples, got %d", pipe.Samples())
	}
	if ctx.DuplicateCounter.Load() == 0 {
		t.Fatalf("expected duplicate counter to advance on sequence mismatch")
	}
}

func TestClient_RotatesSocketsAcrossBursts(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	addrA := loopbackEcho(t, stop)
	addrB := loopbackEcho(t, stop)

	set, err := sockset.Build([]*net.UDPAddr{addrA, addrB}, sockset.Options{})
	if err != nil {
		t.Fatalf("sockset.Build: %v", err)
	}
	defer set.Close()

	cfg := Config{
		Backend:   mux.BackendSelect,
		Timeout:   200 * time.Millisecond,
		MsgSize:   16,
		BurstSize: 1,
		Seed:      1,
	}
	cyc := cycle.NewState(0)
	pipe := latency.NewPipeline(3)
	pat := wire.NewPattern(cfg.MsgSize, cfg.Seed)

	c, err := New(set, cfg, cyc, pipe, pat, logging.L())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, stopCtx := engine.New()
	defer stopCtx()

	first := c.current.FD
	if err := c.runBurst(ctx); err != nil {
		t.Fatalf("runBurst: %v", err)
	}
	if c.current.FD == first {
		t.Fatalf("expected rotation to the other socket after a burst")
	}
}

func TestClient_CloseMuxesReleasesAllBackends(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 18231}
	set, err := sockset.Build([]*net.UDPAddr{addr}, sockset.Options{})
	if err != nil {
		t.Fatalf("sockset.Build: %v", err)
	}
	defer set.Close()

	cfg := Config{Backend: mux.BackendSelect, Timeout: time.Millisecond, MsgSize: 16, BurstSize: 1, Seed: 1}
	c, err := New(set, cfg, cycle.NewState(0), latency.NewPipeline(1), wire.NewPattern(cfg.MsgSize, cfg.Seed), logging.L())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.closeMuxes()

	// A second close must not panic (epoll fds already released).
	c.closeMuxes()
}
