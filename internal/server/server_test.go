package server

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/udpbench/internal/engine"
	"github.com/kstaniek/udpbench/internal/logging"
	"github.com/kstaniek/udpbench/internal/mux"
	"github.com/kstaniek/udpbench/internal/sockset"
	"github.com/kstaniek/udpbench/internal/wire"
)

// buildLoopback opens one unicast loopback socket via sockset.Build and
// returns its fd plus the actual bound address (Build binds to
// INADDR_ANY:port, so the requested port may be 0/ephemeral).
func buildLoopback(t *testing.T) (set *sockset.Set, fd int, bound *net.UDPAddr) {
	t.Helper()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	set, err := sockset.Build([]*net.UDPAddr{addr}, sockset.Options{})
	if err != nil {
		t.Fatalf("sockset.Build: %v", err)
	}
	for _, e := range set.Entries() {
		fd = e.FD
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	sa4 := sa.(*unix.SockaddrInet4)
	bound = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sa4.Port}
	return set, fd, bound
}

func TestServer_EchoesClientMaskedDatagram(t *testing.T) {
	set, fd, bound := buildLoopback(t)
	defer set.Close()

	m, err := mux.New(mux.BackendSelect, []int{fd})
	if err != nil {
		t.Fatalf("mux.New: %v", err)
	}

	srv := New(set, m, 200*time.Millisecond, 16, logging.L())

	ctx, stop := engine.New()
	defer stop()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	client, err := net.DialUDP("udp4", nil, bound)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	msg := make([]byte, 16)
	wire.SetSeq(msg, 1)
	wire.SetMask(msg, wire.ClientMask)
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reply := make([]byte, 64)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(reply)
	if err != nil {
		t.Fatalf("Read reply: %v", err)
	}
	if n != 16 {
		t.Fatalf("expected 16-byte reply, got %d", n)
	}
	if !wire.IsServer(reply[:n]) {
		t.Fatalf("expected reply to carry server mask, got mask %#x", wire.Mask(reply[:n]))
	}
	if wire.Seq(reply[:n]) != 1 {
		t.Fatalf("expected sequence byte preserved, got %d", wire.Seq(reply[:n]))
	}

	ctx.Terminate()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not shut down after Terminate")
	}
}

func TestServer_DiscardsNonClientMaskedDatagram(t *testing.T) {
	set, fd, bound := buildLoopback(t)
	defer set.Close()

	m, err := mux.New(mux.BackendSelect, []int{fd})
	if err != nil {
		t.Fatalf("mux.New: %v", err)
	}

	srv := New(set, m, 100*time.Millisecond, 16, logging.L())

	ctx, stop := engine.New()
	defer stop()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	client, err := net.DialUDP("udp4", nil, bound)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	msg := make([]byte, 16)
	wire.SetSeq(msg, 1)
	wire.SetMask(msg, wire.ServerMask) // wrong mask: should be discarded, not echoed
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	reply := make([]byte, 64)
	if _, err := client.Read(reply); err == nil {
		t.Fatalf("expected no reply for a non-client-masked datagram")
	}

	ctx.Terminate()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not shut down after Terminate")
	}
}
