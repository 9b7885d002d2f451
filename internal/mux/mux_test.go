//go:build linux

package mux

import (
	"net"
	"testing"
	"time"
)

// openUDPFd opens a loopback UDP socket and returns its raw descriptor. The
// returned os.File (and the fd it owns) stays alive for the caller's use;
// closing conn would also close the fd, so we detach via File() and let the
// caller manage the *os.File's lifetime instead.
func openUDPFd(t *testing.T) (fd int, addr *net.UDPAddr, closeFn func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	f, err := conn.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	return int(f.Fd()), conn.LocalAddr().(*net.UDPAddr), func() {
		_ = f.Close()
		_ = conn.Close()
	}
}

func testBackend(t *testing.T, backend string) {
	t.Helper()
	fd, addr, closeFn := openUDPFd(t)
	defer closeFn()

	m, err := New(backend, []int{fd})
	if err != nil {
		t.Fatalf("New(%s): %v", backend, err)
	}
	defer m.Close()

	// Nothing sent yet: a short timeout should report no work, not an error.
	ready, err := m.WaitReady(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("WaitReady (idle): %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready fds before any send, got %v", ready)
	}

	sender, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()
	if _, err := sender.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ready, err = m.WaitReady(2 * time.Second)
	if err != nil {
		t.Fatalf("WaitReady (after send): %v", err)
	}
	if len(ready) != 1 || ready[0] != fd {
		t.Fatalf("expected [%d] ready, got %v", fd, ready)
	}
}

func TestSelect_ReadyAfterSend(t *testing.T) { testBackend(t, BackendSelect) }
func TestPoll_ReadyAfterSend(t *testing.T)   { testBackend(t, BackendPoll) }
func TestEpoll_ReadyAfterSend(t *testing.T)  { testBackend(t, BackendEpoll) }

func TestDirect_AlwaysReadyImmediately(t *testing.T) {
	fd, _, closeFn := openUDPFd(t)
	defer closeFn()
	m, err := New(BackendDirect, []int{fd})
	if err != nil {
		t.Fatalf("New(direct): %v", err)
	}
	defer m.Close()
	ready, err := m.WaitReady(time.Millisecond)
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if len(ready) != 1 || ready[0] != fd {
		t.Fatalf("expected direct backend to report [%d] immediately, got %v", fd, ready)
	}
}

func TestDirect_RejectsMultipleDescriptors(t *testing.T) {
	if _, err := New(BackendDirect, []int{1, 2}); err == nil {
		t.Fatalf("expected error for direct backend with >1 descriptor")
	}
}

func TestResolveBackendName_Aliases(t *testing.T) {
	cases := map[string]string{"s": BackendSelect, "p": BackendPoll, "e": BackendEpoll}
	for alias, want := range cases {
		got, err := ResolveBackendName(alias)
		if err != nil {
			t.Fatalf("ResolveBackendName(%q): %v", alias, err)
		}
		if got != want {
			t.Fatalf("ResolveBackendName(%q) = %q, want %q", alias, got, want)
		}
	}
}
