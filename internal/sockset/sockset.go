// Package sockset builds and owns the table of UDP sockets a role operates
// over: the SocketEntry/SocketSet data model from the spec's data model
// section, including the circular "next" rotation link the client uses to
// fan out across sockets.
package sockset

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Entry is one open UDP socket and its associated addressing state. Fields
// other than Next are immutable after construction; Next is fixed once the
// final rotation loop is closed in Build.
type Entry struct {
	FD          int
	Addr        *net.UDPAddr
	IsMulticast bool
	Next        int // descriptor of the next entry in rotation order
}

// Set is a sparse descriptor -> Entry table plus the (FDMin, FDMax, Count)
// triple used by the multithreaded dispatcher to carve worker partitions.
type Set struct {
	entries map[int]*Entry
	FDMin   int
	FDMax   int
	Count   int
}

// Entries exposes the underlying map for iteration (read-only use expected;
// only Build and Close mutate it).
func (s *Set) Entries() map[int]*Entry { return s.entries }

// Get returns the entry for fd, or nil if fd is not part of the set.
func (s *Set) Get(fd int) *Entry { return s.entries[fd] }

// Options configures socket construction. Zero value is the minimal
// unicast, blocking, default-buffer configuration.
type Options struct {
	NonBlocking     bool
	RecvBufSize     int // 0 = OS default
	SendBufSize     int // 0 = OS default
	RxInterface     net.IP
	TxInterface     net.IP
	DisableLoopback bool
	// SendOnly skips multicast group membership (IP_ADD_MEMBERSHIP) for a
	// send-only stream client that never expects inbound multicast traffic.
	SendOnly bool
}

// Build creates one UDP socket per address in addrs, binds each to
// INADDR_ANY:port, joins multicast groups as needed, and threads the
// resulting entries into a single rotation cycle so that the last entry's
// Next equals FDMin. Any socket-layer failure during construction is
// fatal: partially-constructed sockets are closed before returning the
// error, since a degraded set cannot produce meaningful benchmark numbers.
func Build(addrs []*net.UDPAddr, opts Options) (*Set, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("sockset: no addresses supplied")
	}
	s := &Set{entries: make(map[int]*Entry, len(addrs))}
	var order []int
	for _, addr := range addrs {
		fd, err := openOne(addr, opts)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.entries[fd] = &Entry{FD: fd, Addr: addr, IsMulticast: addr.IP.IsMulticast()}
		order = append(order, fd)
		if s.Count == 0 || fd < s.FDMin {
			s.FDMin = fd
		}
		if fd > s.FDMax {
			s.FDMax = fd
		}
		s.Count++
	}
	for i, fd := range order {
		next := order[(i+1)%len(order)]
		s.entries[fd].Next = next
	}
	return s, nil
}

func (s *Set) closeAll() {
	for fd := range s.entries {
		_ = unix.Close(fd)
	}
}

// Close releases every socket in the set.
func (s *Set) Close() { s.closeAll() }

func openOne(addr *net.UDPAddr, opts Options) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("sockset: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("sockset: SO_REUSEADDR: %w", err)
	}
	if opts.NonBlocking {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("sockset: set nonblocking: %w", err)
		}
	}
	if opts.RecvBufSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBufSize); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("sockset: SO_RCVBUF: %w", err)
		}
	}
	if opts.SendBufSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBufSize); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("sockset: SO_SNDBUF: %w", err)
		}
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("sockset: bind(:%d): %w", addr.Port, err)
	}
	if addr.IP.IsMulticast() {
		if err := joinMulticast(fd, addr.IP, opts); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

func joinMulticast(fd int, group net.IP, opts Options) error {
	groupV4 := group.To4()
	if groupV4 == nil {
		return fmt.Errorf("sockset: multicast group %s is not IPv4", group)
	}
	if !opts.SendOnly {
		var rxIface [4]byte
		if opts.RxInterface != nil {
			if v4 := opts.RxInterface.To4(); v4 != nil {
				rxIface = [4]byte(v4)
			}
		}
		mreq := &unix.IPMreq{Multiaddr: [4]byte(groupV4), Interface: rxIface}
		if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			return fmt.Errorf("sockset: IP_ADD_MEMBERSHIP %s: %w", group, err)
		}
	}
	if opts.TxInterface != nil {
		if v4 := opts.TxInterface.To4(); v4 != nil {
			if err := unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, [4]byte(v4)); err != nil {
				return fmt.Errorf("sockset: IP_MULTICAST_IF: %w", err)
			}
		}
	}
	if opts.DisableLoopback {
		if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 0); err != nil {
			return fmt.Errorf("sockset: IP_MULTICAST_LOOP: %w", err)
		}
	}
	return nil
}
