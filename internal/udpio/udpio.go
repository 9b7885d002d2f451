// Package udpio wraps the raw recvfrom/sendto syscalls the role engines
// need on top of the fds sockset.Build hands out: direct access to the
// peer address (for the server's unicast reply policy) that net.UDPConn
// does not expose alongside a fan-in'd raw descriptor.
package udpio

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// RecvFrom reads one datagram from fd into buf. EAGAIN and EINTR are
// reported as (0, nil, nil) so callers treat them as "nothing to do this
// round" and re-poll, per spec section 4.2's transient-I/O policy.
func RecvFrom(fd int, buf []byte) (n int, from *net.UDPAddr, err error) {
	nn, sa, rerr := unix.Recvfrom(fd, buf, 0)
	if rerr != nil {
		if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EINTR) {
			return 0, nil, nil
		}
		return 0, nil, rerr
	}
	addr := sockaddrToUDPAddr(sa)
	return nn, addr, nil
}

// SendTo writes buf to to via fd. EINTR is benign and the send is retried
// immediately, as many times as it recurs; any other error is fatal per
// spec section 4.2.
func SendTo(fd int, buf []byte, to *net.UDPAddr) error {
	sa := &unix.SockaddrInet4{Port: to.Port}
	ip4 := to.IP.To4()
	if ip4 == nil {
		return errFamily
	}
	sa.Addr = [4]byte(ip4)
	for {
		err := unix.Sendto(fd, buf, 0, sa)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

var errFamily = errors.New("udpio: destination is not an IPv4 address")

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil
	}
	ip := make(net.IP, 4)
	copy(ip, sa4.Addr[:])
	return &net.UDPAddr{IP: ip, Port: sa4.Port}
}
