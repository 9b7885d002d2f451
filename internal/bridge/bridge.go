// Package bridge implements the bridge role (spec section 4.8): receive
// multicast traffic on the rx-interface socket and forward it unmodified
// to the tx-interface multicast group. The bridge shares the server's
// readiness-loop skeleton but never inspects or rewrites the payload, and
// it does not contribute to latency statistics.
package bridge

import (
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/udpbench/internal/engine"
	"github.com/kstaniek/udpbench/internal/metrics"
	"github.com/kstaniek/udpbench/internal/mux"
	"github.com/kstaniek/udpbench/internal/udpio"
)

// Bridge forwards datagrams from one rx socket to a fixed tx destination.
type Bridge struct {
	RxFD    int
	TxFD    int
	TxAddr  *net.UDPAddr
	Mux     mux.Multiplexer
	Timeout time.Duration
	Logger  *slog.Logger

	buf []byte
}

// New constructs a Bridge. rxFD and txFD may be the same descriptor when a
// single multicast-joined socket is used for both directions; txAddr is
// the tx-interface's multicast group destination.
func New(rxFD, txFD int, txAddr *net.UDPAddr, m mux.Multiplexer, timeout time.Duration, msgSize int, logger *slog.Logger) *Bridge {
	return &Bridge{
		RxFD:    rxFD,
		TxFD:    txFD,
		TxAddr:  txAddr,
		Mux:     m,
		Timeout: timeout,
		Logger:  logger,
		buf:     make([]byte, msgSize),
	}
}

// Run loops the receive-then-forward cycle until ctx is terminated.
// Cleanup always runs regardless of how the loop exits (v2 ordering, spec
// section 9).
func (b *Bridge) Run(ctx *engine.Context) error {
	defer func() { _ = b.Mux.Close() }()
	for {
		if ctx.Terminated() {
			return nil
		}
		ready, err := b.Mux.WaitReady(b.Timeout)
		if err != nil {
			metrics.IncError(metrics.ErrMuxWait)
			return err
		}
		for _, fd := range ready {
			if ctx.Terminated() {
				return nil
			}
			b.forwardOne(ctx, fd)
		}
	}
}

func (b *Bridge) forwardOne(ctx *engine.Context, fd int) {
	n, from, err := udpio.RecvFrom(fd, b.buf)
	if err != nil {
		metrics.IncError(metrics.ErrReceive)
		b.Logger.Error("recv_error", "error", err, "fd", fd)
		return
	}
	if n == 0 || from == nil {
		return
	}
	if err := udpio.SendTo(b.TxFD, b.buf[:n], b.TxAddr); err != nil {
		metrics.IncError(metrics.ErrSend)
		b.Logger.Error("send_error", "error", err, "fd", b.TxFD)
		return
	}
	metrics.IncBridgeForwarded()
	ctx.PacketCounter.Add(1)
}
