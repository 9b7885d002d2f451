// Command udpbench is a UDP latency and throughput benchmark with three
// roles: client, server, and bridge, coordinated over unicast and
// multicast datagram flows.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/udpbench/internal/bridge"
	"github.com/kstaniek/udpbench/internal/client"
	"github.com/kstaniek/udpbench/internal/config"
	"github.com/kstaniek/udpbench/internal/cycle"
	"github.com/kstaniek/udpbench/internal/dispatch"
	"github.com/kstaniek/udpbench/internal/engine"
	"github.com/kstaniek/udpbench/internal/exitcode"
	"github.com/kstaniek/udpbench/internal/latency"
	"github.com/kstaniek/udpbench/internal/metrics"
	"github.com/kstaniek/udpbench/internal/mux"
	"github.com/kstaniek/udpbench/internal/server"
	"github.com/kstaniek/udpbench/internal/sockset"
	"github.com/kstaniek/udpbench/internal/wire"
)

// patternSeed is fixed so that repeated runs produce byte-for-byte
// identical reference payloads (spec section 4.4).
const patternSeed = 1

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, showVersion, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitcode.Usage
	}
	if showVersion {
		fmt.Printf("udpbench %s (commit %s, built %s)\n", version, commit, date)
		return exitcode.OK
	}

	logger := setupLogger(cfg.LogFormat, cfg.LogLevel)

	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = httpSrv.Close() }()
	}

	addrs, code, err := resolveAddrs(cfg)
	if err != nil {
		logger.Error("socket_list_error", "error", err)
		metrics.IncError(metrics.ErrSocketListFile)
		return code
	}

	set, err := sockset.Build(addrs, buildOptions(cfg))
	if err != nil {
		logger.Error("socket_setup_error", "error", err)
		metrics.IncError(metrics.ErrSocketSetup)
		return exitcode.Usage
	}
	defer set.Close()

	metrics.SetReadinessFunc(func() bool { return true })

	backend, err := mux.ResolveBackendName(cfg.Backend)
	if err != nil {
		logger.Error("backend_error", "error", err)
		return exitcode.Usage
	}

	bufSize := cfg.MsgSize + cfg.Range
	pattern := wire.NewPattern(bufSize, patternSeed)

	ctx, stop := engine.New(engine.WithLogger(logger), engine.WithPattern(pattern, cfg.MsgSize))
	defer stop()
	if timer := ctx.WithDuration(cfg.Duration); timer != nil {
		defer timer.Stop()
	}

	timeout := muxTimeout(cfg.TimeoutMs)

	switch cfg.Role {
	case config.RoleClient:
		return runClient(cfg, set, backend, timeout, pattern, logger, ctx)
	case config.RoleServer:
		return runServer(cfg, set, backend, timeout, logger, ctx)
	case config.RoleBridge:
		return runBridge(cfg, set, backend, timeout, logger, ctx)
	default:
		fmt.Fprintln(os.Stderr, "exactly one of -c, -s, -B must be given")
		return exitcode.Usage
	}
}

// muxTimeout converts the CLI's millisecond timeout (-1 = infinite, 0 =
// immediate non-blocking poll) into the Duration the mux package expects
// (negative = infinite, 0 = immediate).
func muxTimeout(timeoutMs int) time.Duration {
	if timeoutMs < 0 {
		return -1
	}
	return time.Duration(timeoutMs) * time.Millisecond
}

func runClient(cfg *config.Config, set *sockset.Set, backend string, timeout time.Duration, pattern *wire.Pattern, logger *slog.Logger, ctx *engine.Context) int {
	cyc := cycle.NewState(cfg.CycleDuration)
	pipe := latency.NewPipeline(cfg.SpikesK)

	ccfg := client.Config{
		Backend:       backend,
		Timeout:       timeout,
		MsgSize:       cfg.MsgSize,
		RangeSize:     cfg.Range,
		BurstSize:     cfg.BurstSize,
		Stream:        cfg.Stream,
		SrvNum:        cfg.SrvNum,
		DataIntegrity: cfg.DataIntegrity,
		Seed:          patternSeed,
		DontWarmup:    cfg.DontWarmup,
		PreWarmupWait: cfg.PreWarmupWait,
	}
	c, err := client.New(set, ccfg, cyc, pipe, pattern, ctx.Logger)
	if err != nil {
		logger.Error("client_init_error", "error", err)
		return exitcode.Usage
	}
	c.Warmup(ctx)
	if err := c.Run(ctx); err != nil {
		logger.Error("client_run_error", "error", err)
		printClientSummary(cfg, c.BuildSummary(ctx), pipe)
		return exitcode.Usage
	}

	summary := c.BuildSummary(ctx)
	printClientSummary(cfg, summary, pipe)
	if cfg.DataIntegrity && summary.IntegrityFailures > 0 {
		return exitcode.DataIntegrity
	}
	return exitcode.OK
}

func runServer(cfg *config.Config, set *sockset.Set, backend string, timeout time.Duration, logger *slog.Logger, ctx *engine.Context) int {
	if cfg.ThreadsNum > 1 {
		d, err := dispatch.New(set, cfg.ThreadsNum, backend, timeout, cfg.MsgSize, dispatch.ServerOptions{
			ForceUnicastReply: cfg.ForceUnicastReply,
			McLoopbackDisable: cfg.McLoopbackDisable,
			ActivityDotEvery:  cfg.ActivityDotEvery,
			ActivityLineEvery: cfg.ActivityLineEvery,
		}, ctx.Logger)
		if err != nil {
			logger.Error("dispatch_init_error", "error", err)
			return exitcode.Usage
		}
		if err := d.Run(ctx); err != nil {
			logger.Error("dispatch_run_error", "error", err)
			return exitcode.Usage
		}
		fmt.Printf("Total packets echoed across %d workers: %d\n", len(d.Workers), d.TotalPackets())
		return exitcode.OK
	}

	m, err := mux.New(backend, allFDs(set))
	if err != nil {
		logger.Error("mux_init_error", "error", err)
		return exitcode.Usage
	}
	srv := server.New(set, m, timeout, cfg.MsgSize, ctx.Logger)
	srv.ForceUnicastReply = cfg.ForceUnicastReply
	srv.McLoopbackDisable = cfg.McLoopbackDisable
	srv.ActivityDotEvery = cfg.ActivityDotEvery
	srv.ActivityLineEvery = cfg.ActivityLineEvery
	if err := srv.Run(ctx); err != nil {
		logger.Error("server_run_error", "error", err)
		return exitcode.Usage
	}
	fmt.Printf("Packets echoed: %d\n", ctx.PacketCounter.Load())
	return exitcode.OK
}

func runBridge(cfg *config.Config, set *sockset.Set, backend string, timeout time.Duration, logger *slog.Logger, ctx *engine.Context) int {
	fds := allFDs(set)
	m, err := mux.New(backend, fds)
	if err != nil {
		logger.Error("mux_init_error", "error", err)
		return exitcode.Usage
	}
	// Egress interface selection (--tx_mc_if) is applied at the socket
	// level via IP_MULTICAST_IF in sockset.Build; the destination group
	// address itself, bound at socket-open time, is unchanged here.
	rxFD := fds[0]
	entry := set.Get(rxFD)
	br := bridge.New(rxFD, rxFD, entry.Addr, m, timeout, cfg.MsgSize, ctx.Logger)
	if err := br.Run(ctx); err != nil {
		logger.Error("bridge_run_error", "error", err)
		return exitcode.Usage
	}
	fmt.Printf("Packets forwarded: %d\n", ctx.PacketCounter.Load())
	return exitcode.OK
}

func allFDs(set *sockset.Set) []int {
	fds := make([]int, 0, set.Count)
	for fd := range set.Entries() {
		fds = append(fds, fd)
	}
	return fds
}
