// Package config implements the CLI surface: flag parsing, UDPBENCH_*
// environment overrides (applied only when the corresponding flag was not
// explicitly set), and semantic validation. It does not open sockets or
// files — only checks values/ranges, mirroring the teacher's config.go.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role identifies which of the three engines to run.
type Role int

const (
	RoleNone Role = iota
	RoleClient
	RoleServer
	RoleBridge
)

// Config holds the fully parsed and validated CLI surface described in
// spec section 6.
type Config struct {
	Role Role

	IP   string
	Port int

	MsgSize int
	Range   int

	BurstSize int
	Duration  time.Duration // -t, seconds, max 36000000s

	ListFile string

	Backend string // -F

	ActivityDotEvery  int // -a
	ActivityLineEvery int // -A

	SpikesK int // -I

	Stream bool // -k

	RxMcIf string // --rx_mc_if
	TxMcIf string // --tx_mc_if

	TimeoutMs int // --timeout, -1 = infinite

	ThreadsNum int // --threads-num

	CycleDuration time.Duration // --cycle_duration, usec resolution on the flag

	UDPBufferSize int // --udp-buffer-size

	DataIntegrity bool // --data_integrity

	Daemonize bool // --daemonize

	NonBlocked bool // --nonblocked

	DontWarmup bool // --dontwarmup

	PreWarmupWait time.Duration // --pre_warmup_wait

	McLoopbackDisable bool // --mc_loopback_disable

	SrvNum int // --srv_num

	ForceUnicastReply bool // --force_unicast_reply

	// Ambient additions, not in the original CLI surface.
	MetricsAddr string
	LogFormat   string
	LogLevel    string
}

// Parse parses os.Args[1:], applies environment overrides, validates the
// result, and returns the Config. showVersion is true when -version (or
// --version) was passed, in which case Config may be incomplete/invalid
// and the caller should print version info and exit before using it.
func Parse(args []string) (cfg *Config, showVersion bool, err error) {
	fs := flag.NewFlagSet("udpbench", flag.ContinueOnError)

	c := RoleFlags{}
	fs.BoolVar(&c.client, "c", false, "Run as client")
	fs.BoolVar(&c.server, "s", false, "Run as server")
	fs.BoolVar(&c.bridge, "B", false, "Run as bridge")

	ip := fs.String("i", "", "Destination IP address")
	port := fs.Int("p", 0, "Destination port")
	msgSize := fs.Int("m", 64, "Message size in bytes (min 2, max 65506)")
	rng := fs.Int("r", 0, "Randomize message size within +/- range")
	burst := fs.Int("b", 1, "Burst size")
	durationSec := fs.Int("t", 1, "Test duration in seconds (max 36000000)")
	listFile := fs.String("f", "", "Socket list file (ip:port per line)")
	backend := fs.String("F", "epoll", "Readiness backend: s|p|e|select|poll|epoll")
	activityDot := fs.Int("a", 0, "Print a dot every N packets")
	activityLine := fs.Int("A", 0, "Print a detailed activity line every N packets")
	spikesK := fs.Int("I", 0, "Track the top K latency spikes (0 disables)")
	stream := fs.Bool("k", false, "Stream mode: send-only, no echo/latency")
	rxMcIf := fs.String("rx_mc_if", "", "Multicast rx interface address")
	txMcIf := fs.String("tx_mc_if", "", "Multicast tx interface address")
	timeoutMs := fs.Int("timeout", 10, "Readiness wait timeout in ms (-1 = infinite)")
	threadsNum := fs.Int("threads-num", 1, "Number of server dispatcher worker threads")
	cycleDurationUsec := fs.Int64("cycle_duration", 0, "Client cycle duration in microseconds (0 disables cycle pacing)")
	udpBufferSize := fs.Int("udp-buffer-size", 0, "SO_RCVBUF/SO_SNDBUF size in bytes (0 = OS default)")
	dataIntegrity := fs.Bool("data_integrity", false, "Enable strict data-integrity verification")
	daemonize := fs.Bool("daemonize", false, "Daemonize the process")
	nonblocked := fs.Bool("nonblocked", false, "Open sockets in non-blocking mode")
	dontwarmup := fs.Bool("dontwarmup", false, "Skip the warmup phase")
	preWarmupWaitMs := fs.Int("pre_warmup_wait", 0, "Milliseconds to wait before warmup")
	mcLoopbackDisable := fs.Bool("mc_loopback_disable", false, "Disable multicast loopback")
	srvNum := fs.Int("srv_num", 1, "Number of server replies expected per sent datagram")
	forceUnicastReply := fs.Bool("force_unicast_reply", false, "Force unicast reply even for multicast-bound sockets")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics HTTP listen address (empty disables)")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	version := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	cfg = &Config{
		Role:              c.role(),
		IP:                *ip,
		Port:              *port,
		MsgSize:           *msgSize,
		Range:             *rng,
		BurstSize:         *burst,
		Duration:          time.Duration(*durationSec) * time.Second,
		ListFile:          *listFile,
		Backend:           *backend,
		ActivityDotEvery:  *activityDot,
		ActivityLineEvery: *activityLine,
		SpikesK:           *spikesK,
		Stream:            *stream,
		RxMcIf:            *rxMcIf,
		TxMcIf:            *txMcIf,
		TimeoutMs:         *timeoutMs,
		ThreadsNum:        *threadsNum,
		CycleDuration:     time.Duration(*cycleDurationUsec) * time.Microsecond,
		UDPBufferSize:     *udpBufferSize,
		DataIntegrity:     *dataIntegrity,
		Daemonize:         *daemonize,
		NonBlocked:        *nonblocked,
		DontWarmup:        *dontwarmup,
		PreWarmupWait:     time.Duration(*preWarmupWaitMs) * time.Millisecond,
		McLoopbackDisable: *mcLoopbackDisable,
		SrvNum:            *srvNum,
		ForceUnicastReply: *forceUnicastReply,
		MetricsAddr:       *metricsAddr,
		LogFormat:         *logFormat,
		LogLevel:          *logLevel,
	}

	if *version {
		return cfg, true, nil
	}

	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// RoleFlags tracks the three mutually-exclusive role flags before they are
// collapsed into a single Role.
type RoleFlags struct {
	client, server, bridge bool
}

func (r RoleFlags) role() Role {
	switch {
	case r.client:
		return RoleClient
	case r.server:
		return RoleServer
	case r.bridge:
		return RoleBridge
	default:
		return RoleNone
	}
}

// Validate performs semantic validation of the parsed configuration. It
// does not attempt to open sockets or files.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.Role {
	case RoleClient, RoleServer, RoleBridge:
	default:
		return errors.New("exactly one of -c, -s, -B must be given")
	}
	if c.ListFile == "" {
		if c.IP == "" {
			return errors.New("-i is required when -f is not given")
		}
		addr := net.ParseIP(c.IP)
		if addr == nil || addr.To4() == nil {
			return fmt.Errorf("invalid -i address: %q (must be IPv4)", c.IP)
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("-p must be in (0, 65535], got %d", c.Port)
		}
	}
	if c.MsgSize < 2 || c.MsgSize > 65506 {
		return fmt.Errorf("-m must be in [2, 65506], got %d", c.MsgSize)
	}
	if c.Range < 0 {
		return fmt.Errorf("-r must be >= 0, got %d", c.Range)
	}
	if c.Range > 0 && c.MsgSize-c.Range < 2 {
		return fmt.Errorf("-r %d makes the minimum message size fall below 2 (base -m %d)", c.Range, c.MsgSize)
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("-b must be > 0, got %d", c.BurstSize)
	}
	if c.Duration <= 0 || c.Duration > 36000000*time.Second {
		return fmt.Errorf("-t must be in (0, 36000000] seconds")
	}
	if _, err := resolveBackendAlias(c.Backend); err != nil {
		return err
	}
	if c.ActivityDotEvery < 0 || c.ActivityLineEvery < 0 {
		return errors.New("-a/-A must be >= 0")
	}
	if c.SpikesK < 0 {
		return errors.New("-I must be >= 0")
	}
	if c.TimeoutMs < -1 {
		return errors.New("--timeout must be >= -1")
	}
	if c.ThreadsNum <= 0 {
		return fmt.Errorf("--threads-num must be > 0, got %d", c.ThreadsNum)
	}
	if c.Role == RoleServer && c.ThreadsNum > 1 && c.ListFile == "" {
		return errors.New("--threads-num > 1 requires a socket list file (-f)")
	}
	if c.CycleDuration < 0 {
		return errors.New("--cycle_duration must be >= 0")
	}
	if c.UDPBufferSize < 0 {
		return errors.New("--udp-buffer-size must be >= 0")
	}
	if c.SrvNum <= 0 {
		return fmt.Errorf("--srv_num must be > 0, got %d", c.SrvNum)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	return nil
}

func resolveBackendAlias(name string) (string, error) {
	switch name {
	case "s", "select", "p", "poll", "e", "epoll":
		return name, nil
	default:
		return "", fmt.Errorf("invalid -F backend: %q (use s|p|e|select|poll|epoll)", name)
	}
}

// applyEnvOverrides maps UDPBENCH_* environment variables onto c, unless
// the corresponding flag was explicitly set (flag wins over env).
func applyEnvOverrides(c *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setIfUnset := func(flagName, envName string, apply func(string) error) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(envName)
		if !ok || v == "" {
			return
		}
		if err := apply(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName, err)
		}
	}
	atoi := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				return fmt.Errorf("invalid boolean %q", v)
			}
			return nil
		}
	}

	setIfUnset("i", "UDPBENCH_IP", str(&c.IP))
	setIfUnset("p", "UDPBENCH_PORT", atoi(&c.Port))
	setIfUnset("m", "UDPBENCH_MSG_SIZE", atoi(&c.MsgSize))
	setIfUnset("b", "UDPBENCH_BURST", atoi(&c.BurstSize))
	setIfUnset("F", "UDPBENCH_READINESS", str(&c.Backend))
	setIfUnset("threads-num", "UDPBENCH_THREADS", atoi(&c.ThreadsNum))
	setIfUnset("data_integrity", "UDPBENCH_DATA_INTEGRITY", boolean(&c.DataIntegrity))
	setIfUnset("log-format", "UDPBENCH_LOG_FORMAT", str(&c.LogFormat))
	setIfUnset("log-level", "UDPBENCH_LOG_LEVEL", str(&c.LogLevel))
	setIfUnset("metrics-addr", "UDPBENCH_METRICS", str(&c.MetricsAddr))

	return firstErr
}
