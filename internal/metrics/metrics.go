// Package metrics exposes Prometheus counters/gauges for the benchmark and
// an optional HTTP endpoint serving them. This is additive telemetry — the
// benchmark's primary output remains the stdout summary each role prints on
// clean termination.
package metrics

import (
	"net/http"
	"sync"

	"github.com/kstaniek/udpbench/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	ClientSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_packets_sent_total",
		Help: "Total datagrams sent by the client role.",
	})
	ClientMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_packets_matched_total",
		Help: "Total matched echo replies received by the client role.",
	})
	ClientDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_duplicates_total",
		Help: "Total duplicate/out-of-sequence replies discarded by the client.",
	})
	ServerEchoed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "server_packets_echoed_total",
		Help: "Total datagrams received and echoed back by the server role.",
	})
	ServerDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "server_packets_discarded_total",
		Help: "Total datagrams discarded by the server due to mask mismatch.",
	})
	BridgeForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_packets_forwarded_total",
		Help: "Total datagrams forwarded unmodified by the bridge role.",
	})
	IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integrity_failures_total",
		Help: "Total datagrams that failed the pattern integrity check.",
	})
	WorkerPacketCounter = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_worker_packets",
		Help: "Per-worker packet counter in the multithreaded dispatcher.",
	}, []string{"worker"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSocketSetup    = "socket_setup"
	ErrSend           = "send"
	ErrReceive        = "receive"
	ErrMuxWait        = "mux_wait"
	ErrIntegrity      = "integrity"
	ErrSocketListFile = "socket_list_file"
)

// StartHTTP serves Prometheus metrics at /metrics.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

func IncClientSent() { ClientSent.Inc() }

func IncClientMatched() { ClientMatched.Inc() }

func IncClientDuplicate() { ClientDuplicates.Inc() }

func IncServerEchoed() { ServerEchoed.Inc() }

func IncServerDiscarded() { ServerDiscarded.Inc() }

func IncBridgeForwarded() { BridgeForwarded.Inc() }

func IncIntegrityFailure() { IntegrityFailures.Inc() }

func SetWorkerPackets(worker string, n uint64) {
	WorkerPacketCounter.WithLabelValues(worker).Set(float64(n))
}

func IncError(label string) { Errors.WithLabelValues(label).Inc() }

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrSocketSetup, ErrSend, ErrReceive, ErrMuxWait, ErrIntegrity, ErrSocketListFile} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
