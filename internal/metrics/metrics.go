package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mdtunnel/udptunnel/internal/logging"
)

// Prometheus counters
var (
	DatagramsIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_rx_datagrams_total",
		Help: "Total datagrams received on the UDP socket.",
	})
	DatagramsOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_tx_datagrams_total",
		Help: "Total datagrams sent on the UDP socket.",
	})
	FramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total frames parsed from the TCP stream.",
	})
	FramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total frames written to the TCP stream.",
	})
	BytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_rx_bytes_total",
		Help: "Total payload bytes received on the UDP socket.",
	})
	BytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_tx_bytes_total",
		Help: "Total payload bytes sent on the UDP socket.",
	})
	AcceptedConns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_accepted_connections_total",
		Help: "Total TCP connections accepted by the server.",
	})
	HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handshake_failures_total",
		Help: "Total connections rejected for a bad handshake token.",
	})
	DroppedNoPeer = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dropped_no_peer_frames_total",
		Help: "Total frames dropped because no UDP peer address is known yet.",
	})
	RefusedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refused_datagram_sends_total",
		Help: "Total UDP sends that returned ECONNREFUSED and were ignored.",
	})
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_active_workers",
		Help: "Current number of live tunnel worker processes.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrUDPRead   = "udp_read"
	ErrUDPWrite  = "udp_write"
	ErrHandshake = "handshake"
	ErrAccept    = "accept"
	ErrSpawn     = "spawn"
)

// Wrapper helpers to keep call sites simple.
func IncDatagramsIn(bytes int) {
	DatagramsIn.Inc()
	BytesIn.Add(float64(bytes))
}

func IncDatagramsOut(bytes int) {
	DatagramsOut.Inc()
	BytesOut.Add(float64(bytes))
}

func IncFramesIn()  { FramesIn.Inc() }
func IncFramesOut() { FramesOut.Inc() }

func IncAccepted()      { AcceptedConns.Inc() }
func IncHandshakeFail() { HandshakeFailures.Inc() }
func IncDroppedNoPeer() { DroppedNoPeer.Inc() }
func IncRefusedSend()   { RefusedSends.Inc() }

func IncError(label string) { Errors.WithLabelValues(label).Inc() }

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
