// Package metrics provides Prometheus metrics for the proxy core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "proxycore"
)

// Metrics contains all Prometheus metrics for the proxy core.
type Metrics struct {
	// Poller metrics
	PollerRounds      prometheus.Counter
	PollerRescans     prometheus.Counter
	PollerWaitLatency prometheus.Histogram
	PollerErrors      *prometheus.CounterVec

	// CX lifecycle metrics
	CXOpen      *prometheus.GaugeVec
	CXOpened    *prometheus.CounterVec
	CXClosed    *prometheus.CounterVec
	CXReadBytes *prometheus.CounterVec
	CXWriteBytes *prometheus.CounterVec
	CXReadOps   *prometheus.CounterVec
	CXWriteOps  *prometheus.CounterVec

	// Proxy round / backpressure metrics
	ProxyRounds        prometheus.Counter
	ProxyBottleneck    *prometheus.GaugeVec
	ProxyAccepts       prometheus.Counter
	ProxyDelayedAccept prometheus.Gauge

	// Receiver / worker pool metrics
	WorkerAccepts   prometheus.Counter
	WorkerQueueFull prometheus.Counter
	WorkerActive    prometheus.Gauge

	// Certificate factory metrics
	CertMints     prometheus.Counter
	CertCacheHits prometheus.Counter
	CertCacheMiss prometheus.Counter
	OCSPCacheHits prometheus.Counter
	OCSPCacheMiss prometheus.Counter

	// TLS handshake metrics
	TLSHandshakes     *prometheus.CounterVec
	TLSHandshakeTime  prometheus.Histogram
	TLSClientHelloSNI prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, for tests or for embedding multiple cores in one process.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PollerRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poller_rounds_total",
			Help:      "Total number of poller wait/dispatch rounds.",
		}),
		PollerRescans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poller_rescans_total",
			Help:      "Total number of deferred rescan-in/rescan-out sweeps.",
		}),
		PollerWaitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poller_wait_latency_seconds",
			Help:      "Histogram of time spent blocked in the readiness wait call.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		PollerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poller_errors_total",
			Help:      "Total poller errors by kind.",
		}, []string{"kind"}),

		CXOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cx_open",
			Help:      "Number of open host contexts by side.",
		}, []string{"side"}),
		CXOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cx_opened_total",
			Help:      "Total host contexts opened by side.",
		}, []string{"side"}),
		CXClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cx_closed_total",
			Help:      "Total host contexts closed by side and reason.",
		}, []string{"side", "reason"}),
		CXReadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cx_read_bytes_total",
			Help:      "Total bytes read into a host context buffer by side.",
		}, []string{"side"}),
		CXWriteBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cx_write_bytes_total",
			Help:      "Total bytes flushed out of a host context buffer by side.",
		}, []string{"side"}),
		CXReadOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cx_read_ops_total",
			Help:      "Total read syscalls issued against a host context by side.",
		}, []string{"side"}),
		CXWriteOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cx_write_ops_total",
			Help:      "Total write syscalls issued against a host context by side.",
		}, []string{"side"}),

		ProxyRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_rounds_total",
			Help:      "Total base proxy processing rounds.",
		}),
		ProxyBottleneck: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_bottleneck",
			Help:      "1 when write backpressure is currently paused on a side, 0 otherwise.",
		}, []string{"side"}),
		ProxyAccepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_accepts_total",
			Help:      "Total connections accepted onto the accepted-CX list.",
		}),
		ProxyDelayedAccept: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_delayed_accept",
			Help:      "Current size of the delayed-accept queue.",
		}),

		WorkerAccepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_accepts_total",
			Help:      "Total fds handed off from the threaded receiver to a worker proxy.",
		}),
		WorkerQueueFull: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_queue_full_total",
			Help:      "Total times a worker's hand-off queue was full and the fd was dropped or stalled.",
		}),
		WorkerActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_active",
			Help:      "Number of running worker proxies.",
		}),

		CertMints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cert_mints_total",
			Help:      "Total spoofed leaf certificates minted by the certificate factory.",
		}),
		CertCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cert_cache_hits_total",
			Help:      "Total certificate factory LRU cache hits keyed by store key.",
		}),
		CertCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cert_cache_misses_total",
			Help:      "Total certificate factory LRU cache misses keyed by store key.",
		}),
		OCSPCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocsp_cache_hits_total",
			Help:      "Total OCSP response cache hits.",
		}),
		OCSPCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocsp_cache_misses_total",
			Help:      "Total OCSP response cache misses.",
		}),

		TLSHandshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshakes_total",
			Help:      "Total TLS handshakes attempted by outcome.",
		}, []string{"outcome"}),
		TLSHandshakeTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tls_handshake_seconds",
			Help:      "Histogram of TLS handshake completion latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		TLSClientHelloSNI: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_clienthello_sni_total",
			Help:      "Total ClientHellos successfully pre-peeked for SNI before handshake.",
		}),
	}
}

// RecordPollerRound records one readiness-wait/dispatch round.
func (m *Metrics) RecordPollerRound(waitSeconds float64) {
	m.PollerRounds.Inc()
	m.PollerWaitLatency.Observe(waitSeconds)
}

// RecordPollerRescan records a deferred rescan sweep.
func (m *Metrics) RecordPollerRescan() {
	m.PollerRescans.Inc()
}

// RecordPollerError records a poller error by kind ("wait", "ctl", "hint").
func (m *Metrics) RecordPollerError(kind string) {
	m.PollerErrors.WithLabelValues(kind).Inc()
}

// RecordCXOpen records a host context being opened on the given side.
func (m *Metrics) RecordCXOpen(side string) {
	m.CXOpen.WithLabelValues(side).Inc()
	m.CXOpened.WithLabelValues(side).Inc()
}

// RecordCXClose records a host context being closed on the given side.
func (m *Metrics) RecordCXClose(side, reason string) {
	m.CXOpen.WithLabelValues(side).Dec()
	m.CXClosed.WithLabelValues(side, reason).Inc()
}

// RecordCXRead records a read syscall and the bytes it produced.
func (m *Metrics) RecordCXRead(side string, n int) {
	m.CXReadOps.WithLabelValues(side).Inc()
	m.CXReadBytes.WithLabelValues(side).Add(float64(n))
}

// RecordCXWrite records a write syscall and the bytes it flushed.
func (m *Metrics) RecordCXWrite(side string, n int) {
	m.CXWriteOps.WithLabelValues(side).Inc()
	m.CXWriteBytes.WithLabelValues(side).Add(float64(n))
}

// RecordProxyRound records one base proxy processing round.
func (m *Metrics) RecordProxyRound() {
	m.ProxyRounds.Inc()
}

// SetBottleneck records whether write backpressure is currently paused
// for reads on the given side.
func (m *Metrics) SetBottleneck(side string, active bool) {
	if active {
		m.ProxyBottleneck.WithLabelValues(side).Set(1)
		return
	}
	m.ProxyBottleneck.WithLabelValues(side).Set(0)
}

// RecordAccept records a connection landing on the accepted-CX list.
func (m *Metrics) RecordAccept() {
	m.ProxyAccepts.Inc()
}

// SetDelayedAcceptQueue sets the current delayed-accept queue depth.
func (m *Metrics) SetDelayedAcceptQueue(n int) {
	m.ProxyDelayedAccept.Set(float64(n))
}

// RecordWorkerAccept records a fd handed from the receiver to a worker.
func (m *Metrics) RecordWorkerAccept() {
	m.WorkerAccepts.Inc()
}

// RecordWorkerQueueFull records a hand-off dropped or stalled on a full queue.
func (m *Metrics) RecordWorkerQueueFull() {
	m.WorkerQueueFull.Inc()
}

// SetWorkerActive sets the number of running worker proxies.
func (m *Metrics) SetWorkerActive(n int) {
	m.WorkerActive.Set(float64(n))
}

// RecordCertMint records a spoofed leaf certificate being minted.
func (m *Metrics) RecordCertMint() {
	m.CertMints.Inc()
}

// RecordCertCache records a certificate factory cache lookup outcome.
func (m *Metrics) RecordCertCache(hit bool) {
	if hit {
		m.CertCacheHits.Inc()
		return
	}
	m.CertCacheMiss.Inc()
}

// RecordOCSPCache records an OCSP cache lookup outcome.
func (m *Metrics) RecordOCSPCache(hit bool) {
	if hit {
		m.OCSPCacheHits.Inc()
		return
	}
	m.OCSPCacheMiss.Inc()
}

// RecordTLSHandshake records a completed TLS handshake by outcome
// ("ok", "want_read", "want_write", "fatal") and its latency.
func (m *Metrics) RecordTLSHandshake(outcome string, latencySeconds float64) {
	m.TLSHandshakes.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.TLSHandshakeTime.Observe(latencySeconds)
	}
}

// RecordClientHelloSNI records a successful ClientHello pre-peek.
func (m *Metrics) RecordClientHelloSNI() {
	m.TLSClientHelloSNI.Inc()
}
