// Package metrics defines the prometheus collectors for ridewatch.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests and in the CLI.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	requestAttempts  *prometheus.CounterVec
	requestRetries   *prometheus.CounterVec
	requestOutcomes  *prometheus.CounterVec
	connected        prometheus.Gauge
	verifications    *prometheus.CounterVec
	verifyDuration   prometheus.Histogram
	cacheReads       *prometheus.CounterVec
	writes           *prometheus.CounterVec
	pendingOps       prometheus.Gauge
	stuckOps         prometheus.Gauge
	replayed         *prometheus.CounterVec
	swept            prometheus.Counter
	loaderLoads      *prometheus.CounterVec
	startupMode      *prometheus.GaugeVec
	startupDuration  prometheus.Histogram
	complianceRate   prometheus.Gauge
	verifiedRate     prometheus.Gauge
	realtimeMessages prometheus.Counter
	realtimeRetries  prometheus.Counter
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requestAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridewatch_request_attempts_total",
			Help: "Backend request attempts by logical path",
		}, []string{"path"}),
		requestRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridewatch_request_retries_total",
			Help: "Backend request retries by logical path",
		}, []string{"path"}),
		requestOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridewatch_request_outcomes_total",
			Help: "Final backend request outcomes by path and error kind",
		}, []string{"path", "kind"}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "ridewatch_backend_connected",
			Help: "1 when the backend is considered reachable",
		}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridewatch_verifications_total",
			Help: "Reachability verifications by result",
		}, []string{"result"}),
		verifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ridewatch_verification_duration_seconds",
			Help:    "Reachability verification latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		cacheReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridewatch_reads_total",
			Help: "Read-through fetches by entity kind and result source",
		}, []string{"kind", "source"}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridewatch_writes_total",
			Help: "Write intents by operation kind and outcome",
		}, []string{"op", "outcome"}),
		pendingOps: f.NewGauge(prometheus.GaugeOpts{
			Name: "ridewatch_pending_operations",
			Help: "Queued write operations awaiting replay",
		}),
		stuckOps: f.NewGauge(prometheus.GaugeOpts{
			Name: "ridewatch_stuck_operations",
			Help: "Queued operations at their attempt ceiling",
		}),
		replayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridewatch_replayed_operations_total",
			Help: "Replayed operations by result",
		}, []string{"result"}),
		swept: f.NewCounter(prometheus.CounterOpts{
			Name: "ridewatch_cache_swept_total",
			Help: "Expired cache entries removed by the sweeper",
		}),
		loaderLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridewatch_maps_loads_total",
			Help: "Mapping SDK load attempts by result",
		}, []string{"result"}),
		startupMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ridewatch_startup_mode",
			Help: "1 for the mode chosen by the last startup classification",
		}, []string{"mode"}),
		startupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ridewatch_startup_duration_seconds",
			Help:    "Time spent in the initialization sequence",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		complianceRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "ridewatch_trip_compliance_ratio",
			Help: "Approximate share of trips completed without incident",
		}),
		verifiedRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "ridewatch_student_verified_ratio",
			Help: "Approximate share of verified students",
		}),
		realtimeMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "ridewatch_realtime_messages_total",
			Help: "Location updates received on the realtime feed",
		}),
		realtimeRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "ridewatch_realtime_reconnects_total",
			Help: "Realtime feed reconnect attempts",
		}),
	}
}

func (m *Metrics) RequestAttempt(path string, retry bool) {
	if m == nil {
		return
	}
	m.requestAttempts.WithLabelValues(path).Inc()
	if retry {
		m.requestRetries.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) RequestOutcome(path, kind string) {
	if m == nil {
		return
	}
	m.requestOutcomes.WithLabelValues(path, kind).Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) Verification(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.verifications.WithLabelValues(result).Inc()
	m.verifyDuration.Observe(d.Seconds())
}

func (m *Metrics) Read(kind, source string) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) Write(op, outcome string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) SetQueue(pending, stuck int) {
	if m == nil {
		return
	}
	m.pendingOps.Set(float64(pending))
	m.stuckOps.Set(float64(stuck))
}

func (m *Metrics) Replayed(synced, errored int) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues("synced").Add(float64(synced))
	m.replayed.WithLabelValues("errored").Add(float64(errored))
}

func (m *Metrics) Swept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

func (m *Metrics) LoaderResult(result string) {
	if m == nil {
		return
	}
	m.loaderLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) Startup(mode string, d time.Duration) {
	if m == nil {
		return
	}
	for _, known := range []string{"online", "limited", "offline"} {
		v := 0.0
		if known == mode {
			v = 1
		}
		m.startupMode.WithLabelValues(known).Set(v)
	}
	m.startupDuration.Observe(d.Seconds())
}

func (m *Metrics) SetRates(compliance, verified float64) {
	if m == nil {
		return
	}
	m.complianceRate.Set(compliance)
	m.verifiedRate.Set(verified)
}

func (m *Metrics) RealtimeMessage() {
	if m == nil {
		return
	}
	m.realtimeMessages.Inc()
}

func (m *Metrics) RealtimeReconnect() {
	if m == nil {
		return
	}
	m.realtimeRetries.Inc()
}
