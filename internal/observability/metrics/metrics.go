package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fleetlink_"

	resultSuccess = "success"
	resultError   = "error"

	pollResultOffline     = "offline"
	pollResultCircuitOpen = "circuit_open"

	statusOutcomeApplied    = "applied"
	statusOutcomeSuppressed = "suppressed"
	statusOutcomeIgnored    = "ignored"
)

var (
	registerOnce  sync.Once
	cacheSizeOnce sync.Once

	authAttempts       *prometheus.CounterVec
	authAttemptLatency *prometheus.HistogramVec
	authLevel          prometheus.Gauge

	pollRuns              *prometheus.CounterVec
	pollLatency           *prometheus.HistogramVec
	pollConsecutiveErrors prometheus.Gauge
	pollCircuitOpens      prometheus.Counter

	statusReports     *prometheus.CounterVec
	statusSubscribers prometheus.Gauge
	statusDrops       prometheus.Counter

	positionUpdates *prometheus.CounterVec

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		authAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "auth_attempts_total",
				Help: "Total fallback ladder attempts by level and reason",
			},
			[]string{"level", "reason"},
		)
		authAttemptLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "auth_attempt_latency_seconds",
				Help:    "Fallback ladder attempt latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"level"},
		)
		authLevel = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "auth_level",
				Help: "Current auth level (0 offline, 1 minimal, 2 degraded, 3 full)",
			},
		)

		pollRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_runs_total",
				Help: "Total polling runs by result",
			},
			[]string{"result"},
		)
		pollLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_latency_seconds",
				Help:    "Polling run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		pollConsecutiveErrors = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "poll_consecutive_errors",
				Help: "Consecutive failed polling runs",
			},
		)
		pollCircuitOpens = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_circuit_open_total",
				Help: "Times polling stopped after too many consecutive failures",
			},
		)

		statusReports = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_reports_total",
				Help: "Connection status reports by source and outcome",
			},
			[]string{"source", "outcome"},
		)
		statusSubscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "status_subscribers",
				Help: "Active status subscribers",
			},
		)
		statusDrops = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_dropped_total",
				Help: "Status snapshots dropped for slow subscribers",
			},
		)

		positionUpdates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "position_updates_total",
				Help: "Position writes by source and result",
			},
			[]string{"source", "result"},
		)

		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingest requests by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total report exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Report export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			authAttempts,
			authAttemptLatency,
			authLevel,
			pollRuns,
			pollLatency,
			pollConsecutiveErrors,
			pollCircuitOpens,
			statusReports,
			statusSubscribers,
			statusDrops,
			positionUpdates,
			ingestRequests,
			ingestErrors,
			ingestLatency,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// RegisterPositionCacheSize exposes the number of cached entities.
func RegisterPositionCacheSize(size func() int) {
	if size == nil {
		return
	}
	cacheSizeOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "position_cache_entries",
				Help: "Entities held in the position cache",
			},
			func() float64 { return float64(size()) },
		))
	})
}

// ObserveAuthAttempt records one ladder rung.
func ObserveAuthAttempt(level, reason string, duration time.Duration) {
	if level == "" {
		level = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	if authAttempts != nil {
		authAttempts.WithLabelValues(level, reason).Inc()
	}
	if authAttemptLatency != nil {
		authAttemptLatency.WithLabelValues(level).Observe(duration.Seconds())
	}
}

// SetAuthLevel sets the current auth level gauge.
func SetAuthLevel(level int) {
	if authLevel != nil {
		authLevel.Set(float64(level))
	}
}

// ObservePollRun records polling run duration and result.
func ObservePollRun(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pollRuns != nil {
		pollRuns.WithLabelValues(result).Inc()
	}
	if pollLatency != nil {
		pollLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// SetPollConsecutiveErrors sets the consecutive failure gauge.
func SetPollConsecutiveErrors(count int) {
	if count < 0 {
		count = 0
	}
	if pollConsecutiveErrors != nil {
		pollConsecutiveErrors.Set(float64(count))
	}
}

// IncPollCircuitOpen counts a circuit breaker trip.
func IncPollCircuitOpen() {
	if pollCircuitOpens != nil {
		pollCircuitOpens.Inc()
	}
}

// IncStatusReport counts a status report by source and outcome.
func IncStatusReport(source, outcome string) {
	if source == "" {
		source = "unknown"
	}
	if outcome == "" {
		outcome = statusOutcomeApplied
	}
	if statusReports != nil {
		statusReports.WithLabelValues(source, outcome).Inc()
	}
}

// AddStatusSubscribers adjusts the subscriber gauge by delta.
func AddStatusSubscribers(delta int) {
	if statusSubscribers != nil {
		statusSubscribers.Add(float64(delta))
	}
}

// IncStatusDropped counts a snapshot dropped for a slow subscriber.
func IncStatusDropped() {
	if statusDrops != nil {
		statusDrops.Inc()
	}
}

// AddPositionUpdates counts position writes by source and result.
func AddPositionUpdates(source, result string, count int) {
	if count <= 0 {
		return
	}
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = PositionApplied
	}
	if positionUpdates != nil {
		positionUpdates.WithLabelValues(source, result).Add(float64(count))
	}
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	PollResultOffline     = pollResultOffline
	PollResultCircuitOpen = pollResultCircuitOpen

	StatusApplied    = statusOutcomeApplied
	StatusSuppressed = statusOutcomeSuppressed
	StatusIgnored    = statusOutcomeIgnored

	PositionApplied = "applied"
	PositionSkipped = "skipped"
	PositionInvalid = "invalid"
)
