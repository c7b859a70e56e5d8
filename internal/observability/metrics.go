package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LoanLedger.
type Metrics struct {
	// --- Engine ---
	EngineOpsApplied  *prometheus.CounterVec
	EngineOpsRejected *prometheus.CounterVec
	EngineOpDuration  *prometheus.HistogramVec
	EngineSequence    prometheus.Gauge
	EngineFatalErrors prometheus.Counter
	RateBuckets       prometheus.Gauge
	WriteOffsApplied  *prometheus.CounterVec
	PortfolioValue    *prometheus.GaugeVec
	OracleErrors      *prometheus.CounterVec

	// --- Ingestion ---
	IngestReceived    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec
	IngestToApply     *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Persistence ---
	StoreApplyDuration   prometheus.Histogram
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.25,
	}

	return &Metrics{
		EngineOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_engine_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		EngineOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_engine_ops_rejected_total",
			Help: "Operations rejected (validation, restriction, capacity, oracle)",
		}, []string{"op", "reason"}),

		EngineOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loan_engine_op_duration_seconds",
			Help:    "Time to execute a single operation including the store write",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "loan_engine_sequence",
			Help: "Sequence of the last emitted event",
		}),

		EngineFatalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_engine_fatal_errors_total",
			Help: "Operations aborted by arithmetic overflow",
		}),

		RateBuckets: f.NewGauge(prometheus.GaugeOpts{
			Name: "loan_rate_buckets",
			Help: "Live rate buckets in the accumulator",
		}),

		WriteOffsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_write_offs_applied_total",
			Help: "Write-off status changes",
		}, []string{"source"}),

		PortfolioValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loan_portfolio_value",
			Help: "Last computed portfolio value per pool",
		}, []string{"pool"}),

		OracleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_oracle_errors_total",
			Help: "Price lookups that failed",
		}, []string{"reason"}),

		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_ingest_received_total",
			Help: "Messages received from NATS",
		}, []string{"stream"}),

		IngestParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_ingest_parse_errors_total",
			Help: "Messages that could not be parsed",
		}, []string{"stream"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loan_ingest_to_apply_seconds",
			Help:    "Command receive to engine result",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loan_channel_size",
			Help: "Current channel buffer occupancy",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loan_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loan_channel_utilization",
			Help: "Channel occupancy ratio",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_projection_drops_total",
			Help: "Events dropped because a projection channel was full",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_publish_drops_total",
			Help: "Outbound events that could not be published",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_idempotency_duplicates_total",
			Help: "Duplicate commands skipped",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "loan_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_dedup_lru_evictions_total",
			Help: "Idempotency keys evicted from memory",
		}),

		StoreApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loan_store_apply_duration_seconds",
			Help:    "Time to persist one operation batch",
			Buckets: latencyBuckets,
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loan_persist_batch_size",
			Help:    "Events per event log flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loan_persist_batch_duration_seconds",
			Help:    "Time to flush one event log batch",
			Buckets: latencyBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_persist_errors_total",
			Help: "Event log write failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "loan_persist_last_sequence",
			Help: "Sequence of the last event written to the event log",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_query_requests_total",
			Help: "Query API requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loan_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: latencyBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_query_errors_total",
			Help: "Query API errors",
		}, []string{"method", "reason"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
