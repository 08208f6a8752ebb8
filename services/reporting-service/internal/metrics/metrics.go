package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the ingestion collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	pagesFetched     prometheus.Counter
	fetchRetries     prometheus.Counter
	fetchFailures    *prometheus.CounterVec
	merges           *prometheus.CounterVec
	mergeDuration    *prometheus.HistogramVec
	webhookRejected  *prometheus.CounterVec
	lastRunRecords   *prometheus.GaugeVec
	lastRunTimestamp prometheus.Gauge
	httpDuration     *prometheus.HistogramVec
}

// New registers the collectors on registerer (DefaultRegisterer when nil).
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smsledger",
			Subsystem: "backfill",
			Name:      "pages_fetched_total",
			Help:      "Provider log pages fetched by backfill runs.",
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smsledger",
			Subsystem: "backfill",
			Name:      "fetch_retries_total",
			Help:      "Provider requests retried after a transient error.",
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smsledger",
			Subsystem: "backfill",
			Name:      "fetch_failures_total",
			Help:      "Backfill fetches that stopped a run.",
		}, []string{"kind"}), // exhausted | fatal
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smsledger",
			Subsystem: "reconcile",
			Name:      "merges_total",
			Help:      "Observations merged into the canonical store.",
		}, []string{"source", "result"}),
		mergeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "smsledger",
			Subsystem: "reconcile",
			Name:      "merge_duration_seconds",
			Help:      "Duration of a single merge including store round trips.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		webhookRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smsledger",
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Delivery events rejected before reconciliation.",
		}, []string{"reason"}),
		lastRunRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "smsledger",
			Subsystem: "backfill",
			Name:      "last_run_records",
			Help:      "Record counts of the most recent backfill run.",
		}, []string{"result"}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "smsledger",
			Subsystem: "backfill",
			Name:      "last_run_timestamp_seconds",
			Help:      "Completion time of the most recent backfill run.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "smsledger",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	registerer.MustRegister(
		m.pagesFetched,
		m.fetchRetries,
		m.fetchFailures,
		m.merges,
		m.mergeDuration,
		m.webhookRejected,
		m.lastRunRecords,
		m.lastRunTimestamp,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) IncPagesFetched() {
	if m == nil {
		return
	}
	m.pagesFetched.Inc()
}

func (m *Metrics) IncFetchRetries() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

func (m *Metrics) IncFetchFailure(kind string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveMerge(source, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(source, result).Inc()
	m.mergeDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) IncWebhookRejected(reason string) {
	if m == nil {
		return
	}
	m.webhookRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetLastRun(created, updated, unchanged int, finished time.Time) {
	if m == nil {
		return
	}
	m.lastRunRecords.WithLabelValues("created").Set(float64(created))
	m.lastRunRecords.WithLabelValues("updated").Set(float64(updated))
	m.lastRunRecords.WithLabelValues("unchanged").Set(float64(unchanged))
	m.lastRunTimestamp.Set(float64(finished.Unix()))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
