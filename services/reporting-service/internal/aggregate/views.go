package aggregate

import (
	"time"

	"github.com/stoik/smsledger/internal/models"
)

// Overview holds the headline KPIs of a window. Rates are fractions in [0, 1].
type Overview struct {
	Total        int     `json:"total"`
	Delivered    int     `json:"delivered"`
	Failed       int     `json:"failed"`
	SuccessRate  float64 `json:"success_rate"`
	Spend        float64 `json:"spend"`
	Recipients   int     `json:"recipients"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SMS          int     `json:"sms"`
	MMS          int     `json:"mms"`
	Inbound      int     `json:"inbound"`
	Outbound     int     `json:"outbound"`
}

// ErrorCluster groups failed messages by error code.
type ErrorCluster struct {
	Code          int      `json:"code"`
	Count         int      `json:"count"`
	Share         float64  `json:"share"`
	Severity      Severity `json:"severity"`
	SampleMessage string   `json:"sample_message,omitempty"`
}

// Granularity of a time series.
type Granularity string

const (
	Hourly Granularity = "hour"
	Daily  Granularity = "day"
)

// TimePoint is one bucket of a time series. Start is in the reporting
// location.
type TimePoint struct {
	Start        time.Time `json:"start"`
	Total        int       `json:"total"`
	Delivered    int       `json:"delivered"`
	Failed       int       `json:"failed"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
}

type TimeSeries struct {
	Granularity Granularity `json:"granularity"`
	Location    string      `json:"location"`
	Points      []TimePoint `json:"points"`
}

// LatencyStats are submission-to-send latencies in milliseconds.
type LatencyStats struct {
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Mean    float64 `json:"mean"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

// OptOutStats reports the two opt-out meters against delivered outbound
// traffic.
type OptOutStats struct {
	DeliveredOutbound int      `json:"delivered_outbound"`
	DefaultCount      int      `json:"default_count"`
	DefaultRate       float64  `json:"default_rate"`
	CustomCount       int      `json:"custom_count"`
	CustomRate        float64  `json:"custom_rate"`
	DefaultKeywords   []string `json:"default_keywords"`
	CustomKeywords    []string `json:"custom_keywords"`
}

// Alert is a threshold breach detected over a window.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is every view computed from one scan. It is never persisted.
type Snapshot struct {
	Window     models.Window  `json:"window"`
	ScannedAt  time.Time      `json:"scanned_at"`
	Overview   Overview       `json:"overview"`
	Errors     []ErrorCluster `json:"errors"`
	TimeSeries TimeSeries     `json:"timeseries"`
	Latency    LatencyStats   `json:"latency"`
	OptOuts    OptOutStats    `json:"optouts"`
	Alerts     []Alert        `json:"alerts"`
}
