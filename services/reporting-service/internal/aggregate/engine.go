package aggregate

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/stoik/smsledger/internal/models"
	"go.uber.org/zap"
)

const (
	defaultTopErrors       = 10
	defaultHourlyMaxWindow = 48 * time.Hour
	maxBuckets             = 10000
)

// Scanner is the read side of the canonical store.
type Scanner interface {
	Scan(ctx context.Context, window models.Window, fn func(models.MessageRecord) error) error
}

type Config struct {
	// Location buckets time series; UTC when nil.
	Location *time.Location
	// ErrorSeverity overrides entries of DefaultErrorSeverity.
	ErrorSeverity map[int]Severity
	// CustomKeywords replaces DefaultCustomOptOutKeywords when non-nil.
	CustomKeywords []string
	TopErrors      int
	// Windows up to HourlyMaxWindow get hourly buckets, longer ones daily.
	HourlyMaxWindow time.Duration
	FailureWarning  float64
	FailureCritical float64
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.CustomKeywords == nil {
		c.CustomKeywords = DefaultCustomOptOutKeywords
	}
	if c.TopErrors <= 0 {
		c.TopErrors = defaultTopErrors
	}
	if c.HourlyMaxWindow <= 0 {
		c.HourlyMaxWindow = defaultHourlyMaxWindow
	}
	if c.FailureWarning <= 0 {
		c.FailureWarning = 0.10
	}
	if c.FailureCritical <= 0 {
		c.FailureCritical = 0.20
	}
	return c
}

// Engine computes reporting views on demand by scanning the store. It holds
// no state between calls.
type Engine struct {
	scanner  Scanner
	cfg      Config
	severity severityTable
	standard *KeywordMatcher
	custom   *KeywordMatcher
	log      *zap.Logger
	now      func() time.Time
}

func NewEngine(s Scanner, cfg Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	standard, err := NewKeywordMatcher(StandardOptOutKeywords)
	if err != nil {
		return nil, err
	}
	custom, err := NewKeywordMatcher(cfg.CustomKeywords)
	if err != nil {
		return nil, fmt.Errorf("invalid custom opt-out keywords: %w", err)
	}
	return &Engine{
		scanner:  s,
		cfg:      cfg,
		severity: newSeverityTable(cfg.ErrorSeverity),
		standard: standard,
		custom:   custom,
		log:      log.Named("aggregate"),
		now:      time.Now,
	}, nil
}

func (e *Engine) Overview(ctx context.Context, w models.Window) (Overview, error) {
	c, err := e.collect(ctx, w)
	if err != nil {
		return Overview{}, err
	}
	return c.overview(), nil
}

// ErrorClusters returns the most frequent error codes, most frequent first.
func (e *Engine) ErrorClusters(ctx context.Context, w models.Window) ([]ErrorCluster, error) {
	c, err := e.collect(ctx, w)
	if err != nil {
		return nil, err
	}
	return c.errorClusters(e.cfg.TopErrors), nil
}

func (e *Engine) TimeSeries(ctx context.Context, w models.Window) (TimeSeries, error) {
	c, err := e.collect(ctx, w)
	if err != nil {
		return TimeSeries{}, err
	}
	return c.timeSeries(), nil
}

func (e *Engine) Latency(ctx context.Context, w models.Window) (LatencyStats, error) {
	c, err := e.collect(ctx, w)
	if err != nil {
		return LatencyStats{}, err
	}
	return percentiles(c.latencies), nil
}

func (e *Engine) OptOuts(ctx context.Context, w models.Window) (OptOutStats, error) {
	c, err := e.collect(ctx, w)
	if err != nil {
		return OptOutStats{}, err
	}
	return c.optOuts(), nil
}

func (e *Engine) Alerts(ctx context.Context, w models.Window) ([]Alert, error) {
	c, err := e.collect(ctx, w)
	if err != nil {
		return nil, err
	}
	return c.alerts(), nil
}

// Snapshot computes every view from a single scan.
func (e *Engine) Snapshot(ctx context.Context, w models.Window) (Snapshot, error) {
	c, err := e.collect(ctx, w)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Window:     w,
		ScannedAt:  c.scannedAt,
		Overview:   c.overview(),
		Errors:     c.errorClusters(e.cfg.TopErrors),
		TimeSeries: c.timeSeries(),
		Latency:    percentiles(c.latencies),
		OptOuts:    c.optOuts(),
		Alerts:     c.alerts(),
	}, nil
}

// collect scans w once. An invalid window yields an empty collector without
// touching the store.
func (e *Engine) collect(ctx context.Context, w models.Window) (*collector, error) {
	c := newCollector(e, w)
	if !w.Valid() {
		return c, nil
	}

	start := time.Now()
	err := e.scanner.Scan(ctx, w, func(rec models.MessageRecord) error {
		c.add(rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan window: %w", err)
	}
	e.log.Debug("window scanned",
		zap.Time("since", w.Since),
		zap.Time("until", w.Until),
		zap.Int("records", c.total),
		zap.Duration("elapsed", time.Since(start)))
	return c, nil
}

type bucket struct {
	total, delivered, failed int
	latencySum               float64
	latencyN                 int
}

type collector struct {
	engine    *Engine
	window    models.Window
	scannedAt time.Time

	total, delivered, failed int
	sms, mms                 int
	inbound, outbound        int
	spend                    float64
	recipients               map[string]struct{}
	latencies                []float64

	errors     map[int]*ErrorCluster
	codedFails int

	buckets map[int64]*bucket

	deliveredOutbound int
	defaultOptOuts    int
	customOptOuts     int
}

func newCollector(e *Engine, w models.Window) *collector {
	return &collector{
		engine:     e,
		window:     w,
		scannedAt:  e.now(),
		recipients: make(map[string]struct{}),
		errors:     make(map[int]*ErrorCluster),
		buckets:    make(map[int64]*bucket),
	}
}

func (c *collector) add(rec models.MessageRecord) {
	c.total++
	delivered := rec.Status == models.StatusDelivered
	failed := rec.Status.IsError()
	if delivered {
		c.delivered++
	}
	if failed {
		c.failed++
	}
	if rec.Kind() == models.KindMMS {
		c.mms++
	} else {
		c.sms++
	}
	if rec.Price != nil {
		c.spend += *rec.Price
	}
	if rec.ToAddress != "" {
		c.recipients[rec.ToAddress] = struct{}{}
	}

	latency, hasLatency := rec.Latency()
	latencyMs := float64(latency) / float64(time.Millisecond)
	if hasLatency {
		c.latencies = append(c.latencies, latencyMs)
	}

	if failed && rec.ErrorCode != nil {
		c.codedFails++
		cl, ok := c.errors[*rec.ErrorCode]
		if !ok {
			cl = &ErrorCluster{Code: *rec.ErrorCode, Severity: c.engine.severity.lookup(*rec.ErrorCode)}
			c.errors[*rec.ErrorCode] = cl
		}
		cl.Count++
		if cl.SampleMessage == "" && rec.ErrorMessage != nil {
			cl.SampleMessage = *rec.ErrorMessage
		}
	}

	if c.window.Contains(rec.CreatedAt) {
		start := c.bucketStart(rec.CreatedAt)
		b, ok := c.buckets[start.Unix()]
		if !ok {
			b = &bucket{}
			c.buckets[start.Unix()] = b
		}
		b.total++
		if delivered {
			b.delivered++
		}
		if failed {
			b.failed++
		}
		if hasLatency {
			b.latencySum += latencyMs
			b.latencyN++
		}
	}

	switch rec.Direction {
	case models.DirectionInbound:
		c.inbound++
		if rec.Body != nil {
			if c.engine.standard.Match(*rec.Body) {
				c.defaultOptOuts++
			}
			if c.engine.custom.Match(*rec.Body) {
				c.customOptOuts++
			}
		}
	default:
		c.outbound++
		if delivered {
			c.deliveredOutbound++
		}
	}
}

func (c *collector) overview() Overview {
	return Overview{
		Total:        c.total,
		Delivered:    c.delivered,
		Failed:       c.failed,
		SuccessRate:  ratio(c.delivered, c.total),
		Spend:        c.spend,
		Recipients:   len(c.recipients),
		AvgLatencyMs: mean(c.latencies),
		SMS:          c.sms,
		MMS:          c.mms,
		Inbound:      c.inbound,
		Outbound:     c.outbound,
	}
}

func (c *collector) errorClusters(top int) []ErrorCluster {
	clusters := lo.Map(lo.Values(c.errors), func(cl *ErrorCluster, _ int) ErrorCluster {
		out := *cl
		out.Share = ratio(cl.Count, c.codedFails)
		return out
	})
	slices.SortFunc(clusters, func(a, b ErrorCluster) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return a.Code - b.Code
	})
	if len(clusters) > top {
		clusters = clusters[:top]
	}
	return clusters
}

func (c *collector) granularity() Granularity {
	if c.window.Duration() > c.engine.cfg.HourlyMaxWindow {
		return Daily
	}
	return Hourly
}

func (c *collector) bucketStart(t time.Time) time.Time {
	t = t.In(c.engine.cfg.Location)
	if c.granularity() == Hourly {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func (c *collector) nextBucket(start time.Time) time.Time {
	if c.granularity() == Hourly {
		return start.Add(time.Hour)
	}
	return time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, start.Location())
}

// timeSeries returns zero-filled buckets covering the whole window.
func (c *collector) timeSeries() TimeSeries {
	ts := TimeSeries{
		Granularity: c.granularity(),
		Location:    c.engine.cfg.Location.String(),
		Points:      []TimePoint{},
	}
	if !c.window.Valid() {
		return ts
	}
	for start := c.bucketStart(c.window.Since); start.Before(c.window.Until) && len(ts.Points) < maxBuckets; start = c.nextBucket(start) {
		p := TimePoint{Start: start}
		if b, ok := c.buckets[start.Unix()]; ok {
			p.Total = b.total
			p.Delivered = b.delivered
			p.Failed = b.failed
			if b.latencyN > 0 {
				p.AvgLatencyMs = b.latencySum / float64(b.latencyN)
			}
		}
		ts.Points = append(ts.Points, p)
	}
	return ts
}

func (c *collector) optOuts() OptOutStats {
	return OptOutStats{
		DeliveredOutbound: c.deliveredOutbound,
		DefaultCount:      c.defaultOptOuts,
		DefaultRate:       ratio(c.defaultOptOuts, c.deliveredOutbound),
		CustomCount:       c.customOptOuts,
		CustomRate:        ratio(c.customOptOuts, c.deliveredOutbound),
		DefaultKeywords:   c.engine.standard.Keywords(),
		CustomKeywords:    c.engine.custom.Keywords(),
	}
}

func (c *collector) alerts() []Alert {
	alerts := []Alert{}
	if c.total == 0 {
		return alerts
	}
	rate := ratio(c.failed, c.total)
	switch {
	case rate > c.engine.cfg.FailureCritical:
		alerts = append(alerts, Alert{
			ID:        "high-failure",
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("High failure rate: %.1f%% over %s", rate*100, c.window.Duration()),
			Value:     rate,
			Timestamp: c.scannedAt,
		})
	case rate > c.engine.cfg.FailureWarning:
		alerts = append(alerts, Alert{
			ID:        "elevated-failure",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("Elevated failure rate: %.1f%% over %s", rate*100, c.window.Duration()),
			Value:     rate,
			Timestamp: c.scannedAt,
		})
	}
	return alerts
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return lo.Sum(values) / float64(len(values))
}
