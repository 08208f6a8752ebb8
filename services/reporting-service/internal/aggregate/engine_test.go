package aggregate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stoik/smsledger/internal/models"
	"github.com/stoik/smsledger/services/reporting-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	t0  = time.Date(2024, 11, 25, 12, 0, 0, 0, time.UTC)
	day = models.Window{Since: t0.Add(-12 * time.Hour), Until: t0.Add(12 * time.Hour)}
)

func ptr[T any](v T) *T { return &v }

type recordOpt func(*models.MessageRecord)

func withError(code int, msg string) recordOpt {
	return func(r *models.MessageRecord) {
		r.ErrorCode = &code
		r.ErrorMessage = &msg
	}
}

func withLatency(d time.Duration) recordOpt {
	return func(r *models.MessageRecord) {
		sent := r.CreatedAt.Add(d)
		r.SentAt = &sent
	}
}

func withPrice(p float64) recordOpt {
	return func(r *models.MessageRecord) { r.Price = &p }
}

func inbound(body string) recordOpt {
	return func(r *models.MessageRecord) {
		r.Direction = models.DirectionInbound
		r.FromAddress, r.ToAddress = r.ToAddress, r.FromAddress
		r.Body = &body
	}
}

func withMedia(n int) recordOpt {
	return func(r *models.MessageRecord) { r.NumMedia = &n }
}

func seed(t *testing.T, s *store.MemoryStore, id string, created time.Time, status models.Status, to string, opts ...recordOpt) {
	t.Helper()
	rec := models.MessageRecord{
		ProviderID:  id,
		Direction:   models.DirectionOutbound,
		FromAddress: "+15550009999",
		ToAddress:   to,
		Status:      status,
		CreatedAt:   created,
		UpdatedAt:   created.Add(time.Second),
		StatusAt:    created.Add(time.Second),
		Source:      models.SourceBackfill,
	}
	for _, opt := range opts {
		opt(&rec)
	}
	err := s.Merge(context.Background(), id, func(*models.MessageRecord) (*models.MessageRecord, error) {
		return &rec, nil
	})
	require.NoError(t, err)
}

func newEngine(t *testing.T, s Scanner, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(s, cfg, zap.NewNop())
	require.NoError(t, err)
	e.now = func() time.Time { return t0.Add(12 * time.Hour) }
	return e
}

type failingScanner struct{ err error }

func (f failingScanner) Scan(context.Context, models.Window, func(models.MessageRecord) error) error {
	return f.err
}

// countingScanner counts Scan calls.
type countingScanner struct {
	Scanner
	calls int
}

func (c *countingScanner) Scan(ctx context.Context, w models.Window, fn func(models.MessageRecord) error) error {
	c.calls++
	return c.Scanner.Scan(ctx, w, fn)
}

func TestEngine_EmptyStoreYieldsZeroValues(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), Config{})
	ctx := context.Background()

	snap, err := e.Snapshot(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, Overview{}, snap.Overview)
	assert.Empty(t, snap.Errors)
	assert.Equal(t, LatencyStats{}, snap.Latency)
	assert.Zero(t, snap.OptOuts.DefaultRate)
	assert.Zero(t, snap.OptOuts.CustomRate)
	assert.Empty(t, snap.Alerts)
	require.Len(t, snap.TimeSeries.Points, 24)
	for _, p := range snap.TimeSeries.Points {
		assert.Zero(t, p.Total)
	}
}

func TestEngine_MissingWindowNeverScans(t *testing.T) {
	scanner := &countingScanner{Scanner: failingScanner{err: errors.New("must not be called")}}
	e := newEngine(t, scanner, Config{})

	snap, err := e.Snapshot(context.Background(), models.Window{})
	require.NoError(t, err)
	assert.Equal(t, 0, scanner.calls)
	assert.Equal(t, Overview{}, snap.Overview)
	assert.Empty(t, snap.TimeSeries.Points)

	inverted := models.Window{Since: t0, Until: t0.Add(-time.Hour)}
	lat, err := e.Latency(context.Background(), inverted)
	require.NoError(t, err)
	assert.Equal(t, 0, lat.Samples)
}

func TestEngine_ScanErrorIsReturned(t *testing.T) {
	e := newEngine(t, failingScanner{err: errors.New("connection refused")}, Config{})

	_, err := e.Overview(context.Background(), day)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestEngine_Overview(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "SM1", t0, models.StatusDelivered, "+15550000001", withPrice(0.01), withLatency(400*time.Millisecond))
	seed(t, s, "SM2", t0, models.StatusDelivered, "+15550000001", withPrice(0.02), withLatency(600*time.Millisecond), withMedia(1))
	seed(t, s, "SM3", t0, models.StatusFailed, "+15550000002", withError(30007, "Carrier violation"))
	seed(t, s, "SM4", t0, models.StatusSent, "+15550000003")
	seed(t, s, "SM5", t0, models.StatusReceived, "+15550000004", inbound("hello"))

	e := newEngine(t, s, Config{})
	ov, err := e.Overview(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 5, ov.Total)
	assert.Equal(t, 2, ov.Delivered)
	assert.Equal(t, 1, ov.Failed)
	assert.InDelta(t, 0.4, ov.SuccessRate, 1e-9)
	assert.InDelta(t, 0.03, ov.Spend, 1e-9)
	assert.Equal(t, 4, ov.Recipients)
	assert.InDelta(t, 500, ov.AvgLatencyMs, 1e-9)
	assert.Equal(t, 1, ov.MMS)
	assert.Equal(t, 4, ov.SMS)
	assert.Equal(t, 1, ov.Inbound)
	assert.Equal(t, 4, ov.Outbound)
}

func TestEngine_ErrorClusters(t *testing.T) {
	s := store.NewMemoryStore()
	for i := 0; i < 3; i++ {
		seed(t, s, fmt.Sprintf("A%d", i), t0, models.StatusUndelivered, "+1", withError(30003, "Unreachable destination handset"))
	}
	for i := 0; i < 5; i++ {
		seed(t, s, fmt.Sprintf("B%d", i), t0, models.StatusFailed, "+1", withError(30007, "Carrier violation"))
	}
	seed(t, s, "C0", t0, models.StatusFailed, "+1", withError(49999, "Something new"))
	seed(t, s, "D0", t0, models.StatusFailed, "+1")

	e := newEngine(t, s, Config{ErrorSeverity: map[int]Severity{30003: SeverityHigh}})
	clusters, err := e.ErrorClusters(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, clusters, 3)

	assert.Equal(t, 30007, clusters[0].Code)
	assert.Equal(t, 5, clusters[0].Count)
	assert.Equal(t, SeverityCritical, clusters[0].Severity)
	assert.Equal(t, "Carrier violation", clusters[0].SampleMessage)
	assert.InDelta(t, 5.0/9.0, clusters[0].Share, 1e-9)

	assert.Equal(t, 30003, clusters[1].Code)
	assert.Equal(t, SeverityHigh, clusters[1].Severity, "configured override")

	assert.Equal(t, 49999, clusters[2].Code)
	assert.Equal(t, SeverityMedium, clusters[2].Severity, "unknown code defaults to medium")
}

func TestEngine_ErrorClustersTopN(t *testing.T) {
	s := store.NewMemoryStore()
	for code := 30001; code <= 30006; code++ {
		seed(t, s, fmt.Sprintf("SM%d", code), t0, models.StatusFailed, "+1", withError(code, "x"))
	}
	e := newEngine(t, s, Config{TopErrors: 4})

	clusters, err := e.ErrorClusters(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, clusters, 4)
	// equal counts order by code
	assert.Equal(t, []int{30001, 30002, 30003, 30004}, []int{clusters[0].Code, clusters[1].Code, clusters[2].Code, clusters[3].Code})
}

func TestEngine_TimeSeriesHourly(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "SM1", t0.Add(5*time.Minute), models.StatusDelivered, "+1", withLatency(time.Second))
	seed(t, s, "SM2", t0.Add(50*time.Minute), models.StatusFailed, "+1", withLatency(3*time.Second))
	seed(t, s, "SM3", t0.Add(3*time.Hour), models.StatusDelivered, "+1")

	e := newEngine(t, s, Config{})
	ts, err := e.TimeSeries(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, Hourly, ts.Granularity)
	assert.Equal(t, "UTC", ts.Location)
	require.Len(t, ts.Points, 24)

	noon := ts.Points[12]
	assert.True(t, noon.Start.Equal(t0))
	assert.Equal(t, 2, noon.Total)
	assert.Equal(t, 1, noon.Delivered)
	assert.Equal(t, 1, noon.Failed)
	assert.InDelta(t, 2000, noon.AvgLatencyMs, 1e-9)

	assert.Equal(t, 1, ts.Points[15].Total)
	assert.Zero(t, ts.Points[15].AvgLatencyMs)
	assert.Zero(t, ts.Points[13].Total, "gaps are zero-filled")
}

func TestEngine_TimeSeriesDailyInLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	s := store.NewMemoryStore()
	// 03:00 UTC on the 25th is still the 24th in New York
	seed(t, s, "SM1", time.Date(2024, 11, 25, 3, 0, 0, 0, time.UTC), models.StatusDelivered, "+1")
	seed(t, s, "SM2", time.Date(2024, 11, 25, 15, 0, 0, 0, time.UTC), models.StatusDelivered, "+1")

	week := models.Window{Since: time.Date(2024, 11, 20, 5, 0, 0, 0, time.UTC), Until: time.Date(2024, 11, 27, 5, 0, 0, 0, time.UTC)}
	e := newEngine(t, s, Config{Location: ny})
	ts, err := e.TimeSeries(context.Background(), week)
	require.NoError(t, err)

	assert.Equal(t, Daily, ts.Granularity)
	assert.Equal(t, "America/New_York", ts.Location)
	require.Len(t, ts.Points, 7)

	byDay := make(map[string]int)
	for _, p := range ts.Points {
		assert.Equal(t, 0, p.Start.Hour())
		byDay[p.Start.Format("2006-01-02")] = p.Total
	}
	assert.Equal(t, 1, byDay["2024-11-24"])
	assert.Equal(t, 1, byDay["2024-11-25"])
}

func TestEngine_LatencyPercentiles(t *testing.T) {
	s := store.NewMemoryStore()
	for i := 1; i <= 100; i++ {
		seed(t, s, fmt.Sprintf("SM%03d", i), t0, models.StatusDelivered, "+1", withLatency(time.Duration(i)*10*time.Millisecond))
	}
	// sent before created clamps to zero
	seed(t, s, "SKEW", t0, models.StatusDelivered, "+1", withLatency(-time.Second))
	// no SentAt: not a sample
	seed(t, s, "NOSENT", t0, models.StatusQueued, "+1")

	e := newEngine(t, s, Config{})
	lat, err := e.Latency(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 101, lat.Samples)
	assert.InDelta(t, 500, lat.P50, 1e-9)
	assert.InDelta(t, 950, lat.P95, 1e-9)
	assert.InDelta(t, 990, lat.P99, 1e-9)
	assert.InDelta(t, 1000, lat.Max, 1e-9)
}

func TestEngine_LatencyScenario(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "A1", t0, models.StatusDelivered, "+1", withLatency(500*time.Millisecond))

	e := newEngine(t, s, Config{})
	lat, err := e.Latency(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, 1, lat.Samples)
	assert.Equal(t, 500.0, lat.P50)
	assert.Equal(t, 500.0, lat.P95)
	assert.Equal(t, 500.0, lat.P99)
}

func TestEngine_OptOutAfterDelivered(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "OUT1", t0, models.StatusDelivered, "+15550000001")
	seed(t, s, "IN1", t0.Add(time.Minute), models.StatusReceived, "+15550000001", inbound("STOP"))

	e := newEngine(t, s, Config{})
	stats, err := e.OptOuts(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.DeliveredOutbound)
	assert.Equal(t, 1, stats.DefaultCount)
	assert.Equal(t, 1.0, stats.DefaultRate)
	assert.Equal(t, 0, stats.CustomCount)
	assert.Contains(t, stats.DefaultKeywords, "stop")
}

func TestEngine_OptOutZeroDenominator(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "IN1", t0, models.StatusReceived, "+1", inbound("stop"))
	seed(t, s, "IN2", t0, models.StatusReceived, "+1", inbound("wrong number"))
	seed(t, s, "OUT1", t0, models.StatusFailed, "+1", withError(30003, "x"))

	e := newEngine(t, s, Config{})
	stats, err := e.OptOuts(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.DeliveredOutbound)
	assert.Equal(t, 1, stats.DefaultCount)
	assert.Equal(t, 1, stats.CustomCount)
	assert.Zero(t, stats.DefaultRate)
	assert.Zero(t, stats.CustomRate)
}

func TestEngine_OptOutCustomKeywords(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "OUT1", t0, models.StatusDelivered, "+1")
	seed(t, s, "OUT2", t0, models.StatusDelivered, "+2")
	seed(t, s, "IN1", t0, models.StatusReceived, "+1", inbound("Please HALT now"))
	seed(t, s, "IN2", t0, models.StatusReceived, "+2", inbound("dnc"))

	e := newEngine(t, s, Config{CustomKeywords: []string{"HALT"}})
	stats, err := e.OptOuts(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.CustomCount)
	assert.Equal(t, 0.5, stats.CustomRate)
	assert.Equal(t, []string{"halt"}, stats.CustomKeywords)
}

func TestEngine_Alerts(t *testing.T) {
	tests := []struct {
		name     string
		failed   int
		total    int
		expected []Severity
	}{
		{"healthy", 1, 20, nil},
		{"exactly ten percent", 2, 20, nil},
		{"elevated", 3, 20, []Severity{SeverityWarning}},
		{"high", 5, 20, []Severity{SeverityCritical}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			for i := 0; i < tt.total; i++ {
				status := models.StatusDelivered
				if i < tt.failed {
					status = models.StatusFailed
				}
				seed(t, s, fmt.Sprintf("SM%d", i), t0, status, "+1")
			}
			e := newEngine(t, s, Config{})
			alerts, err := e.Alerts(context.Background(), day)
			require.NoError(t, err)

			var got []Severity
			for _, a := range alerts {
				got = append(got, a.Severity)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEngine_SnapshotScansOnce(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "SM1", t0, models.StatusDelivered, "+1", withLatency(time.Second))
	scanner := &countingScanner{Scanner: s}
	e := newEngine(t, scanner, Config{})

	snap, err := e.Snapshot(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, 1, scanner.calls)
	assert.Equal(t, 1, snap.Overview.Total)
	assert.Equal(t, 1, snap.Latency.Samples)
	assert.Equal(t, day, snap.Window)
	assert.True(t, snap.ScannedAt.Equal(t0.Add(12*time.Hour)))
}

func TestEngine_RecordsUpdatedInWindowCount(t *testing.T) {
	s := store.NewMemoryStore()
	// created the day before, updated inside the window
	seed(t, s, "OLD", t0.Add(-20*time.Hour), models.StatusSent, "+1", func(r *models.MessageRecord) {
		r.Status = models.StatusDelivered
		r.UpdatedAt = t0
	})

	e := newEngine(t, s, Config{})
	snap, err := e.Snapshot(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Overview.Delivered)
	for _, p := range snap.TimeSeries.Points {
		assert.Zero(t, p.Total, "bucketed by creation time only")
	}
}
