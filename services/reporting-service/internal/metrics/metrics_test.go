package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncPagesFetched()
	m.IncFetchRetries()
	m.IncFetchFailure("fatal")
	m.ObserveMerge("WEBHOOK", "created", time.Millisecond)
	m.IncWebhookRejected("missing_id")
	m.SetLastRun(1, 2, 3, time.Now())
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
}

func TestMetricsCount(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncPagesFetched()
	m.IncPagesFetched()
	m.ObserveMerge("BACKFILL", "created", 2*time.Millisecond)
	m.IncWebhookRejected("missing_id")

	require.Equal(t, 2.0, testutil.ToFloat64(m.pagesFetched))
	require.Equal(t, 1.0, testutil.ToFloat64(m.merges.WithLabelValues("BACKFILL", "created")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.webhookRejected.WithLabelValues("missing_id")))
}

func TestObserveHTTP(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveHTTP("POST", "/webhooks/dlr", 200, 5*time.Millisecond)
	m.ObserveHTTP("GET", "", 404, time.Millisecond)

	require.Equal(t, 2, testutil.CollectAndCount(m.httpDuration))
}
