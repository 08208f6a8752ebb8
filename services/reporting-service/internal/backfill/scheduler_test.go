package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stoik/smsledger/internal/models"
	"github.com/stoik/smsledger/services/reporting-service/internal/provider"
	"github.com/stoik/smsledger/services/reporting-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScheduler_RunsOverTrailingWindow(t *testing.T) {
	f := &fakeFetcher{steps: map[string]step{
		"": {page: provider.Page{Done: true, Observations: observations("S", 2)}},
	}}
	s := store.NewMemoryStore()
	sched := NewScheduler(newOrchestrator(f, s, Config{}), 20*time.Millisecond, time.Hour, zap.NewNop())
	sched.now = func() time.Time { return t0.Add(30 * time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		runs, _ := sched.Stats()
		return runs >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, sched.Shutdown(time.Second))

	last, ok := sched.Last()
	require.True(t, ok)
	assert.Equal(t, OutcomeCompleted, last.Outcome)
	assert.Equal(t, models.Trailing(t0.Add(30*time.Minute), time.Hour), last.Window)
	assert.Equal(t, 2, s.Len())
}

func TestScheduler_SkipsOverlappingTick(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{steps: map[string]step{
		"": {page: provider.Page{Done: true}, onHit: func() { <-release }},
	}}
	sched := NewScheduler(newOrchestrator(f, store.NewMemoryStore(), Config{}), time.Hour, time.Hour, zap.NewNop())

	ctx := context.Background()
	sched.trigger(ctx)
	sched.trigger(ctx)

	_, skipped := sched.Stats()
	assert.Equal(t, int64(1), skipped)

	close(release)
	assert.True(t, sched.Shutdown(time.Second))
	runs, _ := sched.Stats()
	assert.Equal(t, int64(1), runs)
}

func TestScheduler_ShutdownTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := &fakeFetcher{steps: map[string]step{
		"": {page: provider.Page{Done: true}, onHit: func() { <-release }},
	}}
	sched := NewScheduler(newOrchestrator(f, store.NewMemoryStore(), Config{}), time.Hour, time.Hour, zap.NewNop())

	sched.trigger(context.Background())
	assert.False(t, sched.Shutdown(20*time.Millisecond))
}

func TestScheduler_TriggerRunsWindow(t *testing.T) {
	f := &fakeFetcher{steps: map[string]step{
		"": {page: provider.Page{Done: true, Observations: observations("T", 3)}},
	}}
	s := store.NewMemoryStore()
	sched := NewScheduler(newOrchestrator(f, s, Config{}), time.Hour, time.Hour, zap.NewNop())

	window := models.Trailing(t0.Add(time.Hour), 6*time.Hour)
	report, err := sched.Trigger(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, window, report.Window)
	assert.Equal(t, 3, report.RecordsCreated)

	last, ok := sched.Last()
	require.True(t, ok)
	assert.Equal(t, report.RunID, last.RunID)
	runs, _ := sched.Stats()
	assert.Equal(t, int64(1), runs)
}

func TestScheduler_TriggerRefusesWhileRunning(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{steps: map[string]step{
		"": {page: provider.Page{Done: true}, onHit: func() { <-release }},
	}}
	sched := NewScheduler(newOrchestrator(f, store.NewMemoryStore(), Config{}), time.Hour, time.Hour, zap.NewNop())

	ctx := context.Background()
	window := models.Trailing(t0, time.Hour)
	sched.trigger(ctx)

	_, err := sched.Trigger(ctx, window)
	require.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.True(t, sched.Shutdown(time.Second))

	report, err := sched.Trigger(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
}
