package backfill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stoik/smsledger/internal/models"
	"go.uber.org/zap"
)

// ErrRunInProgress is returned by Trigger while another run holds the scheduler.
var ErrRunInProgress = errors.New("backfill run already in progress")

// Scheduler re-runs the orchestrator over a trailing window on a fixed
// interval. A tick that fires while a run is still going is skipped.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
	lookback     time.Duration
	log          *zap.Logger
	now          func() time.Time

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *RunReport
}

func NewScheduler(o *Orchestrator, interval, lookback time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Scheduler{
		orchestrator: o,
		interval:     interval,
		lookback:     lookback,
		log:          log.Named("scheduler"),
		now:          time.Now,
	}
}

// Run triggers a backfill immediately and then on every tick until ctx is
// done. It returns once the loop has stopped; in-flight runs are tracked for
// Shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("lookback", s.lookback))

	s.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("previous backfill still running, skipping tick")
		return
	}
	window := models.Trailing(s.now().UTC(), s.lookback)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.run(ctx, window)
	}()
}

// Trigger runs a backfill over window on the caller's goroutine and returns
// its report. It shares the scheduler's single-run slot, so it fails with
// ErrRunInProgress instead of overlapping a scheduled run.
func (s *Scheduler) Trigger(ctx context.Context, window models.Window) (RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return RunReport{}, ErrRunInProgress
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.running.Store(false)

	s.log.Info("on-demand backfill requested",
		zap.Time("since", window.Since),
		zap.Time("until", window.Until))
	return s.run(ctx, window), nil
}

func (s *Scheduler) run(ctx context.Context, window models.Window) RunReport {
	report := s.orchestrator.Run(ctx, window, "")
	s.runs.Add(1)
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report
}

// Last returns the report of the most recent finished run.
func (s *Scheduler) Last() (RunReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return RunReport{}, false
	}
	return *s.last, true
}

// Stats returns the number of finished and skipped runs.
func (s *Scheduler) Stats() (runs, skipped int64) {
	return s.runs.Load(), s.skipped.Load()
}

// Shutdown waits for an in-flight run to finish, up to timeout. Returns true
// if it finished in time.
func (s *Scheduler) Shutdown(timeout time.Duration) bool {
	s.log.Info("shutting down scheduler", zap.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all backfill runs completed")
		return true
	case <-time.After(timeout):
		s.log.Warn("shutdown timeout reached, a backfill run may still be in progress")
		return false
	}
}
