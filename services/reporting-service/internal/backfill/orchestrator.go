package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/smsledger/internal/models"
	"github.com/stoik/smsledger/services/reporting-service/internal/metrics"
	"github.com/stoik/smsledger/services/reporting-service/internal/provider"
	"github.com/stoik/smsledger/services/reporting-service/internal/reconcile"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome says why a run stopped.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeFatal       Outcome = "fatal"
	OutcomeStoreFailed Outcome = "store_failed"
	OutcomePageLimit   Outcome = "page_limit"
)

// RunReport summarizes one backfill run. StoppedAt is the cursor of the last
// fully processed page; resuming from it re-reads that page, which merges as
// unchanged. NextCursor is the page that would have been fetched next.
type RunReport struct {
	RunID            uuid.UUID     `json:"run_id"`
	Window           models.Window `json:"window"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	PagesFetched     int           `json:"pages_fetched"`
	RecordsCreated   int           `json:"records_created"`
	RecordsUpdated   int           `json:"records_updated"`
	RecordsUnchanged int           `json:"records_unchanged"`
	RecordsSkipped   int           `json:"records_skipped"`
	Failures         []string      `json:"failures,omitempty"`
	StoppedAt        string        `json:"stopped_at"`
	NextCursor       string        `json:"next_cursor,omitempty"`
	Outcome          Outcome       `json:"outcome"`
	Throughput       float64       `json:"throughput_per_sec"`
	Err              error         `json:"-"`
}

// Records is the number of observations merged.
func (r RunReport) Records() int {
	return r.RecordsCreated + r.RecordsUpdated + r.RecordsUnchanged
}

// PageFetcher is the provider fetcher as seen by a run.
type PageFetcher interface {
	FetchPage(ctx context.Context, window models.Window, cursor string) (provider.Page, error)
}

// Merger is the reconciler as seen by a run.
type Merger interface {
	Merge(ctx context.Context, obs models.Observation) (reconcile.MergeResult, error)
}

type Config struct {
	MaxPages     int
	MergeTimeout time.Duration
	// Workers bounds concurrent merges within one page.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 5000
	}
	if c.MergeTimeout <= 0 {
		c.MergeTimeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	return c
}

// Orchestrator drives a fetcher page by page and feeds every observation to
// the reconciler.
type Orchestrator struct {
	newFetcher func() PageFetcher
	merger     Merger
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// New builds an orchestrator. newFetcher is called once per run so each run
// gets its own rate budget.
func New(newFetcher func() PageFetcher, merger Merger, cfg Config, log *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		newFetcher: newFetcher,
		merger:     merger,
		cfg:        cfg.withDefaults(),
		log:        log.Named("backfill"),
		metrics:    m,
	}
}

// Run crawls window starting at resumeCursor (empty for the first page).
// Cancelling ctx stops the run between pages; a page being merged is always
// finished.
func (o *Orchestrator) Run(ctx context.Context, window models.Window, resumeCursor string) RunReport {
	report := RunReport{
		RunID:     uuid.New(),
		Window:    window,
		StartedAt: time.Now(),
		StoppedAt: resumeCursor,
	}
	log := o.log.With(zap.String("run_id", report.RunID.String()))
	defer o.finish(log, &report)

	if !window.Valid() {
		o.stop(&report, OutcomeFatal, fmt.Errorf("invalid window [%s, %s)", window.Since, window.Until))
		return report
	}

	log.Info("backfill started",
		zap.Time("since", window.Since),
		zap.Time("until", window.Until),
		zap.String("resume_cursor", resumeCursor))

	fetcher := o.newFetcher()
	cursor := resumeCursor
	for {
		if err := ctx.Err(); err != nil {
			o.stop(&report, OutcomeCancelled, err)
			return report
		}
		if report.PagesFetched >= o.cfg.MaxPages {
			report.NextCursor = cursor
			o.stop(&report, OutcomePageLimit, fmt.Errorf("reached max pages (%d)", o.cfg.MaxPages))
			return report
		}

		page, err := fetcher.FetchPage(ctx, window, cursor)
		if err != nil {
			report.NextCursor = cursor
			o.stop(&report, classify(ctx, err), err)
			return report
		}
		report.PagesFetched++
		report.RecordsSkipped += page.Skipped

		if err := o.processPage(ctx, page, &report); err != nil {
			report.NextCursor = cursor
			o.stop(&report, OutcomeStoreFailed, err)
			return report
		}
		report.StoppedAt = page.Cursor
		report.NextCursor = page.NextCursor

		log.Debug("page processed",
			zap.Int("page", report.PagesFetched),
			zap.Int("observations", len(page.Observations)),
			zap.Int("created", report.RecordsCreated),
			zap.Int("updated", report.RecordsUpdated))
		if report.PagesFetched%50 == 0 {
			log.Info("backfill progress",
				zap.Int("pages", report.PagesFetched),
				zap.Int("records", report.Records()))
		}

		if page.Done {
			report.Outcome = OutcomeCompleted
			return report
		}
		cursor = page.NextCursor
	}
}

// processPage merges every observation of a page. Merges ignore run
// cancellation and are bounded by a per-merge timeout instead.
func (o *Orchestrator) processPage(ctx context.Context, page provider.Page, report *RunReport) error {
	base := context.WithoutCancel(ctx)
	var created, updated, unchanged atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)
	for _, obs := range page.Observations {
		g.Go(func() error {
			mctx, cancel := context.WithTimeout(base, o.cfg.MergeTimeout)
			defer cancel()

			res, err := o.merger.Merge(mctx, obs)
			if err != nil {
				return err
			}
			switch res {
			case reconcile.Created:
				created.Add(1)
			case reconcile.Updated:
				updated.Add(1)
			default:
				unchanged.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	report.RecordsCreated += int(created.Load())
	report.RecordsUpdated += int(updated.Load())
	report.RecordsUnchanged += int(unchanged.Load())
	return err
}

func classify(ctx context.Context, err error) Outcome {
	var failure *provider.FetchFailure
	var fatal *provider.FatalFetchError
	switch {
	case errors.As(err, &failure):
		return OutcomeFetchFailed
	case errors.As(err, &fatal):
		return OutcomeFatal
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeFetchFailed
	}
}

func (o *Orchestrator) stop(report *RunReport, outcome Outcome, err error) {
	report.Outcome = outcome
	report.Err = err
	if err != nil {
		report.Failures = append(report.Failures, err.Error())
	}
}

func (o *Orchestrator) finish(log *zap.Logger, report *RunReport) {
	report.FinishedAt = time.Now()
	if elapsed := report.FinishedAt.Sub(report.StartedAt).Seconds(); elapsed > 0 {
		report.Throughput = float64(report.Records()) / elapsed
	}
	o.metrics.SetLastRun(report.RecordsCreated, report.RecordsUpdated, report.RecordsUnchanged, report.FinishedAt)

	fields := []zap.Field{
		zap.String("outcome", string(report.Outcome)),
		zap.Int("pages", report.PagesFetched),
		zap.Int("created", report.RecordsCreated),
		zap.Int("updated", report.RecordsUpdated),
		zap.Int("unchanged", report.RecordsUnchanged),
		zap.Int("skipped", report.RecordsSkipped),
		zap.String("stopped_at", report.StoppedAt),
		zap.Float64("throughput", report.Throughput),
	}
	switch report.Outcome {
	case OutcomeCompleted:
		log.Info("backfill finished", fields...)
	case OutcomeCancelled, OutcomePageLimit:
		log.Warn("backfill stopped", fields...)
	default:
		log.Error("backfill failed", append(fields, zap.Error(report.Err))...)
	}
}
