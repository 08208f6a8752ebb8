package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stoik/smsledger/internal/models"
	"github.com/stoik/smsledger/services/reporting-service/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes paging, rate limiting and retries for one backfill run.
type Config struct {
	PageSize int
	// RateLimit requests are allowed per RateWindow.
	RateLimit      int
	RateWindow     time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Page is one normalized page of the provider log.
type Page struct {
	Observations []models.Observation
	// Cursor is the cursor this page was fetched with.
	Cursor string
	// NextCursor continues the crawl; empty when Done.
	NextCursor string
	Done       bool
	// Skipped counts entries that could not be normalized.
	Skipped int
	// OutOfWindow counts entries created outside the requested window.
	OutOfWindow int
}

// Fetcher pages through a LogAPI under a token bucket shared by every
// request it makes. Build one per run; it is safe for concurrent use.
type Fetcher struct {
	api     LogAPI
	cfg     Config
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewFetcher(api LogAPI, cfg Config, log *zap.Logger, m *metrics.Metrics) *Fetcher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	interval := cfg.RateWindow / time.Duration(cfg.RateLimit)
	return &Fetcher{
		api:     api,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(interval), cfg.RateLimit),
		log:     log.Named("fetcher"),
		metrics: m,
		now:     time.Now,
	}
}

// FetchPage fetches and normalizes the page at cursor. Requests over budget
// wait for a token. Transient errors are retried with exponential backoff; when
// attempts run out the error is a *FetchFailure. Anything else is a
// *FatalFetchError. Context cancellation is returned as is.
func (f *Fetcher) FetchPage(ctx context.Context, window models.Window, cursor string) (Page, error) {
	var (
		raw      *models.ProviderMessagePage
		attempts int
		waitErr  error
	)

	op := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			waitErr = err
			return backoff.Permanent(err)
		}
		attempts++
		page, err := f.api.ListMessages(ctx, window, cursor, f.cfg.PageSize)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		raw = page
		return nil
	}

	notify := func(err error, wait time.Duration) {
		f.metrics.IncFetchRetries()
		f.log.Warn("retrying page fetch",
			zap.String("cursor", cursor),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, f.backoff(ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{Cursor: cursor}, ctxErr
		}
		if waitErr != nil {
			return Page{Cursor: cursor}, waitErr
		}
		if IsTransient(err) {
			f.metrics.IncFetchFailure("exhausted")
			return Page{Cursor: cursor}, &FetchFailure{Cursor: cursor, Attempts: attempts, Err: err}
		}
		f.metrics.IncFetchFailure("fatal")
		return Page{Cursor: cursor}, &FatalFetchError{Cursor: cursor, Err: err}
	}
	if raw == nil {
		f.metrics.IncFetchFailure("fatal")
		return Page{Cursor: cursor}, &FatalFetchError{Cursor: cursor, Err: errors.New("empty response")}
	}

	f.metrics.IncPagesFetched()
	return f.normalize(window, cursor, raw), nil
}

func (f *Fetcher) backoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = f.cfg.BackoffInitial
	expo.MaxInterval = f.cfg.BackoffMax
	expo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(f.cfg.MaxAttempts-1)), ctx)
}

func (f *Fetcher) normalize(window models.Window, cursor string, raw *models.ProviderMessagePage) Page {
	page := Page{
		Cursor:       cursor,
		Observations: make([]models.Observation, 0, len(raw.Messages)),
	}
	fetchedAt := f.now().UTC()

	for _, m := range raw.Messages {
		obs, err := toObservation(m, fetchedAt)
		if err != nil {
			page.Skipped++
			f.log.Debug("skipping provider message", zap.Error(err))
			continue
		}
		if window.Valid() && !window.Contains(obs.CreatedAt) {
			page.OutOfWindow++
			continue
		}
		page.Observations = append(page.Observations, obs)
	}

	if raw.NextPageURI != nil && *raw.NextPageURI != "" && len(raw.Messages) > 0 {
		page.NextCursor = *raw.NextPageURI
	} else {
		page.Done = true
	}
	return page
}
