package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stoik/smsledger/services/reporting-service/internal/aggregate"
	"github.com/stoik/smsledger/services/reporting-service/internal/backfill"
	"github.com/stoik/smsledger/services/reporting-service/internal/config"
	"github.com/stoik/smsledger/services/reporting-service/internal/db"
	"github.com/stoik/smsledger/services/reporting-service/internal/logger"
	"github.com/stoik/smsledger/services/reporting-service/internal/metrics"
	"github.com/stoik/smsledger/services/reporting-service/internal/provider"
	"github.com/stoik/smsledger/services/reporting-service/internal/reconcile"
	"github.com/stoik/smsledger/services/reporting-service/internal/store"
	"github.com/stoik/smsledger/services/reporting-service/internal/webhook"
	"go.uber.org/zap"
)

// service holds the wired components shared by the commands.
type service struct {
	cfg        config.Config
	log        *zap.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	store      store.Store
	reconciler *reconcile.Reconciler
	receiver   *webhook.Receiver
	engine     *aggregate.Engine
	closers    []func()
}

func newService(ctx context.Context, cfg config.Config) (*service, error) {
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return buildService(ctx, cfg, log)
}

func buildService(ctx context.Context, cfg config.Config, log *zap.Logger) (*service, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &service{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  metrics.New(registry),
	}
	if err := s.openStore(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.reconciler = reconcile.New(s.store, log, reconcile.WithMetrics(s.metrics))
	s.receiver = webhook.NewReceiver(s.reconciler, webhook.Config{DedupeTTL: cfg.Webhook.DedupeTTL}, log, s.metrics)

	engine, err := newEngine(s.store, cfg.Reporting, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

func (s *service) openStore(ctx context.Context) error {
	switch s.cfg.Storage.Backend {
	case config.BackendPostgres:
		if err := db.Init(ctx, s.cfg.Database); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		s.store = store.NewPostgresStore(db.Pool)
	case config.BackendBadger:
		bs, err := store.OpenBadger(s.cfg.Storage.BadgerPath, s.log)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() {
			if err := bs.Close(); err != nil {
				s.log.Warn("failed to close badger", zap.Error(err))
			}
		})
		s.store = bs
	default:
		s.store = store.NewMemoryStore()
	}
	s.log.Info("canonical store ready", zap.String("backend", s.cfg.Storage.Backend))
	return nil
}

func newEngine(s aggregate.Scanner, cfg config.ReportingConfig, log *zap.Logger) (*aggregate.Engine, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	codes, err := cfg.Severities()
	if err != nil {
		return nil, err
	}
	severity := make(map[int]aggregate.Severity, len(codes))
	for code, sev := range codes {
		severity[code] = aggregate.ParseSeverity(sev)
	}
	return aggregate.NewEngine(s, aggregate.Config{
		Location:       loc,
		ErrorSeverity:  severity,
		CustomKeywords: cfg.CustomKeywords,
		TopErrors:      cfg.TopErrors,
	}, log)
}

func (s *service) providerClient() (*provider.Client, error) {
	p := s.cfg.Provider
	if !p.HasProvider() {
		return nil, fmt.Errorf("provider credentials not configured (provider.space_url, provider.project_id, provider.auth_token)")
	}
	return provider.NewClient(provider.ClientConfig{
		SpaceURL:  p.SpaceURL,
		ProjectID: p.ProjectID,
		AuthToken: p.AuthToken,
		Timeout:   p.Timeout,
	})
}

func (s *service) orchestrator() (*backfill.Orchestrator, error) {
	client, err := s.providerClient()
	if err != nil {
		return nil, err
	}
	return s.orchestratorFor(client), nil
}

func (s *service) orchestratorFor(api provider.LogAPI) *backfill.Orchestrator {
	p := s.cfg.Provider
	fetchCfg := provider.Config{
		PageSize:       p.PageSize,
		RateLimit:      p.RateLimit,
		RateWindow:     p.RateWindow,
		MaxAttempts:    p.MaxAttempts,
		BackoffInitial: p.BackoffInitial,
		BackoffMax:     p.BackoffMax,
	}
	newFetcher := func() backfill.PageFetcher {
		return provider.NewFetcher(api, fetchCfg, s.log, s.metrics)
	}
	return backfill.New(newFetcher, s.reconciler, backfill.Config{
		MaxPages:     s.cfg.Backfill.MaxPages,
		MergeTimeout: s.cfg.Backfill.MergeTimeout,
		Workers:      s.cfg.Backfill.Workers,
	}, s.log, s.metrics)
}

// health pings the store when it supports it.
func (s *service) health(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	_ = s.log.Sync()
}
