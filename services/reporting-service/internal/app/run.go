package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/stoik/smsledger/services/reporting-service/internal/backfill"
	"github.com/stoik/smsledger/services/reporting-service/internal/webhook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reporting service",
	Long:  "Serves the reporting API and DLR webhook, consumes DLR events from NATS and backfills the provider log on a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := newService(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()
		log := svc.log

		var opts []ServerOption
		opts = append(opts, WithHealthCheck(svc.health))

		var scheduler *backfill.Scheduler
		if cfg.Provider.HasProvider() {
			orchestrator, err := svc.orchestrator()
			if err != nil {
				return err
			}
			scheduler = backfill.NewScheduler(orchestrator, cfg.Backfill.Interval, cfg.Backfill.Lookback, log)
			opts = append(opts, WithLastRun(scheduler.Last), WithBackfill(scheduler.Trigger))
		} else {
			log.Warn("provider credentials not configured, scheduled backfill disabled")
		}

		loc, err := cfg.Reporting.Location()
		if err != nil {
			return err
		}
		server := NewServer(svc.engine, webhook.NewHandler(svc.receiver, log), svc.registry, svc.metrics, loc, log, opts...)
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		var nc *nats.Conn
		if cfg.NATS.URL != "" {
			nc, err = nats.Connect(cfg.NATS.URL, nats.Name("smsledger-reporting"))
			if err != nil {
				return fmt.Errorf("failed to connect to nats: %w", err)
			}
			defer nc.Close()
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})

		if scheduler != nil {
			g.Go(func() error {
				return scheduler.Run(gctx)
			})
		}

		if nc != nil {
			sub := webhook.NewSubscriber(svc.receiver, cfg.NATS.Subject, cfg.NATS.Queue, log)
			g.Go(func() error {
				return sub.Run(gctx, nc)
			})
		}

		err = g.Wait()
		fmt.Println("\nShutting down gracefully...")
		if scheduler != nil && !scheduler.Shutdown(shutdownTimeout) {
			fmt.Println("Warning: a backfill run may not have completed")
		}
		return err
	},
}
