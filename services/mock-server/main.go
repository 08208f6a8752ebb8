package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stoik/smsledger/services/mock-server/internal/mock"
	"go.uber.org/zap"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	port := getenv("PORT", "8080")
	projectID := getenv("MOCK_PROJECT_ID", "mock-project")
	authToken := getenv("MOCK_AUTH_TOKEN", "mock-token")
	seed, _ := strconv.Atoi(getenv("MOCK_SEED_MESSAGES", "5000"))

	gin.SetMode(gin.ReleaseMode)
	log := mock.NewLog(uint64(time.Now().UnixNano()))
	log.Generate(seed, 24*time.Hour)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go generatePeriodically(ctx, log, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: mock.NewServer(log, projectID, authToken, logger).Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting mock SignalWire API", zap.String("addr", srv.Addr), zap.String("project_id", projectID), zap.Int("messages", log.Len()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// generatePeriodically settles in-flight messages and adds fresh traffic every
// 30 seconds.
func generatePeriodically(ctx context.Context, log *mock.Log, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			settled := log.Settle()
			total := log.Generate(50, 30*time.Second)
			logger.Debug("generated traffic", zap.Int("settled", settled), zap.Int("total", total))
		}
	}
}
