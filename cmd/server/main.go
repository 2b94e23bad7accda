package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stockfeed/stockfeed/internal/api"
	"github.com/stockfeed/stockfeed/internal/app"
	"github.com/stockfeed/stockfeed/pkg/config"
	"github.com/stockfeed/stockfeed/pkg/logging"
	"github.com/stockfeed/stockfeed/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting Stockfeed API Server")

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	if strings.EqualFold(cfg.Logging.Level, "DEBUG") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	health := map[string]api.HealthChecker{"database": a.DB}
	if a.Redis != nil {
		health["redis"] = a.Redis
	}

	router := api.NewRouter(api.Options{
		Posts:        a.Service,
		Feed:         a.Snapshot,
		PostSource:   a.Posts,
		Memory:       a.Memory,
		Prices:       a.Quotes,
		Invalidator:  a.Trigger,
		Updater:      a.Updater,
		Limiter:      api.NewWriteLimiter(a.Redis, cfg.RateLimit.WritesPerMinute),
		Health:       health,
		AdminToken:   cfg.Server.AdminToken,
		CacheControl: cfg.Blob.CacheControl,
	})
	router.SetupRoutes(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// Invalidations published by peers and by the updater. Losing the
	// subscription only delays freshness until the cache windows expire.
	g.Go(func() error {
		if err := a.Bus.Subscribe(gctx, a.Trigger.HandleRemote); err != nil {
			logger.Error("Invalidation subscription stopped", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}

	logger.Info("Server exited")
}
