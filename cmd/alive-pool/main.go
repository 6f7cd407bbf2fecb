// Package main is the entry point for the pool host process: the
// scheduler, admission controller, and child-worker lifecycle manager.
// It owns no business logic of its own beyond
// wiring internal/pool.Manager and internal/pool.Reaper to configuration,
// an event bus, and a read-only observability HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eenlars/alive-sub006/internal/common/config"
	"github.com/eenlars/alive-sub006/internal/common/logger"
	"github.com/eenlars/alive-sub006/internal/events/bus"
	"github.com/eenlars/alive-sub006/internal/pool"
	"github.com/eenlars/alive-sub006/internal/pooldebug"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "alive-pool: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "alive-pool: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting alive-pool")

	if err := os.MkdirAll(cfg.Pool.SocketDir, 0o700); err != nil {
		log.Fatal("failed to create socket directory", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.Pool.SessionsBaseDir, 0o755); err != nil {
		log.Fatal("failed to create sessions base directory", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// Mirror every pool event into the structured log; external consumers
	// (metrics scrapers etc.) attach their own subscriptions over NATS.
	eventSub, err := eventBus.Subscribe("pool.>", func(_ context.Context, evt *bus.Event) error {
		log.Debug("pool event", zap.String("type", evt.Type), zap.Any("data", evt.Data))
		return nil
	})
	if err != nil {
		log.Fatal("failed to subscribe to pool events", zap.Error(err))
	}
	defer eventSub.Unsubscribe()

	manager := pool.GetOrInitDefault(func() *pool.Manager {
		return pool.NewManager(cfg.Pool, pool.NewOSSpawner(), eventBus, log)
	})
	reaper := pool.NewReaper(
		manager,
		cfg.Pool.SocketDir,
		cfg.Pool.InactivityTimeout(),
		cfg.Pool.MaxAge(),
		cfg.Pool.OrphanMaxAge(),
		cfg.Pool.OrphanSweepInterval(),
		log,
	)
	if err := reaper.Start(ctx); err != nil {
		log.Fatal("failed to start reaper", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(requestLogger(log))
	router.Use(gin.Recovery())
	pooldebug.RegisterRoutes(router, manager, log)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("observability server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("observability server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down alive-pool")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownTimeout()+10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("observability server shutdown error", zap.Error(err))
	}
	if err := reaper.Stop(); err != nil {
		log.Warn("reaper stop error", zap.Error(err))
	}
	if err := manager.ShutdownAll(shutdownCtx); err != nil {
		log.Error("pool shutdown error", zap.Error(err))
	}

	log.Info("alive-pool stopped")
}

// newEventBus picks NATS when a URL is configured, otherwise an in-memory
// bus, keeping NATS optional for local development.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.NATS, log)
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		c.Next()
		log.Debug("http",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
}

