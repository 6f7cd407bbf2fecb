// Package main is the entry point for one pool worker child process. It is
// exec'd by the pool host (cmd/alive-pool) with the environment contract
// documented in internal/poolworker.Config, never invoked directly by a
// human operator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/eenlars/alive-sub006/internal/common/logger"
	"github.com/eenlars/alive-sub006/internal/poolworker"
	"github.com/eenlars/alive-sub006/internal/poolworker/claudert"
)

func main() {
	cfg, err := poolworker.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "alive-worker: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "info",
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "alive-worker: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runtime := claudert.New(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	w := poolworker.NewWorker(cfg, runtime, log)

	if err := w.Run(ctx); err != nil {
		log.Error("worker exited with error", zap.Error(err))
		os.Exit(1)
	}
}
