// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-bro/internal/config"
	"github.com/nishisan-dev/n-bro/internal/logging"
	"github.com/nishisan-dev/n-bro/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/nbro/orchestrator.yaml", "path to orchestrator config file")
	flag.Parse()

	cfg, err := config.LoadOrchestratorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := server.Run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("orchestrator stopped")
}
