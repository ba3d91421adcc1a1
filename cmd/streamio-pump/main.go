// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/streamio/internal/config"
	"github.com/nishisan-dev/streamio/internal/logging"
	"github.com/nishisan-dev/streamio/internal/runner"
	"github.com/nishisan-dev/streamio/internal/watch"
)

// stopTimeout bounds how long runWatch waits for an in-flight tick to
// finish before giving up on a graceful shutdown.
const stopTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "/etc/streamio-pump/pipeline.yaml", "path to pipeline config file")
	inPath := flag.String("in", "", "input file path (single-run mode)")
	outPath := flag.String("out", "", "output file path (single-run mode)")
	watchMode := flag.Bool("watch", false, "run in watch mode, draining watch.input_dir on watch.schedule")
	flag.Parse()

	cfg, err := config.LoadPipelineConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")

	if *watchMode {
		runWatch(cfg, logger)
		return
	}

	if *inPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -in and -out are required outside --watch mode")
		os.Exit(1)
	}

	res, err := runner.Run(context.Background(), cfg, logger, *inPath, *outPath)
	if err != nil {
		logger.Error("pump failed", "error", err)
		os.Exit(1)
	}
	logger.Info("pump completed",
		"bytes_in", res.BytesIn,
		"compression", res.Compress,
		"sha256", res.SHA256,
	)
}

// runWatch drives the --watch daemon: one pump run per file discovered in
// watch.input_dir on every watch.schedule tick, until SIGINT/SIGTERM.
func runWatch(cfg *config.PipelineConfig, logger *slog.Logger) {
	if cfg.Watch.Schedule == "" {
		logger.Error("watch.schedule must be set to use --watch")
		os.Exit(1)
	}

	run := func(ctx context.Context, inPath, outPath string) error {
		res, err := runner.Run(ctx, cfg, logger, inPath, outPath)
		if err != nil {
			return err
		}
		logger.Info("pump completed",
			"input", inPath,
			"output", outPath,
			"bytes_in", res.BytesIn,
			"compression", res.Compress,
			"sha256", res.SHA256,
		)
		return nil
	}

	sched, err := watch.NewScheduler(cfg.Watch, logger, run)
	if err != nil {
		logger.Error("failed to start watch scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	sched.Stop(stopCtx)
}
