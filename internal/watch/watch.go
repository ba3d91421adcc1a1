// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package watch implements cmd/streamio-pump's --watch mode: a single
// cron-scheduled tick that drains every regular file sitting in an input
// directory through a caller-supplied run function into an output
// directory. It is a one-job specialization of the teacher's multi-job
// agent scheduler (internal/agent/scheduler.go), which runs one cron
// entry per backup target — here there is exactly one schedule, and the
// "targets" are discovered fresh from the input directory on every tick
// instead of being fixed at startup.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/streamio/internal/config"
)

// RunFunc pumps one input file to its matching output path.
type RunFunc func(ctx context.Context, inPath, outPath string) error

// TickResult summarizes one scheduled drain of the input directory.
type TickResult struct {
	Processed int
	Failed    int
	Timestamp time.Time
}

// Scheduler runs RunFunc against every file in cfg.Watch.InputDir once
// per cfg.Watch.Schedule tick. Overlapping ticks are skipped, not queued,
// the same guard executeJob uses against a still-running backup.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	cfg    config.WatchConfig
	run    RunFunc

	mu         sync.Mutex
	running    bool
	LastResult *TickResult
}

// NewScheduler creates a Scheduler that invokes run for every file found
// in cfg.InputDir on each cfg.Schedule tick.
func NewScheduler(cfg config.WatchConfig, logger *slog.Logger, run RunFunc) (*Scheduler, error) {
	s := &Scheduler{logger: logger, cfg: cfg, run: run}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cfg.Schedule, s.executeTick); err != nil {
		return nil, fmt.Errorf("adding watch schedule %q: %w", cfg.Schedule, err)
	}
	s.cron = c
	return s, nil
}

// Start begins scheduled ticking.
func (s *Scheduler) Start() {
	s.logger.Info("watch scheduler started", "schedule", s.cfg.Schedule, "input_dir", s.cfg.InputDir)
	s.cron.Start()
}

// Stop halts ticking and waits for an in-flight tick to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("watch scheduler stopping")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("watch scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("watch scheduler stop timed out")
	}
}

func (s *Scheduler) executeTick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("watch tick skipped, previous tick still running")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	processed, failed := s.drainOnce(context.Background())
	s.LastResult = &TickResult{Processed: processed, Failed: failed, Timestamp: time.Now()}
	s.logger.Info("watch tick completed",
		"processed", processed,
		"failed", failed,
		"duration", time.Since(start),
	)
}

// drainOnce pumps every regular file currently in InputDir, removing each
// source file once its pump completes successfully. It returns the count
// of files processed and failed.
func (s *Scheduler) drainOnce(ctx context.Context) (processed, failed int) {
	entries, err := os.ReadDir(s.cfg.InputDir)
	if err != nil {
		s.logger.Error("watch: reading input dir failed", "dir", s.cfg.InputDir, "error", err)
		return 0, 0
	}

	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		s.logger.Error("watch: creating output dir failed", "dir", s.cfg.OutputDir, "error", err)
		return 0, 0
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		inPath := filepath.Join(s.cfg.InputDir, name)
		outPath := filepath.Join(s.cfg.OutputDir, name)

		if err := s.run(ctx, inPath, outPath); err != nil {
			s.logger.Error("watch: pump failed", "file", name, "error", err)
			failed++
			continue
		}
		if err := os.Remove(inPath); err != nil {
			s.logger.Warn("watch: pump succeeded but removing source failed", "file", name, "error", err)
		}
		processed++
	}
	return processed, failed
}
