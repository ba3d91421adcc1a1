// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pump

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

const (
	defaultBackpressureInterval = 15 * time.Second
	defaultHighWatermarkPercent = 90.0
)

// BackpressureMonitor periodically samples system memory pressure and
// feeds it into ExhaustivePump's concurrency throttling. It is optional
// and off by default — an ExhaustivePump without one behaves exactly as
// spec.md §4.6 describes, with a fixed slot count.
//
// Grounded on internal/agent/monitor.go's SystemMonitor: the same
// ticker-driven sampler shape, repurposed from reporting stats to gating
// a caller's concurrency instead.
type BackpressureMonitor struct {
	logger        *slog.Logger
	interval      time.Duration
	highWatermark float64

	mu          sync.RWMutex
	usedPercent float64

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewBackpressureMonitor creates a monitor sampling memory usage every
// interval (default 15s), considering the system under pressure once
// used memory crosses highWatermarkPercent (default 90).
func NewBackpressureMonitor(logger *slog.Logger, interval time.Duration, highWatermarkPercent float64) *BackpressureMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultBackpressureInterval
	}
	if highWatermarkPercent <= 0 {
		highWatermarkPercent = defaultHighWatermarkPercent
	}
	return &BackpressureMonitor{
		logger:        logger.With("component", "backpressure_monitor"),
		interval:      interval,
		highWatermark: highWatermarkPercent,
		closeCh:       make(chan struct{}),
	}
}

// Start begins periodic sampling.
func (m *BackpressureMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the sampler goroutine to exit.
func (m *BackpressureMonitor) Stop() {
	close(m.closeCh)
	m.wg.Wait()
}

func (m *BackpressureMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *BackpressureMonitor) sample() {
	v, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Debug("failed to sample memory", "error", err)
		return
	}
	m.mu.Lock()
	m.usedPercent = v.UsedPercent
	m.mu.Unlock()
}

// Throttled reports whether memory pressure is currently above the high
// watermark.
func (m *BackpressureMonitor) Throttled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usedPercent >= m.highWatermark
}

// UsedPercent returns the last sampled memory-used percentage.
func (m *BackpressureMonitor) UsedPercent() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usedPercent
}
