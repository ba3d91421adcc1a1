// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pump

import "testing"

func TestExhaustivePump_AllowedConcurrencyWithoutMonitor(t *testing.T) {
	p := NewExhaustivePump(ExhaustiveOptions{Concurrency: 8})
	if got := p.allowedConcurrency(); got != 8 {
		t.Fatalf("expected full concurrency with no monitor configured, got %d", got)
	}
}

func TestExhaustivePump_AllowedConcurrencyHalvesUnderPressure(t *testing.T) {
	mon := NewBackpressureMonitor(nil, 0, 50) // watermark 50%, never started
	mon.mu.Lock()
	mon.usedPercent = 95
	mon.mu.Unlock()

	p := NewExhaustivePump(ExhaustiveOptions{Concurrency: 8, Monitor: mon})
	if got := p.allowedConcurrency(); got != 4 {
		t.Fatalf("expected concurrency halved to 4 under pressure, got %d", got)
	}
}

func TestExhaustivePump_AllowedConcurrencyFloorsAtOne(t *testing.T) {
	mon := NewBackpressureMonitor(nil, 0, 50)
	mon.mu.Lock()
	mon.usedPercent = 99
	mon.mu.Unlock()

	p := NewExhaustivePump(ExhaustiveOptions{Concurrency: 1, Monitor: mon})
	if got := p.allowedConcurrency(); got != 1 {
		t.Fatalf("expected concurrency to floor at 1, got %d", got)
	}
}
