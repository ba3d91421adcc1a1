// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pump

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/streamio/internal/ioface"
	"github.com/nishisan-dev/streamio/internal/ioresult"
)

// defaultExhaustiveConcurrency is the bounded parallelism spec.md §4.6
// specifies as a constant default.
const defaultExhaustiveConcurrency = 8

// ExhaustiveOptions configures an ExhaustivePump.
type ExhaustiveOptions struct {
	Source      ioface.SerialAsyncReader
	Sink        ioface.RandomAsyncWriter
	BufferSize  int
	Concurrency int // 0 uses the default of 8
	Logger      *slog.Logger

	// Monitor, if set, halves the pump's effective concurrency while
	// memory pressure is above its high watermark. Off by default — a
	// nil Monitor means Drain always runs the full Concurrency slots.
	Monitor *BackpressureMonitor
}

// ExhaustivePump is the C6 orchestrator: it drains a source until it
// temporarily or terminally runs out, with a bounded number of read/write
// slots running concurrently (spec.md §4.6).
type ExhaustivePump struct {
	source      ioface.SerialAsyncReader
	sink        ioface.RandomAsyncWriter
	bufSize     int
	concurrency int
	logger      *slog.Logger
	monitor     *BackpressureMonitor
}

// NewExhaustivePump creates an ExhaustivePump fronting source and sink.
func NewExhaustivePump(opts ExhaustiveOptions) *ExhaustivePump {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultExhaustiveConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExhaustivePump{
		source:      opts.Source,
		sink:        opts.Sink,
		bufSize:     opts.BufferSize,
		concurrency: concurrency,
		logger:      logger,
		monitor:     opts.Monitor,
	}
}

// allowedConcurrency returns how many slots may currently issue new
// reads. With no monitor configured it's always the full concurrency;
// under memory pressure it halves (floor 1), shedding the
// highest-indexed slots first.
func (p *ExhaustivePump) allowedConcurrency() int {
	if p.monitor == nil || !p.monitor.Throttled() {
		return p.concurrency
	}
	reduced := p.concurrency / 2
	if reduced < 1 {
		reduced = 1
	}
	return reduced
}

// Drain pumps the source to the sink until the chain terminates: either a
// slot observes a short, non-terminal read (the source is temporarily
// exhausted — Drain returns true, "more may arrive later") or a slot
// observes is_end (the stream is definitively over — Drain returns
// false). All slots stop issuing new reads the moment either is observed;
// writes already dispatched still run to completion.
func (p *ExhaustivePump) Drain(ctx context.Context) (bool, error) {
	var (
		mu         sync.Mutex
		stopped    bool
		isComplete bool
		firstErr   error
	)

	// tryStop claims the right to perform the chain's one terminal action
	// (the end_write, the last short write, or reporting the fault).
	// Concurrent slots can observe is_end in the same instant once the
	// source is exhausted — only the first to call tryStop actually acts
	// on it; the rest just stop.
	tryStop := func(complete bool) bool {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return false
		}
		stopped = true
		isComplete = complete
		return true
	}
	setErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}
	shouldStop := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopped
	}

	var wg sync.WaitGroup
	wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		slotIndex := i
		go func() {
			defer wg.Done()
			p.runSlot(ctx, slotIndex, shouldStop, tryStop, setErr)
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return false, firstErr
	}
	return !isComplete, nil
}

func (p *ExhaustivePump) runSlot(ctx context.Context, slotIndex int, shouldStop func() bool, tryStop func(complete bool) bool, setErr func(error)) {
	for {
		if shouldStop() || ctx.Err() != nil {
			return
		}
		if slotIndex >= p.allowedConcurrency() {
			// Shed this slot under memory pressure: back off and
			// re-check rather than issuing another read.
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		buf := make([]byte, p.bufSize)
		fut := p.source.ReadAsync(ctx, buf, 0, p.bufSize)

		var res ioresult.Result
		var err error
		if fut == nil {
			res = ioresult.Result{IsEnd: true}
		} else {
			res, err = fut.Wait(ctx)
		}
		if err != nil {
			if tryStop(false) {
				setErr(err)
			}
			return
		}

		switch {
		case res.IsEnd:
			if !tryStop(true) {
				return
			}
			if err := p.awaitWrite(ctx, p.sink.EndWriteAsync(ctx, buf, 0, int(res.Count), res.Offset)); err != nil {
				setErr(err)
			}
			return

		case res.Count > 0 && int(res.Count) < len(buf):
			if !tryStop(false) {
				return
			}
			p.logger.Debug("exhaustive pump: short read, marking slot exhausted", "offset", res.Offset, "count", res.Count)
			if err := p.awaitWrite(ctx, p.sink.WriteAsync(ctx, buf, 0, int(res.Count), res.Offset)); err != nil {
				setErr(err)
			}
			return

		default:
			if res.Count > 0 {
				if err := p.awaitWrite(ctx, p.sink.WriteAsync(ctx, buf, 0, int(res.Count), res.Offset)); err != nil {
					if tryStop(false) {
						setErr(err)
					}
					return
				}
			}
			// Full read, not the end — chain another read on this slot.
		}
	}
}

func (p *ExhaustivePump) awaitWrite(ctx context.Context, fut *ioface.Future) error {
	if fut == nil {
		return nil
	}
	_, err := fut.Wait(ctx)
	return err
}
