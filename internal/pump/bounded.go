// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pump

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/streamio/internal/ioface"
	"github.com/nishisan-dev/streamio/internal/ioresult"
)

// ErrPumpProtocolViolation is surfaced when the sink refuses a write that
// the bounded pump's own bookkeeping guarantees should still be live (an
// index at or before end_read_index), per spec.md §4.5 step 3.
var ErrPumpProtocolViolation = errors.New("pump: sink refused a write still within the announced range")

// BoundedOptions configures a BoundedPump.
type BoundedOptions struct {
	Source    ioface.SerialAsyncReader
	Sink      ioface.RandomAsyncWriter
	ChunkSize int
	Logger    *slog.Logger
}

// BoundedPump is the C5 orchestrator: it drives a known byte count from a
// serial async source to a random-offset sink, expecting read completions
// out of order (spec.md §4.5).
type BoundedPump struct {
	source    ioface.SerialAsyncReader
	sink      ioface.RandomAsyncWriter
	chunkSize int
	logger    *slog.Logger

	mu              sync.Mutex
	readIndex       uint32
	endReadComplete bool
	endReadIndex    uint32
	totalSize       uint64
	lifecycle       *Scope
	err             error

	minOffset uint64
	sumCount  uint64
	anyIsEnd  bool

	resolve func(ioresult.Result, error)
}

// NewBoundedPump creates a BoundedPump fronting source and sink.
func NewBoundedPump(opts BoundedOptions) *BoundedPump {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BoundedPump{
		source:    opts.Source,
		sink:      opts.Sink,
		chunkSize: opts.ChunkSize,
		logger:    logger,
		lifecycle: NewScope(),
	}
}

// PumpData schedules up to ceil(count/chunk_size) parallel reads on the
// source, each into a freshly allocated chunk buffer, and returns a future
// that resolves with the aggregated IOResult (min-offset, total bytes,
// any-is-end) once every read and every write it spawned has completed.
//
// Returns nil immediately if the pump has already reached
// reading-complete. Callers must not call PumpData again after the
// returned future resolves.
func (p *BoundedPump) PumpData(ctx context.Context, count int64) *ioface.Future {
	p.mu.Lock()
	if p.endReadComplete || p.lifecycle.Canceled() {
		p.mu.Unlock()
		return nil
	}
	fut, resolve := ioface.NewFuture()
	p.resolve = resolve
	p.minOffset = ioresult.NoOffset
	p.mu.Unlock()

	numReads := 0
	if count > 0 {
		numReads = int((count + int64(p.chunkSize) - 1) / int64(p.chunkSize))
	}

	scope := NewScope()
	scope.Add(numReads)

	remaining := count
	for i := 0; i < numReads; i++ {
		if p.lifecycle.Canceled() {
			scope.Add(-(numReads - i))
			break
		}
		size := p.chunkSize
		if int64(size) > remaining {
			size = int(remaining)
		}
		remaining -= int64(size)

		p.mu.Lock()
		idx := p.readIndex
		p.readIndex++
		p.mu.Unlock()

		offset := uint64(idx) * uint64(p.chunkSize)

		// The read is issued synchronously, in index order, matching the
		// source's own serial cursor — only its completion is awaited
		// asynchronously, which is what allows completions to arrive out
		// of order.
		buf := make([]byte, size)
		fut := p.source.ReadAsync(ctx, buf, 0, size)
		go p.awaitRead(ctx, scope, idx, offset, buf, fut)
	}

	go func() {
		<-scope.Done()
		p.finish()
	}()

	return fut
}

// Cancel latches cancellation: no more reads will be scheduled by an
// in-flight PumpData call, and already-scheduled reads that complete
// afterwards ignore their continuations. Active writes already dispatched
// still run to completion.
func (p *BoundedPump) Cancel() {
	p.lifecycle.Cancel()
}

// awaitRead waits on a read future already issued synchronously (in index
// order) by PumpData's scheduling loop. Only the wait — never the issuing
// ReadAsync call itself — runs off the main loop, which is what lets
// completions resolve out of order while reads are still handed to the
// source strictly in index order.
func (p *BoundedPump) awaitRead(ctx context.Context, scope *Scope, idx uint32, offset uint64, buf []byte, fut *ioface.Future) {
	defer scope.Add(-1)

	var res ioresult.Result
	var err error
	if fut == nil {
		// The null task: the source already reached its serial
		// completion before this read was even issued.
		res = ioresult.End(offset)
	} else {
		res, err = fut.Wait(ctx)
	}

	p.handleReadCompletion(ctx, scope, idx, offset, buf, res, err)
}

// handleReadCompletion implements spec.md §4.5 step 2 under a single lock,
// then spec.md §4.5 step 3 (the write) outside it.
func (p *BoundedPump) handleReadCompletion(ctx context.Context, scope *Scope, idx uint32, offset uint64, buf []byte, res ioresult.Result, readErr error) {
	p.mu.Lock()

	if p.err != nil || p.lifecycle.Canceled() || (p.endReadComplete && idx > p.endReadIndex) {
		p.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		p.mu.Unlock()
		p.lifecycle.Cancel()
		return
	}
	if readErr != nil {
		p.err = readErr
		p.mu.Unlock()
		return
	}

	if offset < p.minOffset {
		p.minOffset = offset
	}
	p.sumCount += uint64(res.Count)
	if res.IsEnd {
		p.anyIsEnd = true
	}

	firstEnd := false
	if res.IsEnd && !p.endReadComplete {
		p.endReadComplete = true
		p.endReadIndex = idx
		p.totalSize = offset + uint64(res.Count)
		firstEnd = true
	}
	shouldWrite := res.Count > 0 || firstEnd
	isEndChunk := res.IsEnd

	p.mu.Unlock()

	if !shouldWrite {
		return
	}
	scope.Add(1)
	go p.scheduleWrite(ctx, scope, idx, offset, buf, int(res.Count), isEndChunk)
}

func (p *BoundedPump) scheduleWrite(ctx context.Context, scope *Scope, idx uint32, offset uint64, buf []byte, n int, isEnd bool) {
	defer scope.Add(-1)

	var fut *ioface.Future
	if isEnd {
		fut = p.sink.EndWriteAsync(ctx, buf, 0, n, offset)
	} else {
		fut = p.sink.WriteAsync(ctx, buf, 0, n, offset)
	}

	accepted := true
	if fut != nil {
		res, err := fut.Wait(ctx)
		if err != nil {
			p.latchError(err)
			return
		}
		accepted = res.Offset != ioresult.NoOffset
	}
	if accepted {
		return
	}

	p.mu.Lock()
	stillWithinRange := !p.endReadComplete || idx <= p.endReadIndex
	p.mu.Unlock()
	if stillWithinRange {
		p.logger.Error("pump: sink refused a write within the announced range", "index", idx, "offset", offset)
		p.latchError(ErrPumpProtocolViolation)
	}
}

func (p *BoundedPump) latchError(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

func (p *BoundedPump) finish() {
	p.mu.Lock()
	minOffset := p.minOffset
	count := uint32(p.sumCount)
	isEnd := p.anyIsEnd
	err := p.err
	canceled := p.lifecycle.Canceled()
	resolve := p.resolve
	p.mu.Unlock()

	switch {
	case canceled:
		resolve(ioresult.Result{}, context.Canceled)
	case err != nil:
		resolve(ioresult.Result{}, err)
	default:
		resolve(ioresult.Result{Offset: minOffset, Count: count, IsEnd: isEnd}, nil)
	}
}
