// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sequentializer implements the random-write sequentializer (C4):
// it turns writes arriving at arbitrary target offsets, in arbitrary
// order, into a strictly sequential, gap-free byte stream delivered to a
// downstream ioface.FilterWriter sink.
package sequentializer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/streamio/internal/ioface"
)

// writeRequest is one entry in the ordered-by-offset queue. It is trimmed
// in place by isReadyToRun as the sequential offset catches up to it.
type writeRequest struct {
	buf    []byte
	start  int
	count  int
	offset uint64
}

// Stats is a snapshot of the sequentializer's current state, including the
// stall diagnostics described in SPEC_FULL.md D.2 — an addition over
// spec.md, not a replacement for its write-ordering semantics.
type Stats struct {
	SequentialOffset uint64
	EndOffset        uint64
	HasEndOffset     bool
	QueuedRequests   int
	QueuedBytes      int64
	IsComplete       bool

	// GapPresent is true when the head of the queue cannot yet run because
	// a byte range before it is still missing.
	GapPresent bool
	GapOffset  uint64
	GapAge     time.Duration
}

// RandomWriteSequentializer is the C4 component: see spec.md §4.4.
type RandomWriteSequentializer struct {
	mu     sync.Mutex
	sink   ioface.FilterWriter
	logger *slog.Logger

	onCompleted func(error)

	sequentialOffset  uint64
	endOffset         uint64
	hasEndOffset      bool
	finalWriteRequest *writeRequest
	isComplete        bool

	queue []*writeRequest

	outBuffer []byte
	outSize   int

	gapSince time.Time
}

// Options configures a RandomWriteSequentializer.
type Options struct {
	Sink        ioface.FilterWriter
	OnCompleted func(error)
	Logger      *slog.Logger
}

// New creates a RandomWriteSequentializer fronting sink.
func New(opts Options) *RandomWriteSequentializer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RandomWriteSequentializer{
		sink:        opts.Sink,
		onCompleted: opts.OnCompleted,
		logger:      logger,
	}
}

// Write enqueues a write at targetOffset and drains any now-contiguous
// prefix to the sink. It returns false if the sequentializer is already
// complete, or if a final write has been registered and this write would
// extend past its end offset.
func (s *RandomWriteSequentializer) Write(buf []byte, start, n int, targetOffset uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isComplete {
		return false
	}
	if s.finalWriteRequest != nil && targetOffset+uint64(n) > s.endOffset {
		return false
	}

	s.insertSortedLocked(&writeRequest{buf: buf, start: start, count: n, offset: targetOffset})

	if err := s.drainLocked(); err != nil {
		s.failLocked(err)
		return false
	}
	return true
}

// EndWrite registers the terminal write and fixes the stream's total size
// at targetOffset+n. It fails if already complete, if a final write was
// already registered, if a queued request already extends past the new
// end offset, or if the sequential offset has already passed it
// (shrinkage is never allowed).
//
// A final write whose range overlaps an already-queued request up to the
// end offset is accepted — the overlap is silently dropped at drain time
// by the same is_ready_to_run trimming applied to ordinary writes (spec.md
// §9 open question 3, resolved in DESIGN.md: accepted but logged).
func (s *RandomWriteSequentializer) EndWrite(buf []byte, start, n int, targetOffset uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isComplete || s.finalWriteRequest != nil {
		return false
	}

	end := targetOffset + uint64(n)
	for _, req := range s.queue {
		if req.offset+uint64(req.count) > end {
			return false
		}
	}
	if s.sequentialOffset > end {
		return false
	}

	s.endOffset = end
	s.hasEndOffset = true
	s.finalWriteRequest = &writeRequest{buf: buf, start: start, count: n, offset: targetOffset}

	if err := s.checkFinalWriteLocked(); err != nil {
		s.failLocked(err)
		return false
	}
	return true
}

// SetComplete transitions the sequentializer to its terminal state.
//
// abort==true clears the queue unconditionally and completes immediately
// (cancellation path). abort==false requires a final write to already be
// registered and the queue to be empty, then attempts to run the final
// write — it returns whether that attempt actually completed the stream
// (a persistent gap before the final write's offset leaves the
// sequentializer incomplete and returns false, even though the call
// itself was accepted).
func (s *RandomWriteSequentializer) SetComplete(abort bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isComplete {
		return false
	}
	if abort {
		s.queue = nil
		s.finalWriteRequest = nil
		s.isComplete = true
		if s.onCompleted != nil {
			s.onCompleted(nil)
		}
		return true
	}

	if s.finalWriteRequest == nil {
		return false
	}
	if len(s.queue) != 0 {
		return false
	}
	if err := s.checkFinalWriteLocked(); err != nil {
		s.failLocked(err)
		return false
	}
	return s.isComplete
}

// Stats returns a snapshot of the sequentializer's state.
func (s *RandomWriteSequentializer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		SequentialOffset: s.sequentialOffset,
		EndOffset:        s.endOffset,
		HasEndOffset:     s.hasEndOffset,
		QueuedRequests:   len(s.queue),
		IsComplete:       s.isComplete,
	}
	for _, req := range s.queue {
		st.QueuedBytes += int64(req.count)
	}
	if !s.gapSince.IsZero() {
		st.GapPresent = true
		st.GapOffset = s.sequentialOffset
		st.GapAge = time.Since(s.gapSince)
	}
	return st
}

// failLocked latches a downstream sink failure: per spec.md §4.4, "if any
// [write] throws, drop the queue and rethrow" — adapted to Go's
// error-return idiom as "drop the queue, latch the failure, and refuse
// all further calls".
func (s *RandomWriteSequentializer) failLocked(err error) {
	s.queue = nil
	s.isComplete = true
	s.logger.Error("sequentializer: downstream sink failed, dropping queue", "error", err)
	if s.onCompleted != nil {
		s.onCompleted(err)
	}
}

func (s *RandomWriteSequentializer) insertSortedLocked(req *writeRequest) {
	i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].offset >= req.offset })
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = req
}

// drainLocked walks the ordered queue, commits every contiguous-ready
// prefix to the sink, and checks for final-write completion.
func (s *RandomWriteSequentializer) drainLocked() error {
	ready := s.collectReadyLocked()
	for _, req := range ready {
		if err := s.performWriteLocked(req); err != nil {
			return err
		}
	}
	s.updateGapLocked()
	return s.checkFinalWriteLocked()
}

// collectReadyLocked removes the contiguous-ready prefix of the queue,
// trimming overlap with already-committed data via isReadyToRun, and
// advances sequentialOffset by the accepted byte count.
func (s *RandomWriteSequentializer) collectReadyLocked() []*writeRequest {
	serialWriteOffset := s.sequentialOffset
	i := 0
	var ready []*writeRequest
	for i < len(s.queue) {
		req := s.queue[i]
		ok, newStart, newCount := isReadyToRun(serialWriteOffset, req.start, req.count, req.offset)
		if !ok {
			break
		}
		req.start, req.count = newStart, newCount
		serialWriteOffset += uint64(newCount)
		ready = append(ready, req)
		i++
	}
	s.queue = s.queue[i:]
	s.sequentialOffset = serialWriteOffset
	return ready
}

// isReadyToRun evaluates whether a queued request can be committed now
// given the current sequential offset, trimming the part already written.
func isReadyToRun(sequentialOffset uint64, start, count int, offset uint64) (ready bool, newStart, newCount int) {
	delta := int64(sequentialOffset) - int64(offset)
	if delta < 0 {
		return false, start, count
	}
	if delta >= int64(count) {
		return true, start, 0
	}
	return true, start + int(delta), count - int(delta)
}

func (s *RandomWriteSequentializer) updateGapLocked() {
	if len(s.queue) > 0 && s.queue[0].offset > s.sequentialOffset {
		if s.gapSince.IsZero() {
			s.gapSince = time.Now()
		}
		return
	}
	s.gapSince = time.Time{}
}

// performWriteLocked emits one ready request to the sink, coalescing
// through the 8-byte-aligned carry-over slab when the sink accepts only a
// prefix.
func (s *RandomWriteSequentializer) performWriteLocked(req *writeRequest) error {
	if req.count == 0 {
		return nil
	}
	data := req.buf[req.start : req.start+req.count]

	if s.outSize > 0 {
		s.carryOver(data)
		return s.flushOutBufferLocked()
	}

	accepted, err := s.sink.Write(data, 0, len(data))
	if err != nil {
		return err
	}
	if accepted < len(data) {
		s.carryOver(data[accepted:])
		return s.flushOutBufferLocked()
	}
	return nil
}

// flushOutBufferLocked retries writing the carry-over slab; a sink that
// accepts nothing leaves the slab intact for the next drain.
func (s *RandomWriteSequentializer) flushOutBufferLocked() error {
	for s.outSize > 0 {
		accepted, err := s.sink.Write(s.outBuffer, 0, s.outSize)
		if err != nil {
			return err
		}
		if accepted <= 0 {
			return nil
		}
		remaining := s.outSize - accepted
		copy(s.outBuffer, s.outBuffer[accepted:s.outSize])
		s.outSize = remaining
	}
	return nil
}

// carryOver appends data to the carry-over slab, growing its backing
// array to an 8-byte-aligned capacity only when it must grow.
func (s *RandomWriteSequentializer) carryOver(data []byte) {
	needed := s.outSize + len(data)
	if cap(s.outBuffer) < needed {
		newCap := ((needed + 7) / 8) * 8
		grown := make([]byte, newCap)
		copy(grown, s.outBuffer[:s.outSize])
		s.outBuffer = grown
	} else if len(s.outBuffer) < needed {
		s.outBuffer = s.outBuffer[:cap(s.outBuffer)]
	}
	copy(s.outBuffer[s.outSize:needed], data)
	s.outSize = needed
}

// checkFinalWriteLocked fires the terminal write once the queue has
// drained and the registered final request is itself ready to run.
func (s *RandomWriteSequentializer) checkFinalWriteLocked() error {
	if len(s.queue) != 0 || s.finalWriteRequest == nil {
		return nil
	}
	req := s.finalWriteRequest
	ready, newStart, newCount := isReadyToRun(s.sequentialOffset, req.start, req.count, req.offset)
	if !ready {
		return nil
	}
	if newCount < req.count {
		s.logger.Warn("sequentializer: final write overlaps already-queued data, dropping the overlap",
			"final_offset", req.offset, "final_count", req.count, "trimmed_count", newCount)
	}
	req.start, req.count = newStart, newCount

	if req.count > 0 {
		s.carryOver(req.buf[req.start : req.start+req.count])
	}
	err := s.sink.FinalWrite(s.outBuffer, 0, s.outSize)
	s.outSize = 0
	if err != nil {
		return err
	}

	s.isComplete = true
	s.finalWriteRequest = nil
	s.gapSince = time.Time{}
	if s.onCompleted != nil {
		s.onCompleted(nil)
	}
	return nil
}
