// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pump

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/nishisan-dev/streamio/internal/ioface"
	"github.com/nishisan-dev/streamio/internal/ioresult"
)

// chainedSource hands out fixed-size chunks from an in-memory slice,
// reporting a short final read followed by is_end, or a fault at a given
// call count. It is "serial" in the sense the C6 pump relies on: each
// ReadAsync call advances the shared cursor synchronously, so slots racing
// each other for reads never observe overlapping ranges.
type chainedSource struct {
	mu      sync.Mutex
	data    []byte
	cursor  int
	faultAt int // -1 disables; otherwise the 1-based call count that faults
	calls   int
}

func (s *chainedSource) Size() (int64, bool) { return int64(len(s.data)), true }

func (s *chainedSource) ReadAsync(ctx context.Context, buf []byte, start, n int) *ioface.Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	fut, resolve := ioface.NewFuture()
	if s.faultAt >= 0 && s.calls == s.faultAt {
		resolve(ioresult.Result{}, errors.New("simulated read fault"))
		return fut
	}

	off := s.cursor
	remaining := len(s.data) - s.cursor
	if remaining <= 0 {
		resolve(ioresult.Result{Offset: uint64(off), IsEnd: true}, nil)
		return fut
	}
	count := n
	if count > remaining {
		count = remaining
	}
	copy(buf[start:start+count], s.data[s.cursor:s.cursor+count])
	s.cursor += count
	resolve(ioresult.Result{Offset: uint64(off), Count: uint32(count)}, nil)
	return fut
}

// recordingRandomSink is a RandomAsyncWriter that records every accepted
// write by offset, for reassembly checks, plus counts of end_write calls.
type recordingRandomSink struct {
	mu       sync.Mutex
	writes   map[uint64][]byte
	endCalls int
}

func newRecordingRandomSink() *recordingRandomSink {
	return &recordingRandomSink{writes: make(map[uint64][]byte)}
}

func (s *recordingRandomSink) WriteAsync(ctx context.Context, buf []byte, start, n int, targetOffset uint64) *ioface.Future {
	fut, resolve := ioface.NewFuture()
	s.mu.Lock()
	cp := make([]byte, n)
	copy(cp, buf[start:start+n])
	s.writes[targetOffset] = cp
	s.mu.Unlock()
	resolve(ioresult.Result{Offset: targetOffset, Count: uint32(n)}, nil)
	return fut
}

func (s *recordingRandomSink) EndWriteAsync(ctx context.Context, buf []byte, start, n int, targetOffset uint64) *ioface.Future {
	s.mu.Lock()
	s.endCalls++
	if n > 0 {
		cp := make([]byte, n)
		copy(cp, buf[start:start+n])
		s.writes[targetOffset] = cp
	}
	s.mu.Unlock()
	fut, resolve := ioface.NewFuture()
	resolve(ioresult.Result{Offset: targetOffset, Count: uint32(n)}, nil)
	return fut
}

func (s *recordingRandomSink) SetCompleteAsync(ctx context.Context, abort bool) *ioface.Future {
	fut, resolve := ioface.NewFuture()
	resolve(ioresult.Result{}, nil)
	return fut
}

func (s *recordingRandomSink) reassembled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var offsets []uint64
	for off := range s.writes {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	var out []byte
	for _, off := range offsets {
		out = append(out, s.writes[off]...)
	}
	return out
}

// A source that is an exact multiple of the buffer size terminates with a
// separate zero-byte is_end read. Drain must report the stream complete
// (false, "no more may come") and call end_write exactly once.
func TestExhaustivePump_TerminatesOnIsEnd(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	src := &chainedSource{data: data, faultAt: -1}
	sink := newRecordingRandomSink()

	p := NewExhaustivePump(ExhaustiveOptions{Source: src, Sink: sink, BufferSize: 32, Concurrency: 4})
	moreMayCome, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if moreMayCome {
		t.Fatal("expected moreMayComeLater == false once is_end observed")
	}
	if sink.endCalls != 1 {
		t.Fatalf("expected exactly one end_write, got %d", sink.endCalls)
	}
	got := sink.reassembled()
	if len(got) != len(data) {
		t.Fatalf("expected %d bytes reassembled, got %d", len(data), len(got))
	}
	for i, b := range got {
		if b != data[i] {
			t.Fatalf("mismatch at offset %d: want %d got %d", i, data[i], b)
		}
	}
}

// A source shorter than an exact multiple of the buffer size yields a
// short, non-terminal final read. Drain must report moreMayComeLater ==
// true and never call end_write.
func TestExhaustivePump_ShortReadSignalsTemporaryExhaustion(t *testing.T) {
	data := make([]byte, 100) // not a multiple of 32
	src := &chainedSource{data: data, faultAt: -1}
	sink := newRecordingRandomSink()

	p := NewExhaustivePump(ExhaustiveOptions{Source: src, Sink: sink, BufferSize: 32, Concurrency: 1})
	moreMayCome, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !moreMayCome {
		t.Fatal("expected moreMayComeLater == true on a short, non-terminal read")
	}
	if sink.endCalls != 0 {
		t.Fatal("expected end_write to never be called on temporary exhaustion")
	}
	got := sink.reassembled()
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes reassembled, got %d", len(got))
	}
}

// A read fault must surface as an error from Drain; writes already in
// flight for earlier reads still land.
func TestExhaustivePump_ReadFaultPropagates(t *testing.T) {
	data := make([]byte, 128)
	src := &chainedSource{data: data, faultAt: 1}
	sink := newRecordingRandomSink()

	p := NewExhaustivePump(ExhaustiveOptions{Source: src, Sink: sink, BufferSize: 32, Concurrency: 1})
	_, err := p.Drain(context.Background())
	if err == nil {
		t.Fatal("expected Drain to surface the read fault")
	}
	if sink.endCalls != 0 {
		t.Fatal("expected end_write to never be called on a fault")
	}
}
