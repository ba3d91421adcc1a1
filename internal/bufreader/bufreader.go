// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package bufreader implements the buffered random-access adapter (C3): a
// four-capability facade — push writer, serial reader (sync + async), and
// random-positioned reader (sync + async) — backed by one ring buffer.
package bufreader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/streamio/internal/ioface"
	"github.com/nishisan-dev/streamio/internal/ioresult"
	"github.com/nishisan-dev/streamio/internal/ringbuf"
)

// ErrInvalidArgument is returned for a malformed constructor (threshold not
// below capacity).
var ErrInvalidArgument = errors.New("bufreader: invalid argument")

// ErrWriteComplete is returned by Write/FinalWrite once the push side has
// already been closed out by a prior FinalWrite.
var ErrWriteComplete = errors.New("bufreader: write already complete")

// SerialDataRequestedFunc is invoked when the ring's pending count drops
// below the configured threshold and the writer has not yet signaled
// completion. A nil *ioface.Future return means the request was already
// satisfied synchronously; otherwise the future's eventual error is
// latched as a SerialRequestError, never surfaced synchronously.
type SerialDataRequestedFunc func(sizeWanted int) *ioface.Future

// RandomDataRequestedFunc fills a slice of a random read that falls outside
// the cached window.
type RandomDataRequestedFunc func(ctx context.Context, buf []byte, start, n int, sourceOffset uint64) *ioface.Future

// Options configures a BufferedReader.
type Options struct {
	Capacity              int
	RequestThreshold      int
	OnSerialDataRequested SerialDataRequestedFunc
	OnRandomDataRequested RandomDataRequestedFunc
	Logger                *slog.Logger
}

// BufferedReader combines a push source with a serial reader and a random
// re-reader over one ring buffer, per spec.md §4.3.
type BufferedReader struct {
	mu sync.Mutex

	ring             *ringbuf.RingBuffer
	requestThreshold int

	writeOffset uint64
	readOffset  uint64

	writeComplete bool
	readComplete  bool

	finalBuffer    []byte
	finalBufferPos int

	serialRequestErr error

	onSerialDataRequested SerialDataRequestedFunc
	onRandomDataRequested RandomDataRequestedFunc

	logger *slog.Logger
}

// New creates a BufferedReader with the given capacity and request
// threshold (the ring fill level below which SerialDataRequested fires).
func New(opts Options) (*BufferedReader, error) {
	if opts.RequestThreshold < 0 || opts.RequestThreshold >= opts.Capacity {
		return nil, ErrInvalidArgument
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BufferedReader{
		ring:                  ringbuf.New(opts.Capacity),
		requestThreshold:      opts.RequestThreshold,
		onSerialDataRequested: opts.OnSerialDataRequested,
		onRandomDataRequested: opts.OnRandomDataRequested,
		logger:                logger,
	}, nil
}

// IsComplete reports write_complete && final_buffer == nil, per spec.md §3.
func (br *BufferedReader) IsComplete() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.writeComplete && br.finalBuffer == nil
}

// Write pushes up to n bytes into the ring. Partial writes are legal; the
// caller must retry the unwritten remainder.
func (br *BufferedReader) Write(buf []byte, start, n int) (ioresult.Result, error) {
	br.mu.Lock()
	defer br.mu.Unlock()

	if br.writeComplete {
		return ioresult.Rejected(), ErrWriteComplete
	}

	written, err := br.ring.Add(buf, start, n)
	if err != nil {
		return ioresult.Result{}, err
	}
	off := br.writeOffset
	br.writeOffset += uint64(written)
	return ioresult.Result{Offset: off, Count: uint32(written)}, nil
}

// FinalWrite performs the last push. Whatever doesn't fit is retained in
// an internal final buffer and drained into the ring incrementally as
// sequential reads free up space.
func (br *BufferedReader) FinalWrite(buf []byte, start, n int) (uint64, error) {
	br.mu.Lock()
	defer br.mu.Unlock()

	if br.writeComplete {
		return 0, ErrWriteComplete
	}

	written, err := br.ring.Add(buf, start, n)
	if err != nil {
		return 0, err
	}
	if written < n {
		remainder := n - written
		fb := make([]byte, remainder)
		copy(fb, buf[start+written:start+n])
		br.finalBuffer = fb
		br.finalBufferPos = 0
		br.logger.Debug("bufreader: final write spilled to final buffer", "bytes", remainder)
	}
	br.writeOffset += uint64(n)
	br.writeComplete = true
	return br.writeOffset, nil
}

// Read consumes up to n bytes sequentially, advancing the serial cursor.
func (br *BufferedReader) Read(buf []byte, start, n int) (ioresult.Result, error) {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.readLocked(buf, start, n)
}

// ReadAsync is the asynchronous counterpart of Read. It returns nil once
// the serial side has already reached completion (the "already complete"
// null task); otherwise it runs synchronously and returns an
// already-resolved future.
func (br *BufferedReader) ReadAsync(ctx context.Context, buf []byte, start, n int) *ioface.Future {
	br.mu.Lock()
	if br.readComplete {
		br.mu.Unlock()
		return nil
	}
	res, err := br.readLocked(buf, start, n)
	br.mu.Unlock()

	fut, resolve := ioface.NewFuture()
	resolve(res, err)
	return fut
}

func (br *BufferedReader) readLocked(buf []byte, start, n int) (ioresult.Result, error) {
	if br.readComplete {
		return ioresult.End(br.readOffset), nil
	}

	br.checkFinalBuffer()
	allWritten := br.writeComplete && br.finalBuffer == nil

	taken, err := br.ring.Take(buf, start, n)
	if err != nil {
		return ioresult.Result{}, err
	}
	off := br.readOffset
	br.readOffset += uint64(taken)

	isEnd := allWritten && taken < n
	if isEnd {
		br.readComplete = true
	}

	if taken == 0 && br.serialRequestErr != nil {
		return ioresult.Result{Offset: off, IsEnd: isEnd}, fmt.Errorf("bufreader: serial data request failed: %w", br.serialRequestErr)
	}

	if !br.writeComplete && br.ring.Count() < br.requestThreshold {
		br.requestMoreLocked()
	}

	return ioresult.Result{Offset: off, Count: uint32(taken), IsEnd: isEnd}, nil
}

// checkFinalBuffer opportunistically drains the final buffer into the
// ring. Must be called with br.mu held.
func (br *BufferedReader) checkFinalBuffer() {
	if br.finalBuffer == nil {
		return
	}
	remaining := br.finalBuffer[br.finalBufferPos:]
	if len(remaining) == 0 {
		br.finalBuffer = nil
		br.finalBufferPos = 0
		return
	}
	written, _ := br.ring.Add(remaining, 0, len(remaining))
	br.finalBufferPos += written
	if br.finalBufferPos >= len(br.finalBuffer) {
		br.finalBuffer = nil
		br.finalBufferPos = 0
	}
}

// requestMoreLocked invokes the serial-data-requested callback. A fault in
// the resulting future is latched into serialRequestErr, never surfaced
// synchronously. Must be called with br.mu held.
func (br *BufferedReader) requestMoreLocked() {
	if br.onSerialDataRequested == nil {
		return
	}
	sizeWanted := br.ring.AvailableToWrite()
	fut := br.onSerialDataRequested(sizeWanted)
	if fut == nil {
		return
	}
	go func() {
		_, err := fut.Wait(context.Background())
		if err != nil {
			br.mu.Lock()
			br.serialRequestErr = err
			br.mu.Unlock()
			br.logger.Warn("bufreader: serial data request failed", "error", err)
		}
	}()
}

// ReadAt performs a non-destructive random read anchored at an absolute
// source offset. It is defined only over [start_offset, write_offset) —
// the still-cached window — and never observes the serial read cursor.
func (br *BufferedReader) ReadAt(buf []byte, start, n int, sourceOffset uint64) (ioresult.Result, error) {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.readAtLocked(buf, start, n, sourceOffset)
}

func (br *BufferedReader) readAtLocked(buf []byte, start, n int, sourceOffset uint64) (ioresult.Result, error) {
	if start < 0 || n < 0 || start+n > len(buf) {
		return ioresult.Result{}, ringbuf.ErrInvalidArgument
	}

	allWritten := br.writeComplete && br.finalBuffer == nil
	available := br.ring.AvailableToRead()

	var startOffset uint64
	if uint64(available) <= br.writeOffset {
		startOffset = br.writeOffset - uint64(available)
	}

	count := n
	var bufferOffset int
	resultOffset := sourceOffset

	switch {
	case sourceOffset >= startOffset:
		delta := int(sourceOffset - startOffset)
		if delta >= available {
			return ioresult.Result{Offset: br.writeOffset, IsEnd: allWritten}, nil
		}
		bufferOffset = delta
	default:
		// delta < 0: shift start up to start_offset, reduce count by -delta.
		shortfall := int(startOffset - sourceOffset)
		count -= shortfall
		if count < 0 {
			return ioresult.Result{Offset: startOffset, IsEnd: false}, nil
		}
		bufferOffset = 0
		resultOffset = startOffset
	}

	readCount, err := br.ring.Read(buf, start, count, bufferOffset)
	if err != nil {
		return ioresult.Result{}, err
	}
	isEnd := allWritten && (readCount < count || sourceOffset == br.writeOffset)
	return ioresult.Result{Offset: resultOffset, Count: uint32(readCount), IsEnd: isEnd}, nil
}

// ReadAtAsync runs the synchronous random read first. If a portion of the
// request cannot be satisfied from the cache and a random-data-requested
// handler is registered, the handler fills the missing part.
//
// When the request is truncated at both ends simultaneously, the
// older-offset end wins: the request is split once, not twice. If the
// cache produced data starting later than requested, the cached bytes are
// shifted rightward in buf to leave room for the handler to fill the front
// gap (the cached Result's IsEnd is preserved when stitching). Otherwise
// the cached bytes are left in place and the handler fills the back gap.
//
// Caller obligation: buf must be large enough for n bytes and must not be
// read or written concurrently by the caller until the returned future
// resolves — ReadAtAsync may shift bytes within buf in place.
func (br *BufferedReader) ReadAtAsync(ctx context.Context, buf []byte, start, n int, sourceOffset uint64) *ioface.Future {
	br.mu.Lock()
	cached, err := br.readAtLocked(buf, start, n, sourceOffset)
	handler := br.onRandomDataRequested
	br.mu.Unlock()

	fut, resolve := ioface.NewFuture()

	if err != nil {
		resolve(ioresult.Result{}, err)
		return fut
	}
	if handler == nil || int(cached.Count) == n {
		resolve(cached, nil)
		return fut
	}

	go func() {
		res, stitchErr := stitchRandomRead(ctx, handler, buf, start, n, sourceOffset, cached)
		resolve(res, stitchErr)
	}()
	return fut
}

func stitchRandomRead(ctx context.Context, handler RandomDataRequestedFunc, buf []byte, start, n int, sourceOffset uint64, cached ioresult.Result) (ioresult.Result, error) {
	if cached.Count == 0 {
		res, err := awaitHandler(ctx, handler, buf, start, n, sourceOffset)
		return res, err
	}

	if cached.Offset > sourceOffset {
		// Front-truncated: shift the cached bytes right and fill the gap
		// in front. This is the "older-offset end wins" tie-break — the
		// back gap (if any) is left unfilled rather than splitting twice.
		frontGap := int(cached.Offset - sourceOffset)
		if frontGap > n {
			frontGap = n
		}
		copy(buf[start+frontGap:start+frontGap+int(cached.Count)], buf[start:start+int(cached.Count)])

		filled, err := awaitHandler(ctx, handler, buf, start, frontGap, sourceOffset)
		if err != nil {
			return ioresult.Result{}, err
		}
		return ioresult.Result{
			Offset: sourceOffset,
			Count:  filled.Count + cached.Count,
			IsEnd:  cached.IsEnd,
		}, nil
	}

	// Back-truncated: cached bytes already sit at the front; dispatch the
	// handler for the remainder.
	backGapStart := sourceOffset + uint64(cached.Count)
	backGapLen := n - int(cached.Count)
	filled, err := awaitHandler(ctx, handler, buf, start+int(cached.Count), backGapLen, backGapStart)
	if err != nil {
		return ioresult.Result{}, err
	}
	return ioresult.Result{
		Offset: sourceOffset,
		Count:  cached.Count + filled.Count,
		IsEnd:  filled.IsEnd,
	}, nil
}

func awaitHandler(ctx context.Context, handler RandomDataRequestedFunc, buf []byte, start, n int, sourceOffset uint64) (ioresult.Result, error) {
	fut := handler(ctx, buf, start, n, sourceOffset)
	if fut == nil {
		return ioresult.Result{Offset: sourceOffset, IsEnd: true}, nil
	}
	return fut.Wait(ctx)
}
