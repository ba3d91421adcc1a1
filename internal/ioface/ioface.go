// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ioface declares the capability interfaces the streaming core
// consumes and exposes (spec.md §6). Each wrapper type in this module
// implements one or two of these — there is no virtual-inheritance
// hierarchy, just small interfaces composed where a component needs more
// than one capability.
package ioface

import (
	"context"

	"github.com/nishisan-dev/streamio/internal/ioresult"
)

// SerialReader reads bytes in order, advancing its own internal cursor.
type SerialReader interface {
	// Size reports the reader's total size, if known.
	Size() (size int64, known bool)
	Read(buf []byte, start, n int) (ioresult.Result, error)
}

// SerialAsyncReader is the asynchronous counterpart of SerialReader. A nil
// *Future return signals terminal completion — the "null task" from
// spec.md §9, modeled as a nil pointer rather than a boolean so callers
// can't forget to check it.
type SerialAsyncReader interface {
	Size() (size int64, known bool)
	ReadAsync(ctx context.Context, buf []byte, start, n int) *Future
}

// RandomReader reads bytes at an arbitrary absolute source offset without
// disturbing any sequential cursor.
type RandomReader interface {
	Size() (size int64, known bool)
	Read(buf []byte, start, n int, sourceOffset uint64) (ioresult.Result, error)
}

// RandomAsyncReader is the asynchronous counterpart of RandomReader.
type RandomAsyncReader interface {
	ReadAsync(ctx context.Context, buf []byte, start, n int, sourceOffset uint64) *Future
}

// SerialWriter writes bytes in order to a sink that only ever receives
// strictly increasing offsets.
type SerialWriter interface {
	Write(buf []byte, start, n int) (ioresult.Result, error)
	// FinalWrite performs the terminal write and returns the offset at
	// which the stream ends.
	FinalWrite(buf []byte, start, n int) (endOffset uint64, err error)
}

// SerialAsyncWriter is the asynchronous counterpart of SerialWriter.
type SerialAsyncWriter interface {
	WriteAsync(ctx context.Context, buf []byte, start, n int) *Future
	FinalWriteAsync(ctx context.Context, buf []byte, start, n int) *Future
}

// RandomWriter accepts writes completed out of order at arbitrary target
// offsets. A completed writer never errors on a later call — it reports
// rejection by returning false, per spec.md §7.
type RandomWriter interface {
	Write(buf []byte, start, n int, targetOffset uint64) bool
	EndWrite(buf []byte, start, n int, targetOffset uint64) bool
	SetComplete(abort bool) bool
}

// RandomAsyncWriter is the asynchronous counterpart of RandomWriter.
type RandomAsyncWriter interface {
	WriteAsync(ctx context.Context, buf []byte, start, n int, targetOffset uint64) *Future
	EndWriteAsync(ctx context.Context, buf []byte, start, n int, targetOffset uint64) *Future
	SetCompleteAsync(ctx context.Context, abort bool) *Future
}

// FilterWriter is the C7 boundary: a push-only transform stage fronting a
// serial sink.
type FilterWriter interface {
	Write(buf []byte, start, n int) (accepted int, err error)
	FinalWrite(buf []byte, start, n int) error
}

// Future represents an in-flight asynchronous operation. It is the
// concrete stand-in for spec.md §9's "task or null" completion signal:
// callers either get back nil (already complete, nothing to await) or a
// *Future whose Wait blocks until the operation resolves.
type Future struct {
	done chan struct{}
	res  ioresult.Result
	err  error
}

// NewFuture creates a pending future and the resolver used to complete it.
func NewFuture() (*Future, func(ioresult.Result, error)) {
	f := &Future{done: make(chan struct{})}
	resolve := func(res ioresult.Result, err error) {
		f.res = res
		f.err = err
		close(f.done)
	}
	return f, resolve
}

// Wait blocks until the future resolves or ctx is canceled.
func (f *Future) Wait(ctx context.Context) (ioresult.Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return ioresult.Result{}, ctx.Err()
	}
}

// Done reports a channel that closes when the future resolves, for
// callers that want to select on it alongside other events.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
