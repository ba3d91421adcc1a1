// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ioface

import (
	"context"

	"github.com/nishisan-dev/streamio/internal/ioresult"
)

// asyncRandomWriter adapts a synchronous RandomWriter (such as
// sequentializer.RandomWriteSequentializer) into the RandomAsyncWriter
// shape the pump packages drive. Every call resolves synchronously —
// there is no actual concurrency introduced, only the Future wrapper the
// pumps already expect from a source or sink.
type asyncRandomWriter struct {
	w RandomWriter
}

// WrapRandomWriter adapts w into a RandomAsyncWriter.
func WrapRandomWriter(w RandomWriter) RandomAsyncWriter {
	return &asyncRandomWriter{w: w}
}

// WriteAsync resolves with ioresult.Rejected() and no error when the
// underlying writer refuses the write (spec.md §7: a completed writer
// rejects rather than errors) — it never manufactures an error out of a
// plain refusal, leaving it to the caller (e.g. BoundedPump.scheduleWrite)
// to decide whether a given refusal is actually a protocol violation.
func (a *asyncRandomWriter) WriteAsync(ctx context.Context, buf []byte, start, n int, targetOffset uint64) *Future {
	fut, resolve := NewFuture()
	if a.w.Write(buf, start, n, targetOffset) {
		resolve(ioresult.Result{Offset: targetOffset, Count: uint32(n)}, nil)
	} else {
		resolve(ioresult.Rejected(), nil)
	}
	return fut
}

func (a *asyncRandomWriter) EndWriteAsync(ctx context.Context, buf []byte, start, n int, targetOffset uint64) *Future {
	fut, resolve := NewFuture()
	if a.w.EndWrite(buf, start, n, targetOffset) {
		resolve(ioresult.Result{Offset: targetOffset, Count: uint32(n), IsEnd: true}, nil)
	} else {
		resolve(ioresult.Rejected(), nil)
	}
	return fut
}

func (a *asyncRandomWriter) SetCompleteAsync(ctx context.Context, abort bool) *Future {
	fut, resolve := NewFuture()
	a.w.SetComplete(abort)
	resolve(ioresult.Result{}, nil)
	return fut
}
