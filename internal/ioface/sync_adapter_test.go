// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ioface

import (
	"context"
	"testing"

	"github.com/nishisan-dev/streamio/internal/ioresult"
)

type fakeRandomWriter struct {
	writes     [][]byte
	complete   bool
	refuseNext bool
}

func (f *fakeRandomWriter) Write(buf []byte, start, n int, targetOffset uint64) bool {
	if f.complete || f.refuseNext {
		return false
	}
	cp := make([]byte, n)
	copy(cp, buf[start:start+n])
	f.writes = append(f.writes, cp)
	return true
}

func (f *fakeRandomWriter) EndWrite(buf []byte, start, n int, targetOffset uint64) bool {
	if f.complete {
		return false
	}
	f.complete = true
	return true
}

func (f *fakeRandomWriter) SetComplete(abort bool) bool {
	f.complete = true
	return true
}

func TestAsyncRandomWriter_WriteAsyncSucceeds(t *testing.T) {
	underlying := &fakeRandomWriter{}
	w := WrapRandomWriter(underlying)

	ctx := context.Background()
	data := []byte("hello")
	res, err := w.WriteAsync(ctx, data, 0, len(data), 10).Wait(ctx)
	if err != nil {
		t.Fatalf("WriteAsync: %v", err)
	}
	if res.Offset != 10 || res.Count != uint32(len(data)) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(underlying.writes) != 1 {
		t.Fatalf("expected 1 write forwarded, got %d", len(underlying.writes))
	}
}

func TestAsyncRandomWriter_WriteAsyncRefused(t *testing.T) {
	underlying := &fakeRandomWriter{refuseNext: true}
	w := WrapRandomWriter(underlying)

	ctx := context.Background()
	res, err := w.WriteAsync(ctx, []byte("x"), 0, 1, 0).Wait(ctx)
	if err != nil {
		t.Fatalf("expected a refusal with no error, got %v", err)
	}
	if res.Offset != ioresult.NoOffset {
		t.Fatalf("expected a rejected result, got %+v", res)
	}
}

func TestAsyncRandomWriter_EndWriteAsyncMarksComplete(t *testing.T) {
	underlying := &fakeRandomWriter{}
	w := WrapRandomWriter(underlying)

	ctx := context.Background()
	res, err := w.EndWriteAsync(ctx, nil, 0, 0, 42).Wait(ctx)
	if err != nil {
		t.Fatalf("EndWriteAsync: %v", err)
	}
	if !res.IsEnd {
		t.Fatal("expected IsEnd true")
	}
	if !underlying.complete {
		t.Fatal("expected underlying writer marked complete")
	}

	res, err = w.WriteAsync(ctx, []byte("late"), 0, 4, 0).Wait(ctx)
	if err != nil {
		t.Fatalf("expected a write after EndWrite to be refused with no error, got %v", err)
	}
	if res.Offset != ioresult.NoOffset {
		t.Fatalf("expected a rejected result, got %+v", res)
	}
}
