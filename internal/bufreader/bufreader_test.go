// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package bufreader

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/streamio/internal/ioface"
	"github.com/nishisan-dev/streamio/internal/ioresult"
)

// BR-1 from spec.md §8: capacity 16, threshold 4; push 10 bytes, then a
// consumer reads 7. The serial_data_requested callback fires exactly once
// with size >= 13.
func TestBufferedReader_BR1SerialRequestThreshold(t *testing.T) {
	var calls int32
	var lastSize int

	br, err := New(Options{
		Capacity:         16,
		RequestThreshold: 4,
		OnSerialDataRequested: func(sizeWanted int) *ioface.Future {
			atomic.AddInt32(&calls, 1)
			lastSize = sizeWanted
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := br.Write(bytes.Repeat([]byte{1}, 10), 0, 10); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 7)
	if _, err := br.Read(buf, 0, 7); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 serial data request, got %d", got)
	}
	if lastSize < 13 {
		t.Fatalf("expected requested size >= 13, got %d", lastSize)
	}
}

// BR-2 from spec.md §8: after Write(2 bytes) and FinalWrite(5 bytes) where
// only 2 of the final bytes fit, the first Read(·, ·, 2) returns the plain
// bytes, the second returns the first two final bytes, and a third read
// asking for more than the 3 bytes left returns them with IsEnd == true.
func TestBufferedReader_BR2FinalBufferDrain(t *testing.T) {
	br, err := New(Options{Capacity: 4, RequestThreshold: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := br.Write([]byte{1, 2}, 0, 2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := br.FinalWrite([]byte{3, 4, 5, 6, 7}, 0, 5); err != nil {
		t.Fatalf("FinalWrite: %v", err)
	}

	buf := make([]byte, 2)
	res, err := br.Read(buf, 0, 2)
	if err != nil {
		t.Fatalf("Read #1: %v", err)
	}
	if res.IsEnd {
		t.Fatal("first read should not be IsEnd yet")
	}
	if !bytes.Equal(buf, []byte{1, 2}) {
		t.Fatalf("expected [1 2], got %v", buf)
	}

	res, err = br.Read(buf, 0, 2)
	if err != nil {
		t.Fatalf("Read #2: %v", err)
	}
	if !bytes.Equal(buf, []byte{3, 4}) {
		t.Fatalf("expected [3 4], got %v", buf)
	}

	buf = make([]byte, 4)
	res, err = br.Read(buf, 0, 4)
	if err != nil {
		t.Fatalf("Read #3: %v", err)
	}
	if !bytes.Equal(buf[:res.Count], []byte{5, 6, 7}) {
		t.Fatalf("expected [5 6 7], got %v", buf[:res.Count])
	}
	if !res.IsEnd {
		t.Fatal("expected IsEnd true once the final buffer fully drains")
	}
}

// Property 3 from spec.md §8: a push sequence terminated by FinalWrite
// drains exactly the total byte count in original order, ending IsEnd.
func TestBufferedReader_RoundTrip(t *testing.T) {
	br, err := New(Options{Capacity: 8, RequestThreshold: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunks := [][]byte{
		[]byte("hello "),
		[]byte("world"),
		[]byte("!"),
	}

	go func() {
		for _, c := range chunks[:len(chunks)-1] {
			written := 0
			for written < len(c) {
				res, err := br.Write(c[written:], 0, len(c)-written)
				if err != nil {
					t.Errorf("Write: %v", err)
					return
				}
				if res.Count == 0 {
					time.Sleep(time.Millisecond)
					continue
				}
				written += int(res.Count)
			}
		}
		last := chunks[len(chunks)-1]
		for {
			if _, err := br.FinalWrite(last, 0, len(last)); err == nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var out bytes.Buffer
	buf := make([]byte, 3)
	for {
		res, err := br.Read(buf, 0, len(buf))
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		out.Write(buf[:res.Count])
		if res.IsEnd {
			break
		}
		if res.Count == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	want := "hello world!"
	if out.String() != want {
		t.Fatalf("expected %q, got %q", want, out.String())
	}
}

func TestBufferedReader_WriteAfterCompleteRejected(t *testing.T) {
	br, err := New(Options{Capacity: 8, RequestThreshold: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := br.FinalWrite([]byte("x"), 0, 1); err != nil {
		t.Fatalf("FinalWrite: %v", err)
	}
	if _, err := br.Write([]byte("y"), 0, 1); err == nil {
		t.Fatal("expected error writing after completion")
	}
	if _, err := br.FinalWrite([]byte("y"), 0, 1); err == nil {
		t.Fatal("expected error on a second FinalWrite")
	}
}

// Property 4 from spec.md §8: random reads are defined only over
// [start_offset, write_offset).
func TestBufferedReader_RandomReadMonotoneWindow(t *testing.T) {
	br, err := New(Options{Capacity: 4, RequestThreshold: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Fill enough to wrap the small ring and push the cache window forward.
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	for _, b := range data {
		for {
			res, err := br.Write([]byte{b}, 0, 1)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if res.Count == 1 {
				break
			}
			buf := make([]byte, 1)
			br.Read(buf, 0, 1)
		}
	}

	buf := make([]byte, 1)
	res, err := br.ReadAt(buf, 0, 1, 9)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if res.Count != 1 || buf[0] != 9 {
		t.Fatalf("expected byte 9 at offset 9, got %v (count=%d)", buf, res.Count)
	}

	res, err = br.ReadAt(buf, 0, 1, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if res.Count != 0 {
		t.Fatalf("expected offset 0 to be outside the cache window, got count=%d", res.Count)
	}
}

func TestBufferedReader_ReadAtAsyncBackGapDelegation(t *testing.T) {
	br, err := New(Options{Capacity: 8, RequestThreshold: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := br.Write([]byte{1, 2, 3}, 0, 3); err != nil {
		t.Fatalf("Write: %v", err)
	}

	handlerCalls := 0
	br.onRandomDataRequested = func(ctx context.Context, buf []byte, start, n int, sourceOffset uint64) *ioface.Future {
		handlerCalls++
		for i := 0; i < n; i++ {
			buf[start+i] = byte(100 + i)
		}
		fut, resolve := ioface.NewFuture()
		resolve(ioresult.Result{Offset: sourceOffset, Count: uint32(n), IsEnd: true}, nil)
		return fut
	}

	buf := make([]byte, 5)
	fut := br.ReadAtAsync(context.Background(), buf, 0, 5, 0)
	if fut == nil {
		t.Fatal("expected a non-nil future")
	}
	res, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if handlerCalls != 1 {
		t.Fatalf("expected handler invoked once for the back gap, got %d", handlerCalls)
	}
	if !bytes.Equal(buf[:3], []byte{1, 2, 3}) {
		t.Fatalf("expected cached bytes preserved at the front, got %v", buf[:3])
	}
	if res.Count != 5 {
		t.Fatalf("expected stitched count 5, got %d", res.Count)
	}
}
