// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package filterwriter

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestZstdTransform_RoundTrip(t *testing.T) {
	tr, err := NewZstdTransform(zstd.SpeedDefault)
	if err != nil {
		t.Fatalf("NewZstdTransform: %v", err)
	}

	var compressed bytes.Buffer
	chunks := [][]byte{
		bytes.Repeat([]byte("first chunk of streaming data "), 64),
		bytes.Repeat([]byte("second chunk, different content "), 64),
	}
	for _, c := range chunks {
		out, _, err := tr.Transform(c)
		if err != nil {
			t.Fatalf("Transform: %v", err)
		}
		compressed.Write(out)
	}
	final, err := tr.FinalTransform(nil)
	if err != nil {
		t.Fatalf("FinalTransform: %v", err)
	}
	compressed.Write(final)

	dec, err := zstd.NewReader(bytes.NewReader(compressed.Bytes()))
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()

	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("reading back decompressed data: %v", err)
	}

	var want bytes.Buffer
	for _, c := range chunks {
		want.Write(c)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("round-tripped data mismatch: got %d bytes, want %d", len(got), want.Len())
	}
}

func TestPgzipTransform_RoundTrip(t *testing.T) {
	tr, err := NewPgzipTransform(gzip.BestSpeed)
	if err != nil {
		t.Fatalf("NewPgzipTransform: %v", err)
	}

	var compressed bytes.Buffer
	data := bytes.Repeat([]byte("pgzip stage round trip content "), 128)

	out, _, err := tr.Transform(data)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	compressed.Write(out)

	final, err := tr.FinalTransform(nil)
	if err != nil {
		t.Fatalf("FinalTransform: %v", err)
	}
	compressed.Write(final)

	// pgzip produces a standard gzip stream; the standard library can
	// decode it without pulling in the pgzip reader.
	gr, err := gzip.NewReader(bytes.NewReader(compressed.Bytes()))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gr.Close()

	got, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("reading back decompressed data: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round-tripped data mismatch: got %d bytes, want %d", len(got), len(data))
	}
}
