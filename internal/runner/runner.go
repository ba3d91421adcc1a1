// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package runner wires a PipelineConfig to a concrete file-to-file run:
// choosing the bounded or exhaustive pump, building the optional
// throttle/compression/hash filter chain, and driving it to completion.
// This is the glue cmd/streamio-pump drives; none of it belongs in the
// core C1–C7 packages, which stay source/sink agnostic.
package runner

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/nishisan-dev/streamio/internal/config"
	"github.com/nishisan-dev/streamio/internal/fileio"
	"github.com/nishisan-dev/streamio/internal/filterwriter"
	"github.com/nishisan-dev/streamio/internal/ioface"
	"github.com/nishisan-dev/streamio/internal/pump"
	"github.com/nishisan-dev/streamio/internal/sequentializer"
)

// Result summarizes one pipeline run.
type Result struct {
	BytesIn  int64
	SHA256   string // empty unless a filter chain (compression or throttle) was built
	Compress string
}

// Run pumps inPath into outPath according to cfg. With compression or
// throttling configured, writes flow through a sequentializer into a
// filterwriter chain so the output stays byte-ordered regardless of how
// the pump's reads complete; otherwise the pump writes straight to the
// output file at each chunk's original offset, preserving a 1:1 byte
// layout between input and output.
func Run(ctx context.Context, cfg *config.PipelineConfig, logger *slog.Logger, inPath, outPath string) (Result, error) {
	src, err := fileio.Open(inPath)
	if err != nil {
		return Result{}, fmt.Errorf("opening input: %w", err)
	}
	defer src.Close()

	needsChain := cfg.Compression != "none" || cfg.ThrottleBytesPerSec > 0

	outFile, err := os.Create(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("creating output: %w", err)
	}
	defer outFile.Close()

	var sink ioface.RandomAsyncWriter
	var hashT *filterwriter.HashTransform

	if needsChain {
		var transforms []filterwriter.Transform
		if cfg.ThrottleBytesPerSec > 0 {
			transforms = append(transforms, filterwriter.NewThrottleTransform(ctx, cfg.ThrottleBytesPerSec))
		}
		switch cfg.Compression {
		case "zstd":
			zt, err := filterwriter.NewZstdTransform(zstd.SpeedDefault)
			if err != nil {
				return Result{}, fmt.Errorf("building zstd stage: %w", err)
			}
			transforms = append(transforms, zt)
		case "gzip":
			gt, err := filterwriter.NewPgzipTransform(gzip.BestSpeed)
			if err != nil {
				return Result{}, fmt.Errorf("building gzip stage: %w", err)
			}
			transforms = append(transforms, gt)
		}
		hashT = filterwriter.NewHashTransform(sha256.New())
		transforms = append(transforms, hashT)

		chain := filterwriter.Chain(transforms, filterwriter.NewWriterSink(outFile))
		seq := sequentializer.New(sequentializer.Options{Sink: chain, Logger: logger})
		sink = ioface.WrapRandomWriter(seq)
	} else {
		fileSink, err := fileio.Create(outPath)
		if err != nil {
			return Result{}, fmt.Errorf("creating output sink: %w", err)
		}
		defer fileSink.Close()
		sink = fileSink
	}

	chunkSize := int(cfg.ChunkSizeRaw)
	var bytesIn int64
	var monitor *pump.BackpressureMonitor
	if cfg.Backpressure.Enabled {
		interval := time.Duration(cfg.Backpressure.IntervalSeconds) * time.Second
		monitor = pump.NewBackpressureMonitor(logger, interval, cfg.Backpressure.HighWatermarkPercent)
		monitor.Start()
		defer monitor.Stop()
	}

	switch cfg.Mode {
	case "bounded":
		size, known := src.Size()
		if !known {
			return Result{}, fmt.Errorf("bounded mode requires a known input size")
		}
		bp := pump.NewBoundedPump(pump.BoundedOptions{
			Source:    src,
			Sink:      sink,
			ChunkSize: chunkSize,
			Logger:    logger,
		})
		fut := bp.PumpData(ctx, size)
		if fut != nil {
			if _, err := fut.Wait(ctx); err != nil {
				return Result{}, fmt.Errorf("bounded pump: %w", err)
			}
		}
		bytesIn = size

	default: // "exhaustive"
		ep := pump.NewExhaustivePump(pump.ExhaustiveOptions{
			Source:      src,
			Sink:        sink,
			BufferSize:  chunkSize,
			Concurrency: cfg.Concurrency,
			Logger:      logger,
			Monitor:     monitor,
		})
		for {
			more, err := ep.Drain(ctx)
			if err != nil {
				return Result{}, fmt.Errorf("exhaustive pump: %w", err)
			}
			if !more {
				break
			}
		}
		if size, known := src.Size(); known {
			bytesIn = size
		}
	}

	res := Result{BytesIn: bytesIn, Compress: cfg.Compression}
	if needsChain {
		res.SHA256 = fmt.Sprintf("%x", hashT.Sum())
	}
	return res, nil
}
