// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package filterwriter implements the Filter-Writer chain (C7): a
// push-only pipeline of byte transforms fronting a serial sink (spec.md
// §4.7). Each Stage wraps one Transform and forwards its output to the
// next FilterWriter in the chain, carrying any residue the downstream
// didn't accept in an 8-byte-aligned out_buffer — the same carry-over
// technique internal/sequentializer uses at its own sink boundary.
package filterwriter

import (
	"errors"
	"io"

	"github.com/nishisan-dev/streamio/internal/ioface"
)

// ErrStageClosed is returned by a Stage once FinalWrite has locked it.
var ErrStageClosed = errors.New("filterwriter: stage already finalized")

// Transform is one link in a Filter-Writer chain. Transform is called for
// every non-final write; FinalTransform is called exactly once, at stream
// end, and may emit trailing output a buffering transform withheld until
// now (spec.md §4.7: "transforms are free to buffer internally ... and
// emit on final only").
//
// A Transform that returns its input slice unchanged (identity, or a
// side-effecting observer like a hash) should return aliasesInput == true
// (see transforms.go's HashTransform). Stage does not read the flag: any
// output the next stage leaves unaccepted is always copied into Stage's
// own carry-over slab.
type Transform interface {
	Transform(in []byte) (out []byte, aliasesInput bool, err error)
	FinalTransform(in []byte) (out []byte, err error)
}

// Stage is the C7 boundary component: it implements ioface.FilterWriter by
// running one Transform and forwarding the result to the next FilterWriter
// in the chain.
type Stage struct {
	transform Transform
	sink      ioface.FilterWriter

	outBuffer []byte
	outSize   int
	locked    bool
}

// NewStage wraps transform, forwarding its output to sink.
func NewStage(transform Transform, sink ioface.FilterWriter) *Stage {
	return &Stage{transform: transform, sink: sink}
}

// Chain wires transforms in order, each stage's sink set to the next, the
// last stage's sink set to terminal, and returns the head of the chain —
// the ioface.FilterWriter callers actually write into.
func Chain(transforms []Transform, terminal ioface.FilterWriter) ioface.FilterWriter {
	sink := terminal
	for i := len(transforms) - 1; i >= 0; i-- {
		sink = NewStage(transforms[i], sink)
	}
	return sink
}

// Write runs buf[start:start+n] through the stage's transform and forwards
// the result downstream. It returns n (the transform always consumes its
// entire input in one call) unless the stage cannot make any progress
// because the downstream still hasn't drained output carried over from a
// previous call — in which case it returns 0 and the caller is expected to
// retry, matching RandomWriter's "partial accept" convention.
func (s *Stage) Write(buf []byte, start, n int) (int, error) {
	if s.locked {
		return 0, ErrStageClosed
	}

	if s.outSize > 0 {
		if err := s.flushOutBuffer(); err != nil {
			return 0, err
		}
		if s.outSize > 0 {
			return 0, nil
		}
	}

	if n == 0 {
		return 0, nil
	}

	out, _, err := s.transform.Transform(buf[start : start+n])
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return n, nil
	}

	accepted, err := s.sink.Write(out, 0, len(out))
	if err != nil {
		return 0, err
	}
	if accepted < len(out) {
		s.carryOver(out[accepted:])
		if err := s.flushOutBuffer(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// FinalWrite drains any pending carry-over, runs the terminal transform,
// forwards its output, and locks the stage against further writes.
func (s *Stage) FinalWrite(buf []byte, start, n int) error {
	if s.locked {
		return ErrStageClosed
	}

	if err := s.flushOutBuffer(); err != nil {
		return err
	}
	if s.outSize > 0 {
		return errors.New("filterwriter: downstream would not drain carried-over output at final_write")
	}

	var in []byte
	if n > 0 {
		in = buf[start : start+n]
	}
	out, err := s.transform.FinalTransform(in)
	if err != nil {
		return err
	}
	if err := s.sink.FinalWrite(out, 0, len(out)); err != nil {
		return err
	}
	s.locked = true
	return nil
}

// flushOutBuffer retries forwarding the carry-over slab; a sink that
// accepts nothing leaves it intact for the next call.
func (s *Stage) flushOutBuffer() error {
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

// carryOver appends data to the carry-over slab, growing its backing array
// to an 8-byte-aligned capacity only when it must grow (spec.md §4.7:
// "realigned to an 8-byte boundary on growth").
func (s *Stage) carryOver(data []byte) {
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

// WriterSink adapts a plain io.Writer into the terminal ioface.FilterWriter
// at the bottom of a chain. It always accepts its full input — looping
// over short writes the way bufio.Writer's underlying flush does — since
// nothing downstream of it speaks the partial-accept protocol.
type WriterSink struct {
	w io.Writer
}

// NewWriterSink wraps w as a terminal FilterWriter.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(buf []byte, start, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	written := 0
	for written < n {
		m, err := s.w.Write(buf[start+written : start+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *WriterSink) FinalWrite(buf []byte, start, n int) error {
	if _, err := s.Write(buf, start, n); err != nil {
		return err
	}
	if closer, ok := s.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
