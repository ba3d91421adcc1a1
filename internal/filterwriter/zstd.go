// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package filterwriter

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
)

// ZstdTransform is a C7 stage compressing the bytes flowing through it
// with zstd. Unlike the identity-style transforms, it always returns a
// freshly allocated buffer: zstd.Encoder owns its own internal window, so
// the bytes it emits never alias the caller's input.
type ZstdTransform struct {
	buf *bytes.Buffer
	enc *zstd.Encoder
}

// NewZstdTransform builds a ZstdTransform at the given compression level.
func NewZstdTransform(level zstd.EncoderLevel) (*ZstdTransform, error) {
	buf := &bytes.Buffer{}
	enc, err := zstd.NewWriter(buf, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	return &ZstdTransform{buf: buf, enc: enc}, nil
}

// Transform compresses in and flushes the encoder so every byte written
// in is represented in the output immediately — trading some compression
// ratio for the chain's "produce output now" contract.
func (t *ZstdTransform) Transform(in []byte) ([]byte, bool, error) {
	if len(in) == 0 {
		return nil, false, nil
	}
	t.buf.Reset()
	if _, err := t.enc.Write(in); err != nil {
		return nil, false, err
	}
	if err := t.enc.Flush(); err != nil {
		return nil, false, err
	}
	out := make([]byte, t.buf.Len())
	copy(out, t.buf.Bytes())
	return out, false, nil
}

// FinalTransform compresses any remaining input and closes the frame,
// emitting zstd's trailing content-size/checksum footer.
func (t *ZstdTransform) FinalTransform(in []byte) ([]byte, error) {
	t.buf.Reset()
	if len(in) > 0 {
		if _, err := t.enc.Write(in); err != nil {
			return nil, err
		}
	}
	if err := t.enc.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, t.buf.Len())
	copy(out, t.buf.Bytes())
	return out, nil
}
