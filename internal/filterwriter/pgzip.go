// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package filterwriter

import (
	"bytes"

	"github.com/klauspost/pgzip"
)

// PgzipTransform is the alternate compression stage to ZstdTransform,
// grounded on internal/agent/streamer.go's gzip.BestSpeed pipeline but
// using pgzip's parallel blocks instead of compress/gzip.
type PgzipTransform struct {
	buf *bytes.Buffer
	w   *pgzip.Writer
}

// NewPgzipTransform builds a PgzipTransform at the given compression
// level (pgzip.BestSpeed matches the teacher's own level choice).
func NewPgzipTransform(level int) (*PgzipTransform, error) {
	buf := &bytes.Buffer{}
	w, err := pgzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, err
	}
	return &PgzipTransform{buf: buf, w: w}, nil
}

func (t *PgzipTransform) Transform(in []byte) ([]byte, bool, error) {
	if len(in) == 0 {
		return nil, false, nil
	}
	t.buf.Reset()
	if _, err := t.w.Write(in); err != nil {
		return nil, false, err
	}
	if err := t.w.Flush(); err != nil {
		return nil, false, err
	}
	out := make([]byte, t.buf.Len())
	copy(out, t.buf.Bytes())
	return out, false, nil
}

func (t *PgzipTransform) FinalTransform(in []byte) ([]byte, error) {
	t.buf.Reset()
	if len(in) > 0 {
		if _, err := t.w.Write(in); err != nil {
			return nil, err
		}
	}
	if err := t.w.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, t.buf.Len())
	copy(out, t.buf.Bytes())
	return out, nil
}
