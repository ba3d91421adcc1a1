// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package filterwriter

import (
	"context"

	"golang.org/x/time/rate"
)

// maxThrottleBurst caps a single reservation, aligned with the chain's
// expected buffer sizes rather than the whole requested rate.
const maxThrottleBurst = 256 * 1024

// ThrottleTransform is an identity transform that paces its own
// completion with a token-bucket limiter instead of changing the bytes in
// flight — the C7 stage spec.md §4.7 allows to "buffer internally"; here
// it buffers time instead of bytes.
type ThrottleTransform struct {
	ctx     context.Context
	limiter *rate.Limiter
}

// NewThrottleTransform paces the chain to at most bytesPerSec bytes per
// second. bytesPerSec <= 0 disables throttling (Transform becomes a
// no-op passthrough).
func NewThrottleTransform(ctx context.Context, bytesPerSec int64) *ThrottleTransform {
	if bytesPerSec <= 0 {
		return &ThrottleTransform{ctx: ctx}
	}
	burst := int(bytesPerSec)
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}
	return &ThrottleTransform{
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

func (t *ThrottleTransform) Transform(in []byte) ([]byte, bool, error) {
	if t.limiter == nil || len(in) == 0 {
		return in, true, nil
	}
	remaining := len(in)
	for remaining > 0 {
		chunk := remaining
		if chunk > t.limiter.Burst() {
			chunk = t.limiter.Burst()
		}
		if err := t.limiter.WaitN(t.ctx, chunk); err != nil {
			return nil, false, err
		}
		remaining -= chunk
	}
	return in, true, nil
}

func (t *ThrottleTransform) FinalTransform(in []byte) ([]byte, error) {
	out, _, err := t.Transform(in)
	return out, err
}
