// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package filterwriter

import "hash"

// IdentityTransform passes bytes through unchanged. It's the degenerate
// C7 stage spec.md §4.7 calls out as the "same buffer reference"
// optimization: no allocation, no copy.
type IdentityTransform struct{}

func (IdentityTransform) Transform(in []byte) ([]byte, bool, error) {
	return in, true, nil
}

func (IdentityTransform) FinalTransform(in []byte) ([]byte, error) {
	return in, nil
}

// HashTransform is an identity transform with a side effect: every byte
// that passes through also feeds a running digest (spec.md §4.7: "Hash
// transforms are identity on data + side-effect on a running digest").
type HashTransform struct {
	h hash.Hash
}

// NewHashTransform wraps h, which is written to but never read until Sum.
func NewHashTransform(h hash.Hash) *HashTransform {
	return &HashTransform{h: h}
}

func (t *HashTransform) Transform(in []byte) ([]byte, bool, error) {
	if len(in) > 0 {
		t.h.Write(in)
	}
	return in, true, nil
}

func (t *HashTransform) FinalTransform(in []byte) ([]byte, error) {
	if len(in) > 0 {
		t.h.Write(in)
	}
	return in, nil
}

// Sum returns the digest over every byte the transform has observed so
// far. Safe to call once the chain's FinalWrite has completed.
func (t *HashTransform) Sum() []byte {
	return t.h.Sum(nil)
}
