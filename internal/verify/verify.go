// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package verify provides order-independent fingerprints of value multisets.
//
// A producer side and a consumer side each fold every value they handle into
// a Multiset; equal fingerprints mean, with overwhelming probability, that
// the same values were seen the same number of times, regardless of order or
// of which goroutine saw them.
package verify

import (
	"encoding/binary"
	"fmt"

	"code.hybscloud.com/atomix"
	"github.com/cespare/xxhash/v2"
)

// Multiset accumulates a commutative fingerprint. Safe for concurrent use.
// The zero value is empty.
type Multiset struct {
	count atomix.Uint64
	sum   atomix.Uint64 // Σ xxhash(v) mod 2^64
	sqsum atomix.Uint64 // Σ xxhash(v)² mod 2^64
}

// Fingerprint is a snapshot of a Multiset.
type Fingerprint struct {
	Count uint64
	Sum   uint64
	SqSum uint64
}

// Add folds v into m.
func (m *Multiset) Add(v uint64) {
	h := hash(v)
	m.count.Add(1)
	m.sum.Add(h)
	m.sqsum.Add(h * h)
}

// Fingerprint returns the current fingerprint.
func (m *Multiset) Fingerprint() Fingerprint {
	return Fingerprint{
		Count: m.count.Load(),
		Sum:   m.sum.Load(),
		SqSum: m.sqsum.Load(),
	}
}

// String formats f for logs.
func (f Fingerprint) String() string {
	return fmt.Sprintf("n=%d sum=%016x sq=%016x", f.Count, f.Sum, f.SqSum)
}

// Range returns the fingerprint of the values lo, lo+1, ..., hi-1.
func Range(lo, hi uint64) Fingerprint {
	var f Fingerprint
	for v := lo; v < hi; v++ {
		h := hash(v)
		f.Count++
		f.Sum += h
		f.SqSum += h * h
	}
	return f
}

func hash(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}
