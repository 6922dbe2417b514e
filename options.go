// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

import (
	"log/slog"
	"unsafe"
)

// DefaultSlabSize is the size of a registry's first node slab when SlabSize
// is not called.
const DefaultSlabSize = 256

// Options configures queue and registry creation.
type Options struct {
	// Sizes the hazard slot table at 2 × maxThreads
	maxThreads int

	// Staged-node count that triggers local reclamation after Pop
	threshold int

	// First arena slab size (rounds up to next power of 2)
	slabSize int

	logger *slog.Logger
}

// Builder creates queues and registries with fluent configuration.
//
// All settings are fixed once a queue or registry is built.
//
// Example:
//
//	// Queue with its own registry, reclaiming every 64 pops
//	q := hpq.Build[Event](hpq.New(8).ReclaimThreshold(64))
//
//	// Two queues sharing one hazard slot table
//	r := hpq.BuildRegistry[Event](hpq.New(16))
//	in := hpq.BuildWith(hpq.New(16), r)
//	out := hpq.BuildWith(hpq.New(16), r)
type Builder struct {
	opts Options
}

// New creates a builder for at most maxThreads concurrently attached handles.
//
// Panics if maxThreads < 1.
func New(maxThreads int) *Builder {
	if maxThreads < 1 {
		panic("hpq: maxThreads must be >= 1")
	}
	return &Builder{opts: Options{
		maxThreads: maxThreads,
		slabSize:   DefaultSlabSize,
	}}
}

// ReclaimThreshold sets the number of staged nodes at which Pop runs local
// reclamation before returning. 0 reclaims after every Pop.
//
// Panics if n < 0.
func (b *Builder) ReclaimThreshold(n int) *Builder {
	if n < 0 {
		panic("hpq: reclaim threshold must be >= 0")
	}
	b.opts.threshold = n
	return b
}

// SlabSize sets how many nodes the registry's arena carves in its first slab.
// Each later slab doubles the previous one. Size rounds up to the next power
// of 2.
//
// Panics if n < 1.
func (b *Builder) SlabSize(n int) *Builder {
	if n < 1 {
		panic("hpq: slab size must be >= 1")
	}
	b.opts.slabSize = n
	return b
}

// Logger sets the logger used for conditions that cannot be returned as
// errors. Defaults to slog.Default().
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.opts.logger = l
	return b
}

// BuildRegistry creates a hazard-pointer registry from b.
func BuildRegistry[T any](b *Builder) *Registry[T] {
	return newRegistry[T](b.opts)
}

// Build creates a queue that owns its registry.
// Closing the queue closes the registry.
func Build[T any](b *Builder) *Queue[T] {
	q := newQueue(BuildRegistry[T](b), b.opts.threshold)
	q.ownsRegistry = true
	return q
}

// BuildWith creates a queue that uses the shared registry r.
// Only the threshold of b applies; r keeps its own slot table and arena.
//
// Panics if r is nil.
func BuildWith[T any](b *Builder, r *Registry[T]) *Queue[T] {
	if r == nil {
		panic("hpq: BuildWith requires a registry")
	}
	return newQueue(r, b.opts.threshold)
}

// roundToPow2 rounds n up to the next power of 2.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// ptrSize is the size of a pointer in bytes.
const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padPtr is padding to fill cache line after pointer-sized field.
type padPtr [64 - ptrSize]byte

// padU64 is padding to fill cache line after an 8-byte field.
type padU64 [64 - 8]byte

// padSlot is padding to fill cache line after an 8-byte field and a pointer.
type padSlot [64 - 8 - ptrSize]byte
