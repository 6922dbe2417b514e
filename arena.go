// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

import (
	"math/bits"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

const (
	// maxSlabs bounds the slab directory; slab k holds base<<k nodes.
	maxSlabs = 33

	// maxArenaIndex is the largest node index the free-stack word can encode.
	maxArenaIndex = 1<<32 - 2

	indexMask = 1<<32 - 1
)

// nodeArena owns every HazardNode of a registry.
//
// Nodes live in slabs that the arena keeps reachable through ordinary Go
// references until the registry itself is dropped. Queue links, hazard slots
// and the free stack may therefore hold node pointers in atomix cells, which
// the garbage collector does not trace, without a node ever being collected
// under them.
//
// Slab k holds base<<k nodes, so node index i maps to a slab and offset with
// one bit-length computation. Freed nodes go onto a Treiber stack whose top
// word packs a 32-bit tag with index+1; the tag changes on every update, which
// rules out ABA on the top CAS.
//
// Memory: the arena grows to the high-water mark of nodes in use and never
// shrinks.
type nodeArena[T any] struct {
	_       pad
	top     atomix.Uint64 // tag<<32 | (index+1); index+1 == 0 means empty
	_       padU64
	bump    atomix.Uint64 // Next never-used index
	_       padU64
	limit   atomix.Uint64 // Indices below limit are backed by a published slab
	growing atomix.Bool
	shift   uint
	nslabs  int
	slabs   [maxSlabs][]HazardNode[T]
}

func newNodeArena[T any](slabSize int) *nodeArena[T] {
	n := roundToPow2(slabSize)
	return &nodeArena[T]{shift: uint(bits.TrailingZeros(uint(n)))}
}

// at returns the node with index i. i must be below limit.
func (a *nodeArena[T]) at(i uint64) *HazardNode[T] {
	k := bits.Len64(i>>a.shift+1) - 1
	off := i - (uint64(1)<<k-1)<<a.shift
	return &a.slabs[k][off]
}

// get returns a free node and whether it was reused from the free stack.
func (a *nodeArena[T]) get() (*HazardNode[T], bool) {
	if n := a.pop(); n != nil {
		return n, true
	}
	i := a.bump.AddAcqRel(1) - 1
	if i > maxArenaIndex {
		panic("hpq: node arena exhausted")
	}
	sw := spin.Wait{}
	for i >= a.limit.LoadAcquire() {
		if a.growing.CompareAndSwapAcqRel(false, true) {
			if i >= a.limit.LoadAcquire() {
				a.grow()
			}
			a.growing.StoreRelease(false)
			continue
		}
		sw.Once()
	}
	return a.at(i), false
}

// grow publishes the next slab. Callers hold the growing flag.
func (a *nodeArena[T]) grow() {
	k := a.nslabs
	if k == maxSlabs {
		panic("hpq: node arena exhausted")
	}
	first := a.limit.LoadRelaxed()
	s := make([]HazardNode[T], uint64(1)<<(a.shift+uint(k)))
	for j := range s {
		s[j].index = first + uint64(j)
	}
	a.slabs[k] = s
	a.nslabs++
	a.limit.StoreRelease(first + uint64(len(s)))
}

// put pushes a free node onto the free stack.
func (a *nodeArena[T]) put(n *HazardNode[T]) {
	sw := spin.Wait{}
	for {
		old := a.top.LoadAcquire()
		n.freeNext.StoreRelaxed(old & indexMask)
		top := (old>>32+1)<<32 | (n.index + 1)
		if a.top.CompareAndSwapAcqRel(old, top) {
			return
		}
		sw.Once()
	}
}

// pop takes a node from the free stack, or returns nil if it is empty.
// freeNext of a node that was taken concurrently may be stale; the tag makes
// the CAS fail in that case.
func (a *nodeArena[T]) pop() *HazardNode[T] {
	sw := spin.Wait{}
	for {
		old := a.top.LoadAcquire()
		i := old & indexMask
		if i == 0 {
			return nil
		}
		n := a.at(i - 1)
		top := (old>>32+1)<<32 | n.freeNext.LoadAcquire()
		if a.top.CompareAndSwapAcqRel(old, top) {
			return n
		}
		sw.Once()
	}
}

// capacity returns the number of nodes backed by published slabs.
func (a *nodeArena[T]) capacity() uint64 {
	return a.limit.LoadAcquire()
}
