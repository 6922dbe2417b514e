// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

import (
	"fmt"
	"log/slog"

	"code.hybscloud.com/atomix"
)

// hazardSlot is one published hazard pointer.
//
// owner is 0 while the slot is unclaimed. A handle claims it once with a CAS
// from 0 to its id and keeps it until Close.
type hazardSlot[T any] struct {
	owner atomix.Uint64
	ptr   atomix.Pointer[HazardNode[T]]
	_     padSlot
}

// Registry is the hazard-pointer table shared by every queue of element type
// T built on it, together with the retirement queue of nodes that left their
// owner's staging chain while still protected.
//
// The slot table is allocated once with 2 × maxThreads entries and never
// relocated. Every node of every queue built on the registry comes from its
// arena. Registry methods are safe for concurrent use.
type Registry[T any] struct {
	slots   []hazardSlot[T]
	retired msQueue[HazardNode[T], retireLink[T]]
	arena   *nodeArena[T]
	logger  *slog.Logger

	nextID    atomix.Uint64
	allocated atomix.Uint64
	freed     atomix.Uint64
	recycled  atomix.Uint64
	closed    atomix.Bool

	// draining admits one retirement-queue drainer at a time.
	draining atomix.Bool

	// onFree, when set, observes every node just before it is released.
	onFree func(n *HazardNode[T])
}

// Stats is a snapshot of registry accounting.
type Stats struct {
	Allocated  uint64 // Nodes handed out, including reused ones
	Freed      uint64 // Nodes reclaimed
	Recycled   uint64 // Allocations served from the arena free stack
	Live       uint64 // Allocated - Freed
	Capacity   uint64 // Nodes backed by arena slabs
	Slots      int    // Hazard slot table length
	SlotsInUse int    // Slots currently owned by a handle
}

// NewRegistry creates a registry for at most maxThreads attached handles
// with default options.
func NewRegistry[T any](maxThreads int) *Registry[T] {
	return BuildRegistry[T](New(maxThreads))
}

func newRegistry[T any](opts Options) *Registry[T] {
	r := &Registry[T]{
		slots:  make([]hazardSlot[T], opts.maxThreads*roleCount),
		arena:  newNodeArena[T](opts.slabSize),
		logger: opts.logger,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	dummy := r.alloc()
	dummy.transition(stateLive, stateRetired)
	r.retired.init(dummy)
	return r
}

// Attach claims hazard slots for one goroutine.
//
// Returns ErrNoHazardSlot if the table has fewer free slots than an owner
// needs; this means more goroutines are attached than maxThreads allows.
func (r *Registry[T]) Attach() (*Owner[T], error) {
	if r.closed.LoadAcquire() {
		return nil, ErrClosed
	}
	o := &Owner[T]{reg: r, id: r.nextID.AddAcqRel(1)}
	if err := r.acquire(o.id, o.slots[:]); err != nil {
		r.logger.Error("hpq: hazard slot table exhausted",
			slog.Int("slots", len(r.slots)),
			slog.Uint64("owner", o.id))
		return nil, err
	}
	return o, nil
}

// acquire claims len(dst) slots for id, scanning the table from the start
// once per slot. A partial claim is rolled back.
func (r *Registry[T]) acquire(id uint64, dst []*hazardSlot[T]) error {
	for i := range dst {
		for j := range r.slots {
			if r.slots[j].owner.CompareAndSwapAcqRel(0, id) {
				dst[i] = &r.slots[j]
				break
			}
		}
		if dst[i] == nil {
			r.release(dst[:i])
			return fmt.Errorf("%w: %d slots for %d threads", ErrNoHazardSlot, len(r.slots), len(r.slots)/roleCount)
		}
	}
	return nil
}

// release clears and disowns slots.
func (r *Registry[T]) release(slots []*hazardSlot[T]) {
	for i, s := range slots {
		s.ptr.StoreRelease(nil)
		s.owner.StoreRelease(0)
		slots[i] = nil
	}
}

// IsProtected reports whether any hazard slot currently publishes n.
// O(slots).
func (r *Registry[T]) IsProtected(n *HazardNode[T]) bool {
	for i := range r.slots {
		if r.slots[i].ptr.LoadAcquire() == n {
			return true
		}
	}
	return false
}

// alloc returns a live node, reusing a reclaimed one when available.
func (r *Registry[T]) alloc() *HazardNode[T] {
	n, reused := r.arena.get()
	if reused {
		r.recycled.Add(1)
	}
	n.transition(stateFree, stateLive)
	r.allocated.Add(1)
	return n
}

// free releases n, which must be in state from and unprotected.
func (r *Registry[T]) free(n *HazardNode[T], from uint64) {
	if r.onFree != nil {
		r.onFree(n)
	}
	var zero T
	n.data = zero
	n.next.StoreRelaxed(nil)
	n.retireNext.StoreRelaxed(nil)
	n.transition(from, stateFree)
	r.freed.Add(1)
	r.arena.put(n)
}

// reclaimLater pushes one retired node onto the retirement queue without
// walking its retireNext link.
func (r *Registry[T]) reclaimLater(o *Owner[T], n *HazardNode[T]) bool {
	return r.retired.appendNode(o.HazardPointer(RoleCurrent), n)
}

// reclaimLaterRange pushes the retired run first..last onto the retirement
// queue. If last is nil the run is walked to find its end.
func (r *Registry[T]) reclaimLaterRange(o *Owner[T], first, last *HazardNode[T]) bool {
	return r.retired.appendRange(o.HazardPointer(RoleCurrent), o.HazardPointer(RoleNext), first, last)
}

// reclaimHazardNodes drains the retirement queue. Unprotected nodes are
// freed; protected ones are collected and re-queued in one batch.
//
// Only one drainer runs at a time; a caller that finds a drain in progress
// returns without draining. A second popper could otherwise hold a stale head
// across the re-queue of that node and swing head backwards.
func (r *Registry[T]) reclaimHazardNodes(o *Owner[T]) {
	if !r.draining.CompareAndSwapAcqRel(false, true) {
		return
	}
	defer r.draining.StoreRelease(false)
	cur := o.HazardPointer(RoleCurrent)
	next := o.HazardPointer(RoleNext)
	var deferred StagingChain[T]
	for {
		head, _ := r.retired.pop(cur, next)
		if head == nil {
			break
		}
		cur.StoreRelease(nil)
		next.StoreRelease(nil)
		if !r.IsProtected(head) {
			r.free(head, stateRetired)
		} else {
			deferred.PushFront(head)
		}
	}
	if !deferred.IsEmpty() {
		if !r.reclaimLaterRange(o, deferred.MoveHead(), deferred.MoveTail()) {
			r.logger.Error("hpq: re-queue of protected nodes failed")
		}
	}
}

// Stats returns a snapshot of node and slot accounting.
// Counters are read independently and may be mutually inconsistent while
// other goroutines are active.
func (r *Registry[T]) Stats() Stats {
	s := Stats{
		Allocated: r.allocated.Load(),
		Freed:     r.freed.Load(),
		Recycled:  r.recycled.Load(),
		Capacity:  r.arena.capacity(),
		Slots:     len(r.slots),
	}
	s.Live = s.Allocated - s.Freed
	for i := range r.slots {
		if r.slots[i].owner.LoadAcquire() != 0 {
			s.SlotsInUse++
		}
	}
	return s
}

// MaxThreads returns the number of handles the slot table can serve.
func (r *Registry[T]) MaxThreads() int {
	return len(r.slots) / roleCount
}

// Close frees every node still on the retirement queue, including its dummy.
//
// All owners attached to r, and all queues built on it, must be closed first.
// Close is idempotent; of several concurrent calls exactly one frees.
func (r *Registry[T]) Close() {
	if !r.closed.CompareAndSwapAcqRel(false, true) {
		return
	}
	var link retireLink[T]
	n := r.retired.head.LoadAcquire()
	for n != nil {
		next := link.Next(n)
		r.free(n, stateRetired)
		n = next
	}
	r.retired.head.StoreRelease(nil)
	r.retired.tail.StoreRelease(nil)
}
