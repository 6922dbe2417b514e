// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

import (
	"log/slog"

	"code.hybscloud.com/atomix"
)

// Role selects one of an owner's hazard slots.
type Role int

const (
	// RoleCurrent protects the node being read or removed
	// (the tail in push, the head in pop).
	RoleCurrent Role = iota
	// RoleNext protects the successor of the current node.
	RoleNext

	roleCount = 2
)

// Owner is one goroutine's claim on a Registry: its hazard slots and the
// staging chain of nodes it has removed but not yet freed.
//
// An Owner must only be used by one goroutine at a time. Close releases it;
// until then its slots are unavailable to anyone else.
type Owner[T any] struct {
	reg    *Registry[T]
	id     uint64
	slots  [roleCount]*hazardSlot[T]
	staged StagingChain[T]
	count  int
	closed bool
}

// ID returns the owner identity stored in its slots.
func (o *Owner[T]) ID() uint64 {
	return o.id
}

// HazardPointer returns the atomic pointer published by the slot for role.
func (o *Owner[T]) HazardPointer(role Role) *atomix.Pointer[HazardNode[T]] {
	return &o.slots[role].ptr
}

// Staged returns the number of nodes on the staging chain.
func (o *Owner[T]) Staged() int {
	return o.count
}

// ReclaimLater stages a node that was just unlinked from a queue.
func (o *Owner[T]) ReclaimLater(n *HazardNode[T]) {
	n.transition(stateLive, stateStaged)
	o.stage(n)
}

func (o *Owner[T]) stage(n *HazardNode[T]) {
	o.staged.PushFront(n)
	o.count++
}

// ReclaimLocalHazardNodes frees every staged node no hazard slot protects
// and re-stages the rest. One pass over the chain.
func (o *Owner[T]) ReclaimLocalHazardNodes() {
	var link retireLink[T]
	n := o.staged.MoveHead()
	o.staged.MoveTail()
	o.count = 0
	for n != nil {
		next := link.Next(n)
		if !o.reg.IsProtected(n) {
			o.reg.free(n, stateStaged)
		} else {
			o.stage(n)
		}
		n = next
	}
}

// ReclaimHazardNodes reclaims the staging chain, then drains the registry's
// retirement queue, which holds nodes handed over by closed owners. The drain
// is skipped if another owner is draining.
func (o *Owner[T]) ReclaimHazardNodes() {
	o.ReclaimLocalHazardNodes()
	o.reg.reclaimHazardNodes(o)
}

// Close hands any still-protected staged nodes to the registry's retirement
// queue and releases the owner's hazard slots. Close is idempotent.
func (o *Owner[T]) Close() {
	if o.closed {
		return
	}
	o.closed = true
	o.ReclaimLocalHazardNodes()
	if o.count > 0 {
		for n := range o.staged.All() {
			n.transition(stateStaged, stateRetired)
		}
		var ok bool
		if o.count == 1 {
			ok = o.reg.reclaimLater(o, o.staged.MoveHead())
		} else {
			ok = o.reg.reclaimLaterRange(o, o.staged.MoveHead(), o.staged.MoveTail())
		}
		if !ok {
			o.reg.logger.Error("hpq: hand-over of staged nodes failed",
				slog.Uint64("owner", o.id),
				slog.Int("staged", o.count))
		}
		o.staged.MoveTail()
		o.count = 0
	}
	o.reg.release(o.slots[:])
}
