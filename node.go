// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

import "code.hybscloud.com/atomix"

// Node is a plain singly-linked node with a non-atomic next link.
//
// Node is used for lists that are never scanned concurrently, such as
// per-goroutine result logs built with [List].
type Node[T any] struct {
	Value T
	next  *Node[T]
}

// NewNode returns a detached plain node holding v.
func NewNode[T any](v T) *Node[T] {
	return &Node[T]{Value: v}
}

// Next returns the successor of n, or nil.
func (n *Node[T]) Next() *Node[T] {
	return n.next
}

// HazardNode is the queue node under hazard-pointer reclamation.
//
// next is the primary queue linkage. retireNext threads the node through the
// staging chain of the goroutine that removed it and, later, through the
// registry's retirement queue. The two links never serve the same purpose at
// the same time.
//
// HazardNode values live in their registry's arena and are obtained from
// [Queue.NewNode] or created internally by Push; they must not be constructed
// directly.
type HazardNode[T any] struct {
	data       T
	next       atomix.Pointer[HazardNode[T]]
	retireNext atomix.Pointer[HazardNode[T]]
	state      atomix.Uint64
	freeNext   atomix.Uint64 // Arena free stack link, index+1
	index      uint64        // Arena index, fixed when the slab is carved
}

// Value returns the payload stored in n.
// Only meaningful while the caller still owns n (before it is appended).
func (n *HazardNode[T]) Value() T {
	return n.data
}

// Node ownership states.
//
//	free ──alloc──▶ live ──pop──▶ staged ──teardown/batch──▶ retired
//	  ▲                            │                            │
//	  └──────────── reclaim ───────┴────────── reclaim ─────────┘
//
// live → free only happens when a queue is closed. Retirement queue dummies
// go straight from live to retired.
const (
	stateFree uint64 = iota
	stateLive
	stateStaged
	stateRetired
)

var stateNames = [...]string{"free", "live", "staged", "retired"}

// transition moves n from one ownership state to another.
// Panics if n is not in state from: a node on the wrong side of the
// lifecycle is an algorithm bug, never a recoverable condition.
func (n *HazardNode[T]) transition(from, to uint64) {
	if !n.state.CompareAndSwapAcqRel(from, to) {
		panic("hpq: illegal node transition " + stateNames[from] + " → " + stateNames[to] +
			" (node is " + stateNames[n.state.LoadAcquire()] + ")")
	}
}

// Link is the accessor capability for the intrusive "next" field of N.
//
// One Link implementation per node field lets the same chain and queue code
// run over different node shapes and over different fields of the same node.
type Link[N any] interface {
	Next(n *N) *N
	SetNext(n, next *N)
}

// atomicLink is a Link whose field supports compare-and-swap.
type atomicLink[N any] interface {
	Link[N]
	CompareAndSwapNext(n, old, new *N) bool
}

// nextLink accesses HazardNode.next (user queue linkage).
type nextLink[T any] struct{}

func (nextLink[T]) Next(n *HazardNode[T]) *HazardNode[T] { return n.next.LoadAcquire() }

func (nextLink[T]) SetNext(n, next *HazardNode[T]) { n.next.StoreRelease(next) }

func (nextLink[T]) CompareAndSwapNext(n, old, new *HazardNode[T]) bool {
	return n.next.CompareAndSwapAcqRel(old, new)
}

// retireLink accesses HazardNode.retireNext (reclamation linkage).
type retireLink[T any] struct{}

func (retireLink[T]) Next(n *HazardNode[T]) *HazardNode[T] { return n.retireNext.LoadAcquire() }

func (retireLink[T]) SetNext(n, next *HazardNode[T]) { n.retireNext.StoreRelease(next) }

func (retireLink[T]) CompareAndSwapNext(n, old, new *HazardNode[T]) bool {
	return n.retireNext.CompareAndSwapAcqRel(old, new)
}

// plainLink accesses Node.next.
type plainLink[T any] struct{}

func (plainLink[T]) Next(n *Node[T]) *Node[T] { return n.next }

func (plainLink[T]) SetNext(n, next *Node[T]) { n.next = next }
