// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

import "code.hybscloud.com/atomix"

// Queue is an unbounded lock-free multi-producer multi-consumer FIFO queue.
//
// Based on the Michael–Scott queue (PODC 1996) with hazard pointers
// (Michael, IEEE TPDS 2004). Nodes removed by Pop are not reused until no
// hazard slot in the registry publishes them, which rules out ABA on the
// head and tail CAS even though nodes are recycled.
//
// Goroutines operate on the queue through a [Handle] obtained from Attach.
// Queue's own methods are safe for concurrent use.
//
// Memory: one node per element plus one dummy, carved from the registry's
// arena; reclaimed nodes are reused.
type Queue[T any] struct {
	q            msQueue[HazardNode[T], nextLink[T]]
	reg          *Registry[T]
	threshold    int
	ownsRegistry bool
	closed       atomix.Bool
}

// NewQueue creates a queue with its own registry for at most maxThreads
// attached handles. Pop reclaims after every call.
//
// Panics if maxThreads < 1.
func NewQueue[T any](maxThreads int) *Queue[T] {
	return Build[T](New(maxThreads))
}

func newQueue[T any](r *Registry[T], threshold int) *Queue[T] {
	q := &Queue[T]{reg: r, threshold: threshold}
	q.q.init(r.alloc())
	return q
}

// Attach returns a handle for the calling goroutine.
//
// Returns ErrNoHazardSlot if maxThreads handles are already attached to the
// queue's registry, or ErrClosed if the queue was closed.
func (q *Queue[T]) Attach() (*Handle[T], error) {
	if q.closed.LoadAcquire() {
		return nil, ErrClosed
	}
	o, err := q.reg.Attach()
	if err != nil {
		return nil, err
	}
	return &Handle[T]{q: q, owner: o}, nil
}

// IsEmpty reports whether head and tail coincide.
// The answer is a snapshot with no guarantee against concurrent mutation.
func (q *Queue[T]) IsEmpty() bool {
	return q.q.isEmpty()
}

// NewNode allocates a detached node holding v for use with Handle.Append.
func (q *Queue[T]) NewNode(v T) *HazardNode[T] {
	n := q.reg.alloc()
	n.data = v
	return n
}

// NewChain builds a chain of fresh nodes holding values, in order.
func (q *Queue[T]) NewChain(values ...T) *NodeChain[T] {
	c := &NodeChain[T]{}
	for _, v := range values {
		// A chain built here always has a head when it has a tail.
		_ = c.PushBack(q.NewNode(v))
	}
	return c
}

// Registry returns the registry the queue reclaims through.
func (q *Queue[T]) Registry() *Registry[T] {
	return q.reg
}

// Threshold returns the staged-node count that triggers local reclamation.
func (q *Queue[T]) Threshold() int {
	return q.threshold
}

// Close frees every node still on the queue, including the dummy, and closes
// the registry if the queue owns it.
//
// All handles must be closed first. Close is idempotent; of several
// concurrent calls exactly one frees.
func (q *Queue[T]) Close() {
	if !q.closed.CompareAndSwapAcqRel(false, true) {
		return
	}
	var link nextLink[T]
	n := q.q.head.LoadAcquire()
	for n != nil {
		next := link.Next(n)
		q.reg.free(n, stateLive)
		n = next
	}
	q.q.head.StoreRelease(nil)
	q.q.tail.StoreRelease(nil)
	if q.ownsRegistry {
		q.reg.Close()
	}
}
