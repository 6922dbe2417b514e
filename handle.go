// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

// Handle is a goroutine's access point to a Queue.
//
// A Handle owns two hazard slots of the queue's registry and a staging chain
// of popped nodes. It must not be shared between goroutines that run
// concurrently. Close it when the goroutine is done with the queue:
//
//	h, err := q.Attach()
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
type Handle[T any] struct {
	q     *Queue[T]
	owner *Owner[T]
}

// Owner returns the registry claim backing h.
func (h *Handle[T]) Owner() *Owner[T] {
	return h.owner
}

// Push appends v to the queue. Always succeeds on an open handle.
// Returns false only if h is closed.
func (h *Handle[T]) Push(v T) bool {
	if h.owner.closed {
		return false
	}
	n := h.q.reg.alloc()
	n.data = v
	hp := h.owner.HazardPointer(RoleCurrent)
	h.q.q.push(hp, n)
	hp.StoreRelease(nil)
	return true
}

// Enqueue appends a copy of *elem.
// Returns ErrClosed if h is closed.
func (h *Handle[T]) Enqueue(elem *T) error {
	if !h.Push(*elem) {
		return ErrClosed
	}
	return nil
}

// Pop removes the front element.
// Returns false if the queue was observed empty; that is a snapshot, not a
// permanent condition, and the caller may retry.
//
// The removed node is staged on h. Once h holds at least the queue's
// threshold of staged nodes, Pop reclaims them before returning.
func (h *Handle[T]) Pop() (T, bool) {
	var zero T
	if h.owner.closed {
		return zero, false
	}
	cur := h.owner.HazardPointer(RoleCurrent)
	nxt := h.owner.HazardPointer(RoleNext)
	head, next := h.q.q.pop(cur, nxt)
	if head == nil {
		nxt.StoreRelease(nil)
		return zero, false
	}
	cur.StoreRelease(nil)
	// next is the new dummy and stays protected until its payload is taken.
	v := next.data
	next.data = zero
	h.owner.ReclaimLater(head)
	if h.owner.Staged() >= h.q.threshold {
		h.owner.ReclaimLocalHazardNodes()
	}
	nxt.StoreRelease(nil)
	return v, true
}

// Dequeue removes and returns the front element.
// Returns (zero-value, ErrWouldBlock) if the queue is empty and
// (zero-value, ErrClosed) if h is closed.
func (h *Handle[T]) Dequeue() (T, error) {
	if h.owner.closed {
		var zero T
		return zero, ErrClosed
	}
	v, ok := h.Pop()
	if !ok {
		return v, ErrWouldBlock
	}
	return v, nil
}

// Append links a node from Queue.NewNode. A pre-linked run starting at n is
// accepted as well; it is not walked, and tail catches up as other
// operations help it forward.
// Returns false if n is nil or h is closed.
func (h *Handle[T]) Append(n *HazardNode[T]) bool {
	if h.owner.closed {
		return false
	}
	hp := h.owner.HazardPointer(RoleCurrent)
	ok := h.q.q.appendNode(hp, n)
	hp.StoreRelease(nil)
	return ok
}

// AppendRange links the pre-linked run first..last in one step.
// If last is nil the run is walked from first to find its end.
// Returns false if first is nil or h is closed.
func (h *Handle[T]) AppendRange(first, last *HazardNode[T]) bool {
	if h.owner.closed {
		return false
	}
	hp := h.owner.HazardPointer(RoleCurrent)
	ok := h.q.q.appendRange(hp, h.owner.HazardPointer(RoleNext), first, last)
	hp.StoreRelease(nil)
	return ok
}

// AppendChain moves every node of c onto the queue, leaving c empty.
// Returns false if c is empty or h is closed.
func (h *Handle[T]) AppendChain(c *NodeChain[T]) bool {
	if c.IsEmpty() || h.owner.closed {
		return false
	}
	return h.AppendRange(c.MoveHead(), c.MoveTail())
}

// PushAll appends values as one contiguous run.
// Returns false if values is empty or h is closed.
func (h *Handle[T]) PushAll(values ...T) bool {
	if len(values) == 0 || h.owner.closed {
		return false
	}
	return h.AppendChain(h.q.NewChain(values...))
}

// IsEmpty reports whether the queue looked empty.
func (h *Handle[T]) IsEmpty() bool {
	return h.q.IsEmpty()
}

// Staged returns the number of popped nodes awaiting reclamation on h.
func (h *Handle[T]) Staged() int {
	return h.owner.Staged()
}

// ReclaimLocalHazardNodes frees h's staged nodes that no slot protects.
func (h *Handle[T]) ReclaimLocalHazardNodes() {
	if h.owner.closed {
		return
	}
	h.owner.ReclaimLocalHazardNodes()
}

// ReclaimHazardNodes reclaims h's staged nodes and drains the registry's
// retirement queue. The drain is skipped if another handle is draining.
func (h *Handle[T]) ReclaimHazardNodes() {
	if h.owner.closed {
		return
	}
	h.owner.ReclaimHazardNodes()
}

// Close releases h's hazard slots, handing still-protected nodes to the
// registry. Close is idempotent.
func (h *Handle[T]) Close() {
	h.owner.Close()
}
