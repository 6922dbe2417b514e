// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

// Producer is the interface for enqueueing elements.
//
// The element is passed by pointer to avoid copying large structs at the
// call site. The queue stores a copy of the pointed-to value, so the original
// can be modified after Enqueue returns.
type Producer[T any] interface {
	// Enqueue adds an element to the queue (non-blocking).
	// The queue is unbounded: the only error is ErrClosed.
	Enqueue(elem *T) error
}

// Consumer is the interface for dequeueing elements.
//
// The element is returned by value. The node that carried it is cleared
// so that referenced objects can be garbage collected.
type Consumer[T any] interface {
	// Dequeue removes and returns an element from the queue (non-blocking).
	// Returns (zero-value, ErrWouldBlock) if the queue is empty.
	Dequeue() (T, error)
}

// Reclaimer exposes explicit reclamation triggers, for callers that free
// nodes at controlled points instead of relying on the Pop threshold.
type Reclaimer interface {
	// ReclaimLocalHazardNodes frees the caller's staged nodes that no
	// hazard slot protects.
	ReclaimLocalHazardNodes()

	// ReclaimHazardNodes also drains nodes handed over by closed handles.
	ReclaimHazardNodes()
}

// Attached is everything a goroutine can do through its Handle.
type Attached[T any] interface {
	Producer[T]
	Consumer[T]
	Reclaimer
	Close()
}

var (
	_ Attached[int] = (*Handle[int])(nil)
	_ Reclaimer     = (*Owner[int])(nil)
)
