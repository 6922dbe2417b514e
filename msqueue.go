// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// msQueue is the Michael–Scott lock-free FIFO over an intrusive link L.
//
// head always points at a dummy node; the front element is head's successor.
// tail lags the true last node by at most one link, and every operation that
// observes the lag helps advance it before proceeding.
//
// Callers pass hazard slots in which the queue publishes the nodes it is about
// to dereference. Each published pointer is re-validated against its source
// before use, so a node that was unlinked concurrently is never trusted.
//
// Progress is lock-free: a CAS that fails means another goroutine's CAS
// succeeded. An individual goroutine may retry without bound; no fairness
// is promised.
type msQueue[N any, L atomicLink[N]] struct {
	_    pad
	head atomix.Pointer[N]
	_    padPtr
	tail atomix.Pointer[N]
	_    padPtr
}

func (q *msQueue[N, L]) init(dummy *N) {
	q.head.StoreRelease(dummy)
	q.tail.StoreRelease(dummy)
}

// protect publishes n in hp. The swap is a full barrier, so the publication
// is visible to reclaimers before the caller's re-validating load.
func protect[N any](hp *atomix.Pointer[N], n *N) {
	hp.SwapAcqRel(n)
}

// push links n after the current last node and swings tail to it.
// n's link field must be nil. hp is left protecting the old tail.
func (q *msQueue[N, L]) push(hp *atomix.Pointer[N], n *N) {
	var link L
	sw := spin.Wait{}
	var tail *N
	for {
		tail = q.tail.LoadAcquire()
		protect(hp, tail)
		if q.tail.LoadAcquire() != tail {
			sw.Once()
			continue
		}
		next := link.Next(tail)
		if next != nil {
			// Help a lagging tail, then retry.
			q.tail.CompareAndSwapAcqRel(tail, next)
			continue
		}
		if link.CompareAndSwapNext(tail, nil, n) {
			break
		}
		sw.Once()
	}
	q.tail.CompareAndSwapAcqRel(tail, n)
}

// pop unlinks the current dummy and returns it together with its successor,
// which becomes the new dummy and carries the dequeued payload.
//
// On success hpHead protects the returned head and hpNext protects next.
// On empty both slots are cleared and (nil, nil) is returned.
func (q *msQueue[N, L]) pop(hpHead, hpNext *atomix.Pointer[N]) (head, next *N) {
	var link L
	sw := spin.Wait{}
	for {
		head = q.head.LoadAcquire()
		protect(hpHead, head)
		if q.head.LoadAcquire() != head {
			sw.Once()
			continue
		}
		next = link.Next(head)
		protect(hpNext, next)
		if q.head.LoadAcquire() != head {
			sw.Once()
			continue
		}
		if next == nil {
			hpHead.StoreRelease(nil)
			return nil, nil
		}
		tail := q.tail.LoadAcquire()
		if head == tail {
			q.tail.CompareAndSwapAcqRel(tail, next)
			continue
		}
		if q.head.CompareAndSwapAcqRel(head, next) {
			return head, next
		}
		sw.Once()
	}
}

// appendNode links a single node, or a pre-linked run starting at n, without
// walking it. A longer run leaves tail behind; pushes and pops help it
// forward one link at a time.
func (q *msQueue[N, L]) appendNode(hp *atomix.Pointer[N], n *N) bool {
	if n == nil {
		return false
	}
	q.push(hp, n)
	return true
}

// appendRange links the pre-linked run first..last in one CAS and then swings
// tail straight to last. If last is nil the run is walked to find its end
// while it is still private.
//
// hpFirst keeps first from being recycled while tail may still point at it.
func (q *msQueue[N, L]) appendRange(hp, hpFirst *atomix.Pointer[N], first, last *N) bool {
	if first == nil {
		return false
	}
	if last == nil {
		var link L
		last = first
		for next := link.Next(last); next != nil; next = link.Next(last) {
			last = next
		}
	}
	protect(hpFirst, first)
	q.push(hp, first)
	if last != first {
		q.tail.CompareAndSwapAcqRel(first, last)
	}
	hpFirst.StoreRelease(nil)
	return true
}

// isEmpty is a snapshot; it may be stale by the time it returns.
func (q *msQueue[N, L]) isEmpty() bool {
	return q.head.LoadAcquire() == q.tail.LoadAcquire()
}
