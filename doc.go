// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hpq provides an unbounded lock-free MPMC FIFO queue with
// hazard-pointer memory reclamation.
//
// The queue is the Michael–Scott linked queue. Nodes unlinked by Pop are not
// reused until no goroutine can still dereference them: every goroutine
// publishes the nodes it is about to touch in hazard slots of a shared
// [Registry], and a node is freed only after a scan finds it in no slot.
// Nodes that are still protected are deferred, first on the popping
// goroutine's staging chain and later on the registry's retirement queue,
// which is itself a Michael–Scott queue threaded through a second link.
//
// # Quick Start
//
//	q := hpq.NewQueue[Event](8) // up to 8 attached goroutines
//	defer q.Close()
//
//	h, err := q.Attach()
//	if err != nil {
//	    return err // hpq.ErrNoHazardSlot: more than 8 goroutines attached
//	}
//	defer h.Close()
//
//	h.Push(ev)
//	if ev, ok := h.Pop(); ok {
//	    handle(ev)
//	}
//
// Builder API for the remaining settings:
//
//	q := hpq.Build[Event](hpq.New(8).ReclaimThreshold(256).SlabSize(4096))
//
// # Handles
//
// Go has no thread-local storage, so the per-thread state of the hazard
// pointer scheme lives in a [Handle]. A Handle holds two hazard slots
// (current and next) and the staging chain of nodes it popped. Each goroutine
// that touches the queue attaches its own Handle and closes it when done.
// Close is the only point at which slots change ownership: staged nodes that
// are still protected move to the registry's retirement queue and the slots
// become claimable by another goroutine.
//
// The registry's slot table has 2 × maxThreads entries. Attaching more
// handles than maxThreads at once fails with [ErrNoHazardSlot].
//
// # Reclamation
//
// Pop stages the node it unlinks. When a handle holds at least the queue's
// reclaim threshold of staged nodes, Pop frees the unprotected ones before
// returning (threshold 0, the default, reclaims on every Pop). Reclamation
// can also be forced at controlled points:
//
//	h.ReclaimLocalHazardNodes() // this handle's staging chain
//	h.ReclaimHazardNodes()      // plus the registry's retirement queue
//
// Nodes are carved from a per-registry arena of slabs ([Builder.SlabSize]) and
// freed nodes go back to its free stack. Queue links and hazard slots are
// atomix pointers, which the garbage collector does not trace; the arena keeps
// every node reachable while the registry is. Reuse is what makes reclamation
// necessary: without hazard pointers a reused node could reappear under a
// stale CAS (ABA) or have its payload overwritten while a slow consumer is
// still reading it. The arena keeps its high-water mark of nodes until the
// registry is dropped.
//
// After all handles are closed and [Handle.ReclaimHazardNodes] has run to
// quiescence, [Registry.Stats] reports one live node per queue (its dummy)
// plus one for the registry's retirement queue.
//
// # Batches
//
// Pre-linked runs of nodes can be appended in a single step:
//
//	c := q.NewChain(1, 2, 3)
//	h.AppendChain(c)          // first..last known: tail swings straight to last
//	h.AppendRange(first, nil) // last unknown: walks the run to find its end
//	h.Append(first)           // no walk: tail catches up as others help it
//
// # Ordering and Progress
//
// The queue is FIFO with respect to the order of successful linking CAS
// operations: values pushed by one goroutine are popped in push order. No
// order is promised between producers that race.
//
// All operations are lock-free. A goroutine may retry a CAS loop an
// unbounded number of times under contention, but some goroutine always
// makes progress. The one exception is arena growth: allocations that find
// the arena full wait while one of them carves the next slab. There is no
// blocking, cancellation or timeout; callers
// that poll an empty queue should back off themselves:
//
//	backoff := iox.Backoff{}
//	for {
//	    v, err := h.Dequeue()
//	    if hpq.IsWouldBlock(err) {
//	        backoff.Wait()
//	        continue
//	    }
//	    backoff.Reset()
//	    process(v)
//	}
//
// # Race Detection
//
// Node links, hazard slots, state tags and counters use atomix atomics,
// which the race detector does not recognize as synchronization. Concurrent
// tests are skipped when [RaceEnabled] is true.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit
// memory ordering, and [code.hybscloud.com/spin] for CPU pause instructions.
package hpq
