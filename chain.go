// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

// Chain is an intrusive singly-linked list over externally owned nodes.
//
// Chain never allocates or frees nodes; it only rewrites the link field that
// L selects. The zero value is an empty chain.
//
// Chain is not safe for concurrent use.
type Chain[N any, L Link[N]] struct {
	head *N
	tail *N
}

// StagingChain threads HazardNodes through retireNext.
// Used for nodes awaiting reclamation.
type StagingChain[T any] = Chain[HazardNode[T], retireLink[T]]

// NodeChain threads HazardNodes through next.
// Used to build batches for [Handle.AppendChain].
type NodeChain[T any] = Chain[HazardNode[T], nextLink[T]]

// List threads plain Nodes.
type List[T any] = Chain[Node[T], plainLink[T]]

// Head returns the first node, or nil.
func (c *Chain[N, L]) Head() *N { return c.head }

// Tail returns the last node, or nil.
func (c *Chain[N, L]) Tail() *N { return c.tail }

// MoveHead returns the first node and clears the head field.
func (c *Chain[N, L]) MoveHead() *N {
	n := c.head
	c.head = nil
	return n
}

// MoveTail returns the last node and clears the tail field.
func (c *Chain[N, L]) MoveTail() *N {
	n := c.tail
	c.tail = nil
	return n
}

// IsEmpty reports whether the chain has no head.
func (c *Chain[N, L]) IsEmpty() bool { return c.head == nil }

// Len counts the nodes from head to tail. O(n).
func (c *Chain[N, L]) Len() int {
	n := 0
	for range c.All() {
		n++
	}
	return n
}

// PushBack appends n.
//
// The tail advances to whatever the link field of the old tail reads back,
// not to n directly, so the chain follows the field as observed through L.
//
// Returns ErrChainCorrupt and leaves the chain untouched if the chain has a
// tail but no head.
func (c *Chain[N, L]) PushBack(n *N) error {
	if c.head == nil && c.tail != nil {
		return ErrChainCorrupt
	}
	if c.head == nil {
		c.head = n
	}
	if c.tail == nil {
		c.tail = n
	}
	if c.tail == n {
		return nil
	}
	var link L
	link.SetNext(c.tail, n)
	c.tail = link.Next(c.tail)
	return nil
}

// PushFront prepends n. O(1).
func (c *Chain[N, L]) PushFront(n *N) {
	var link L
	link.SetNext(n, c.head)
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

// All returns an iterator over the chain from head to tail.
// The chain must not be modified during iteration.
func (c *Chain[N, L]) All() func(yield func(*N) bool) {
	return func(yield func(*N) bool) {
		var link L
		for n := c.head; n != nil; n = link.Next(n) {
			if !yield(n) || n == c.tail {
				return
			}
		}
	}
}
