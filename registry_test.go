// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hpq

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// =============================================================================
// Reclamation protocol
// =============================================================================

// TestProtectedNodeIsDeferred pins two popped nodes from a handle that does
// nothing else and checks that neither local nor global reclamation frees a
// pinned node until the pin is dropped.
func TestProtectedNodeIsDeferred(t *testing.T) {
	q := Build[int](New(3).ReclaimThreshold(100))
	defer q.Close()
	popper, _ := q.Attach()
	pinner, _ := q.Attach()
	drainer, _ := q.Attach()
	defer pinner.Close()
	defer drainer.Close()

	popper.Push(1)
	popper.Push(2)
	d0 := q.q.head.Load()
	d1 := d0.next.Load()
	pinner.owner.HazardPointer(RoleCurrent).Store(d0)
	pinner.owner.HazardPointer(RoleNext).Store(d1)

	for want := 1; want <= 2; want++ {
		if v, ok := popper.Pop(); !ok || v != want {
			t.Fatalf("Pop: got (%d, %v), want (%d, true)", v, ok, want)
		}
	}
	if popper.Staged() != 2 {
		t.Fatalf("Staged: got %d, want 2", popper.Staged())
	}
	for _, n := range []*HazardNode[int]{d0, d1} {
		if got := n.state.Load(); got != stateStaged {
			t.Fatalf("state: got %s, want staged", stateNames[got])
		}
	}

	popper.ReclaimLocalHazardNodes()
	if popper.Staged() != 2 {
		t.Fatal("protected node was freed by local reclamation")
	}

	// Closing hands both to the retirement queue.
	popper.Close()
	for _, n := range []*HazardNode[int]{d0, d1} {
		if got := n.state.Load(); got != stateRetired {
			t.Fatalf("after Close: state %s, want retired", stateNames[got])
		}
	}

	// The old retirement dummy goes. Of the pinned pair, one becomes the
	// dummy and the other is re-queued behind it.
	before := q.reg.Stats().Freed
	drainer.ReclaimHazardNodes()
	if got := q.reg.Stats().Freed - before; got != 1 {
		t.Fatalf("freed %d nodes, want 1", got)
	}
	front, back := q.reg.retired.head.Load(), q.reg.retired.tail.Load()
	if !(front == d0 && back == d1) && !(front == d1 && back == d0) {
		t.Fatal("pinned nodes not kept on the retirement queue")
	}
	if front.retireNext.Load() != back {
		t.Fatal("re-queued node not linked behind the dummy")
	}

	pinner.owner.HazardPointer(RoleCurrent).Store(nil)
	pinner.owner.HazardPointer(RoleNext).Store(nil)
	drainer.ReclaimHazardNodes()
	if front.state.Load() != stateFree {
		t.Fatalf("unpinned node not freed: state %s", stateNames[front.state.Load()])
	}
	if q.reg.retired.head.Load() != back {
		t.Fatal("last retired node is not the retirement dummy")
	}
}

// TestFreedNodesAreUnprotected instruments the free path: every node must be
// absent from the slot table at the moment it is released, and freed once.
func TestFreedNodesAreUnprotected(t *testing.T) {
	q := Build[int](New(1).ReclaimThreshold(3))
	defer q.Close()
	freed := make(map[*HazardNode[int]]int)
	q.reg.onFree = func(n *HazardNode[int]) {
		if q.reg.IsProtected(n) {
			t.Errorf("freeing protected node %p", n)
		}
		freed[n]++
	}

	h, _ := q.Attach()
	for round := range 50 {
		for i := range 10 {
			h.Push(round*10 + i)
		}
		for range 10 {
			h.Pop()
		}
		clear(freed) // recycled nodes are legitimately freed again later
		h.ReclaimHazardNodes()
		for n, c := range freed {
			if c != 1 {
				t.Fatalf("node %p freed %d times in one pass", n, c)
			}
		}
	}
	h.Close()
}

// TestReclaimHazardNodesBatchesDeferred puts several protected nodes on the
// retirement queue and checks that a drain re-queues them as a run.
func TestReclaimHazardNodesBatchesDeferred(t *testing.T) {
	r := NewRegistry[int](4)
	defer r.Close()
	a, _ := r.Attach()
	pins := []*Owner[int]{}
	var retired StagingChain[int]
	nodes := make([]*HazardNode[int], 3)
	for i := range nodes {
		nodes[i] = r.alloc()
		nodes[i].transition(stateLive, stateStaged)
		nodes[i].transition(stateStaged, stateRetired)
		retired.PushFront(nodes[i])
		p, err := r.Attach()
		if err != nil {
			t.Fatalf("Attach pin %d: %v", i, err)
		}
		p.HazardPointer(RoleNext).Store(nodes[i])
		pins = append(pins, p)
	}
	if !r.reclaimLaterRange(a, retired.MoveHead(), retired.MoveTail()) {
		t.Fatal("reclaimLaterRange: got false")
	}

	// The old retirement dummy is freed; the three pinned nodes come back.
	before := r.Stats().Freed
	a.ReclaimHazardNodes()
	if got := r.Stats().Freed - before; got != 1 {
		t.Fatalf("freed %d nodes, want 1 (the old dummy)", got)
	}
	for i, n := range nodes {
		if n.state.Load() != stateRetired {
			t.Fatalf("node %d: state %s, want retired", i, stateNames[n.state.Load()])
		}
	}

	for _, p := range pins {
		p.Close()
	}
	a.ReclaimHazardNodes()
	// All but the node now serving as retirement dummy are freed.
	var freedCount int
	for _, n := range nodes {
		if n.state.Load() == stateFree {
			freedCount++
		}
	}
	if freedCount != 2 {
		t.Fatalf("freed %d of 3 unpinned nodes, want 2", freedCount)
	}
	a.Close()
	if st := r.Stats(); st.Live != 1 {
		t.Fatalf("Live: got %d, want 1", st.Live)
	}
}

// TestReclaimHazardNodesSingleDrainer checks that a drain started while
// another is in progress leaves the retirement queue alone, and that the
// drain flag is released afterwards.
func TestReclaimHazardNodesSingleDrainer(t *testing.T) {
	r := NewRegistry[int](2)
	defer r.Close()
	a, _ := r.Attach()
	defer a.Close()

	n := r.alloc()
	n.transition(stateLive, stateStaged)
	n.transition(stateStaged, stateRetired)
	if !r.reclaimLater(a, n) {
		t.Fatal("reclaimLater: got false")
	}

	r.draining.StoreRelease(true)
	before := r.Stats().Freed
	a.ReclaimHazardNodes()
	if got := r.Stats().Freed - before; got != 0 {
		t.Fatalf("drain ran concurrently with another: freed %d", got)
	}
	if !r.draining.LoadAcquire() {
		t.Fatal("skipped drain cleared the other drainer's flag")
	}

	r.draining.StoreRelease(false)
	a.ReclaimHazardNodes()
	if got := r.Stats().Freed - before; got != 1 {
		t.Fatalf("freed %d nodes, want 1 (the old dummy)", got)
	}
	if r.draining.LoadAcquire() {
		t.Fatal("drain flag left set")
	}
	if r.retired.head.LoadAcquire() != n {
		t.Fatal("retired node is not the new retirement dummy")
	}
}

// TestConcurrentReclaimHazardNodes drains the retirement queue from every
// consumer while producers push and consumers re-attach, which keeps handing
// protected nodes to the retirement queue. Values are offset by one so that a
// payload read from a freed node (zeroed on free) shows up as 0.
func TestConcurrentReclaimHazardNodes(t *testing.T) {
	if RaceEnabled {
		t.Skip("skip: lock-free algorithm uses cross-variable memory ordering")
	}
	const (
		producers  = 4
		consumers  = 4
		perProd    = 50_000
		total      = producers * perProd
		stride     = 1 << 20
		drainEvery = 64
		reattach   = 5_000
	)
	q := Build[int](New(producers + consumers + 1).ReclaimThreshold(8).SlabSize(64))
	defer q.Close()
	var frees atomix.Int64
	q.reg.onFree = func(n *HazardNode[int]) {
		if got := n.state.LoadAcquire(); got != stateStaged && got != stateRetired {
			t.Errorf("freeing %s node", stateNames[got])
		}
		frees.Add(1)
	}

	seen := make([]atomix.Int32, total)
	var consumed atomix.Int64
	var wg sync.WaitGroup

	for p := range producers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			h, err := q.Attach()
			if err != nil {
				t.Errorf("producer Attach: %v", err)
				return
			}
			defer h.Close()
			for i := range perProd {
				h.Push(id*stride + i + 1)
			}
		}(p)
	}

	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := q.Attach()
			if err != nil {
				t.Errorf("consumer Attach: %v", err)
				return
			}
			defer func() {
				if h != nil {
					h.Close()
				}
			}()
			deadline := time.Now().Add(30 * time.Second)
			backoff := iox.Backoff{}
			pops := 0
			for consumed.Load() < total {
				if time.Now().After(deadline) {
					t.Errorf("timeout: consumed %d of %d", consumed.Load(), total)
					return
				}
				v, ok := h.Pop()
				if !ok {
					backoff.Wait()
					continue
				}
				backoff.Reset()
				pops++
				if v <= 0 {
					t.Errorf("popped %d: payload read from a freed node", v)
					return
				}
				id, seq := (v-1)/stride, (v-1)%stride
				if id >= producers || seq >= perProd {
					t.Errorf("value out of range: %d", v)
					return
				}
				seen[id*perProd+seq].Add(1)
				consumed.Add(1)
				if pops%drainEvery == 0 {
					h.ReclaimHazardNodes()
				}
				if pops%reattach == 0 {
					h.Close()
					if h, err = q.Attach(); err != nil {
						t.Errorf("re-Attach: %v", err)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	if t.Failed() {
		return
	}
	for i := range seen {
		if c := seen[i].Load(); c != 1 {
			t.Fatalf("value %d seen %d times", (i/perProd)*stride+i%perProd+1, c)
		}
	}

	h, err := q.Attach()
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	h.ReclaimHazardNodes()
	h.Close()
	st := q.reg.Stats()
	if st.Live != 2 || st.SlotsInUse != 0 {
		t.Fatalf("after drain: %d live nodes, %d slots in use; want 2, 0", st.Live, st.SlotsInUse)
	}
	if uint64(frees.Load()) != st.Freed {
		t.Fatalf("onFree saw %d frees, Stats reports %d", frees.Load(), st.Freed)
	}
}

// =============================================================================
// Slot table
// =============================================================================

func TestAttachClaimsDistinctSlots(t *testing.T) {
	r := NewRegistry[int](3)
	defer r.Close()
	seen := make(map[*hazardSlot[int]]uint64)
	var owners []*Owner[int]
	for range 3 {
		o, err := r.Attach()
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}
		owners = append(owners, o)
		for _, s := range o.slots {
			if prev, dup := seen[s]; dup {
				t.Fatalf("slot %p owned by %d and %d", s, prev, o.ID())
			}
			if s.owner.Load() != o.ID() {
				t.Fatalf("slot owner: got %d, want %d", s.owner.Load(), o.ID())
			}
			seen[s] = o.ID()
		}
	}
	for _, o := range owners {
		o.Close()
		for _, s := range o.slots {
			if s != nil {
				t.Fatal("Close left a slot reference on the owner")
			}
		}
	}
	for i := range r.slots {
		if r.slots[i].owner.Load() != 0 || r.slots[i].ptr.Load() != nil {
			t.Fatalf("slot %d not released", i)
		}
	}
}

func TestAttachLogsExhaustion(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := BuildRegistry[int](New(1).Logger(logger))
	defer r.Close()
	o, _ := r.Attach()
	defer o.Close()

	_, err := r.Attach()
	if !errors.Is(err, ErrNoHazardSlot) {
		t.Fatalf("Attach: got %v, want ErrNoHazardSlot", err)
	}
	if !strings.Contains(buf.String(), "hazard slot table exhausted") {
		t.Fatalf("exhaustion not logged: %q", buf.String())
	}
}

func TestRegistryAttachAfterClose(t *testing.T) {
	r := NewRegistry[int](1)
	r.Close()
	if _, err := r.Attach(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Attach: got %v, want ErrClosed", err)
	}
	if st := r.Stats(); st.Live != 0 {
		t.Fatalf("Live after Close: got %d, want 0", st.Live)
	}
}

// =============================================================================
// Node lifecycle
// =============================================================================

func TestIllegalTransitionPanics(t *testing.T) {
	r := NewRegistry[int](1)
	defer r.Close()
	n := r.alloc()
	defer func() {
		msg, _ := recover().(string)
		if !strings.Contains(msg, "illegal node transition") {
			t.Fatalf("recover: got %q", msg)
		}
	}()
	r.free(n, stateStaged) // n is live
}

func TestDoubleFreePanics(t *testing.T) {
	r := BuildRegistry[int](New(1).SlabSize(1))
	defer r.Close()
	n := r.alloc()
	n.transition(stateLive, stateStaged)
	r.free(n, stateStaged)
	defer func() {
		if recover() == nil {
			t.Fatal("second free did not panic")
		}
	}()
	r.free(n, stateStaged)
}

// =============================================================================
// Node arena
// =============================================================================

func TestArenaReusesFreedNodes(t *testing.T) {
	q := Build[int](New(1).SlabSize(4))
	defer q.Close()
	h, _ := q.Attach()
	defer h.Close()

	for i := range 8 {
		h.Push(i)
	}
	for range 8 {
		h.Pop()
	}
	h.ReclaimHazardNodes()
	st := q.reg.Stats()
	if st.Freed != 8 {
		t.Fatalf("Freed: got %d, want 8", st.Freed)
	}
	// Two dummies plus eight values need slabs of 4 and 8.
	if st.Capacity != 12 {
		t.Fatalf("Capacity: got %d, want 12", st.Capacity)
	}

	for i := range 8 {
		h.Push(i)
	}
	after := q.reg.Stats()
	if got := after.Recycled - st.Recycled; got != 8 {
		t.Fatalf("Recycled: got %d, want 8", got)
	}
	if after.Capacity != st.Capacity {
		t.Fatalf("Capacity grew from %d to %d with free nodes available", st.Capacity, after.Capacity)
	}
	for want := range 8 {
		if v, ok := h.Pop(); !ok || v != want {
			t.Fatalf("Pop: got (%d, %v), want (%d, true)", v, ok, want)
		}
	}
}

func TestNodeArena(t *testing.T) {
	a := newNodeArena[int](3)
	if a.shift != 2 {
		t.Fatalf("shift: got %d, want 2", a.shift)
	}
	if a.pop() != nil {
		t.Fatal("pop on empty free stack: got node")
	}

	// Slabs of 4, 8 and 16 nodes.
	nodes := make([]*HazardNode[int], 28)
	for i := range nodes {
		n, reused := a.get()
		if reused {
			t.Fatalf("get(%d): reused on a fresh arena", i)
		}
		if n.index != uint64(i) {
			t.Fatalf("get(%d): index %d", i, n.index)
		}
		nodes[i] = n
	}
	if got := a.capacity(); got != 28 {
		t.Fatalf("capacity: got %d, want 28", got)
	}
	for i, n := range nodes {
		if a.at(uint64(i)) != n {
			t.Fatalf("at(%d): wrong node", i)
		}
	}

	a.put(nodes[5])
	a.put(nodes[19])
	for _, want := range []*HazardNode[int]{nodes[19], nodes[5]} {
		if n, reused := a.get(); n != want || !reused {
			t.Fatalf("get: got (%d, %v), want (%d, true)", n.index, reused, want.index)
		}
	}

	// The free stack is empty again; the next get carves a slab of 32.
	if n, _ := a.get(); n.index != 28 {
		t.Fatalf("get after drain: index %d, want 28", n.index)
	}
	if got := a.capacity(); got != 60 {
		t.Fatalf("capacity: got %d, want 60", got)
	}
}

// TestNodeArenaConcurrent cycles nodes through the free stack from several
// goroutines. A node handed to two goroutines at once fails the state CAS.
func TestNodeArenaConcurrent(t *testing.T) {
	if RaceEnabled {
		t.Skip("skip: lock-free algorithm uses cross-variable memory ordering")
	}
	const (
		workers = 8
		rounds  = 20_000
		hold    = 4
	)
	a := newNodeArena[int](2)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held := make([]*HazardNode[int], 0, hold)
			for i := range rounds {
				n, _ := a.get()
				if !n.state.CompareAndSwapAcqRel(stateFree, stateLive) {
					t.Errorf("node %d handed out twice", n.index)
					return
				}
				held = append(held, n)
				if len(held) == hold || i == rounds-1 {
					for _, m := range held {
						m.state.StoreRelease(stateFree)
						a.put(m)
					}
					held = held[:0]
				}
			}
		}()
	}
	wg.Wait()
	if got, limit := a.capacity(), uint64(2+4+8+16+32+64); got > limit {
		t.Fatalf("capacity: got %d, want at most %d", got, limit)
	}
}

// =============================================================================
// Michael–Scott core
// =============================================================================

func TestAppendRangeSwingsTail(t *testing.T) {
	q := NewQueue[int](1)
	defer q.Close()
	h, _ := q.Attach()
	defer h.Close()

	c := q.NewChain(1, 2, 3)
	last := c.Tail()
	h.AppendRange(c.MoveHead(), c.MoveTail())
	if q.q.tail.Load() != last {
		t.Fatal("AppendRange(first, last): tail not at last")
	}

	c = q.NewChain(4, 5, 6)
	last = c.Tail()
	h.AppendRange(c.MoveHead(), nil)
	c.MoveTail()
	if q.q.tail.Load() != last {
		t.Fatal("AppendRange(first, nil): tail not at walked end")
	}

	c = q.NewChain(7, 8)
	first := c.Head()
	h.Append(c.MoveHead())
	c.MoveTail()
	if q.q.tail.Load() != first {
		t.Fatal("Append(run): tail should stay at the first node until helped")
	}
	if h.owner.HazardPointer(RoleCurrent).Load() != nil || h.owner.HazardPointer(RoleNext).Load() != nil {
		t.Fatal("append left hazard slots set")
	}
}

func TestPopHelpsLaggingTail(t *testing.T) {
	q := NewQueue[int](1)
	defer q.Close()
	h, _ := q.Attach()
	defer h.Close()

	// Link a node behind the tail without swinging it.
	n := q.NewNode(9)
	q.q.tail.Load().next.Store(n)

	if v, ok := h.Pop(); !ok || v != 9 {
		t.Fatalf("Pop: got (%d, %v), want (9, true)", v, ok)
	}
	if q.q.head.Load() != n || q.q.tail.Load() != n {
		t.Fatal("head and tail not both on the new dummy")
	}
}
