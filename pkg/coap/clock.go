package coap

import (
	"container/heap"
	"sync"
	"time"
)

// Millis is monotonic milliseconds, as returned by Clock.Now. It has no
// relation to wall-clock time; only deltas between two Millis values are
// meaningful.
type Millis int64

// CancelHandle cancels a previously scheduled callback. Cancelling an
// already-fired or already-cancelled handle is a safe no-op.
type CancelHandle interface {
	Cancel()
}

// Clock is the steady-clock capability every timing decision in this
// package goes through (spec.md §5/§9: "never read wall-clock time
// directly from any component; pass the clock in"). Transaction retransmit
// timers and Exchange lifetime timers are both driven from this interface.
type Clock interface {
	Now() Millis
	Schedule(deadline Millis, cb func()) CancelHandle
}

// timerItem is one scheduled callback, ordered first by deadline and then
// by a monotonically increasing sequence number so that two timers
// scheduled for the same millisecond fire in submission order.
type timerItem struct {
	deadline Millis
	seq      uint64
	cb       func()
	index    int // maintained by container/heap
	canceled bool
}

// timerHeap is a container/heap.Interface over pending timerItems, ordered
// by (deadline, seq).
type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

type timerHandle struct {
	q    *timerQueue
	item *timerItem
}

func (h *timerHandle) Cancel() {
	h.q.cancel(h.item)
}

// timerQueue is the ordered structure behind VirtualClock; RealClock does not
// use it and schedules each callback with its own time.AfterFunc.
type timerQueue struct {
	mu  sync.Mutex
	h   timerHeap
	seq uint64
}

func newTimerQueue() *timerQueue {
	return &timerQueue{}
}

func (q *timerQueue) schedule(deadline Millis, cb func()) *timerItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	item := &timerItem{deadline: deadline, seq: q.seq, cb: cb}
	heap.Push(&q.h, item)
	return item
}

func (q *timerQueue) cancel(item *timerItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.canceled || item.index < 0 {
		return
	}
	item.canceled = true
	heap.Remove(&q.h, item.index)
}

// popDue removes and returns, in deadline order, every unfired/uncancelled
// timer whose deadline is <= now.
func (q *timerQueue) popDue(now Millis) []*timerItem {
	var due []*timerItem
	q.mu.Lock()
	for len(q.h) > 0 && q.h[0].deadline <= now {
		item := heap.Pop(&q.h).(*timerItem)
		if item.canceled {
			continue
		}
		due = append(due, item)
	}
	q.mu.Unlock()
	return due
}

// peekDeadline returns the earliest scheduled deadline and true, or
// (0, false) if the queue is empty.
func (q *timerQueue) peekDeadline() (Millis, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return 0, false
	}
	return q.h[0].deadline, true
}

// RealClock backs production use: Now reads wall-clock time (as
// milliseconds since the clock's construction) and Schedule uses
// time.AfterFunc.
type RealClock struct {
	start time.Time
}

// NewRealClock returns a Clock whose Now() is milliseconds elapsed since
// construction.
func NewRealClock() *RealClock {
	return &RealClock{start: time.Now()}
}

func (c *RealClock) Now() Millis {
	return Millis(time.Since(c.start).Milliseconds())
}

type realTimerHandle struct{ timer *time.Timer }

func (h *realTimerHandle) Cancel() { h.timer.Stop() }

func (c *RealClock) Schedule(deadline Millis, cb func()) CancelHandle {
	delay := time.Duration(deadline-c.Now()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	t := time.AfterFunc(delay, cb)
	return &realTimerHandle{timer: t}
}

// VirtualClock is a fully test-driven Clock: time only moves when Advance
// is called, and Advance fires every due callback in deadline order before
// returning (spec.md §9: "tests require full control of time").
type VirtualClock struct {
	mu  sync.Mutex
	now Millis
	q   *timerQueue
}

// NewVirtualClock returns a VirtualClock starting at t=0.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{q: newTimerQueue()}
}

func (c *VirtualClock) Now() Millis {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Schedule(deadline Millis, cb func()) CancelHandle {
	item := c.q.schedule(deadline, cb)
	return &timerHandle{q: c.q, item: item}
}

// Advance moves the clock forward by ms milliseconds, synchronously
// invoking every callback whose deadline falls at or before the new time,
// in deadline (then submission) order. Callbacks that themselves schedule
// new timers at or before the new "now" are also fired within the same
// Advance call, since a retransmission's next deadline can fall inside the
// same tick under a fast-forwarded virtual clock. While a callback runs,
// Now reports that callback's deadline, so a timer it schedules relative to
// Now lands where it would have under a steadily running clock.
func (c *VirtualClock) Advance(ms Millis) {
	c.mu.Lock()
	target := c.now + ms
	c.mu.Unlock()

	for {
		next, ok := c.q.peekDeadline()
		if !ok || next > target {
			break
		}
		c.mu.Lock()
		if next > c.now {
			c.now = next
		}
		c.mu.Unlock()
		for _, item := range c.q.popDue(next) {
			item.cb()
		}
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// NextDeadline reports the earliest pending timer deadline, useful for
// tests that want to jump directly to the next event instead of advancing
// in fixed increments.
func (c *VirtualClock) NextDeadline() (Millis, bool) {
	return c.q.peekDeadline()
}
