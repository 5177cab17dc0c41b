// Package kqueue implements the Fixed FIFO Queue<T,N> (spec.md §4.7):
// a bounded ring with IRQ-safe nonblocking endpoints and blocking
// thread-context endpoints, waking exactly one waiter per successful
// opposite-side operation to avoid a thundering herd. Grounded on
// catrate.ringBuffer's head/tail/mask ring shape, generalized from
// constraints.Ordered to any (queue elements need not be ordered) and
// from a power-of-two size to an arbitrary N, per spec.md §3's "fixed
// array of N slots".
package kqueue

import (
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/tinykernel/irq"
	"github.com/joeycumines/tinykernel/ktime"
	"github.com/joeycumines/tinykernel/sched"
)

// Queue is a fixed-capacity FIFO<T,N> (spec.md §4.7). The zero value is
// not usable; construct with New.
type Queue[T any] struct {
	sched *sched.Scheduler
	disc  *irq.Discipline

	ring []T
	head int
	tail int
	n    int

	// emptySlots/fullSlots count available capacity/items respectively,
	// using golang.org/x/sync/semaphore.Weighted's TryAcquire/Release as
	// the bookkeeping primitive instead of a bare counter: its internal
	// waiter list is unused here (nothing ever calls the blocking
	// Acquire — see the blocking Put/Get implementations below, which
	// park through the scheduler instead, since blocking a kernel
	// thread's own goroutine inside Acquire would starve every other
	// thread the same way a raw channel receive would, per sched's
	// cooperative run-token model). TryAcquire/Release alone still give
	// an atomically-correct "is there room / is there an item" check
	// without a separate mutex for just the counts.
	emptySlots *semaphore.Weighted
	fullSlots  *semaphore.Weighted

	notFullWaiters  []*sched.Thread
	notEmptyWaiters []*sched.Thread
}

// New constructs a Queue of capacity n ≥ 2. n ∈ {0, 1} is a programmer
// error (rejected at construction, spec.md §9's "express capacity-1
// rejection as a compile-time assertion or trait bound" realized here as a
// runtime panic since Go generics cannot express a compile-time size bound).
func New[T any](s *sched.Scheduler, disc *irq.Discipline, n int) *Queue[T] {
	if n < 2 {
		panic(fmt.Sprintf("kqueue: capacity must be >= 2, got %d", n))
	}
	q := &Queue[T]{
		sched:      s,
		disc:       disc,
		ring:       make([]T, n),
		emptySlots: semaphore.NewWeighted(int64(n)),
		fullSlots:  semaphore.NewWeighted(int64(n)),
	}
	// fullSlots starts representing zero available items: consume its
	// entire capacity up front so that TryAcquire(1) only succeeds once
	// an item has actually been Released by a put.
	if !q.fullSlots.TryAcquire(int64(n)) {
		panic("kqueue: unreachable: fresh semaphore could not be drained")
	}
	return q
}

// Cap returns the queue's fixed capacity N.
func (q *Queue[T]) Cap() int { return len(q.ring) }

// IRQTryPut is the nonblocking, IRQ-safe producer endpoint (spec.md §4.7):
// it never blocks, so it is safe to call with interrupts disabled.
func (q *Queue[T]) IRQTryPut(x T) bool {
	scope := q.disc.GlobalDisable()
	defer scope.Release()

	if !q.emptySlots.TryAcquire(1) {
		return false
	}
	q.ring[q.tail] = x
	q.tail = (q.tail + 1) % len(q.ring)
	q.n++
	q.fullSlots.Release(1)
	q.wakeOneLocked(&q.notEmptyWaiters)
	return true
}

// IRQTryGet is the nonblocking, IRQ-safe consumer endpoint.
func (q *Queue[T]) IRQTryGet() (x T, ok bool) {
	scope := q.disc.GlobalDisable()
	defer scope.Release()

	if !q.fullSlots.TryAcquire(1) {
		return x, false
	}
	x = q.ring[q.head]
	var zero T
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	q.emptySlots.Release(1)
	q.wakeOneLocked(&q.notFullWaiters)
	return x, true
}

// IRQIsEmpty reports whether the queue currently holds zero items.
func (q *Queue[T]) IRQIsEmpty() bool {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	return q.n == 0
}

// IRQIsFull reports whether the queue currently holds N items.
func (q *Queue[T]) IRQIsFull() bool {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	return q.n == len(q.ring)
}

// IRQReset empties the queue and re-initializes its indices (spec.md §8's
// "reset of either queue type followed by reads returns empty"). Any
// not-full waiters are released, since the queue is now guaranteed to
// have room; not-empty waiters are left parked, since the queue has
// nothing for them yet.
func (q *Queue[T]) IRQReset() {
	scope := q.disc.GlobalDisable()
	defer scope.Release()

	n := len(q.ring)
	q.head, q.tail, q.n = 0, 0, 0
	var zero T
	for i := range q.ring {
		q.ring[i] = zero
	}
	q.emptySlots = semaphore.NewWeighted(int64(n))
	q.fullSlots = semaphore.NewWeighted(int64(n))
	q.fullSlots.TryAcquire(int64(n))

	waiters := q.notFullWaiters
	q.notFullWaiters = nil
	for _, w := range waiters {
		w.SetWaitingOn(nil)
		q.sched.Wake(w)
	}
}

// TryPut, TryGet, IsEmpty, IsFull and Reset are the non-"IRQ"-prefixed
// names spec.md §6's external-interface list uses for the same
// nonblocking, IRQ-safe operations spec.md §4.7 names with the prefix.
func (q *Queue[T]) TryPut(x T) bool  { return q.IRQTryPut(x) }
func (q *Queue[T]) TryGet() (T, bool) { return q.IRQTryGet() }
func (q *Queue[T]) IsEmpty() bool    { return q.IRQIsEmpty() }
func (q *Queue[T]) IsFull() bool     { return q.IRQIsFull() }
func (q *Queue[T]) Reset()          { q.IRQReset() }

// Put blocks the calling thread until there is room, then enqueues x
// (spec.md §4.7).
func (q *Queue[T]) Put(t *sched.Thread, x T) {
	for !q.IRQTryPut(x) {
		q.parkNotFull(t)
	}
}

// Get blocks the calling thread until an item is available, then
// dequeues it (spec.md §4.7).
func (q *Queue[T]) Get(t *sched.Thread) T {
	for {
		if x, ok := q.IRQTryGet(); ok {
			return x
		}
		q.parkNotEmpty(t)
	}
}

// PutTimed is Put with an absolute deadline; it reports whether the
// deadline fired before room became available (spec.md §5's timed-wait
// variant for FIFO queues).
func (q *Queue[T]) PutTimed(t *sched.Thread, x T, at ktime.Tick) (timedOut bool) {
	for {
		if q.IRQTryPut(x) {
			return false
		}
		if q.parkNotFullTimed(t, at) {
			return true
		}
	}
}

// GetTimed is Get with an absolute deadline.
func (q *Queue[T]) GetTimed(t *sched.Thread, at ktime.Tick) (x T, timedOut bool) {
	for {
		if v, ok := q.IRQTryGet(); ok {
			return v, false
		}
		if q.parkNotEmptyTimed(t, at) {
			return x, true
		}
	}
}

// WaitUntilNotFull exposes the not-full condition wait directly, for
// composite protocols that need to observe the condition without also
// performing a put (spec.md §4.7).
func (q *Queue[T]) WaitUntilNotFull(t *sched.Thread) { q.parkNotFull(t) }

// WaitUntilNotEmpty exposes the not-empty condition wait directly.
func (q *Queue[T]) WaitUntilNotEmpty(t *sched.Thread) { q.parkNotEmpty(t) }

func (q *Queue[T]) parkNotFull(t *sched.Thread) {
	scope := q.disc.GlobalDisable()
	q.notFullWaiters = append(q.notFullWaiters, t)
	t.SetWaitingOn(q)
	scope.Release()
	q.sched.ParkCurrent(t, sched.WaitFIFONotFull)
}

func (q *Queue[T]) parkNotEmpty(t *sched.Thread) {
	scope := q.disc.GlobalDisable()
	q.notEmptyWaiters = append(q.notEmptyWaiters, t)
	t.SetWaitingOn(q)
	scope.Release()
	q.sched.ParkCurrent(t, sched.WaitFIFONotEmpty)
}

func (q *Queue[T]) parkNotFullTimed(t *sched.Thread, at ktime.Tick) (timedOut bool) {
	scope := q.disc.GlobalDisable()
	q.notFullWaiters = append(q.notFullWaiters, t)
	t.SetWaitingOn(q)
	scope.Release()

	timedOut = q.sched.ParkCurrentWithDeadline(t, sched.WaitFIFONotFull, at)
	if timedOut {
		scope = q.disc.GlobalDisable()
		removeWaiter(&q.notFullWaiters, t)
		scope.Release()
	}
	return timedOut
}

func (q *Queue[T]) parkNotEmptyTimed(t *sched.Thread, at ktime.Tick) (timedOut bool) {
	scope := q.disc.GlobalDisable()
	q.notEmptyWaiters = append(q.notEmptyWaiters, t)
	t.SetWaitingOn(q)
	scope.Release()

	timedOut = q.sched.ParkCurrentWithDeadline(t, sched.WaitFIFONotEmpty, at)
	if timedOut {
		scope = q.disc.GlobalDisable()
		removeWaiter(&q.notEmptyWaiters, t)
		scope.Release()
	}
	return timedOut
}

// wakeOneLocked wakes the FIFO-head waiter in list, if any, to avoid a
// thundering herd on every successful opposite-side operation (spec.md
// §4.7). Caller holds the Discipline's global-disable scope.
func (q *Queue[T]) wakeOneLocked(list *[]*sched.Thread) {
	if len(*list) == 0 {
		return
	}
	w := (*list)[0]
	*list = (*list)[1:]
	w.SetWaitingOn(nil)
	q.sched.Wake(w)
}

func removeWaiter(list *[]*sched.Thread, t *sched.Thread) {
	for i, w := range *list {
		if w == t {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}
