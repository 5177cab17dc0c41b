// Package nbuf implements the N-Buffer Queue (spec.md §4.8): a circular
// pool of numbuf ≥ 2 fixed-size buffers for producer/consumer handoff,
// where each item handed off is itself a whole buffer rather than a
// single element. Grounded directly on
// original_source/miosix/kernel/buffer_queue.h's BufferQueue<T,size,numbuf>:
// the `put`/`get`/`cnt` indices and IRQ-prefixed method names are carried
// over field-for-field, translated to Go naming. Unlike kqueue, this data
// structure is not itself a synchronization primitive in the original (the
// header's own doc comment: "this class is only a data structure... the
// synchronization between the thread and the IRQ must be done by the
// caller") — the core IRQ-safe operations here preserve that: they never
// block. The thread-context GetWritable/GetReadable wrappers (and their
// *Timed variants) layered on top are this
// module's addition, needed because spec.md §4.11's Logger demonstrator
// must block a real thread on buffer availability rather than spin.
package nbuf

import (
	"fmt"

	"github.com/joeycumines/tinykernel/irq"
	"github.com/joeycumines/tinykernel/ktime"
	"github.com/joeycumines/tinykernel/sched"
)

// Queue is an N-Buffer Queue<T,size,numbuf> (spec.md §4.8). The zero
// value is not usable; construct with New.
type Queue[T any] struct {
	sched *sched.Scheduler
	disc  *irq.Discipline

	bufs    [][]T
	actual  []int // actual filled size of each buffer slot, spec.md §3's "per-buffer actual size field"
	put     int
	get     int
	cnt     int

	writableWaiters []*sched.Thread
	readableWaiters []*sched.Thread
}

// New constructs a Queue of numbuf buffers, each of capacity bufSize.
// numbuf < 2 is an invariant violation (spec.md §4.8: "numbuf = 1 is
// forbidden (compile-time reject)"; realized here as a construction-time
// panic, since Go generics have no non-type template parameter to reject
// at compile time — see DESIGN.md's Open Question resolution).
func New[T any](s *sched.Scheduler, disc *irq.Discipline, bufSize, numbuf int) *Queue[T] {
	if numbuf < 2 {
		panic(fmt.Sprintf("nbuf: numbuf must be >= 2, got %d", numbuf))
	}
	if bufSize <= 0 {
		panic(fmt.Sprintf("nbuf: bufSize must be >= 1, got %d", bufSize))
	}
	q := &Queue[T]{
		sched:  s,
		disc:   disc,
		bufs:   make([][]T, numbuf),
		actual: make([]int, numbuf),
	}
	for i := range q.bufs {
		q.bufs[i] = make([]T, bufSize)
	}
	return q
}

// BufferMaxSize is the fixed per-buffer capacity.
func (q *Queue[T]) BufferMaxSize() int {
	if len(q.bufs) == 0 {
		return 0
	}
	return len(q.bufs[0])
}

// NumberOfBuffers is numbuf.
func (q *Queue[T]) NumberOfBuffers() int { return len(q.bufs) }

// IRQIsEmpty reports whether no buffer is available for reading.
func (q *Queue[T]) IRQIsEmpty() bool {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	return q.cnt == 0
}

// IRQIsFull reports whether no buffer is available for writing.
func (q *Queue[T]) IRQIsFull() bool {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	return q.cnt == len(q.bufs)
}

// IRQGetWritable retrieves the next buffer available for writing, by
// reference, if one is available.
func (q *Queue[T]) IRQGetWritable() (buf []T, ok bool) {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	if q.cnt == len(q.bufs) {
		return nil, false
	}
	return q.bufs[q.put], true
}

// IRQMarkFilled publishes the buffer last returned by IRQGetWritable to
// the reader side, recording its actual filled size (≤ BufferMaxSize).
func (q *Queue[T]) IRQMarkFilled(actualSize int) {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	q.cnt++
	if q.cnt > len(q.bufs) {
		panic(&sched.Fault{Class: "nbuf-overfill"})
	}
	q.actual[q.put] = actualSize
	q.put = (q.put + 1) % len(q.bufs)
	q.wakeOneLocked(&q.readableWaiters)
}

// IRQAvailableForWriting returns the number of buffers available for
// writing (0 to numbuf).
func (q *Queue[T]) IRQAvailableForWriting() int {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	return len(q.bufs) - q.cnt
}

// IRQGetReadable retrieves the next buffer available for reading, if one
// is available, along with its actual filled size.
func (q *Queue[T]) IRQGetReadable() (buf []T, actualSize int, ok bool) {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	if q.cnt == 0 {
		return nil, 0, false
	}
	return q.bufs[q.get], q.actual[q.get], true
}

// IRQMarkEmptied returns the buffer last returned by IRQGetReadable to the
// writer side.
func (q *Queue[T]) IRQMarkEmptied() {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	q.cnt--
	if q.cnt < 0 {
		panic(&sched.Fault{Class: "nbuf-underflow"})
	}
	q.get = (q.get + 1) % len(q.bufs)
	q.wakeOneLocked(&q.writableWaiters)
}

// IRQAvailableForReading returns the number of buffers available for
// reading (0 to numbuf).
func (q *Queue[T]) IRQAvailableForReading() int {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	return q.cnt
}

// IRQReset empties the queue and re-initializes its indices (spec.md
// §4.8). Writable waiters are released, since the queue is now
// guaranteed to have room.
func (q *Queue[T]) IRQReset() {
	scope := q.disc.GlobalDisable()
	defer scope.Release()
	q.put, q.get, q.cnt = 0, 0, 0
	waiters := q.writableWaiters
	q.writableWaiters = nil
	for _, w := range waiters {
		w.SetWaitingOn(nil)
		q.sched.Wake(w)
	}
}

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

// GetWritable blocks the calling thread until a buffer is available for
// writing, then returns it by reference. This module's addition atop the
// IRQ-safe core, needed by the Logger demonstrator's pack thread (spec.md
// §4.11).
func (q *Queue[T]) GetWritable(t *sched.Thread) []T {
	for {
		if buf, ok := q.IRQGetWritable(); ok {
			return buf
		}
		q.parkWritable(t)
	}
}

// GetReadable blocks the calling thread until a buffer is available for
// reading, then returns it along with its actual filled size.
func (q *Queue[T]) GetReadable(t *sched.Thread) ([]T, int) {
	for {
		if buf, n, ok := q.IRQGetReadable(); ok {
			return buf, n
		}
		q.parkReadable(t)
	}
}

// GetWritableTimed is GetWritable with an absolute deadline.
func (q *Queue[T]) GetWritableTimed(t *sched.Thread, at ktime.Tick) (buf []T, timedOut bool) {
	for {
		if buf, ok := q.IRQGetWritable(); ok {
			return buf, false
		}
		if q.parkWritableTimed(t, at) {
			return nil, true
		}
	}
}

// GetReadableTimed is GetReadable with an absolute deadline.
func (q *Queue[T]) GetReadableTimed(t *sched.Thread, at ktime.Tick) (buf []T, actualSize int, timedOut bool) {
	for {
		if buf, n, ok := q.IRQGetReadable(); ok {
			return buf, n, false
		}
		if q.parkReadableTimed(t, at) {
			return nil, 0, true
		}
	}
}

func (q *Queue[T]) parkWritable(t *sched.Thread) {
	scope := q.disc.GlobalDisable()
	q.writableWaiters = append(q.writableWaiters, t)
	t.SetWaitingOn(q)
	scope.Release()
	q.sched.ParkCurrent(t, sched.WaitNBufNotFull)
}

func (q *Queue[T]) parkReadable(t *sched.Thread) {
	scope := q.disc.GlobalDisable()
	q.readableWaiters = append(q.readableWaiters, t)
	t.SetWaitingOn(q)
	scope.Release()
	q.sched.ParkCurrent(t, sched.WaitNBufNotEmpty)
}

func (q *Queue[T]) parkWritableTimed(t *sched.Thread, at ktime.Tick) (timedOut bool) {
	scope := q.disc.GlobalDisable()
	q.writableWaiters = append(q.writableWaiters, t)
	t.SetWaitingOn(q)
	scope.Release()

	timedOut = q.sched.ParkCurrentWithDeadline(t, sched.WaitNBufNotFull, at)
	if timedOut {
		scope = q.disc.GlobalDisable()
		removeWaiter(&q.writableWaiters, t)
		scope.Release()
	}
	return timedOut
}

func (q *Queue[T]) parkReadableTimed(t *sched.Thread, at ktime.Tick) (timedOut bool) {
	scope := q.disc.GlobalDisable()
	q.readableWaiters = append(q.readableWaiters, t)
	t.SetWaitingOn(q)
	scope.Release()

	timedOut = q.sched.ParkCurrentWithDeadline(t, sched.WaitNBufNotEmpty, at)
	if timedOut {
		scope = q.disc.GlobalDisable()
		removeWaiter(&q.readableWaiters, t)
		scope.Release()
	}
	return timedOut
}
