// Package kmutex implements the Mutex and Condition Variable (spec.md
// §4.5, §4.6): a recursive-or-not mutex with full transitive priority
// inheritance across nested locking graphs, and a CV that reacquires its
// associated mutex safely on wake. Grounded on spec.md's algorithm
// description directly (original_source's filtered set does not carry
// Mutex.cpp) plus the scheduling Policy comparator this module's sched
// package already centralizes for EDF/fixed-priority inversion — the wait
// queue here is ordered by that same Policy.Higher, so a mutex behaves
// consistently under whichever policy a Kernel was built with.
package kmutex

import (
	"sync"

	"github.com/joeycumines/tinykernel/irq"
	"github.com/joeycumines/tinykernel/ktime"
	"github.com/joeycumines/tinykernel/sched"
)

// Mutex is a recursive-or-not mutex with priority inheritance (spec.md
// §4.5). The zero value is not usable; construct with New.
type Mutex struct {
	sched *sched.Scheduler
	disc  *irq.Discipline

	recursive bool

	// The fields below are shared state. Per spec.md §5 ("Mutex/CV
	// internal queues: accessed under interrupt disable") they are guarded
	// by disc.GlobalDisable, which the public API always holds while
	// touching them, matching every other primitive in this module; that
	// process-wide scope also covers propagateInheritanceLocked walking
	// into other Mutex values. mu is not locked by any method.
	mu             sync.Mutex
	owner          *sched.Thread
	recursionCount int
	waiters        []*sched.Thread // priority-ordered (Policy.Higher), ties FIFO
}

// New constructs a Mutex bound to a Scheduler (for Policy-aware ordering
// and Wake/ParkCurrent) and an Interrupt Discipline (for the critical
// sections spec.md §4.5 and §5 require). recursive selects whether the
// owner may relock without blocking.
func New(s *sched.Scheduler, disc *irq.Discipline, recursive bool) *Mutex {
	return &Mutex{sched: s, disc: disc, recursive: recursive}
}

// Lock blocks the calling thread until it holds the mutex, per spec.md
// §4.5. Contention triggers priority inheritance (propagateInheritanceLocked).
func (m *Mutex) Lock(t *sched.Thread) {
	scope := m.disc.GlobalDisable()

	if m.owner == nil {
		m.owner = t
		m.recursionCount = 1
		t.AddOwnedLock(m)
		scope.Release()
		return
	}

	if m.owner == t {
		if !m.recursive {
			scope.Release()
			panic(&sched.Fault{Class: "mutex-relock-non-recursive", ThreadID: t.ID()})
		}
		m.recursionCount++
		scope.Release()
		return
	}

	m.insertWaiterLocked(t)
	t.SetWaitingOn(m)
	m.propagateInheritanceLocked(t)
	scope.Release()

	m.sched.ParkCurrent(t, sched.WaitMutex)
	// Woken by Unlock, which has already made us the owner.
}

// TryLock never blocks and never causes inheritance (spec.md §4.5).
func (m *Mutex) TryLock(t *sched.Thread) bool {
	scope := m.disc.GlobalDisable()
	defer scope.Release()

	if m.owner == nil {
		m.owner = t
		m.recursionCount = 1
		t.AddOwnedLock(m)
		return true
	}
	if m.owner == t && m.recursive {
		m.recursionCount++
		return true
	}
	return false
}

// Unlock releases one recursion level. Unlocking a mutex the calling
// thread does not own, or unlocking past zero on a recursive mutex, is an
// invariant violation (spec.md §4.5, §7).
func (m *Mutex) Unlock(t *sched.Thread) {
	scope := m.disc.GlobalDisable()
	defer scope.Release()

	if m.owner != t {
		panic(&sched.Fault{Class: "mutex-unlock-by-non-owner", ThreadID: t.ID()})
	}
	m.recursionCount--
	if m.recursionCount < 0 {
		panic(&sched.Fault{Class: "mutex-unlock-underflow", ThreadID: t.ID()})
	}
	if m.recursionCount > 0 {
		return
	}

	m.owner = nil
	t.RemoveOwnedLock(m)
	m.recomputeEffectivePriorityLocked(t)

	if len(m.waiters) == 0 {
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = next
	m.recursionCount = 1
	next.SetWaitingOn(nil)
	next.AddOwnedLock(m)
	m.sched.Wake(next)
}

// recomputeEffectivePriorityLocked restores t's P_eff to
// max(P_base, max P_eff of waiters on any mutex it still owns), per
// spec.md §4.5's unlock step. Caller holds the global disable scope.
func (m *Mutex) recomputeEffectivePriorityLocked(t *sched.Thread) {
	policy := m.sched.Policy()
	best := t.BasePriority()
	for _, lock := range t.OwnedLocks() {
		other, ok := lock.(*Mutex)
		if !ok || len(other.waiters) == 0 {
			continue
		}
		p := other.waiters[0].EffectivePriority()
		if policy.Higher(p, best) {
			best = p
		}
	}
	m.sched.ResetEffectivePriority(t, best)
}

// insertWaiterLocked inserts t into the wait queue ordered by
// Policy.Higher, ties broken by FIFO (spec.md §4.5's ordering rule).
func (m *Mutex) insertWaiterLocked(t *sched.Thread) {
	policy := m.sched.Policy()
	p := t.EffectivePriority()
	idx := len(m.waiters)
	for i, w := range m.waiters {
		if policy.Higher(p, w.EffectivePriority()) {
			idx = i
			break
		}
	}
	m.waiters = append(m.waiters, nil)
	copy(m.waiters[idx+1:], m.waiters[idx:])
	m.waiters[idx] = t
}

// propagateInheritanceLocked walks the "blocked-on" graph starting at the
// mutex the new waiter just joined, raising each owner's effective
// priority to the blocker's where that is higher, and continuing
// transitively while the owner is itself blocked on another mutex (spec.md
// §4.5). A repeated owner in the walk is a cycle, which is always a
// programming error and fatal (spec.md §7, §9).
func (m *Mutex) propagateInheritanceLocked(waiter *sched.Thread) {
	visited := make(map[uint64]bool)
	cur := m
	blocker := waiter
	policy := m.sched.Policy()

	for cur != nil {
		owner := cur.owner
		if owner == nil {
			return
		}
		if visited[owner.ID()] {
			panic(&sched.Fault{Class: "priority-inheritance-cycle", ThreadID: owner.ID()})
		}
		visited[owner.ID()] = true

		if !policy.Higher(blocker.EffectivePriority(), owner.EffectivePriority()) {
			return
		}
		m.sched.InheritPriority(owner, blocker.EffectivePriority())

		if owner.State() != sched.Waiting {
			return
		}
		next, ok := owner.WaitingOn().(*Mutex)
		if !ok || next == nil {
			return
		}
		cur = next
		blocker = owner
	}
}

// Cond is a Condition Variable associated with a Mutex at wait time
// (spec.md §4.6). The zero value is not usable; construct with NewCond.
type Cond struct {
	sched *sched.Scheduler
	disc  *irq.Discipline

	mu         sync.Mutex
	waiters    []*sched.Thread
	assocMutex *Mutex
}

// NewCond constructs a Cond bound to a Scheduler and Interrupt Discipline.
func NewCond(s *sched.Scheduler, disc *irq.Discipline) *Cond {
	return &Cond{sched: s, disc: disc}
}

// Wait atomically unlocks m, parks the calling thread on the CV's queue,
// and on wake reacquires m (which may itself cause inheritance), per
// spec.md §4.6. Spurious wakeups are permitted; callers must re-check
// their predicate. Mixing mutexes across concurrently-parked waiters is a
// programming error (spec.md §4.6) and is fatal.
func (c *Cond) Wait(t *sched.Thread, m *Mutex) {
	c.enqueue(t, m)

	m.Unlock(t)
	c.sched.ParkCurrent(t, sched.WaitCond)
	m.Lock(t)
}

// WaitUntil is Wait with an absolute deadline. It returns true if the
// deadline fired before a Signal/Broadcast reached this waiter, in which
// case the waiter is removed from the CV's queue atomically with no
// resource leak (spec.md §5, §7).
func (c *Cond) WaitUntil(t *sched.Thread, m *Mutex, at ktime.Tick) (timedOut bool) {
	c.enqueue(t, m)

	m.Unlock(t)
	timedOut = c.sched.ParkCurrentWithDeadline(t, sched.WaitCond, at)
	if timedOut {
		scope := c.disc.GlobalDisable()
		c.removeWaiterLocked(t)
		scope.Release()
	}
	m.Lock(t)
	return timedOut
}

func (c *Cond) enqueue(t *sched.Thread, m *Mutex) {
	scope := c.disc.GlobalDisable()
	defer scope.Release()

	if c.assocMutex != nil && c.assocMutex != m && len(c.waiters) > 0 {
		panic(&sched.Fault{Class: "cond-mutex-mismatch", ThreadID: t.ID()})
	}
	c.assocMutex = m
	c.waiters = append(c.waiters, t)
	t.SetWaitingOn(c)
}

func (c *Cond) removeWaiterLocked(t *sched.Thread) {
	for i, w := range c.waiters {
		if w == t {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Signal moves the FIFO-head waiter to Ready (spec.md §4.6).
func (c *Cond) Signal() {
	scope := c.disc.GlobalDisable()
	defer scope.Release()

	if len(c.waiters) == 0 {
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	w.SetWaitingOn(nil)
	c.sched.Wake(w)
}

// Broadcast moves every waiter to Ready (spec.md §4.6).
func (c *Cond) Broadcast() {
	scope := c.disc.GlobalDisable()
	defer scope.Release()

	ws := c.waiters
	c.waiters = nil
	for _, w := range ws {
		w.SetWaitingOn(nil)
		c.sched.Wake(w)
	}
}
