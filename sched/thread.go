package sched

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/tinykernel/ktime"
)

// State is a Thread's lifecycle state (spec.md §3).
type State int

const (
	Ready State = iota
	Running
	Sleeping
	Waiting
	Terminated
	JoinableTerminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Waiting:
		return "waiting"
	case Terminated:
		return "terminated"
	case JoinableTerminated:
		return "joinable-terminated"
	default:
		return "unknown"
	}
}

// WaitReason tags why a Thread is parked in the Waiting state, and which
// kind of wait queue it is linked into (spec.md §3).
type WaitReason int

const (
	WaitNone WaitReason = iota
	WaitMutex
	WaitCond
	WaitFIFONotFull
	WaitFIFONotEmpty
	WaitNBufNotFull
	WaitNBufNotEmpty
	WaitJoin
)

// watermarkFill is the byte pattern a Thread's simulated stack is filled
// with at creation, used for both overflow detection (the innermost word
// must still equal the pattern at every context switch) and the
// observability API's free-stack scan (spec.md §6, §9).
const watermarkFill = 0xA5

// guardWords is the size, in bytes, of the region checked for exact
// corruption on every context switch; the rest of the stack is only
// scanned on demand by the observability API.
const guardWords = 8

// Thread is the Thread Control Block (spec.md §3).
type Thread struct {
	id    uint64
	sched *Scheduler
	name  string

	entry func(t *Thread) any

	stack     []byte
	stackSize int

	mu       sync.Mutex // guards the fields below, disjoint from Scheduler.mu
	basePrio Priority
	effPrio  Priority
	state    State
	waitReas WaitReason

	sleepUntil ktime.Tick

	// waitLink is the back-pointer to the wait queue this thread is parked
	// on (spec.md §3): an opaque value owned by whichever primitive parked
	// it (kmutex.Mutex, kmutex.Cond, kqueue's wait points), used by kmutex
	// to walk the "blocked-on" graph for transitive priority inheritance
	// without sched needing to know about primitive types.
	waitLink any

	// ownedLocks is the set of locks (opaque, currently always *kmutex.Mutex)
	// this thread currently holds, used to recompute P_eff on release as
	// max(P_base, max P_eff of waiters on any mutex it still owns) per
	// spec.md §4.5. Order does not matter; membership does.
	ownedLocks []any

	joinable bool
	detached bool
	result   any

	terminateRequested atomic.Bool
	preemptRequested    atomic.Bool

	done     chan struct{} // closed exactly once, when the entry function returns
	doneOnce sync.Once

	runCh chan struct{} // capacity 1: the run token (spec.md §4.4's "opaque pointer")

	freeMu      sync.Mutex
	minFreeSeen int // running minimum observed by CurrentFreeStack, for AbsoluteFreeStack
}

// ID returns the thread's opaque handle.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the thread's diagnostic name, which may be empty.
func (t *Thread) Name() string { return t.name }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// BasePriority returns P_base.
func (t *Thread) BasePriority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.basePrio
}

// EffectivePriority returns P_eff, which is always >= P_base (spec.md §3).
func (t *Thread) EffectivePriority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effPrio
}

// setEffectivePriority is used by kmutex's priority-inheritance algorithm.
// It never lowers P_eff below P_base.
func (t *Thread) setEffectivePriority(p Priority) {
	t.mu.Lock()
	if t.sched.policy.Higher(t.basePrio, p) {
		p = t.basePrio
	}
	t.effPrio = p
	t.mu.Unlock()
}

// WaitingOn returns the primitive-owned back-pointer describing which wait
// queue this thread is currently parked on, or nil. Used by kmutex to walk
// the blocked-on graph for transitive priority inheritance (spec.md §4.5).
func (t *Thread) WaitingOn() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitLink
}

// SetWaitingOn sets or clears the wait-queue back-pointer. Called by the
// primitive that is parking or waking this thread.
func (t *Thread) SetWaitingOn(v any) {
	t.mu.Lock()
	t.waitLink = v
	t.mu.Unlock()
}

// AddOwnedLock records that this thread now holds lock (opaque to sched;
// in practice always a *kmutex.Mutex), for P_eff recomputation on release.
func (t *Thread) AddOwnedLock(lock any) {
	t.mu.Lock()
	t.ownedLocks = append(t.ownedLocks, lock)
	t.mu.Unlock()
}

// RemoveOwnedLock removes lock from this thread's owned-lock set. A no-op
// if it is not present.
func (t *Thread) RemoveOwnedLock(lock any) {
	t.mu.Lock()
	for i, l := range t.ownedLocks {
		if l == lock {
			t.ownedLocks = append(t.ownedLocks[:i], t.ownedLocks[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// OwnedLocks returns a snapshot of the locks this thread currently holds.
func (t *Thread) OwnedLocks() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.ownedLocks))
	copy(out, t.ownedLocks)
	return out
}

// RequestTerminate sets the cooperative termination flag (spec.md §4.12).
// The thread exits at its next TestTerminate check; nothing is forcibly
// unwound.
func (t *Thread) RequestTerminate() {
	t.terminateRequested.Store(true)
}

// TestTerminate reports whether termination has been requested. Thread
// bodies are expected to call this at natural points and return promptly
// if it is true.
func (t *Thread) TestTerminate() bool {
	return t.terminateRequested.Load()
}

// PollPreempt is the cooperative preemption safe point a long-running
// thread body should call periodically in CPU-bound loops. If the timer
// interrupt has determined a higher-priority thread should run, this call
// yields the CPU; otherwise it returns immediately. Cooperative polling,
// rather than an asynchronous halt, is this module's realization of
// spec.md §4.3's preempt(), because Go provides no supported way to forcibly suspend an arbitrary
// goroutine's user code from the outside, the way a real interrupt
// forcibly suspends instruction execution on a single physical core.
func (t *Thread) PollPreempt() {
	if t.sched.disc.Paused() {
		return
	}
	if t.preemptRequested.CompareAndSwap(true, false) {
		t.sched.Yield(t)
	}
}

// WatermarkIntact reports whether the thread's stack guard region is still
// untouched, i.e. no overflow has occurred. Checked by the scheduler before
// every context switch (spec.md §4.3); a false result is fatal.
func (t *Thread) WatermarkIntact() bool {
	n := len(t.stack)
	if n < guardWords {
		return true
	}
	for _, b := range t.stack[n-guardWords:] {
		if b != watermarkFill {
			return false
		}
	}
	return true
}

// touchStack simulates stack usage for the observability API's free-stack
// scan: callers (typically test code standing in for deep call chains) can
// mark how many bytes from the top of the stack are "in use", overwriting
// the watermark fill pattern there. Real Go code executes on the host
// goroutine's own stack, not this scratch buffer, so this exists purely to
// make CurrentFreeStack/AbsoluteFreeStack and the watermark-corruption
// contract exercisable and testable.
func (t *Thread) touchStack(usedFromTop int) {
	n := len(t.stack)
	if usedFromTop > n {
		usedFromTop = n
	}
	for i := 0; i < usedFromTop; i++ {
		t.stack[i] = 0 // anything other than the fill pattern
	}
}

// CurrentFreeStack returns the number of contiguous fill-pattern bytes
// counted from the guard-region end of the stack toward the top that
// touchStack uses from — the classic RTOS high-water-mark scan (spec.md §6).
func (t *Thread) CurrentFreeStack() int {
	free := 0
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i] != watermarkFill {
			break
		}
		free++
	}
	t.freeMu.Lock()
	if t.minFreeSeen == 0 || free < t.minFreeSeen {
		t.minFreeSeen = free
	}
	t.freeMu.Unlock()
	return free
}

// AbsoluteFreeStack returns the smallest free-stack value ever observed by
// CurrentFreeStack, i.e. the worst-case high-water mark (spec.md §6).
func (t *Thread) AbsoluteFreeStack() int {
	_ = t.CurrentFreeStack() // ensure at least one observation
	t.freeMu.Lock()
	defer t.freeMu.Unlock()
	return t.minFreeSeen
}

// StackSize returns the thread's total stack allocation.
func (t *Thread) StackSize() int { return t.stackSize }
