// Package sched implements the Thread Control Block, the Ready Set &
// Scheduler, and the Context Switch abstraction (spec.md §4.3, §4.4). See
// SPEC_FULL.md's overview for how this package realizes "opaque pointer
// context switch" using goroutines gated by per-thread run tokens instead of
// a real CPU register file.
package sched

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/tinykernel/irq"
	"github.com/joeycumines/tinykernel/ktime"
)

// Sentinel errors for the reportable failure classes of spec.md §4.12.
var (
	ErrJoinDetached    = errors.New("sched: cannot join a detached thread")
	ErrJoinSelf        = errors.New("sched: thread cannot join itself")
	ErrDoubleJoin      = errors.New("sched: thread already joined")
	ErrAlreadyDetached = errors.New("sched: thread already detached")
	ErrAlreadyRunning  = errors.New("sched: scheduler is already running")
)

// Fault is the panic value raised for invariant violations (spec.md §7):
// watermark corruption, a cyclic priority-inheritance chain, unlock by a
// non-owner, and similar programming errors. Each thread's launcher
// recovers it and passes it to the handler installed with SetFaultHandler;
// the kernel package installs one that logs it and invokes a reset hook.
type Fault struct {
	Class    string
	ThreadID uint64
}

func (f *Fault) Error() string {
	return fmt.Sprintf("sched: fatal fault %q (thread %d)", f.Class, f.ThreadID)
}

// ThreadConfig configures a new Thread, for Scheduler.Spawn.
type ThreadConfig struct {
	// Name is an optional diagnostic name.
	Name string
	// Entry is the thread body. Its return value becomes the Join result.
	Entry func(t *Thread) any
	// StackSize is the simulated stack's size in bytes. Defaults to 4096.
	StackSize int
	// Priority is the initial base priority.
	Priority Priority
	// Joinable, if true, keeps the TCB alive (and the Join result
	// available) until Join is called; the caller must eventually call
	// either Join or Detach. If false the thread is created detached.
	Joinable bool
}

// Scheduler is the Ready Set & Scheduler (spec.md §4.3). One Scheduler
// drives one logical CPU; construct with New.
type Scheduler struct {
	disc   *irq.Discipline
	ts     *ktime.Source
	policy Policy

	mu       sync.Mutex
	ready    []*Thread
	sleeping ktime.TickHeap[*Thread]
	threads  map[uint64]*Thread
	nextID   uint64
	running  *Thread
	started  bool
	onFault  func(*Fault)

	byGoroutine sync.Map // uint64 goroutine id -> *Thread
}

// New constructs a Scheduler bound to the given Time Source, using disc for
// interrupt-disable bracketing of scheduler data (spec.md §5's "Scheduler
// data: accessed only under interrupt disable or kernel pause").
func New(ts *ktime.Source, policy Policy, disc *irq.Discipline) *Scheduler {
	if policy == nil {
		policy = FixedPriorityRR{}
	}
	s := &Scheduler{
		disc:    disc,
		ts:      ts,
		policy:  policy,
		threads: make(map[uint64]*Thread),
	}
	ts.OnInterrupt(s.onTimerInterrupt)
	return s
}

// Policy returns the active scheduling policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Disc returns the shared Interrupt Discipline, for primitives (kmutex,
// kqueue, nbuf) that must guard their own queues under the same critical
// section contract.
func (s *Scheduler) Disc() *irq.Discipline { return s.disc }

// TimeSource returns the bound Time Source.
func (s *Scheduler) TimeSource() *ktime.Source { return s.ts }

// Spawn creates a new Thread per spec.md §4.12: allocates its simulated
// stack, initializes its context, and inserts it into the ready set.
func (s *Scheduler) Spawn(cfg ThreadConfig) (*Thread, error) {
	if cfg.Entry == nil {
		return nil, errors.New("sched: Entry must not be nil")
	}
	stackSize := cfg.StackSize
	if stackSize <= 0 {
		stackSize = 4096
	}
	stack := make([]byte, stackSize)
	for i := range stack {
		stack[i] = watermarkFill
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	t := &Thread{
		id:       id,
		sched:    s,
		name:     cfg.Name,
		entry:    cfg.Entry,
		stack:    stack,
		stackSize: stackSize,
		basePrio: cfg.Priority,
		effPrio:  cfg.Priority,
		state:    Ready,
		joinable: cfg.Joinable,
		done:     make(chan struct{}),
		runCh:    make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.threads[id] = t
	s.ready = append(s.ready, t)
	if s.running != nil && s.policy.Higher(t.effPrioUnsafe(), s.running.effPrioUnsafe()) {
		s.requestPreemptLocked(s.running)
	}
	s.mu.Unlock()

	go s.runThread(t)

	return t, nil
}

// runThread is the goroutine backing one Thread. It blocks on the run token
// until the scheduler grants it the CPU, then executes the thread launcher
// described in spec.md §4.4.
func (s *Scheduler) runThread(t *Thread) {
	<-t.runCh // wait for the first restore_context

	s.byGoroutine.Store(irq.GoroutineID(), t)

	result := s.launch(t)

	s.onThreadReturn(t, result)
}

// launch runs the thread entry. A plain panic inside the entry is treated as
// an abnormal but contained termination (Go has no concept of "the one CPU
// halts" for an ordinary user error) and becomes the Join result. A *Fault —
// an invariant violation raised by this package itself, e.g. stack watermark
// corruption — is routed to the configured fault handler instead; if none is
// configured it re-panics, since an unhandled invariant violation is fatal
// to the whole system per spec.md §7, not just the one thread.
func (s *Scheduler) launch(t *Thread) (result any) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(*Fault); ok {
				if s.onFault != nil {
					s.onFault(f)
					result = f
					return
				}
				panic(f)
			}
			result = r
		}
	}()
	return t.entry(t)
}

// SetFaultHandler installs the callback invoked when an invariant violation
// is raised on a kernel thread goroutine, instead of letting it crash the
// process. Typically wired by the kernel package to its boot/error log and
// reset path (spec.md §7).
func (s *Scheduler) SetFaultHandler(fn func(*Fault)) {
	s.mu.Lock()
	s.onFault = fn
	s.mu.Unlock()
}

func (s *Scheduler) onThreadReturn(t *Thread, result any) {
	t.mu.Lock()
	t.result = result
	if t.joinable && !t.detached {
		t.state = JoinableTerminated
	} else {
		t.state = Terminated
	}
	t.mu.Unlock()

	t.doneOnce.Do(func() { close(t.done) })

	s.mu.Lock()
	s.removeFromReadyLocked(t)
	if s.running == t {
		s.running = nil
	}
	if t.state == Terminated {
		delete(s.threads, t.id)
	}
	next := s.pickNextLocked()
	s.running = next
	markRunning(next)
	s.mu.Unlock()

	if next != nil {
		next.runCh <- struct{}{}
	}
}

// Start bootstraps the scheduler: it selects the best Ready thread (by
// policy) and grants it the CPU. Call exactly once, after Spawn-ing at
// least an idle thread, from the board bring-up path (spec.md §6).
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	next := s.pickNextLocked()
	s.running = next
	markRunning(next)
	s.mu.Unlock()

	if next == nil {
		return errors.New("sched: no ready thread to start")
	}
	next.runCh <- struct{}{}
	return nil
}

// markRunning sets t's state to Running, if t is non-nil. Called by every
// path that grants a thread the run token, so Thread.State() reflects
// spec.md §3's Running state rather than leaving a scheduled thread
// looking merely Ready.
func markRunning(t *Thread) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.state = Running
	t.mu.Unlock()
}

// Current returns the Thread bound to the calling goroutine, or nil if the
// calling goroutine is not a kernel thread (spec.md §6's Thread: current).
func (s *Scheduler) Current() *Thread {
	v, ok := s.byGoroutine.Load(irq.GoroutineID())
	if !ok {
		return nil
	}
	return v.(*Thread)
}

// removeFromReadyLocked removes t from the ready slice, if present. Caller
// holds s.mu.
func (s *Scheduler) removeFromReadyLocked(t *Thread) {
	for i, c := range s.ready {
		if c == t {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// pickNextLocked selects the highest-urgency Ready thread, ties broken by
// position in the ready slice (FIFO, per spec.md §5). Caller holds s.mu.
func (s *Scheduler) pickNextLocked() *Thread {
	var best *Thread
	for _, c := range s.ready {
		if best == nil || s.policy.Higher(c.effPrioUnsafe(), best.effPrioUnsafe()) {
			best = c
		}
	}
	return best
}

// requestPreemptLocked flags t for cooperative preemption at its next
// PollPreempt safe point, unless the Interrupt Discipline's kernel-pause
// scope (spec.md §4.1) is currently held by the running thread. While
// paused, t cannot reach a safe point anyway (it's the one holding the
// scope), so the request is dropped rather than latched; onTimerInterrupt
// re-evaluates the ready set on every subsequent tick regardless of this
// flag's prior state, which is what bounds how stale a dropped request
// can get. KernelPause scopes are meant to be held only briefly (see
// kernel.Kernel's idle thread) for exactly this reason. Caller holds s.mu.
func (s *Scheduler) requestPreemptLocked(t *Thread) {
	if s.disc.Paused() {
		return
	}
	t.preemptRequested.Store(true)
}

// effPrioUnsafe reads effPrio without locking t.mu; only called while the
// Scheduler already holds s.mu and no other goroutine mutates effPrio
// without also holding s.mu transitively via setEffectivePriority's
// callers, all of which go through the scheduler. Kept unexported and
// documented rather than re-locking t.mu (which is never contended from
// inside a locked s.mu section) to avoid lock-ordering hazards.
func (t *Thread) effPrioUnsafe() Priority { return t.effPrio }

// switchFromLocked performs the Context Switch (spec.md §4.4) away from
// `from`: it picks the next thread to run, updates s.running, releases
// s.mu, verifies the outgoing thread's stack watermark, signals the next
// thread's run token, and finally blocks the calling goroutine (which must
// be `from`'s own goroutine) on its own run token. Caller holds s.mu and
// must not hold it upon return (it is released inside).
func (s *Scheduler) switchFromLocked(from *Thread) {
	next := s.pickNextLocked()
	s.running = next
	markRunning(next)
	s.mu.Unlock()

	if !from.WatermarkIntact() {
		panic(&Fault{Class: "stack-watermark-corruption", ThreadID: from.id})
	}

	if next != nil {
		next.runCh <- struct{}{}
	}

	<-from.runCh
}

// Yield performs a voluntary reschedule: the calling thread remains Ready
// (spec.md §4.3).
func (s *Scheduler) Yield(t *Thread) {
	s.mu.Lock()
	// Round-robin: move to the back of the ready slice so any other
	// Ready thread at the same (or higher) urgency gets a turn.
	s.removeFromReadyLocked(t)
	s.ready = append(s.ready, t)
	t.mu.Lock()
	t.state = Ready
	t.mu.Unlock()
	s.switchFromLocked(t)
}

// Sleep parks the calling thread until d has elapsed (spec.md §4.9).
func (s *Scheduler) Sleep(t *Thread, d time.Duration) {
	s.SleepUntil(t, s.ts.Now()+s.ts.TicksFor(d))
}

// SleepUntil moves the calling thread to Sleeping, parks it in the sleep
// set, rearms the Time Source if needed, and switches away (spec.md §4.3,
// §4.9). A deadline in the past still causes one reschedule before the
// thread becomes Ready again, per spec.md §4.9's edge case.
func (s *Scheduler) SleepUntil(t *Thread, at ktime.Tick) {
	s.mu.Lock()
	s.removeFromReadyLocked(t)
	t.mu.Lock()
	t.state = Sleeping
	t.sleepUntil = at
	t.mu.Unlock()
	heap.Push(&s.sleeping, ktime.HeapEntry[*Thread]{At: at, Payload: t})
	s.rearmLocked()
	s.switchFromLocked(t)
}

// NextWakeTick returns the smallest deadline in the sleep set, if any. The
// idle thread (spec.md §4.10's Deep-Sleep Coordinator caller) uses this to
// decide between a plain wait-for-interrupt and a deep-sleep transition.
func (s *Scheduler) NextWakeTick() (ktime.Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sleeping) == 0 {
		return 0, false
	}
	return s.sleeping[0].At, true
}

// rearmLocked arms the Time Source for the smallest pending sleep-set
// deadline. Caller holds s.mu.
func (s *Scheduler) rearmLocked() {
	if len(s.sleeping) == 0 {
		return
	}
	s.ts.ScheduleIRQAt(s.sleeping[0].At)
}

// onTimerInterrupt is the Time Source's registered callback (spec.md §4.2):
// it wakes all Sleeping threads whose deadline has passed, re-arms for the
// next-smallest deadline, and reconsiders the ready set, requesting
// preemption of the running thread if warranted, or granting the CPU to the
// best Ready thread if no thread currently holds it.
func (s *Scheduler) onTimerInterrupt() {
	s.mu.Lock()
	now := s.ts.Now()
	var woken []*Thread
	for len(s.sleeping) > 0 && s.sleeping[0].At <= now {
		e := heap.Pop(&s.sleeping).(ktime.HeapEntry[*Thread])
		woken = append(woken, e.Payload)
	}
	for _, w := range woken {
		w.mu.Lock()
		w.state = Ready
		w.mu.Unlock()
		s.ready = append(s.ready, w)
	}
	s.rearmLocked()

	running := s.running
	if running != nil && len(s.ready) > 0 {
		best := s.pickNextLocked()
		if best != running {
			s.requestPreemptLocked(running)
		} else if _, fixed := s.policy.(FixedPriorityRR); fixed {
			// Round-robin housekeeping: rotate same-level contenders even
			// when the running thread is still the best candidate, so a
			// subsequent PollPreempt by a peer at the same level observes
			// fairness over time (spec.md §4.3: "equal priorities rotate
			// each tick").
			for _, c := range s.ready {
				if c != running && !s.policy.Higher(running.effPrioUnsafe(), c.effPrioUnsafe()) && !s.policy.Higher(c.effPrioUnsafe(), running.effPrioUnsafe()) {
					s.requestPreemptLocked(running)
					break
				}
			}
		}
	}

	// No thread holds the CPU: grant it to the best Ready thread directly.
	var dispatch *Thread
	if s.started && s.running == nil {
		dispatch = s.pickNextLocked()
		s.running = dispatch
		markRunning(dispatch)
	}
	s.mu.Unlock()
	if dispatch != nil {
		dispatch.runCh <- struct{}{}
	}
}

// Wake moves a Waiting or Sleeping thread to Ready, per spec.md §4.3. If
// the woken thread now outranks the running thread, this requests
// preemption (checked at the running thread's next PollPreempt safe point).
// If no thread currently holds the CPU, the best Ready thread is granted it.
func (s *Scheduler) Wake(t *Thread) {
	s.mu.Lock()
	t.mu.Lock()
	switch t.state {
	case Waiting, Sleeping:
		t.state = Ready
		t.waitReas = WaitNone
	default:
		t.mu.Unlock()
		s.mu.Unlock()
		return
	}
	t.mu.Unlock()

	s.removeFromSleepingLocked(t)
	s.removeFromReadyLocked(t)
	s.ready = append(s.ready, t)

	if s.running != nil && s.running != t && s.policy.Higher(t.effPrioUnsafe(), s.running.effPrioUnsafe()) {
		s.requestPreemptLocked(s.running)
	}
	var dispatch *Thread
	if s.started && s.running == nil {
		dispatch = s.pickNextLocked()
		s.running = dispatch
		markRunning(dispatch)
	}
	s.mu.Unlock()
	if dispatch != nil {
		dispatch.runCh <- struct{}{}
	}
}

func (s *Scheduler) removeFromSleepingLocked(t *Thread) {
	for i, e := range s.sleeping {
		if e.Payload == t {
			heap.Remove(&s.sleeping, i)
			return
		}
	}
}

// ParkCurrent is used by primitives (kmutex, kqueue's blocking endpoints,
// cv) to block the calling thread with a given WaitReason. The primitive
// must already have linked t into its own wait queue before calling this;
// ParkCurrent only updates scheduler-owned state and performs the context
// switch.
func (s *Scheduler) ParkCurrent(t *Thread, reason WaitReason) {
	s.mu.Lock()
	s.removeFromReadyLocked(t)
	t.mu.Lock()
	t.state = Waiting
	t.waitReas = reason
	t.mu.Unlock()
	s.switchFromLocked(t)
}

// InheritPriority raises t's effective priority to at least p, without
// touching its base priority, and requests preemption if this now outranks
// the running thread. This is kmutex's priority-inheritance elevation step
// (spec.md §4.5); it never lowers P_eff.
func (s *Scheduler) InheritPriority(t *Thread, p Priority) {
	t.mu.Lock()
	if s.policy.Higher(p, t.effPrio) {
		t.effPrio = p
	}
	t.mu.Unlock()

	s.mu.Lock()
	if s.running != nil && s.running != t && s.policy.Higher(t.effPrioUnsafe(), s.running.effPrioUnsafe()) {
		s.requestPreemptLocked(s.running)
	}
	s.mu.Unlock()
}

// ResetEffectivePriority sets t's effective priority to exactly p, clamped
// to never go below its base priority. Used by kmutex on unlock, once it
// has recomputed the correct floor from the thread's remaining owned locks
// (spec.md §4.5's "owner recomputes P_eff as max(P_base, max P_eff of
// waiters on any mutex it still owns)").
func (s *Scheduler) ResetEffectivePriority(t *Thread, p Priority) {
	t.setEffectivePriority(p)
}

// ParkCurrentWithDeadline is ParkCurrent with a deadline: the calling
// thread is linked into both the primitive's own wait queue (by the
// caller, before this is called) and the sleep set, so that whichever
// fires first — an explicit Wake or the deadline — resumes it. It reports
// whether the deadline fired first (timedOut); on a timeout the caller is
// responsible for atomically removing the thread from the primitive's own
// wait queue, since sched has no knowledge of that queue (spec.md §5's
// "a timed wait... on timeout the thread is removed from the wait queue
// atomically").
func (s *Scheduler) ParkCurrentWithDeadline(t *Thread, reason WaitReason, at ktime.Tick) (timedOut bool) {
	s.mu.Lock()
	s.removeFromReadyLocked(t)
	t.mu.Lock()
	t.state = Waiting
	t.waitReas = reason
	t.sleepUntil = at
	t.mu.Unlock()
	heap.Push(&s.sleeping, ktime.HeapEntry[*Thread]{At: at, Payload: t})
	s.rearmLocked()
	s.switchFromLocked(t)

	t.mu.Lock()
	timedOut = t.waitReas == reason
	t.waitReas = WaitNone
	t.mu.Unlock()
	return timedOut
}

// SetPriority changes a thread's base priority (spec.md §6). If this raises
// the thread's effective priority above the running thread's, preemption is
// requested.
func (s *Scheduler) SetPriority(t *Thread, p Priority) {
	t.mu.Lock()
	t.basePrio = p
	if s.policy.Higher(p, t.effPrio) {
		t.effPrio = p
	}
	t.mu.Unlock()

	s.mu.Lock()
	if s.running != nil && s.running != t && s.policy.Higher(t.effPrioUnsafe(), s.running.effPrioUnsafe()) {
		s.requestPreemptLocked(s.running)
	}
	s.mu.Unlock()
}

// GetPriority returns the thread's current base priority.
func (s *Scheduler) GetPriority(t *Thread) Priority {
	return t.BasePriority()
}

// Join waits for a joinable thread to terminate and returns its result
// (spec.md §4.12). Joining a detached thread, joining self, or joining
// twice are all reportable failures, not panics, since a caller may
// reasonably probe for them.
func (s *Scheduler) Join(t *Thread) (any, error) {
	if cur := s.Current(); cur == t {
		return nil, ErrJoinSelf
	}

	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		return nil, ErrJoinDetached
	}
	if !t.joinable {
		t.mu.Unlock()
		return nil, ErrJoinDetached
	}
	t.mu.Unlock()

	// A kernel thread blocking on t.done directly would keep the run token,
	// so t could never run; it waits by sleeping one tick at a time instead.
	if cur := s.Current(); cur != nil {
		for {
			select {
			case <-t.done:
			default:
				s.SleepUntil(cur, s.ts.Now()+1)
				continue
			}
			break
		}
	}
	<-t.done

	t.mu.Lock()
	if t.state != JoinableTerminated {
		t.mu.Unlock()
		return nil, ErrDoubleJoin
	}
	t.state = Terminated
	result := t.result
	t.mu.Unlock()

	s.mu.Lock()
	delete(s.threads, t.id)
	s.mu.Unlock()

	return result, nil
}

// Detach releases a joinable thread's resources without a joiner, whether
// called before or after termination (spec.md §3, §8).
func (s *Scheduler) Detach(t *Thread) error {
	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		return ErrAlreadyDetached
	}
	t.detached = true
	terminated := t.state == JoinableTerminated
	if terminated {
		t.state = Terminated
	}
	t.mu.Unlock()

	if terminated {
		s.mu.Lock()
		delete(s.threads, t.id)
		s.mu.Unlock()
	}
	return nil
}

// ThreadCount returns the number of live (non-reclaimed) TCBs, for
// leak-detection tests (spec.md §8).
func (s *Scheduler) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}
