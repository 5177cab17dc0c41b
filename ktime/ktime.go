// Package ktime implements the Time Source (spec.md §4.2): a monotonic tick
// counter and a deadline-interrupt facility. On real hardware the tick
// counter is a free-running register narrower than 64 bits, stitched into a
// virtual 64-bit count by a stored high word updated under interrupt
// disable; this package reproduces that stitching explicitly (rather than
// simply trusting a 64-bit host clock) so the edge case spec.md calls out —
// "hardware counter rollovers are stitched" — is real, exercised code, not
// an assumption baked into a wider integer.
package ktime

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/tinykernel/irq"
)

// Tick is a monotonic count of time-base units since boot. Its frequency
// (TickFreq) is implementation-defined, matching spec.md §3.
type Tick uint64

// DefaultTickFreq is 1kHz, i.e. one tick per millisecond — a common
// embedded choice called out in spec.md §3.
const DefaultTickFreq uint64 = 1000

// hwCounterWidth is the width, in bits, of the simulated free-running
// hardware register that Now() stitches into a 64-bit Tick. 32 bits matches
// the 32-bit microcontroller target named in spec.md §1.
const hwCounterWidth = 32

// Source is the Time Source. The zero value is not usable; construct with
// New.
type Source struct {
	disc     *irq.Discipline
	tickFreq uint64
	clockNow func() uint64 // nanoseconds, from an arbitrary monotonic epoch
	epoch    uint64        // nanoseconds, value of clockNow() at construction

	mu        sync.Mutex
	highWord  uint64 // accumulated wraps of the simulated hw register, already shifted
	lastLow   uint32
	armedTick Tick
	armed     bool
	timer     *time.Timer
	onFire    func()
}

// Option configures a Source constructed by New.
type Option func(*Source)

// WithTickFreq overrides DefaultTickFreq.
func WithTickFreq(hz uint64) Option {
	return func(s *Source) {
		if hz == 0 {
			panic("ktime: tick frequency must be positive")
		}
		s.tickFreq = hz
	}
}

// withClock overrides the nanosecond clock function; used by tests to drive
// the Source without waiting on a real monotonic clock.
func withClock(fn func() uint64) Option {
	return func(s *Source) { s.clockNow = fn }
}

// New constructs a Source anchored to the real monotonic clock
// (CLOCK_MONOTONIC via golang.org/x/sys/unix), matching the teacher's use of
// golang.org/x/sys for low-level platform access in eventloop's pollers.
func New(opts ...Option) *Source {
	s := &Source{
		disc:     irq.New(),
		tickFreq: DefaultTickFreq,
		clockNow: monotonicNanos,
	}
	for _, o := range opts {
		o(s)
	}
	s.epoch = s.clockNow()
	return s
}

func monotonicNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is always available on the platforms this module
		// targets; a failure here means the host is too exotic to run on,
		// which is an invariant violation, not a reportable condition.
		panic("ktime: CLOCK_MONOTONIC unavailable: " + err.Error())
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// hwRegister returns the simulated free-running register value: elapsed
// ticks since construction, truncated to hwCounterWidth bits, exactly as a
// real hardware counter would wrap.
func (s *Source) hwRegister() uint32 {
	elapsedNs := s.clockNow() - s.epoch
	elapsedTicks := elapsedNs * s.tickFreq / 1e9
	return uint32(elapsedTicks) // truncation == the hardware wrap, by construction
}

// stitchOnce folds a newly observed low-word reading into the running high
// word, detecting wraparound by the low word having decreased. It is a pure
// function so the rollover edge case is independently
// testable without waiting ~49 days for a real 1kHz 32-bit counter to wrap.
func stitchOnce(highWord uint64, lastLow, newLow uint32) uint64 {
	if newLow < lastLow {
		highWord += uint64(1) << hwCounterWidth
	}
	return highWord
}

// Now returns the current monotonic tick. Safe from any context, including
// while interrupts are masked elsewhere, since it takes its own brief
// critical section.
func (s *Source) Now() Tick {
	scope := s.disc.GlobalDisable()
	defer scope.Release()

	low := s.hwRegister()
	s.highWord = stitchOnce(s.highWord, s.lastLow, low)
	s.lastLow = low
	return Tick(s.highWord | uint64(low))
}

// NowNs returns the current monotonic time in nanoseconds, for callers that
// want wall-clock-shaped output (spec.md §6's now_ns).
func (s *Source) NowNs() int64 {
	return int64(uint64(s.Now()) * 1e9 / s.tickFreq)
}

// TickFreq returns the configured tick frequency in Hz.
func (s *Source) TickFreq() uint64 { return s.tickFreq }

// TicksFor converts a duration into a tick count at this Source's
// frequency, rounding up so that sleeping for d never wakes early.
func (s *Source) TicksFor(d time.Duration) Tick {
	if d <= 0 {
		return 0
	}
	ns := uint64(d)
	ticks := ns * s.tickFreq / 1e9
	if ns*s.tickFreq%1e9 != 0 {
		ticks++
	}
	return Tick(ticks)
}

// OnInterrupt registers the callback invoked whenever the armed deadline
// fires. Exactly one callback may be registered; it is expected to be the
// scheduler's preempt entrypoint (reconsider sleepers, rearm, pick next
// Ready thread), matching spec.md §4.2's "then invokes scheduler".
func (s *Source) OnInterrupt(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFire = fn
}

// ScheduleIRQAt arms (or replaces) the next time-source interrupt for the
// given absolute tick. Arming a tick that has already passed (or equals
// now) fires "soon" — on the next scheduler tick — rather than being
// silently dropped, per spec.md §4.2's edge case.
func (s *Source) ScheduleIRQAt(at Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed && at >= s.armedTick {
		// An earlier (or equal) interrupt is already armed; nothing to do.
		// Replacing is only required "when the sleep set's minimum
		// shrinks" (spec.md §4.2) — i.e. when the new deadline is earlier.
		return
	}

	s.armedTick = at
	s.armed = true

	now := s.Now()
	var d time.Duration
	if at <= now {
		d = 0
	} else {
		d = time.Duration(uint64(at-now) * 1e9 / s.tickFreq)
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.fire)
}

func (s *Source) fire() {
	s.mu.Lock()
	s.armed = false
	cb := s.onFire
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// HeapEntry and TickHeap are a generic min-heap of (Tick, payload), the same
// container/heap shape as the teacher's eventloop.timerHeap, reused here by
// higher layers (sched's sleep set) that need a priority queue ordered by
// Tick. Exported so sched doesn't have to re-derive the heap.Interface
// boilerplate.
type HeapEntry[T any] struct {
	At      Tick
	Payload T
}

type TickHeap[T any] []HeapEntry[T]

func (h TickHeap[T]) Len() int            { return len(h) }
func (h TickHeap[T]) Less(i, j int) bool  { return h[i].At < h[j].At }
func (h TickHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *TickHeap[T]) Push(x any)         { *h = append(*h, x.(HeapEntry[T])) }
func (h *TickHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

var _ = heap.Interface(&TickHeap[int]{})
