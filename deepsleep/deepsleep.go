// Package deepsleep implements the Deep-Sleep Coordinator (spec.md §4.10):
// called from the idle thread whenever the ready set is empty, it decides
// between a plain wait-for-interrupt and transitioning the simulated CPU
// into a low-power stop mode, given the next scheduled wakeup tick.
// Grounded on original_source/miosix/arch/cortexM3_stm32f1/common/
// interfaces-impl/deep_sleep.cpp's IRQdeepSleep: enter low-power stop,
// block until the secondary timer fires, then resync the main tick. This
// module's "secondary timer" stand-in is a real blocking
// golang.org/x/sys/unix.Nanosleep for the computed remaining duration — the
// closest process-level analogue to WFI/STOP — after which ktime.Source's
// own continuously-running monotonic clock is already caught up, so no
// separate resync step is needed (nothing was paused to begin with, unlike
// the real RTC-backed counter the original resyncs from).
package deepsleep

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/tinykernel/ktime"
)

// Coordinator decides, on each idle-thread pass, whether entering deep
// sleep is worthwhile for a given upcoming wakeup deadline.
type Coordinator struct {
	ts        *ktime.Source
	threshold time.Duration
	available bool
}

// Option configures a Coordinator constructed by New.
type Option func(*Coordinator)

// WithThreshold overrides the default threshold below which entering and
// leaving low-power mode costs more than it saves (spec.md §4.10).
// Defaults to 2ms, a conservative stand-in for real wake-latency budgets.
func WithThreshold(d time.Duration) Option {
	return func(c *Coordinator) { c.threshold = d }
}

// WithAvailable overrides whether the low-power path is supported at all.
// Boards without a working low-power path must report false (spec.md
// §4.10's fallback), defaulting every sleep to the plain wait regardless
// of threshold.
func WithAvailable(available bool) Option {
	return func(c *Coordinator) { c.available = available }
}

// New constructs a Coordinator bound to ts. Deep sleep is available by
// default; use WithAvailable(false) to model a board without the feature.
func New(ts *ktime.Source, opts ...Option) *Coordinator {
	c := &Coordinator{
		ts:        ts,
		threshold: 2 * time.Millisecond,
		available: true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Available reports whether this Coordinator's low-power path is usable.
func (c *Coordinator) Available() bool { return c.available }

// Attempt is one idle-thread pass: given the next scheduled wakeup tick,
// it either sleeps briefly, for at most 1ms (the plain wait-for-interrupt
// path, spec.md §4.10's "T - now < threshold" branch, or the not-supported
// fallback), or blocks the calling goroutine for the full remaining
// duration (the low-power stop path). It returns whether the low-power path
// was taken. The caller (the idle thread) is expected to call this in a
// loop and re-check the ready set / next wakeup after each return: the
// plain path returns well before "at" when "at" is more than 1ms away,
// while the low-power path does not return before "at" even if a thread
// becomes ready in the meantime.
func (c *Coordinator) Attempt(at ktime.Tick) (usedDeepSleep bool) {
	now := c.ts.Now()
	if at <= now {
		return false
	}

	remaining := time.Duration(uint64(at-now)) * time.Second / time.Duration(c.ts.TickFreq())

	if !c.available || remaining < c.threshold {
		// Plain wait-for-interrupt: a short real sleep stands in for a
		// single WFI instruction, since Go has no blocking primitive that
		// wakes on an arbitrary future interrupt without itself being
		// interrupt-driven.
		time.Sleep(minDuration(remaining, time.Millisecond))
		return false
	}

	// Low-power stop: block for the whole remaining interval via a real
	// syscall rather than spinning, simulating WFI/STOP's power saving.
	// ktime.Source's Now() reads a continuously-advancing real monotonic
	// clock, so no explicit resync is required on return — unlike the
	// original, which must re-read the RTC because its main OS timer
	// stops counting during stop mode.
	sleepFor(remaining)
	return true
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func sleepFor(d time.Duration) {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	for {
		var rem unix.Timespec
		err := unix.Nanosleep(&ts, &rem)
		if err == nil {
			return
		}
		if err != unix.EINTR {
			return
		}
		ts = rem
	}
}
