// Package irq implements the Interrupt Discipline: the three scoped
// critical-section kinds that bracket access to scheduler and primitive
// state. Every public API is an RAII-flavored scoped acquisition — there is
// no hardware to mask in a userspace process, so "masking interrupts" is
// realized as a process-wide reentrant lock (reentrant per goroutine, the
// stand-in for "the one physical core"), and "pausing the kernel" as a
// counter the scheduler checks before it may switch away from the current
// goroutine.
package irq

import "sync"

// Discipline owns the process-wide critical-section state. A Kernel embeds
// exactly one Discipline; every primitive that needs to touch shared
// scheduler state acquires one of its scopes first.
type Discipline struct {
	mu sync.Mutex

	// owner/count implement goroutine-reentrant mutual exclusion for
	// GlobalDisable/FastGlobalDisable: mu is only actually locked by the
	// outermost acquisition from a given goroutine; nested acquisitions by
	// the same goroutine just bump count.
	stateMu sync.Mutex
	owner   uint64
	count   int

	// pause counts nested KernelPause acquisitions, independent of the
	// above: it never excludes other goroutines, it only forbids the
	// scheduler from switching away from whoever holds it.
	pauseMu sync.Mutex
	pause   int
}

// New returns a ready-to-use Discipline.
func New() *Discipline {
	return &Discipline{}
}

// Scope is returned by every acquisition method. Release must be called
// exactly once, on every exit path (including via defer), to guarantee the
// outermost acquisition re-enables the guarded resource. Release is
// idempotent-safe (a second call is a no-op) so it can always be deferred
// even when an earlier code path already released it explicitly.
type Scope struct {
	release func()
	done    bool
}

// Release ends the scope. Safe to call via defer; safe to call more than
// once, but callers should still only call it once in normal control flow —
// the idempotence exists to make defer-based cleanup on already-unwound
// paths safe, not as a license to call it freely.
func (s *Scope) Release() {
	if s == nil || s.done {
		return
	}
	s.done = true
	if s.release != nil {
		s.release()
	}
}

// GlobalDisable masks all "maskable interrupts" — i.e. excludes every other
// goroutine from entering a GlobalDisable or FastGlobalDisable scope on the
// same Discipline — until Release is called. Nestable by the same goroutine:
// only the outermost Release actually re-enables; a different goroutine
// calling GlobalDisable blocks until that outermost Release.
func (d *Discipline) GlobalDisable() *Scope {
	gid := currentGoroutineID()

	d.stateMu.Lock()
	if d.count > 0 && d.owner == gid {
		d.count++
		d.stateMu.Unlock()
		return &Scope{release: d.releaseGlobal}
	}
	d.stateMu.Unlock()

	d.mu.Lock()

	d.stateMu.Lock()
	d.owner = gid
	d.count = 1
	d.stateMu.Unlock()

	return &Scope{release: d.releaseGlobal}
}

// FastGlobalDisable is the lighter-weight sibling of GlobalDisable: same
// exclusion semantics, but documents to callers that they intend the
// cheaper discipline (e.g. for cost-sensitive call sites). The two share one
// counter and one mutex, so nesting between them is always safe; spec.md
// §4.1 forbids nesting them "inconsistently", which this satisfies by
// construction.
func (d *Discipline) FastGlobalDisable() *Scope {
	return d.GlobalDisable()
}

func (d *Discipline) releaseGlobal() {
	d.stateMu.Lock()
	d.count--
	switch {
	case d.count < 0:
		d.stateMu.Unlock()
		panic("irq: GlobalDisable released without matching acquire")
	case d.count == 0:
		d.owner = 0
		d.stateMu.Unlock()
		d.mu.Unlock()
	default:
		d.stateMu.Unlock()
	}
}

// EnableWithin runs fn with the calling goroutine's global-disable scope
// temporarily relaxed by exactly one nesting level, then restores it — the
// "inverted scope" named in spec.md §6. It is a programming error to call
// this when the calling goroutine does not already hold a
// GlobalDisable/FastGlobalDisable scope.
func (d *Discipline) EnableWithin(fn func()) {
	gid := currentGoroutineID()

	d.stateMu.Lock()
	if d.count == 0 || d.owner != gid {
		d.stateMu.Unlock()
		panic("irq: EnableWithin called without a held GlobalDisable scope")
	}
	savedCount := d.count
	d.count = 0
	d.owner = 0
	d.stateMu.Unlock()

	d.mu.Unlock()
	func() {
		defer func() {
			d.mu.Lock()
			d.stateMu.Lock()
			d.owner = gid
			d.count = savedCount
			d.stateMu.Unlock()
		}()
		fn()
	}()
}

// KernelPause prevents the scheduler from switching away from the calling
// goroutine until Release is called. Unlike GlobalDisable it does not
// exclude other goroutines from entering their own critical sections; it
// only raises a flag the scheduler's preemption path must check. Nestable.
func (d *Discipline) KernelPause() *Scope {
	d.pauseMu.Lock()
	d.pause++
	d.pauseMu.Unlock()
	return &Scope{release: d.releasePause}
}

func (d *Discipline) releasePause() {
	d.pauseMu.Lock()
	d.pause--
	if d.pause < 0 {
		d.pauseMu.Unlock()
		panic("irq: KernelPause released without matching acquire")
	}
	d.pauseMu.Unlock()
}

// Paused reports whether the scheduler is currently forbidden from
// switching away from the running thread.
func (d *Discipline) Paused() bool {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	return d.pause > 0
}
