package irq

import (
	"runtime"
	"strconv"
)

// currentGoroutineID extracts the calling goroutine's id from its own stack
// trace header ("goroutine 123 [running]:"). This is the only portable way
// to recognize "the same logical thread of execution re-entering a critical
// section" without threading an explicit identity through every call site;
// it is used exclusively to make GlobalDisable/FastGlobalDisable/KernelPause
// nesting non-deadlocking for a single goroutine while still providing real
// mutual exclusion against other goroutines, matching the uniprocessor
// assumption of spec.md §4.1 (on real hardware, nested disables are always
// issued by the one physical core; here the goroutine is the stand-in for
// that core).
// GoroutineID is the exported form of currentGoroutineID, reused by sched
// for its current-thread registry (Thread: current, spec.md §6) so both
// packages share one implementation of "identify the calling goroutine".
func GoroutineID() uint64 { return currentGoroutineID() }

func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	// Expected prefix: "goroutine 123 ["
	const prefix = "goroutine "
	if len(b) <= len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	id, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return id
}
