package ktime

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStitchOnce_DetectsRollover(t *testing.T) {
	var high uint64
	high = stitchOnce(high, 0, 10)
	require.EqualValues(t, 0, high)

	// low word wraps from near-max back to a small value: a rollover.
	high = stitchOnce(high, 0xFFFFFFF0, 5)
	require.EqualValues(t, uint64(1)<<hwCounterWidth, high)

	// no wrap: low word keeps increasing.
	high = stitchOnce(high, 5, 6)
	require.EqualValues(t, uint64(1)<<hwCounterWidth, high)
}

func TestNow_Monotonic(t *testing.T) {
	s := New(WithTickFreq(1_000_000)) // 1MHz, fine granularity for a fast test
	a := s.Now()
	time.Sleep(2 * time.Millisecond)
	b := s.Now()
	require.Greater(t, uint64(b), uint64(a))
}

func TestTicksFor_RoundsUp(t *testing.T) {
	s := New(WithTickFreq(1000)) // 1 tick == 1ms
	require.EqualValues(t, 0, s.TicksFor(0))
	require.EqualValues(t, 1, s.TicksFor(time.Millisecond))
	require.EqualValues(t, 2, s.TicksFor(time.Millisecond+time.Microsecond))
}

func TestScheduleIRQAt_FiresOnArmedDeadline(t *testing.T) {
	s := New(WithTickFreq(1000))
	var fired atomic.Bool
	s.OnInterrupt(func() { fired.Store(true) })

	s.ScheduleIRQAt(s.Now() + s.TicksFor(5*time.Millisecond))

	require.Eventually(t, fired.Load, time.Second, time.Millisecond)
}

func TestScheduleIRQAt_PastDeadlineFiresSoon(t *testing.T) {
	s := New(WithTickFreq(1000))
	var fired atomic.Bool
	s.OnInterrupt(func() { fired.Store(true) })

	s.ScheduleIRQAt(s.Now() - 100) // already in the past

	require.Eventually(t, fired.Load, time.Second, time.Millisecond)
}

func TestScheduleIRQAt_DoesNotPostponeAnEarlierArm(t *testing.T) {
	s := New(WithTickFreq(1000))
	var fireCount atomic.Int32
	s.OnInterrupt(func() { fireCount.Add(1) })

	s.ScheduleIRQAt(s.Now() + s.TicksFor(5*time.Millisecond))
	s.ScheduleIRQAt(s.Now() + s.TicksFor(50*time.Millisecond)) // later, must not replace

	require.Eventually(t, func() bool { return fireCount.Load() == 1 }, 200*time.Millisecond, time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	require.EqualValues(t, 1, fireCount.Load())
}
