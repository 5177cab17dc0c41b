package deepsleep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/tinykernel/ktime"
)

func TestAttempt_ShortDeadlineUsesPlainWait(t *testing.T) {
	ts := ktime.New(ktime.WithTickFreq(1000))
	c := New(ts, WithThreshold(50*time.Millisecond))

	used := c.Attempt(ts.Now() + ts.TicksFor(5*time.Millisecond))
	require.False(t, used)
}

func TestAttempt_NotAvailableAlwaysPlainWait(t *testing.T) {
	ts := ktime.New(ktime.WithTickFreq(1000))
	c := New(ts, WithAvailable(false), WithThreshold(time.Millisecond))

	used := c.Attempt(ts.Now() + ts.TicksFor(100*time.Millisecond))
	require.False(t, used)
	require.False(t, c.Available())
}

func TestAttempt_PastDeadlineIsNoop(t *testing.T) {
	ts := ktime.New(ktime.WithTickFreq(1000))
	c := New(ts)
	used := c.Attempt(ts.Now())
	require.False(t, used)
}

// TestAttempt_DeepSleepTimeContinuity is spec.md §8 scenario 6: schedule a
// sleep of 1500ms while the ready set is empty; after wake, the monotonic
// tick must equal start-tick + ticks_for(1500ms), within scheduler-tick
// jitter, regardless of whether deep sleep was actually used.
func TestAttempt_DeepSleepTimeContinuity(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises a real 1.5s sleep")
	}
	ts := ktime.New(ktime.WithTickFreq(1000))
	c := New(ts, WithThreshold(time.Millisecond))

	start := ts.Now()
	const sleepFor = 1500 * time.Millisecond
	target := start + ts.TicksFor(sleepFor)

	used := c.Attempt(target)
	require.True(t, used)

	end := ts.Now()
	require.GreaterOrEqual(t, uint64(end), uint64(target))
	// jitter budget: allow up to 100ms of scheduling slop above target.
	require.Less(t, uint64(end-target), uint64(ts.TicksFor(100*time.Millisecond)))
}

func TestNew_DefaultsAvailableTrue(t *testing.T) {
	ts := ktime.New(ktime.WithTickFreq(1000))
	c := New(ts)
	require.True(t, c.Available())
}
