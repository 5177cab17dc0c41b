package nbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/tinykernel/irq"
	"github.com/joeycumines/tinykernel/ktime"
	"github.com/joeycumines/tinykernel/sched"
)

func newTestScheduler() *sched.Scheduler {
	disc := irq.New()
	ts := ktime.New(ktime.WithTickFreq(1000))
	return sched.New(ts, sched.FixedPriorityRR{}, disc)
}

func TestNew_RejectsSingleBuffer(t *testing.T) {
	s := newTestScheduler()
	require.Panics(t, func() { New[byte](s, s.Disc(), 16, 1) })
	require.Panics(t, func() { New[byte](s, s.Disc(), 16, 0) })
}

func TestNew_RejectsZeroBufSize(t *testing.T) {
	s := newTestScheduler()
	require.Panics(t, func() { New[byte](s, s.Disc(), 0, 2) })
}

func TestIRQRoundTrip_FillsAndDrains(t *testing.T) {
	s := newTestScheduler()
	q := New[byte](s, s.Disc(), 8, 2)

	require.True(t, q.IRQIsEmpty())
	require.False(t, q.IRQIsFull())

	buf, ok := q.IRQGetWritable()
	require.True(t, ok)
	copy(buf, "hello")
	q.IRQMarkFilled(5)

	require.Equal(t, 1, q.IRQAvailableForReading())
	require.Equal(t, 1, q.IRQAvailableForWriting())

	buf, ok = q.IRQGetWritable()
	require.True(t, ok)
	copy(buf, "world!!!")
	q.IRQMarkFilled(8)

	require.True(t, q.IRQIsFull())
	_, ok = q.IRQGetWritable()
	require.False(t, ok)

	got, n, ok := q.IRQGetReadable()
	require.True(t, ok)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(got[:n]))
	q.IRQMarkEmptied()

	got, n, ok = q.IRQGetReadable()
	require.True(t, ok)
	require.Equal(t, 8, n)
	require.Equal(t, "world!!!", string(got[:n]))
	q.IRQMarkEmptied()

	require.True(t, q.IRQIsEmpty())
}

func TestReset_EmptiesQueue(t *testing.T) {
	s := newTestScheduler()
	q := New[byte](s, s.Disc(), 4, 2)
	buf, ok := q.IRQGetWritable()
	require.True(t, ok)
	copy(buf, "ab")
	q.IRQMarkFilled(2)
	require.Equal(t, 1, q.IRQAvailableForReading())

	q.IRQReset()
	require.True(t, q.IRQIsEmpty())
	require.Equal(t, 2, q.IRQAvailableForWriting())
}

// TestHandoffAcrossIRQBoundary is spec.md §8 scenario 5: a producer side
// (standing in for IRQ context) fills buffers with "b1c----",
// "b2c----x", "b3c----xx", "" at 10ms intervals, and a consumer
// thread reads them back. Total bytes produced must equal total bytes
// consumed once all buffers have been handed off.
func TestHandoffAcrossIRQBoundary(t *testing.T) {
	s := newTestScheduler()
	q := New[byte](s, s.Disc(), 16, 3)

	payloads := []string{"b1c----", "b2c----x", "b3c----xx", ""}

	var consumed []string
	done := make(chan struct{})

	_, err := s.Spawn(sched.ThreadConfig{
		Name: "consumer",
		Entry: func(th *sched.Thread) any {
			for range payloads {
				buf, n := q.GetReadable(th)
				consumed = append(consumed, string(buf[:n]))
				q.IRQMarkEmptied()
			}
			close(done)
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	for _, p := range payloads {
		time.Sleep(10 * time.Millisecond)
		buf, ok := q.IRQGetWritable()
		require.True(t, ok)
		copy(buf, p)
		q.IRQMarkFilled(len(p))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer never drained all buffers")
	}

	require.Equal(t, payloads, consumed)

	var totalProduced, totalConsumed int
	for _, p := range payloads {
		totalProduced += len(p)
	}
	for _, c := range consumed {
		totalConsumed += len(c)
	}
	require.Equal(t, totalProduced, totalConsumed)
}

func TestGetWritableTimed_TimesOutWhenFull(t *testing.T) {
	s := newTestScheduler()
	q := New[byte](s, s.Disc(), 4, 2)
	for i := 0; i < 2; i++ {
		buf, ok := q.IRQGetWritable()
		require.True(t, ok)
		q.IRQMarkFilled(len(buf))
	}
	require.True(t, q.IRQIsFull())

	result := make(chan bool, 1)
	_, err := s.Spawn(sched.ThreadConfig{
		Entry: func(th *sched.Thread) any {
			_, timedOut := q.GetWritableTimed(th, s.TimeSource().Now()+s.TimeSource().TicksFor(10*time.Millisecond))
			result <- timedOut
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	select {
	case timedOut := <-result:
		require.True(t, timedOut)
	case <-time.After(time.Second):
		t.Fatal("timed get-writable never returned")
	}
}

func TestGetReadableTimed_TimesOutWhenEmpty(t *testing.T) {
	s := newTestScheduler()
	q := New[byte](s, s.Disc(), 4, 2)
	require.True(t, q.IRQIsEmpty())

	result := make(chan bool, 1)
	_, err := s.Spawn(sched.ThreadConfig{
		Entry: func(th *sched.Thread) any {
			_, _, timedOut := q.GetReadableTimed(th, s.TimeSource().Now()+s.TimeSource().TicksFor(10*time.Millisecond))
			result <- timedOut
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	select {
	case timedOut := <-result:
		require.True(t, timedOut)
	case <-time.After(time.Second):
		t.Fatal("timed get-readable never returned")
	}
}
