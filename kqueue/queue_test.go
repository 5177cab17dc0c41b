package kqueue

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

func TestNew_RejectsZeroCapacity(t *testing.T) {
	s := newTestScheduler()
	require.Panics(t, func() { New[int](s, s.Disc(), 0) })
}

func TestIRQTryPutGet_FillsAndDrains(t *testing.T) {
	s := newTestScheduler()
	q := New[int](s, s.Disc(), 2)

	require.True(t, q.IRQTryPut(1))
	require.True(t, q.IRQTryPut(2))
	require.False(t, q.IRQTryPut(3))
	require.True(t, q.IRQIsFull())

	v, ok := q.IRQTryGet()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = q.IRQTryGet()
	require.True(t, ok)
	require.Equal(t, 2, v)

	_, ok = q.IRQTryGet()
	require.False(t, ok)
	require.True(t, q.IRQIsEmpty())
}

func TestReset_EmptiesQueue(t *testing.T) {
	s := newTestScheduler()
	q := New[int](s, s.Disc(), 2)
	require.True(t, q.IRQTryPut(1))
	q.IRQReset()
	require.True(t, q.IRQIsEmpty())
	_, ok := q.IRQTryGet()
	require.False(t, ok)
	require.True(t, q.IRQTryPut(9))
	require.True(t, q.IRQTryPut(8))
	require.False(t, q.IRQTryPut(7))
}

// TestFIFO_ProducerConsumerHandoff is spec.md §8 scenario 3: one producer
// writes the ASCII sequence 'A'..'A'+35 in batches of 1..8 items; one
// consumer reads. The consumer must observe bytes in strict send order.
func TestFIFO_ProducerConsumerHandoff(t *testing.T) {
	s := newTestScheduler()
	q := New[byte](s, s.Disc(), 4)

	const total = 36
	var got []byte

	producer, err := s.Spawn(sched.ThreadConfig{
		Name:     "producer",
		Joinable: true,
		Entry: func(th *sched.Thread) any {
			batchSizes := []int{1, 2, 3, 4, 5, 6, 7, 8}
			next := byte('A')
			bi := 0
			for int(next-'A') < total {
				size := batchSizes[bi%len(batchSizes)]
				bi++
				for i := 0; i < size && int(next-'A') < total; i++ {
					q.Put(th, next)
					next++
				}
			}
			return nil
		},
	})
	require.NoError(t, err)

	consumer, err := s.Spawn(sched.ThreadConfig{
		Name:     "consumer",
		Joinable: true,
		Entry: func(th *sched.Thread) any {
			for i := 0; i < total; i++ {
				got = append(got, q.Get(th))
			}
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start())

	_, _ = s.Join(producer)
	_, _ = s.Join(consumer)

	require.Len(t, got, total)
	for i, b := range got {
		require.Equal(t, byte('A'+i), b, "index %d", i)
	}
}

func TestGetTimed_TimesOutWhenEmpty(t *testing.T) {
	s := newTestScheduler()
	q := New[int](s, s.Disc(), 2)
	result := make(chan bool, 1)

	_, err := s.Spawn(sched.ThreadConfig{
		Entry: func(th *sched.Thread) any {
			_, timedOut := q.GetTimed(th, s.TimeSource().Now()+s.TimeSource().TicksFor(10*time.Millisecond))
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
		t.Fatal("timed get never returned")
	}
	require.True(t, q.IRQIsEmpty())
}
