package klog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/tinykernel/irq"
	"github.com/joeycumines/tinykernel/ktime"
	"github.com/joeycumines/tinykernel/sched"
)

type memWriter struct {
	mu      sync.Mutex
	buffers [][]byte
}

func (w *memWriter) WriteBuffer(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	w.buffers = append(w.buffers, cp)
	return nil
}

func (w *memWriter) totalBytes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.buffers {
		n += len(b)
	}
	return n
}

func newTestScheduler() *sched.Scheduler {
	disc := irq.New()
	ts := ktime.New(ktime.WithTickFreq(1000))
	return sched.New(ts, sched.FixedPriorityRR{}, disc)
}

func TestLog_QueuesUntilRecordsExhausted(t *testing.T) {
	s := newTestScheduler()
	w := &memWriter{}
	l := NewDataLogger(s, s.Disc(), w, WithNumRecords(2), WithMaxRecordSize(8), WithNumBuffers(2), WithBufferSize(32))

	require.Equal(t, Ignored, l.Log([]byte("ignored-before-start")))
	require.NoError(t, l.Start())

	require.Equal(t, Queued, l.Log([]byte("a")))
	require.Equal(t, Queued, l.Log([]byte("b")))
	require.Equal(t, Dropped, l.Log([]byte("c")))
	require.EqualValues(t, 1, l.Stats().Dropped)
}

func TestLog_TooLarge(t *testing.T) {
	s := newTestScheduler()
	w := &memWriter{}
	l := NewDataLogger(s, s.Disc(), w, WithMaxRecordSize(4))
	require.NoError(t, l.Start())

	require.Equal(t, TooLarge, l.Log([]byte("waytoolong")))
	require.EqualValues(t, 1, l.Stats().TooLarge)
}

func TestLog_IgnoredBeforeStart(t *testing.T) {
	s := newTestScheduler()
	w := &memWriter{}
	l := NewDataLogger(s, s.Disc(), w)
	require.Equal(t, Ignored, l.Log([]byte("too early")))
}

// TestEndToEnd_PackAndWriteFlushOnStop is spec.md §4.11's invariant (iii):
// on stop(), every queued Record and partially filled Buffer has been
// flushed before Stop returns.
func TestEndToEnd_PackAndWriteFlushOnStop(t *testing.T) {
	s := newTestScheduler()
	w := &memWriter{}
	l := NewDataLogger(s, s.Disc(), w, WithNumRecords(8), WithMaxRecordSize(16), WithBufferSize(64), WithNumBuffers(2))

	done := make(chan struct{})
	var producer *sched.Thread
	var err error
	producer, err = s.Spawn(sched.ThreadConfig{
		Entry: func(th *sched.Thread) any {
			for i := 0; i < 20; i++ {
				for l.Log([]byte("xxxxxxxx")) == Dropped {
					s.Yield(th)
				}
			}
			l.Stop(th)
			close(done)
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, l.Start())
	require.NoError(t, s.Start())
	_ = producer

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer/stop never completed")
	}

	stats := l.Stats()
	require.EqualValues(t, 20, stats.Queued)
	require.Equal(t, 20*8, w.totalBytes())
}

// TestScenario2_DeadlineMissCounting is spec.md §8 scenario 2, scaled down
// for test speed while preserving its ratios: a periodic producer logs
// fixed-size records faster than records/buffers can always keep up,
// exercising the Dropped/TooLarge backpressure counters Logger.cpp itself
// tracks (statDroppedSamples, statQueuedSamples).
func TestScenario2_DeadlineMissCounting(t *testing.T) {
	s := newTestScheduler()
	w := &memWriter{}
	l := NewDataLogger(s, s.Disc(), w,
		WithNumRecords(4),
		WithMaxRecordSize(30),
		WithBufferSize(4096),
		WithNumBuffers(4),
	)
	require.NoError(t, l.Start())

	const period = 2 * time.Millisecond
	const iterations = 100
	payload := make([]byte, 30)

	done := make(chan struct{})
	_, err := s.Spawn(sched.ThreadConfig{
		Entry: func(th *sched.Thread) any {
			for i := 0; i < iterations; i++ {
				l.Log(payload)
				s.Sleep(th, period)
			}
			l.Stop(th)
			close(done)
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scenario 2 producer never completed")
	}

	stats := l.Stats()
	require.EqualValues(t, iterations, stats.Queued+stats.Dropped+stats.TooLarge)
	require.EqualValues(t, 0, stats.TooLarge)
}
