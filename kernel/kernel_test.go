package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/tinykernel/klog"
	"github.com/joeycumines/tinykernel/sched"
)

func TestNew_DefaultsWireCleanly(t *testing.T) {
	k := New()
	require.NotNil(t, k.Time)
	require.NotNil(t, k.Disc)
	require.NotNil(t, k.Sched)
	require.NotNil(t, k.DeepSleep)
	require.NotNil(t, k.Log)
	require.True(t, k.DeepSleep.Available())
}

func TestNew_RejectsNonPositiveHeap(t *testing.T) {
	require.Panics(t, func() { New(WithHeapSize(0)) })
	require.Panics(t, func() { New(WithHeapSize(-1)) })
}

func TestAllocHeap_TracksHighWaterMark(t *testing.T) {
	k := New(WithHeapSize(100))
	require.Equal(t, 100, k.CurrentFreeHeap())
	require.Equal(t, 100, k.AbsoluteFreeHeap())

	require.NoError(t, k.AllocHeap(40))
	require.Equal(t, 60, k.CurrentFreeHeap())
	require.Equal(t, 60, k.AbsoluteFreeHeap())

	require.NoError(t, k.AllocHeap(50))
	require.Equal(t, 10, k.CurrentFreeHeap())
	require.Equal(t, 10, k.AbsoluteFreeHeap())

	require.ErrorIs(t, k.AllocHeap(20), ErrHeapExhausted)
	require.Equal(t, 10, k.CurrentFreeHeap(), "a failed allocation must not change usage")
}

func TestIdleThread_YieldsToSpawnedWork(t *testing.T) {
	k := New()
	_, err := k.SpawnIdle()
	require.NoError(t, err)

	var mu sync.Mutex
	var ran bool

	_, err = k.Sched.Spawn(sched.ThreadConfig{
		Name:     "worker",
		Priority: 5,
		Entry: func(th *sched.Thread) any {
			mu.Lock()
			ran = true
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, k.Sched.Start())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	}, time.Second, time.Millisecond)
}

func TestOnFault_InvokedAfterLoggedFault(t *testing.T) {
	var got *Fault
	var mu sync.Mutex
	k := New(
		WithLogOptions(klog.WithWriter(klog.WriterFunc(func(klog.Level, string, []klog.Field) error { return nil }))),
		WithOnFault(func(f *Fault) {
			mu.Lock()
			got = f
			mu.Unlock()
		}),
	)

	_, err := k.Sched.Spawn(sched.ThreadConfig{
		Entry: func(th *sched.Thread) any {
			panic(&Fault{Class: "test-fault", ThreadID: 0})
		},
	})
	require.NoError(t, err)
	require.NoError(t, k.Sched.Start())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "test-fault", got.Class)
}

func TestLeastUrgentPriority_OrdersBelowEverySpawnedThread(t *testing.T) {
	require.Less(t, int64(leastUrgentPriority(sched.FixedPriorityRR{})), int64(0))
	require.Greater(t, int64(leastUrgentPriority(sched.EDF{})), int64(1<<30))
}
