package irq

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGlobalDisable_NestedSameGoroutine(t *testing.T) {
	d := New()

	outer := d.GlobalDisable()
	inner := d.GlobalDisable()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s := d.GlobalDisable()
		s.Release()
	}()

	select {
	case <-done:
		t.Fatal("other goroutine should not acquire while nested scope held")
	case <-time.After(20 * time.Millisecond):
	}

	inner.Release()

	select {
	case <-done:
		t.Fatal("other goroutine should still be excluded by the outer scope")
	case <-time.After(20 * time.Millisecond):
	}

	outer.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("other goroutine should acquire once outermost scope released")
	}
}

func TestGlobalDisable_ExcludesOtherGoroutines(t *testing.T) {
	d := New()
	var counter int64
	var wg sync.WaitGroup

	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s := d.GlobalDisable()
			defer s.Release()
			v := atomic.LoadInt64(&counter)
			time.Sleep(time.Millisecond)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()
	require.EqualValues(t, n, counter)
}

func TestReleaseWithoutAcquire_Panics(t *testing.T) {
	d := New()
	s := d.GlobalDisable()
	s.Release()
	require.Panics(t, func() {
		d.releaseGlobal()
	})
}

func TestKernelPause_Nesting(t *testing.T) {
	d := New()
	require.False(t, d.Paused())
	a := d.KernelPause()
	require.True(t, d.Paused())
	b := d.KernelPause()
	require.True(t, d.Paused())
	b.Release()
	require.True(t, d.Paused())
	a.Release()
	require.False(t, d.Paused())
}

func TestEnableWithin(t *testing.T) {
	d := New()
	s := d.GlobalDisable()
	defer s.Release()

	var sawOtherEnter bool
	d.EnableWithin(func() {
		done := make(chan struct{})
		go func() {
			other := d.GlobalDisable()
			sawOtherEnter = true
			other.Release()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("EnableWithin should have relaxed the scope")
		}
	})
	require.True(t, sawOtherEnter)
}

func TestEnableWithin_WithoutScope_Panics(t *testing.T) {
	d := New()
	require.Panics(t, func() {
		d.EnableWithin(func() {})
	})
}

func TestScopeRelease_Idempotent(t *testing.T) {
	d := New()
	s := d.GlobalDisable()
	s.Release()
	require.NotPanics(t, s.Release)
}
