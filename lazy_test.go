package waitx_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llxisdsh/waitx"
)

func TestLazyGet(t *testing.T) {
	var l waitx.Lazy[string]
	require.False(t, l.IsInitialized())

	var builds int32
	init := func() string {
		atomic.AddInt32(&builds, 1)
		return "built"
	}

	var wg sync.WaitGroup
	results := make([]*string, 8)
	wg.Add(len(results))
	for i := range results {
		go func() {
			defer wg.Done()
			results[i] = l.Get(init)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&builds))
	require.True(t, l.IsInitialized())
	for _, p := range results {
		require.Same(t, results[0], p)
		require.Equal(t, "built", *p)
	}
}

func TestLazyInitPanicRetried(t *testing.T) {
	var l waitx.Lazy[int]
	var attempts int32

	require.Panics(t, func() {
		l.Get(func() int {
			atomic.AddInt32(&attempts, 1)
			panic("not yet")
		})
	})
	require.False(t, l.IsInitialized())

	got := l.Get(func() int {
		atomic.AddInt32(&attempts, 1)
		return 9
	})
	require.Equal(t, 9, *got)
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}
