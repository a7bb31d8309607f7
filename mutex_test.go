package waitx

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestRWMutexBasic(t *testing.T) {
	var a int
	var mu RWMutex
	mu.Lock()
	a = 1
	mu.Unlock()
	mu.RLock()
	_ = a
	mu.RUnlock()
}

func TestRWMutexReadersAndWriters(t *testing.T) {
	var mu RWMutex
	var readers int32
	var writers int32

	const loops = 1000
	readerN := runtime.GOMAXPROCS(0)
	writerN := 2

	var wg sync.WaitGroup
	wg.Add(readerN + writerN)

	for range readerN {
		go func() {
			defer wg.Done()
			for range loops {
				mu.RLock()
				n := atomic.AddInt32(&readers, 1)
				if atomic.LoadInt32(&writers) != 0 {
					t.Errorf("reader observed active writer")
					mu.RUnlock()
					return
				}
				if n <= 0 {
					t.Errorf("invalid reader count")
					mu.RUnlock()
					return
				}
				atomic.AddInt32(&readers, -1)
				mu.RUnlock()
			}
		}()
	}

	for range writerN {
		go func() {
			defer wg.Done()
			for range loops {
				mu.Lock()
				if atomic.AddInt32(&writers, 1) != 1 {
					t.Errorf("multiple writers active")
					mu.Unlock()
					return
				}
				if atomic.LoadInt32(&readers) != 0 {
					t.Errorf("writer observed active readers")
					mu.Unlock()
					return
				}
				atomic.AddInt32(&writers, -1)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
}

// A reader arriving while the lock is exclusively held blocks until the
// holder leaves, then holds the lock shared with count 1.
func TestRWMutexReaderBlocksOnWriter(t *testing.T) {
	var mu RWMutex
	mu.Lock()

	acquired := make(chan struct{})
	go func() {
		mu.RLock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("RLock succeeded while exclusively locked")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Unlock()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not wake after Unlock")
	}

	if n := atomic.LoadUint32(&mu.state) & mutexSharedMask; n != 1 {
		t.Errorf("shared count = %d, want 1", n)
	}
	mu.RUnlock()
}

// An exclusive acquirer blocked behind a reader gets the lock when the last
// reader leaves; a reader arriving while it holds the lock waits its turn.
func TestRWMutexWriterThenReader(t *testing.T) {
	var mu RWMutex
	mu.RLock()

	wAcquired := make(chan struct{})
	wRelease := make(chan struct{})
	go func() {
		mu.Lock()
		close(wAcquired)
		<-wRelease
		mu.Unlock()
	}()

	select {
	case <-wAcquired:
		t.Fatal("Lock succeeded while shared lock held")
	case <-time.After(50 * time.Millisecond):
	}
	if atomic.LoadUint32(&mu.state)&mutexExclusiveRequested == 0 {
		t.Error("blocked exclusive acquirer did not publish its request")
	}

	mu.RUnlock()
	select {
	case <-wAcquired:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not wake after last RUnlock")
	}

	rAcquired := make(chan struct{})
	go func() {
		mu.RLock()
		close(rAcquired)
	}()
	select {
	case <-rAcquired:
		t.Fatal("RLock succeeded while exclusively locked")
	case <-time.After(50 * time.Millisecond):
	}

	close(wRelease)
	select {
	case <-rAcquired:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not wake after writer Unlock")
	}
	mu.RUnlock()
}

// A fresh reader may take a free lock even while an exclusive request is
// pending. Reader throughput wins over strict writer priority here.
func TestRWMutexReaderAdmittedWhileWriterQueued(t *testing.T) {
	var mu RWMutex
	mu.RLock()

	go func() {
		mu.Lock()
		mu.Unlock()
	}()

	// Give the writer time to block and set the request bit.
	for i := 0; atomic.LoadUint32(&mu.state)&mutexExclusiveRequested == 0 && i < 200; i++ {
		time.Sleep(time.Millisecond)
	}

	acquired := make(chan struct{})
	go func() {
		mu.RLock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second reader blocked behind a queued writer")
	}

	mu.RUnlock()
	mu.RUnlock()
}

func TestRWMutexAssertions(t *testing.T) {
	var mu RWMutex

	mustPanic := func(name string, fn func()) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s did not panic", name)
			}
		}()
		fn()
	}

	mustPanic("AssertHeld on unlocked mutex", mu.AssertHeld)
	mustPanic("AssertRHeld on unlocked mutex", mu.AssertRHeld)
	mustPanic("Unlock of unlocked mutex", mu.Unlock)

	mu.Lock()
	mu.AssertHeld()
	mustPanic("AssertRHeld under exclusive lock", mu.AssertRHeld)
	mu.Unlock()

	mu.RLock()
	mu.AssertRHeld()
	mustPanic("AssertHeld under shared lock", mu.AssertHeld)
	mu.RUnlock()
}

func TestRWMutexMixedStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	var mu RWMutex
	value := 0
	const (
		writers = 4
		readers = 4
		target  = 400
	)

	var g errgroup.Group
	for range writers {
		g.Go(func() error {
			for {
				mu.Lock()
				if value >= target {
					mu.Unlock()
					return nil
				}
				value++
				mu.Unlock()
			}
		})
	}
	for i := range readers {
		milestone := target / readers * (i + 1)
		g.Go(func() error {
			mu.LockWhen(func() bool { return value >= milestone })
			defer mu.Unlock()
			if value < milestone {
				t.Errorf("LockWhen returned with value %d < %d", value, milestone)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
