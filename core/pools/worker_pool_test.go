package pools

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(4, 0, zaptest.NewLogger(t))

	var counter atomic.Int64
	var wg sync.WaitGroup

	// Submit 100 tasks
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if !pool.Submit(func() {
			defer wg.Done()
			counter.Add(1)
		}) {
			wg.Done()
			t.Fatalf("Submit %d rejected", i)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Test timeout")
	}
	if counter.Load() != 100 {
		t.Errorf("Expected 100 tasks completed, got %d", counter.Load())
	}
	pool.Close()
	if s := pool.Stats(); s.TasksCompleted != 100 || s.TasksPending != 0 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestWorkerPool_CloseDrains(t *testing.T) {
	pool := NewWorkerPool(2, 64, nil)

	var counter atomic.Int64
	for i := 0; i < 50; i++ {
		pool.Submit(func() {
			time.Sleep(time.Millisecond)
			counter.Add(1)
		})
	}
	pool.Close()

	if counter.Load() != 50 {
		t.Errorf("Expected 50 tasks after Close, got %d", counter.Load())
	}
	if pool.Submit(func() {}) {
		t.Error("Submit after Close must be rejected")
	}
}

func TestWorkerPool_Full(t *testing.T) {
	pool := NewWorkerPool(1, 1, nil)
	defer pool.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func() {
		close(started)
		<-block
	})
	<-started

	if !pool.Submit(func() {}) {
		t.Fatal("Expected one queued slot")
	}
	if pool.Submit(func() {}) {
		t.Error("Expected rejection when the queue is full")
	}
	close(block)
}

func TestWorkerPool_Panic(t *testing.T) {
	pool := NewWorkerPool(1, 0, zaptest.NewLogger(t))

	pool.Submit(func() { panic("boom") })
	var ran atomic.Bool
	pool.Submit(func() { ran.Store(true) })
	pool.Close()

	if !ran.Load() {
		t.Error("Worker died after a panicking task")
	}
	if s := pool.Stats(); s.TasksPanicked != 1 {
		t.Errorf("Expected 1 panicked task, got %d", s.TasksPanicked)
	}
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(8, 1024, nil)
	defer pool.Close()

	var wg sync.WaitGroup
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			wg.Add(1)
			if !pool.Submit(func() { wg.Done() }) {
				wg.Done()
			}
		}
	})
	wg.Wait()
}
