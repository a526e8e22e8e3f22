package resource_manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireReleaseSingleClass(t *testing.T) {
	m := NewGPUResourceManager(map[string]int{"detection": 1})

	ticket, err := m.Acquire(context.Background(), "detection", "task-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ticket.Class != "detection" || ticket.TaskID != "task-1" {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}

	m.Release(ticket)

	status := m.Status()["detection"]
	if status.InUse != 0 || status.Waiting != 0 {
		t.Fatalf("expected idle class after release, got %+v", status)
	}
}

func TestAcquireUnknownClass(t *testing.T) {
	m := NewGPUResourceManager(map[string]int{"detection": 1})
	if _, err := m.Acquire(context.Background(), "rendering", "task-1"); err == nil {
		t.Fatal("expected error for unknown class")
	}
}

func TestDoubleAcquireFailsFast(t *testing.T) {
	m := NewGPUResourceManager(map[string]int{"detection": 2})

	ticket, err := m.Acquire(context.Background(), "detection", "task-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer m.Release(ticket)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "detection", "task-1")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAlreadyHeld) {
			t.Fatalf("expected ErrAlreadyHeld, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("double acquire deadlocked instead of failing fast")
	}
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	m := NewGPUResourceManager(map[string]int{"detection": 1})

	ticket, err := m.Acquire(context.Background(), "detection", "task-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	m.Release(ticket)
	m.Release(ticket) // must not panic or free a second slot
	m.Release(nil)

	if status := m.Status()["detection"]; status.InUse != 0 {
		t.Fatalf("double release corrupted slot count: %+v", status)
	}

	// The single slot must still be acquirable exactly once
	if _, err := m.Acquire(context.Background(), "detection", "task-2"); err != nil {
		t.Fatalf("acquire after double release failed: %v", err)
	}
	if status := m.Status()["detection"]; status.InUse != 1 {
		t.Fatalf("expected one slot in use, got %+v", status)
	}
}

func TestWaitersServedFIFO(t *testing.T) {
	m := NewGPUResourceManager(map[string]int{"segmentation": 1})

	first, err := m.Acquire(context.Background(), "segmentation", "task-0")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	const waiters = 5
	order := make(chan string, waiters)
	var finished sync.WaitGroup

	for i := 0; i < waiters; i++ {
		taskID := fmt.Sprintf("task-%d", i+1)
		finished.Add(1)
		go func() {
			defer finished.Done()
			ticket, err := m.Acquire(context.Background(), "segmentation", taskID)
			if err != nil {
				t.Errorf("acquire for %s failed: %v", taskID, err)
				return
			}
			order <- taskID
			m.Release(ticket)
		}()
		// Let the goroutine reach the waiter queue before starting the next
		for m.Status()["segmentation"].Waiting != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	m.Release(first)
	finished.Wait()
	close(order)

	i := 1
	for taskID := range order {
		want := fmt.Sprintf("task-%d", i)
		if taskID != want {
			t.Fatalf("FIFO violated: position %d served %s, want %s", i, taskID, want)
		}
		i++
	}
}

func TestCancelWhileWaiting(t *testing.T) {
	m := NewGPUResourceManager(map[string]int{"detection": 1})

	ticket, err := m.Acquire(context.Background(), "detection", "task-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "detection", "task-2")
		errCh <- err
	}()

	for m.Status()["detection"].Waiting != 1 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	if status := m.Status()["detection"]; status.Waiting != 0 {
		t.Fatalf("cancelled waiter still queued: %+v", status)
	}

	// The released slot must go to a fresh waiter, not the cancelled one
	m.Release(ticket)
	if _, err := m.Acquire(context.Background(), "detection", "task-3"); err != nil {
		t.Fatalf("acquire after cancel failed: %v", err)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	m := NewGPUResourceManager(map[string]int{"detection": 1, "segmentation": 1})

	ticket, err := m.Acquire(context.Background(), "detection", "task-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer m.Release(ticket)

	// A saturated detection class must not block segmentation
	done := make(chan struct{})
	go func() {
		seg, err := m.Acquire(context.Background(), "segmentation", "task-2")
		if err != nil {
			t.Errorf("segmentation acquire failed: %v", err)
		} else {
			m.Release(seg)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("segmentation acquire blocked on saturated detection class")
	}
}

func TestCeilingNeverExceeded(t *testing.T) {
	const ceiling = 3
	const tasks = 40

	m := NewGPUResourceManager(map[string]int{"detection": ceiling})

	var inUse int64
	var maxSeen int64
	var wg sync.WaitGroup

	for i := 0; i < tasks; i++ {
		taskID := fmt.Sprintf("task-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)

			ticket, err := m.Acquire(context.Background(), "detection", taskID)
			if err != nil {
				t.Errorf("acquire for %s failed: %v", taskID, err)
				return
			}

			n := atomic.AddInt64(&inUse, 1)
			for {
				prev := atomic.LoadInt64(&maxSeen)
				if n <= prev || atomic.CompareAndSwapInt64(&maxSeen, prev, n) {
					break
				}
			}
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			atomic.AddInt64(&inUse, -1)

			m.Release(ticket)
		}()
	}

	wg.Wait()

	if max := atomic.LoadInt64(&maxSeen); max > ceiling {
		t.Fatalf("ceiling exceeded: %d slots held simultaneously, ceiling %d", max, ceiling)
	}
	if status := m.Status()["detection"]; status.InUse != 0 || status.Waiting != 0 {
		t.Fatalf("pool not drained after all releases: %+v", status)
	}
}
