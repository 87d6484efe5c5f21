package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xiaonanln/shieldmesh/util/testutil"
)

func TestEvery_Validation(t *testing.T) {
	s := New("test")
	defer s.Stop()

	if err := s.Every("zero", 0, func() {}); err == nil {
		t.Error("Every() with zero interval should fail")
	}
	if err := s.Every("nil", time.Second, nil); err == nil {
		t.Error("Every() with nil task should fail")
	}
	if err := s.Every("sweep", time.Second, func() {}); err != nil {
		t.Fatalf("Every() failed: %v", err)
	}
	if err := s.Every("sweep", time.Second, func() {}); err == nil {
		t.Error("Every() with duplicate name should fail")
	}
}

func TestTrigger_RunsSynchronously(t *testing.T) {
	s := New("test")
	defer s.Stop()

	count := 0
	if err := s.Every("sweep", time.Hour, func() { count++ }); err != nil {
		t.Fatalf("Every() failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !s.Trigger("sweep") {
			t.Fatal("Trigger() returned false for registered task")
		}
	}
	if count != 3 {
		t.Errorf("task ran %d times; want 3", count)
	}
	if s.Trigger("missing") {
		t.Error("Trigger() returned true for unknown task")
	}
}

func TestTrigger_RecoversPanic(t *testing.T) {
	s := New("test")
	defer s.Stop()

	calls := 0
	s.Every("flaky", time.Hour, func() {
		calls++
		if calls == 1 {
			panic("bad entry")
		}
	})

	s.Trigger("flaky")
	s.Trigger("flaky")
	if calls != 2 {
		t.Errorf("task ran %d times after a panic; want 2", calls)
	}
}

func TestStart_TicksPeriodically(t *testing.T) {
	s := New("test")
	var count atomic.Int32
	s.Every("fast", 10*time.Millisecond, func() { count.Add(1) })
	s.Start()
	defer s.Stop()

	testutil.WaitFor(t, 2*time.Second, "task to fire at least 3 times", func() bool {
		return count.Load() >= 3
	})
}

func TestStop_NoExecutionAfterReturn(t *testing.T) {
	s := New("test")
	var count atomic.Int32
	s.Every("fast", time.Millisecond, func() { count.Add(1) })
	s.Start()

	testutil.WaitFor(t, 2*time.Second, "task to fire", func() bool {
		return count.Load() > 0
	})

	s.Stop()
	after := count.Load()
	time.Sleep(20 * time.Millisecond)
	if got := count.Load(); got != after {
		t.Errorf("task ran %d more times after Stop", got-after)
	}

	if s.Trigger("fast") {
		t.Error("Trigger() after Stop should return false")
	}
	if !s.IsStopped() {
		t.Error("IsStopped() = false after Stop")
	}

	// Idempotent
	s.Stop()
}

func TestTasksAreSerialized(t *testing.T) {
	s := New("test")

	var running atomic.Int32
	var overlap atomic.Bool
	var wg sync.WaitGroup
	task := func() {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
	}
	s.Every("a", time.Millisecond, task)
	s.Every("b", time.Millisecond, task)
	s.Start()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Trigger("a")
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	if overlap.Load() {
		t.Error("tasks of one scheduler ran concurrently")
	}
}
