package testutil

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestFakeClock(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewFakeClock(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v; want %v", got, start)
	}

	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("Now() after Advance = %v; want %v", got, start.Add(90*time.Second))
	}

	later := time.Unix(5000, 0)
	c.Set(later)
	if got := c.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v; want %v", got, later)
	}
}

func TestGetFreeAddress(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		addr := GetFreeAddress()
		if !strings.HasPrefix(addr, "localhost:") {
			t.Fatalf("GetFreeAddress() = %s; want localhost:<port>", addr)
		}
		if seen[addr] {
			t.Fatalf("GetFreeAddress() returned %s twice", addr)
		}
		seen[addr] = true

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			t.Fatalf("Failed to bind to %s: %v", addr, err)
		}
		listener.Close()
	}
}

func TestWaitFor_ConditionMet(t *testing.T) {
	deadline := time.Now().Add(50 * time.Millisecond)
	WaitFor(t, time.Second, "deadline to pass", func() bool {
		return time.Now().After(deadline)
	})
}

func TestLockMetrics_ReleasedOnCleanup(t *testing.T) {
	t.Run("holder", func(t *testing.T) {
		LockMetrics(t)
	})

	acquired := make(chan struct{})
	go func() {
		metricsTestMutex.Lock()
		metricsTestMutex.Unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("LockMetrics lock was not released by cleanup")
	}
}

func TestSanitizeDBName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TestCursorStore", "testcursorstore"},
		{"TestSync/case-1", "testsync_case_1"},
		{"9lives", "t_9lives"},
		{strings.Repeat("a", 80), strings.Repeat("a", 63)},
	}
	for _, tt := range tests {
		if got := sanitizeDBName(tt.in); got != tt.want {
			t.Errorf("sanitizeDBName(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
