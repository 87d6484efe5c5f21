package testutil

import (
	"testing"
	"time"
)

// WaitFor polls condition every 20ms until it returns true, failing the test when
// timeout elapses first. message describes what is being waited for.
//
//	testutil.WaitFor(t, time.Second, "peer alpha to go offline", func() bool {
//	    return !b.IsConnected("alpha")
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	if condition() {
		return
	}

	start := time.Now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if condition() {
			t.Logf("Condition met after %v: %s", time.Since(start).Round(time.Millisecond), message)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s (waited %v)", message, timeout)
		}
	}
}
