package testutil

import (
	"sync"
	"testing"
)

var metricsTestMutex sync.Mutex

// LockMetrics gives the calling test exclusive access to the global Prometheus
// collectors in util/metrics until the test finishes.
//
// Tests that Reset() a collector and then read it back must hold this lock,
// otherwise a parallel test touching the same collector makes the reading flaky.
func LockMetrics(t testing.TB) {
	t.Helper()

	metricsTestMutex.Lock()
	t.Cleanup(metricsTestMutex.Unlock)
}
