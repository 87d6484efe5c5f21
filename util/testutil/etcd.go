package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdTestMutex ensures only one etcd integration test runs at a time across all packages
var EtcdTestMutex sync.Mutex

// ConnectEtcd returns a client for endpoint, skipping the test when etcd is not reachable
func ConnectEtcd(t testing.TB, endpoint string) *clientv3.Client {
	t.Helper()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping test - etcd not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Get(ctx, "/health-check"); err != nil {
		cli.Close()
		t.Skipf("Skipping test - etcd not responding: %v", err)
		return nil
	}

	t.Cleanup(func() { cli.Close() })
	return cli
}

// PrepareEtcdPrefix returns a key prefix unique to the running test. Keys under it
// are deleted before the test and again when it finishes.
func PrepareEtcdPrefix(t testing.TB, cli *clientv3.Client) string {
	t.Helper()

	prefix := "/shieldmesh-test/" + strings.ReplaceAll(t.Name(), "/", "_")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
		t.Fatalf("Failed to clean etcd prefix %s: %v", prefix, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := cli.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
			t.Logf("Warning: failed to clean etcd prefix %s: %v", prefix, err)
		}
	})

	return prefix
}
