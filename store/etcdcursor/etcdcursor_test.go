package etcdcursor

import (
	"context"
	"testing"

	"github.com/xiaonanln/shieldmesh/util/testutil"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without endpoints should fail")
	}

	s, err := New(Config{Endpoints: []string{"localhost:2379"}, Prefix: "/app/"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if s.Prefix() != "/app" {
		t.Errorf("Prefix() = %s; want /app", s.Prefix())
	}
	if s.config.DialTimeout != DefaultDialTimeout {
		t.Errorf("DialTimeout = %v; want %v", s.config.DialTimeout, DefaultDialTimeout)
	}
}

func TestNotConnected(t *testing.T) {
	s, _ := New(Config{Endpoints: []string{"localhost:2379"}})
	ctx := context.Background()

	if _, _, err := s.Get(ctx, "c"); err == nil {
		t.Error("Get() before Connect should fail")
	}
	if err := s.Set(ctx, "c", 1); err == nil {
		t.Error("Set() before Connect should fail")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() before Connect failed: %v", err)
	}
}

func TestDecode(t *testing.T) {
	s, _ := New(Config{Endpoints: []string{"localhost:2379"}})

	tests := []struct {
		key, value string
		wantID     string
		wantTS     int64
		wantErr    bool
	}{
		{"/shieldmesh/cursors/sync:user-1:timestamp", "1700000000000", "user-1", 1700000000000, false},
		{"/shieldmesh/cursors/sync:a:b:timestamp", "5", "a:b", 5, false},
		{"/shieldmesh/cursors/other", "5", "", 0, true},
		{"/shieldmesh/cursors/sync:x:timestamp", "soon", "", 0, true},
	}
	for _, tt := range tests {
		id, ts, err := s.decode(&mvccpb.KeyValue{Key: []byte(tt.key), Value: []byte(tt.value)})
		if (err != nil) != tt.wantErr {
			t.Errorf("decode(%s) error = %v; wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if id != tt.wantID || ts != tt.wantTS {
			t.Errorf("decode(%s) = %s, %d; want %s, %d", tt.key, id, ts, tt.wantID, tt.wantTS)
		}
	}
}

func TestStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping etcd integration test in short mode")
	}
	testutil.EtcdTestMutex.Lock()
	defer testutil.EtcdTestMutex.Unlock()

	cli := testutil.ConnectEtcd(t, "localhost:2379")
	prefix := testutil.PrepareEtcdPrefix(t, cli)
	s := NewWithClient(cli, prefix)
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "C"); err != nil || found {
		t.Fatalf("Get() on empty prefix = %v, %v; want not found", found, err)
	}
	if err := s.Set(ctx, "C", 100); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	s.Set(ctx, "D", 200)
	s.Set(ctx, "C", 150)

	ts, found, err := s.Get(ctx, "C")
	if err != nil || !found || ts != 150 {
		t.Errorf("Get(C) = %d, %v, %v; want 150", ts, found, err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	if len(all) != 2 || all["C"] != 150 || all["D"] != 200 {
		t.Errorf("All() = %v; want map[C:150 D:200]", all)
	}

	s.Delete(ctx, "D")
	if _, found, _ := s.Get(ctx, "D"); found {
		t.Error("cursor D still present after Delete")
	}

	// Close must not close a client the store does not own
	s.Close()
	if _, err := cli.Get(ctx, prefix); err != nil {
		t.Errorf("shared client closed by Store.Close: %v", err)
	}
}
