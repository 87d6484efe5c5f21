// Package etcdcursor keeps sync cursors in etcd, so that several nodes serving the
// same clients agree on where each client's last synchronization ended.
package etcdcursor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xiaonanln/shieldmesh/record"
	"github.com/xiaonanln/shieldmesh/util/logger"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultPrefix      = "/shieldmesh"
	DefaultDialTimeout = 5 * time.Second
)

// Config configures the etcd cursor store
type Config struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Store implements record.CursorStore on etcd. Cursors are stored under
// "<prefix>/cursors/sync:<clientID>:timestamp" as decimal milliseconds.
type Store struct {
	mu     sync.RWMutex
	client *clientv3.Client
	owned  bool
	config Config
	logger *logger.Logger
}

// New creates a store that connects on Connect.
//
// An empty prefix uses DefaultPrefix, so several deployments can share an etcd
// cluster by picking distinct prefixes.
func New(config Config) (*Store, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("invalid etcd config: no endpoints")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	config.Prefix = strings.TrimSuffix(config.Prefix, "/")
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	return &Store{config: config, logger: logger.NewLogger("EtcdCursorStore")}, nil
}

// NewWithClient creates a store on an existing client. Close does not close it.
func NewWithClient(client *clientv3.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		config: Config{Endpoints: client.Endpoints(), Prefix: strings.TrimSuffix(prefix, "/")},
		logger: logger.NewLogger("EtcdCursorStore"),
	}
}

// Connect establishes the connection and verifies etcd responds
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	s.logger.Infof("Connecting to etcd at %v", s.config.Endpoints)
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.config.Endpoints,
		DialTimeout: s.config.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := cli.Get(pingCtx, s.config.Prefix+"/health-check"); err != nil {
		cli.Close()
		return fmt.Errorf("etcd connection test failed: %w", err)
	}

	s.client = cli
	s.owned = true
	s.logger.Infof("Connected to etcd at %v", s.config.Endpoints)
	return nil
}

// Close closes the connection if the store opened it
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	var err error
	if s.owned {
		s.logger.Infof("Closing etcd connection")
		err = s.client.Close()
	}
	s.client = nil
	return err
}

// Prefix returns the global key prefix
func (s *Store) Prefix() string {
	return s.config.Prefix
}

// CursorsPrefix returns the prefix all cursor keys live under
func (s *Store) CursorsPrefix() string {
	return s.config.Prefix + "/cursors/"
}

func (s *Store) key(clientID string) string {
	return s.CursorsPrefix() + record.CursorKey(clientID)
}

func (s *Store) getClient() (*clientv3.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, fmt.Errorf("etcd client not connected")
	}
	return s.client, nil
}

// Get returns the cursor of clientID
func (s *Store) Get(ctx context.Context, clientID string) (int64, bool, error) {
	cli, err := s.getClient()
	if err != nil {
		return 0, false, err
	}
	key := s.key(clientID)
	resp, err := cli.Get(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	_, ts, err := s.decode(resp.Kvs[0])
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

// Set stores the cursor of clientID
func (s *Store) Set(ctx context.Context, clientID string, timestamp int64) error {
	cli, err := s.getClient()
	if err != nil {
		return err
	}
	key := s.key(clientID)
	if _, err := cli.Put(ctx, key, strconv.FormatInt(timestamp, 10)); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	s.logger.Debugf("Put key=%s, value=%d", key, timestamp)
	return nil
}

// Delete removes the cursor of clientID, so its next pass starts from 0
func (s *Store) Delete(ctx context.Context, clientID string) error {
	cli, err := s.getClient()
	if err != nil {
		return err
	}
	key := s.key(clientID)
	if _, err := cli.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// All returns every stored cursor keyed by client id
func (s *Store) All(ctx context.Context) (map[string]int64, error) {
	cli, err := s.getClient()
	if err != nil {
		return nil, err
	}
	resp, err := cli.Get(ctx, s.CursorsPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}

	out := make(map[string]int64, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		clientID, ts, err := s.decode(kv)
		if err != nil {
			s.logger.Warnf("Skipping malformed cursor: %v", err)
			continue
		}
		out[clientID] = ts
	}
	return out, nil
}

func (s *Store) decode(kv *mvccpb.KeyValue) (string, int64, error) {
	key := strings.TrimPrefix(string(kv.Key), s.CursorsPrefix())
	if !strings.HasPrefix(key, "sync:") || !strings.HasSuffix(key, ":timestamp") {
		return "", 0, fmt.Errorf("unexpected cursor key %s", kv.Key)
	}
	clientID := strings.TrimSuffix(strings.TrimPrefix(key, "sync:"), ":timestamp")
	ts, err := strconv.ParseInt(string(kv.Value), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid cursor value for %s: %w", clientID, err)
	}
	return clientID, ts, nil
}
