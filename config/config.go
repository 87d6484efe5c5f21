package config

import (
	"fmt"
	"os"
	"time"

	"github.com/xiaonanln/shieldmesh/reconcile"
	"github.com/xiaonanln/shieldmesh/util/logger"
	"github.com/xiaonanln/shieldmesh/util/postgres"
	"github.com/xiaonanln/shieldmesh/util/uniqueid"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreEtcd     = "etcd"
)

// NodeConfig holds configuration for this node
type NodeConfig struct {
	ID       string `yaml:"id"` // Optional: generated at startup when empty
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // Optional: gRPC mesh transport
	LogLevel string `yaml:"log_level"`
}

// MeshConfig holds peer tracking and broadcast settings
type MeshConfig struct {
	MaxPeers          int           `yaml:"max_peers"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	MessageTTL        time.Duration `yaml:"message_ttl"`
	SendBuffer        int           `yaml:"send_buffer"`
	EventRules        []EventRule   `yaml:"event_rules"` // Optional: which broadcasts peers may originate
}

// SyncConfig selects the stores behind synchronization
type SyncConfig struct {
	DocumentStore    string `yaml:"document_store"`    // memory, postgres or sqlite
	CursorStore      string `yaml:"cursor_store"`      // memory, postgres, sqlite or etcd
	ConflictStrategy string `yaml:"conflict_strategy"` // Optional: SERVER_WINS, CLIENT_WINS or LATEST_WINS
	SQLitePath       string `yaml:"sqlite_path"`
}

// EtcdConfig holds etcd-specific configuration
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MQTTConfig holds the optional MQTT transport configuration
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Enabled reports whether an MQTT broker is configured
func (m *MQTTConfig) Enabled() bool {
	return m.BrokerURL != ""
}

// Config is the root configuration structure
type Config struct {
	Version  int             `yaml:"version"`
	Node     NodeConfig      `yaml:"node"`
	Mesh     MeshConfig      `yaml:"mesh"`
	Sync     SyncConfig      `yaml:"sync"`
	Postgres postgres.Config `yaml:"postgres"`
	Etcd     EtcdConfig      `yaml:"etcd"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
}

// Default returns a configuration for a single node with in-memory stores
func Default() *Config {
	return &Config{
		Version: 1,
		Node: NodeConfig{
			ID:       "node-1",
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
		Mesh: MeshConfig{
			MaxPeers:          10,
			PingInterval:      30 * time.Second,
			ReconnectInterval: 5 * time.Second,
			MessageTTL:        3600 * time.Millisecond,
			SendBuffer:        64,
		},
		Sync: SyncConfig{
			DocumentStore: StoreMemory,
			CursorStore:   StoreMemory,
			SQLitePath:    "shieldmesh.db",
		},
		Postgres: *postgres.DefaultConfig(),
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			Prefix:      "/shieldmesh",
			DialTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "shieldmesh",
		},
	}
}

// LoadConfig loads configuration from a YAML file. Settings missing from the
// file keep the values of Default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if c.Node.ID == "" {
		c.Node.ID = "node-" + uniqueid.UniqueId()
	}
	if c.Node.HTTPAddr == "" {
		return fmt.Errorf("node %s: http_addr is required", c.Node.ID)
	}
	if c.Node.LogLevel != "" {
		if _, err := logger.ParseLevel(c.Node.LogLevel); err != nil {
			return fmt.Errorf("node %s: %w", c.Node.ID, err)
		}
	}

	if c.Mesh.MaxPeers <= 0 {
		return fmt.Errorf("mesh max_peers must be positive")
	}
	if c.Mesh.PingInterval <= 0 || c.Mesh.ReconnectInterval <= 0 || c.Mesh.MessageTTL <= 0 {
		return fmt.Errorf("mesh ping_interval, reconnect_interval and message_ttl must be positive")
	}
	if _, err := c.NewEventFilter(); err != nil {
		return err
	}

	switch c.Sync.DocumentStore {
	case StoreMemory, StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("unsupported document store: %q", c.Sync.DocumentStore)
	}
	switch c.Sync.CursorStore {
	case StoreMemory, StorePostgres, StoreSQLite, StoreEtcd:
	default:
		return fmt.Errorf("unsupported cursor store: %q", c.Sync.CursorStore)
	}
	if c.Sync.ConflictStrategy != "" {
		if _, err := reconcile.ParseStrategy(c.Sync.ConflictStrategy); err != nil {
			return err
		}
	}
	if c.uses(StoreSQLite) && c.Sync.SQLitePath == "" {
		return fmt.Errorf("sync sqlite_path is required for the sqlite store")
	}
	if c.uses(StorePostgres) {
		if err := c.Postgres.Validate(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if c.Sync.CursorStore == StoreEtcd {
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("at least one etcd endpoint is required")
		}
		if c.Etcd.Prefix == "" {
			return fmt.Errorf("etcd prefix is required")
		}
	}

	if c.MQTT.Enabled() && c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}

	return nil
}

func (c *Config) uses(store string) bool {
	return c.Sync.DocumentStore == store || c.Sync.CursorStore == store
}

// Strategy returns the configured conflict strategy, 0 when none is set
func (c *Config) Strategy() reconcile.Strategy {
	if c.Sync.ConflictStrategy == "" {
		return 0
	}
	s, _ := reconcile.ParseStrategy(c.Sync.ConflictStrategy)
	return s
}

// NewEventFilter creates an EventFilter from the mesh event rules.
// Returns nil if no rules are configured.
func (c *Config) NewEventFilter() (*EventFilter, error) {
	if len(c.Mesh.EventRules) == 0 {
		return nil, nil
	}
	return NewEventFilter(c.Mesh.EventRules)
}
