// Package server runs a shieldmesh node: it tracks peers, floods mesh messages
// between them over every configured transport and serves the synchronization
// API clients use when they come back online.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/xiaonanln/shieldmesh/config"
	"github.com/xiaonanln/shieldmesh/mesh/broadcaster"
	"github.com/xiaonanln/shieldmesh/mesh/peerregistry"
	"github.com/xiaonanln/shieldmesh/reconcile"
	"github.com/xiaonanln/shieldmesh/record"
	"github.com/xiaonanln/shieldmesh/transport"
	"github.com/xiaonanln/shieldmesh/transport/grpcmesh"
	"github.com/xiaonanln/shieldmesh/transport/mqttgate"
	"github.com/xiaonanln/shieldmesh/transport/wsgate"
	"github.com/xiaonanln/shieldmesh/util/keylock"
	"github.com/xiaonanln/shieldmesh/util/logger"
	"google.golang.org/grpc"
)

// Options configures a Server
type Options struct {
	Config *config.Config
	// Docs and Cursors, when set, replace the stores named by Config.Sync
	Docs    record.DocumentStore
	Cursors record.CursorStore
	// Broker, when set, replaces dialing Config.MQTT.BrokerURL
	Broker mqttgate.Broker
	// Now is the time source; defaults to time.Now
	Now func() time.Time
}

// Server is one shieldmesh node
type Server struct {
	cfg         *config.Config
	now         func() time.Time
	registry    *peerregistry.Registry
	broadcaster *broadcaster.Broadcaster
	reconciler  *reconcile.Reconciler
	router      *transport.Router
	filter      *config.EventFilter
	ws          *wsgate.Gate
	grpcMesh    *grpcmesh.Server
	mqtt        *mqttgate.Gate
	mqttBroker  mqttgate.Broker // dialed by the server, closed on Close
	stores      *stores
	sessions    *keylock.KeyLock // per peer id
	unsubs      []func()
	logger      *logger.Logger

	mu         sync.Mutex
	httpServer *http.Server
	grpcServer *grpc.Server
	closed     bool
}

// New builds a node from opts. Store connections are retried with backoff until
// ctx is done.
func New(ctx context.Context, opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.Node.LogLevel != "" {
		level, _ := logger.ParseLevel(cfg.Node.LogLevel)
		logger.SetDefaultLevel(level)
	}

	s := &Server{
		cfg:      cfg,
		now:      opts.Now,
		router:   transport.NewRouter(cfg.Node.ID),
		sessions: keylock.New(),
		logger:   logger.NewLogger(fmt.Sprintf("Server(%s)", cfg.Node.ID)),
	}

	filter, err := cfg.NewEventFilter()
	if err != nil {
		return nil, err
	}
	s.filter = filter

	s.stores = &stores{docs: opts.Docs, cursors: opts.Cursors}
	if opts.Docs == nil || opts.Cursors == nil {
		st, err := s.openStores(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if opts.Docs != nil {
			st.docs = opts.Docs
		}
		if opts.Cursors != nil {
			st.cursors = opts.Cursors
		}
		s.stores = st
	}

	s.reconciler, err = reconcile.New(s.stores.docs, s.stores.cursors, reconcile.Options{
		NodeID:   cfg.Node.ID,
		Strategy: cfg.Strategy(),
		Now:      opts.Now,
	})
	if err != nil {
		s.stores.close()
		return nil, err
	}

	s.registry = peerregistry.New(peerregistry.Options{
		NodeID:            cfg.Node.ID,
		MaxPeers:          cfg.Mesh.MaxPeers,
		PingInterval:      cfg.Mesh.PingInterval,
		ReconnectInterval: cfg.Mesh.ReconnectInterval,
		Now:               opts.Now,
	})
	s.broadcaster = broadcaster.New(s.router, broadcaster.Options{
		NodeID:     cfg.Node.ID,
		MessageTTL: cfg.Mesh.MessageTTL,
		Reachable:  s.reachable,
		Now:        opts.Now,
	})
	s.unsubs = append(s.unsubs,
		s.registry.Subscribe(s.onRegistryEvent),
		s.broadcaster.Subscribe(s.onBroadcasterEvent),
	)

	s.ws = wsgate.New(s.router, s, wsgate.Options{SendBuffer: cfg.Mesh.SendBuffer})
	s.grpcMesh = grpcmesh.New(s.router, s, grpcmesh.Options{SendBuffer: cfg.Mesh.SendBuffer})

	if opts.Broker != nil || cfg.MQTT.Enabled() {
		broker := opts.Broker
		if broker == nil {
			broker, err = mqttgate.Dial(mqttgate.BrokerOptions{
				BrokerURL: cfg.MQTT.BrokerURL,
				ClientID:  mqttClientID(cfg),
				QoS:       cfg.MQTT.QoS,
			})
			if err != nil {
				s.registry.Destroy()
				s.broadcaster.Stop()
				s.stores.close()
				return nil, err
			}
			s.mqttBroker = broker
		}
		s.mqtt = mqttgate.New(broker, s.router, s, mqttgate.Options{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			SendBuffer:  cfg.Mesh.SendBuffer,
		})
	}

	return s, nil
}

func mqttClientID(cfg *config.Config) string {
	if cfg.MQTT.ClientID != "" {
		return cfg.MQTT.ClientID
	}
	return "shieldmesh-" + cfg.Node.ID
}

// reachable reports whether broadcasts should be delivered to peerID
func (s *Server) reachable(peerID string) bool {
	status, ok := s.registry.PeerStatus(peerID)
	return ok && status != peerregistry.Disconnected
}

// Registry returns the peer registry
func (s *Server) Registry() *peerregistry.Registry { return s.registry }

// Broadcaster returns the mesh broadcaster
func (s *Server) Broadcaster() *broadcaster.Broadcaster { return s.broadcaster }

// Reconciler returns the sync reconciler
func (s *Server) Reconciler() *reconcile.Reconciler { return s.reconciler }

// Start starts the periodic sweeps and the MQTT gate. Run calls it.
func (s *Server) Start() error {
	s.registry.Start()
	s.broadcaster.Start()
	if s.mqtt != nil {
		if err := s.mqtt.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Run serves HTTP (and gRPC when configured) until ctx is done, then shuts the
// node down
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		s.Close()
		return err
	}

	httpLis, err := net.Listen("tcp", s.cfg.Node.HTTPAddr)
	if err != nil {
		s.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Node.HTTPAddr, err)
	}

	var grpcLis net.Listener
	if s.cfg.Node.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", s.cfg.Node.GRPCAddr)
		if err != nil {
			httpLis.Close()
			s.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Node.GRPCAddr, err)
		}
	}

	errCh := make(chan error, 2)

	s.mu.Lock()
	s.httpServer = &http.Server{Handler: s.Handler()}
	httpServer := s.httpServer
	if grpcLis != nil {
		s.grpcServer = grpc.NewServer()
		s.grpcMesh.Register(s.grpcServer)
	}
	grpcServer := s.grpcServer
	s.mu.Unlock()

	go func() {
		s.logger.Infof("HTTP server listening on %s", httpLis.Addr())
		if err := httpServer.Serve(httpLis); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	if grpcServer != nil {
		go func() {
			s.logger.Infof("gRPC mesh server listening on %s", grpcLis.Addr())
			if err := grpcServer.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.Infof("Shutting down")
		err = nil
	case err = <-errCh:
		s.logger.Errorf("%v", err)
	}
	s.Close()
	return err
}

// Close stops the transports, the sweeps and the stores. It is idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	httpServer, grpcServer := s.httpServer, s.grpcServer
	s.mu.Unlock()

	s.grpcMesh.Shutdown()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Errorf("HTTP server shutdown error: %v", err)
		}
		cancel()
	}
	s.router.CloseAll()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if s.mqtt != nil {
		s.mqtt.Stop()
	}
	if s.mqttBroker != nil {
		s.mqttBroker.Close()
	}

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.registry.Destroy()
	s.broadcaster.Stop()
	s.stores.close()
	s.logger.Infof("Server stopped")
}
