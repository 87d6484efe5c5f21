package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/xiaonanln/shieldmesh/config"
	"github.com/xiaonanln/shieldmesh/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		// Direct flags override the configuration file, or the defaults without one
		nodeID      = flag.String("node-id", "", "Node ID")
		httpAddr    = flag.String("http", "", "HTTP listen address for the sync API, websocket and metrics (e.g., ':8080')")
		grpcAddr    = flag.String("grpc", "", "gRPC listen address for the mesh service (optional, e.g., ':9000')")
		docStore    = flag.String("document-store", "", "Document store: memory, postgres or sqlite")
		cursorStore = flag.String("cursor-store", "", "Cursor store: memory, postgres, sqlite or etcd")
		sqlitePath  = flag.String("sqlite", "", "SQLite database file")
		etcdAddr    = flag.String("etcd", "", "Comma separated etcd endpoints")
		etcdPrefix  = flag.String("etcd-prefix", "", "Etcd key prefix")
		mqttBroker  = flag.String("mqtt", "", "MQTT broker URL (optional, e.g., 'tcp://localhost:1883')")
		strategy    = flag.String("strategy", "", "Conflict resolution strategy: SERVER_WINS, CLIENT_WINS or LATEST_WINS")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn or error")
	)
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
		log.Printf("Loaded configuration from %s", *configFile)
	}

	override(&cfg.Node.ID, *nodeID)
	override(&cfg.Node.HTTPAddr, *httpAddr)
	override(&cfg.Node.GRPCAddr, *grpcAddr)
	override(&cfg.Node.LogLevel, *logLevel)
	override(&cfg.Sync.DocumentStore, *docStore)
	override(&cfg.Sync.CursorStore, *cursorStore)
	override(&cfg.Sync.SQLitePath, *sqlitePath)
	override(&cfg.Sync.ConflictStrategy, *strategy)
	override(&cfg.Etcd.Prefix, *etcdPrefix)
	override(&cfg.MQTT.BrokerURL, *mqttBroker)
	if *etcdAddr != "" {
		cfg.Etcd.Endpoints = strings.Split(*etcdAddr, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, server.Options{Config: cfg})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	log.Printf("Starting node %s (http: %s, documents: %s, cursors: %s)",
		cfg.Node.ID, cfg.Node.HTTPAddr, cfg.Sync.DocumentStore, cfg.Sync.CursorStore)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Node stopped")
}

func override(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
