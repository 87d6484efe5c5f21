package server

import (
	"context"
	"fmt"

	"github.com/xiaonanln/shieldmesh/config"
	"github.com/xiaonanln/shieldmesh/record"
	"github.com/xiaonanln/shieldmesh/store/etcdcursor"
	"github.com/xiaonanln/shieldmesh/store/sqlitestore"
	"github.com/xiaonanln/shieldmesh/util/backoff"
	"github.com/xiaonanln/shieldmesh/util/postgres"
)

// storeAttempts bounds the startup retries of each store connection
const storeAttempts = 8

type stores struct {
	docs    record.DocumentStore
	cursors record.CursorStore
	closers []func() error
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// openStores connects the configured document and cursor stores, retrying each
// connection with backoff
func (srv *Server) openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	st := &stores{}
	var pg *postgres.DB
	var lite *sqlitestore.Store

	connectPostgres := func() (*postgres.DB, error) {
		if pg != nil {
			return pg, nil
		}
		db, err := postgres.NewDB(&cfg.Postgres)
		if err != nil {
			return nil, err
		}
		err = backoff.NewStartup().Retry(ctx, storeAttempts, func(ctx context.Context) error {
			if err := db.Ping(ctx); err != nil {
				srv.logger.Warnf("PostgreSQL not reachable yet: %v", err)
				return err
			}
			return db.InitSchema(ctx)
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		st.closers = append(st.closers, db.Close)
		pg = db
		return pg, nil
	}

	openSQLite := func() (*sqlitestore.Store, error) {
		if lite != nil {
			return lite, nil
		}
		s, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: cfg.Sync.SQLitePath})
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, s.Close)
		lite = s
		return lite, nil
	}

	switch cfg.Sync.DocumentStore {
	case config.StoreMemory:
		st.docs = record.NewMemoryStore()
	case config.StorePostgres:
		db, err := connectPostgres()
		if err != nil {
			st.close()
			return nil, err
		}
		st.docs = postgres.NewDocumentStore(db)
	case config.StoreSQLite:
		s, err := openSQLite()
		if err != nil {
			st.close()
			return nil, err
		}
		st.docs = s
	default:
		return nil, fmt.Errorf("unsupported document store: %q", cfg.Sync.DocumentStore)
	}

	switch cfg.Sync.CursorStore {
	case config.StoreMemory:
		st.cursors = record.NewMemoryCursorStore()
	case config.StorePostgres:
		db, err := connectPostgres()
		if err != nil {
			st.close()
			return nil, err
		}
		st.cursors = postgres.NewCursorStore(db)
	case config.StoreSQLite:
		s, err := openSQLite()
		if err != nil {
			st.close()
			return nil, err
		}
		st.cursors = s
	case config.StoreEtcd:
		es, err := etcdcursor.New(etcdcursor.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			st.close()
			return nil, err
		}
		err = backoff.NewStartup().Retry(ctx, storeAttempts, func(ctx context.Context) error {
			if err := es.Connect(ctx); err != nil {
				srv.logger.Warnf("etcd not reachable yet: %v", err)
				return err
			}
			return nil
		})
		if err != nil {
			st.close()
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		st.closers = append(st.closers, es.Close)
		st.cursors = es
	default:
		st.close()
		return nil, fmt.Errorf("unsupported cursor store: %q", cfg.Sync.CursorStore)
	}

	srv.logger.Infof("Using %s document store and %s cursor store", cfg.Sync.DocumentStore, cfg.Sync.CursorStore)
	return st, nil
}
