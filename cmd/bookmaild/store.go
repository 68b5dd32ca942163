package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/bookmail/internal/config"
	"github.com/rbaliyan/bookmail/store"
	"github.com/rbaliyan/bookmail/store/bolt"
	"github.com/rbaliyan/bookmail/store/memory"
	"github.com/rbaliyan/bookmail/store/mongo"
	"github.com/rbaliyan/bookmail/store/pebble"
	"github.com/rbaliyan/bookmail/store/postgres"
	"github.com/rbaliyan/bookmail/store/sqlite"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// openedStore is a store plus whatever the daemon must release after
// the service has closed it.
type openedStore struct {
	store.Store
	release func() error
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (*openedStore, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, messages are lost on restart")
		return &openedStore{Store: memory.New(), release: noop}, nil

	case config.DriverPostgres:
		var opts []postgres.Option
		opts = append(opts, postgres.WithLogger(logger))
		if cfg.Table != "" {
			opts = append(opts, postgres.WithTable(cfg.Table))
		}
		s, err := postgres.Open(cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		return &openedStore{Store: s, release: s.DB().Close}, nil

	case config.DriverSQLite:
		return &openedStore{Store: sqlite.New(cfg.Path, sqlite.WithLogger(logger)), release: noop}, nil

	case config.DriverMongo:
		client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		opts := []mongo.Option{mongo.WithLogger(logger)}
		if cfg.Database != "" {
			opts = append(opts, mongo.WithDatabase(cfg.Database))
		}
		if cfg.Collection != "" {
			opts = append(opts, mongo.WithCollection(cfg.Collection))
		}
		release := func() error { return client.Disconnect(context.Background()) }
		return &openedStore{Store: mongo.New(client, opts...), release: release}, nil

	case config.DriverBolt:
		path := cfg.Path
		if path == "" {
			path = "./data/bookmail.bolt"
		}
		return &openedStore{Store: bolt.New(path, bolt.WithLogger(logger)), release: noop}, nil

	case config.DriverPebble:
		return &openedStore{Store: pebble.New(cfg.Path, pebble.WithLogger(logger)), release: noop}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
