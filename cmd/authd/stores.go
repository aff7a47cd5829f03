package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/datastore"
	"github.com/alexedwards/scs/v2"

	ac "github.com/panyam/authcore"
	fsstore "github.com/panyam/authcore/stores/fs"
	"github.com/panyam/authcore/stores/gae"
	gormstore "github.com/panyam/authcore/stores/gorm"
)

// backend is an opened credential store with its optional session store.
type backend struct {
	users    ac.CredentialStore
	sessions scs.Store // nil means in-memory sessions
	run      func(ctx context.Context)
	close    func() error
}

// openBackend picks a store from the database URL scheme.
func openBackend(ctx context.Context, dsn string, logger *slog.Logger) (*backend, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("database url %q has no scheme", dsn)
	}
	switch scheme {
	case "sqlite", "postgres", "postgresql":
		db, err := gormstore.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", scheme, err)
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		sessions := gormstore.NewSessionStore(db)
		return &backend{
			users:    gormstore.NewCredentialStore(db),
			sessions: sessions,
			run: func(ctx context.Context) {
				sessions.RunCleanup(ctx, defaultCleanupInterval, logger)
			},
			close: func() error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.Close()
			},
		}, nil

	case "datastore":
		project, namespace, _ := strings.Cut(rest, "/")
		client, err := datastore.NewClient(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("datastore client: %w", err)
		}
		logger.Warn("datastore backend keeps sessions in memory")
		return &backend{
			users: gae.NewCredentialStore(client, namespace),
			run:   func(context.Context) {},
			close: client.Close,
		}, nil

	case "fs":
		store, err := fsstore.NewCredentialStore(rest)
		if err != nil {
			return nil, err
		}
		return &backend{
			users: store,
			run:   func(context.Context) {},
			close: func() error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unsupported database url scheme %q", scheme)
}
