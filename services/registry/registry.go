// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry is the typed persistence layer for the relay.
//
// It owns every entity the system stores: endpoints, models, their
// association links, append-only performance measurements, users, plans,
// API keys with usage logs, scheduler tasks, and system settings. The
// control plane writes measurements through ApplyEndpointTestResult; the
// data plane reads them through the ranking and listing queries. All other
// components treat this package as the single source of truth and hold no
// caches of their own.
//
// Two engines are supported: PostgreSQL (pgx) for deployments and sqlite
// (modernc, pure Go) for development and the test suites. SQL is written
// with "?" placeholders and rebound per driver via sqlx.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/ollamarelay/pkg/config"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store provides typed access to the relational database.
//
// Store is safe for concurrent use; it wraps a pooled *sqlx.DB.
type Store struct {
	db     *sqlx.DB
	engine config.Engine
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	driver := "pgx"
	if cfg.Engine == config.EngineSQLite {
		driver = "sqlite"
	}
	db, err := sqlx.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Engine == config.EngineSQLite {
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent probe application.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db, engine: cfg.Engine}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB, engine config.Engine) *Store {
	return &Store{db: db, engine: engine}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// rebind adapts "?" placeholders to the active driver.
func (s *Store) rebind(query string) string { return s.db.Rebind(query) }

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// now returns the wall-clock time in UTC, truncated to microseconds so
// values round-trip identically through both engines.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
