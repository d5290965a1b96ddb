// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package teldb implements the relational store for the telemetry
// pipeline: source connections, streams, signal records, transitions,
// day events, semantics and pipeline activity audit.
package teldb

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/utils"
)

var (
	mon = monkit.Package()

	// Error is the class of teldb errors
	Error = errs.Class("teldb error")

	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errs.Class("not found")
)

// DB wraps the relational database.
type DB struct {
	log *zap.Logger
	db  *sqlx.DB
}

// Open connects to the database described by a URL of the form
// sqlite3://path or postgres://... and applies the schema.
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	scheme, rest, err := utils.ParseURL(databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var driver, source string
	switch scheme {
	case "sqlite3", "sqlite":
		driver, source = "sqlite3", rest
	case "postgres", "postgresql":
		driver, source = "postgres", databaseURL
	default:
		return nil, Error.New("unsupported database scheme %q", scheme)
	}

	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under the worker pool
		db.SetMaxOpenConns(1)
	}

	wrapped := &DB{log: log, db: db}
	if err := wrapped.migrate(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return wrapped, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

func (db *DB) rebind(query string) string {
	return db.db.Rebind(query)
}
