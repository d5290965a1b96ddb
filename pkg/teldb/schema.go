// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"

	"go.uber.org/zap"
)

// migrations are applied in order; the schema_versions table records the
// highest applied index.
var migrations = []string{
	`CREATE TABLE sources (
		name TEXT NOT NULL PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'disconnected',
		auth_type TEXT NOT NULL DEFAULT 'none',
		access_token TEXT,
		refresh_token TEXT,
		token_expires_at TIMESTAMP,
		scopes TEXT,
		device_token TEXT,
		connected_at TIMESTAMP
	)`,
	`CREATE TABLE streams (
		name TEXT NOT NULL PRIMARY KEY,
		source_name TEXT NOT NULL REFERENCES sources ( name ),
		cron_schedule TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		sync_token TEXT,
		last_ingestion_at TIMESTAMP,
		last_successful_sync_at TIMESTAMP,
		settings TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE signal_records (
		id TEXT NOT NULL PRIMARY KEY,
		source_name TEXT NOT NULL,
		signal_name TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		value_real DOUBLE PRECISION,
		value_text TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 1,
		idempotency_key TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX signal_records_dedup
		ON signal_records ( source_name, signal_name, idempotency_key )`,
	`CREATE INDEX signal_records_series
		ON signal_records ( source_name, signal_name, timestamp )`,
	`CREATE TABLE transitions (
		id TEXT NOT NULL PRIMARY KEY,
		source_name TEXT NOT NULL,
		signal_name TEXT NOT NULL,
		transition_time TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		direction TEXT,
		magnitude DOUBLE PRECISION,
		confidence DOUBLE PRECISION NOT NULL,
		before_mean DOUBLE PRECISION,
		after_mean DOUBLE PRECISION,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX transitions_series
		ON transitions ( source_name, signal_name, transition_time )`,
	`CREATE INDEX transitions_time ON transitions ( transition_time )`,
	`CREATE TABLE events (
		id TEXT NOT NULL PRIMARY KEY,
		date TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		cluster_id INTEGER NOT NULL,
		signal_histogram TEXT NOT NULL DEFAULT '{}',
		distinct_sources INTEGER NOT NULL DEFAULT 0,
		avg_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		intensity DOUBLE PRECISION NOT NULL DEFAULT 0,
		dominant_source TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX events_date ON events ( date )`,
	`CREATE TABLE semantic_records (
		id TEXT NOT NULL PRIMARY KEY,
		source_name TEXT NOT NULL,
		stream_name TEXT NOT NULL,
		semantic_name TEXT NOT NULL,
		record_key TEXT NOT NULL,
		value TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		is_latest BOOLEAN NOT NULL DEFAULT TRUE,
		observed_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX semantic_records_version
		ON semantic_records ( stream_name, semantic_name, record_key, version )`,
	`CREATE UNIQUE INDEX semantic_records_latest
		ON semantic_records ( stream_name, semantic_name, record_key )
		WHERE is_latest`,
	`CREATE TABLE pipeline_activities (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		source_name TEXT,
		stream_name TEXT,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		records_processed BIGINT NOT NULL DEFAULT 0,
		error TEXT,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX pipeline_activities_kind
		ON pipeline_activities ( kind, started_at )`,
	`CREATE TABLE settings (
		key TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func (db *DB) migrate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_versions (
			version INTEGER NOT NULL PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return Error.Wrap(err)
	}

	var current int
	err = db.db.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), -1) FROM schema_versions`)
	if err != nil {
		return Error.Wrap(err)
	}

	for version := current + 1; version < len(migrations); version++ {
		tx, err := db.db.BeginTxx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx, migrations[version]); err != nil {
			_ = tx.Rollback()
			return Error.New("migration %d failed: %v", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			db.rebind(`INSERT INTO schema_versions ( version, applied_at ) VALUES ( ?, CURRENT_TIMESTAMP )`),
			version); err != nil {
			_ = tx.Rollback()
			return Error.Wrap(err)
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
		db.log.Debug("applied migration", zap.Int("version", version))
	}
	return nil
}
