// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"
	"database/sql"
	"time"
)

// GetStream returns the runtime state of a stream.
func (db *DB) GetStream(ctx context.Context, name string) (_ *Stream, err error) {
	defer mon.Task()(&ctx)(&err)

	var stream Stream
	err = db.db.GetContext(ctx, &stream,
		db.rebind(`SELECT * FROM streams WHERE name = ?`), name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.New("stream %q", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &stream, nil
}

// SeedStream inserts a stream row if missing. The declared cron schedule
// is refreshed on re-seed; runtime columns are preserved.
func (db *DB) SeedStream(ctx context.Context, name, sourceName, cronSchedule string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var cron sql.NullString
	if cronSchedule != "" {
		cron = sql.NullString{String: cronSchedule, Valid: true}
	}
	_, err = db.db.ExecContext(ctx, db.rebind(
		`INSERT INTO streams ( name, source_name, cron_schedule ) VALUES ( ?, ?, ? )
		 ON CONFLICT ( name ) DO UPDATE SET cron_schedule = excluded.cron_schedule`),
		name, sourceName, cron)
	return Error.Wrap(err)
}

// ActivePullStreams returns active streams of connected cloud sources
// that carry a cron schedule.
func (db *DB) ActivePullStreams(ctx context.Context) (_ []Stream, err error) {
	defer mon.Task()(&ctx)(&err)

	var streams []Stream
	err = db.db.SelectContext(ctx, &streams, db.rebind(
		`SELECT streams.* FROM streams
		 JOIN sources ON sources.name = streams.source_name
		 WHERE streams.active
		   AND streams.cron_schedule IS NOT NULL
		   AND sources.status = ?
		 ORDER BY streams.name`),
		SourceConnected)
	return streams, Error.Wrap(err)
}

// SetStreamActive flips the active flag of a stream.
func (db *DB) SetStreamActive(ctx context.Context, name string, active bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx,
		db.rebind(`UPDATE streams SET active = ? WHERE name = ?`), active, name)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "stream %q", name)
}

// SetSyncToken stores the incremental sync cursor of a stream; empty
// clears it.
func (db *DB) SetSyncToken(ctx context.Context, name, token string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var value sql.NullString
	if token != "" {
		value = sql.NullString{String: token, Valid: true}
	}
	result, err := db.db.ExecContext(ctx,
		db.rebind(`UPDATE streams SET sync_token = ? WHERE name = ?`), value, name)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "stream %q", name)
}

// UpdateLastIngestion records when records last arrived for a stream.
func (db *DB) UpdateLastIngestion(ctx context.Context, name string, at time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx,
		db.rebind(`UPDATE streams SET last_ingestion_at = ? WHERE name = ?`), at.UTC(), name)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "stream %q", name)
}

// UpdateLastSuccessfulSync records when a sync last completed.
func (db *DB) UpdateLastSuccessfulSync(ctx context.Context, name string, at time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx,
		db.rebind(`UPDATE streams SET last_successful_sync_at = ? WHERE name = ?`), at.UTC(), name)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "stream %q", name)
}

// UpdateStreamSettings replaces the settings JSON of a stream.
func (db *DB) UpdateStreamSettings(ctx context.Context, name, settings string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx,
		db.rebind(`UPDATE streams SET settings = ? WHERE name = ?`), settings, name)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "stream %q", name)
}
