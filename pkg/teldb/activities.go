// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// BeginActivity opens a running pipeline activity row and returns its id.
func (db *DB) BeginActivity(ctx context.Context, kind, source, stream string) (id string, err error) {
	defer mon.Task()(&ctx)(&err)

	id = uuid.New().String()
	_, err = db.db.ExecContext(ctx, db.rebind(
		`INSERT INTO pipeline_activities
		 ( id, kind, source_name, stream_name, status, started_at )
		 VALUES ( ?, ?, ?, ?, ?, ? )`),
		id, kind, nullable(source), nullable(stream), ActivityRunning, time.Now().UTC())
	if err != nil {
		return "", Error.Wrap(err)
	}
	return id, nil
}

// CompleteActivity closes an activity as completed.
func (db *DB) CompleteActivity(ctx context.Context, id string, records int64, metadata string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if metadata == "" {
		metadata = "{}"
	}
	result, err := db.db.ExecContext(ctx, db.rebind(
		`UPDATE pipeline_activities
		 SET status = ?, finished_at = ?, records_processed = ?, metadata = ?
		 WHERE id = ?`),
		ActivityCompleted, time.Now().UTC(), records, metadata, id)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "activity %q", id)
}

// FailActivity closes an activity as failed with the error message.
func (db *DB) FailActivity(ctx context.Context, id string, cause string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(
		`UPDATE pipeline_activities
		 SET status = ?, finished_at = ?, error = ?
		 WHERE id = ?`),
		ActivityFailed, time.Now().UTC(), cause, id)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "activity %q", id)
}

// GetActivity returns one activity row.
func (db *DB) GetActivity(ctx context.Context, id string) (_ *Activity, err error) {
	defer mon.Task()(&ctx)(&err)

	var activity Activity
	err = db.db.GetContext(ctx, &activity,
		db.rebind(`SELECT * FROM pipeline_activities WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.New("activity %q", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &activity, nil
}

// RecentActivities returns the latest activities of a kind, newest first.
func (db *DB) RecentActivities(ctx context.Context, kind string, limit int) (_ []Activity, err error) {
	defer mon.Task()(&ctx)(&err)

	var activities []Activity
	err = db.db.SelectContext(ctx, &activities, db.rebind(
		`SELECT * FROM pipeline_activities
		 WHERE kind = ? ORDER BY started_at DESC LIMIT ?`),
		kind, limit)
	return activities, Error.Wrap(err)
}

// CleanupAuditRows deletes finished activities that started more than
// days ago and returns how many were removed. Running activities are
// never touched.
func (db *DB) CleanupAuditRows(ctx context.Context, days int) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := db.db.ExecContext(ctx, db.rebind(
		`DELETE FROM pipeline_activities
		 WHERE started_at < ? AND status <> ?`),
		cutoff, ActivityRunning)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err = result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	mon.Counter("audit_rows_removed").Inc(removed)
	return removed, nil
}

func nullable(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
