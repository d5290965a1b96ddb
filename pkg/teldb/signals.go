// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertSignalRecords writes records. A colliding idempotency key never
// duplicates; instead the mutable fields of the existing row are
// updated. Returns the number of genuinely new rows.
func (db *DB) InsertSignalRecords(ctx context.Context, records []SignalRecord) (inserted int, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(records) == 0 {
		return 0, nil
	}

	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	countQuery := `SELECT COUNT(*) FROM signal_records`
	var before, after int
	if err := tx.GetContext(ctx, &before, countQuery); err != nil {
		return 0, Error.Wrap(err)
	}

	query := db.rebind(
		`INSERT INTO signal_records
		 ( id, source_name, signal_name, timestamp, value_real, value_text,
		   latitude, longitude, confidence, idempotency_key, metadata, created_at )
		 VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )
		 ON CONFLICT ( source_name, signal_name, idempotency_key )
		 DO UPDATE SET timestamp = excluded.timestamp,
		               value_real = excluded.value_real,
		               value_text = excluded.value_text,
		               latitude = excluded.latitude,
		               longitude = excluded.longitude,
		               confidence = excluded.confidence,
		               metadata = excluded.metadata`)

	now := time.Now().UTC()
	for _, record := range records {
		if record.ID == "" {
			record.ID = uuid.New().String()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		if record.Metadata == "" {
			record.Metadata = "{}"
		}
		_, err := tx.ExecContext(ctx, query,
			record.ID, record.SourceName, record.SignalName, record.Timestamp.UTC(),
			record.ValueReal, record.ValueText, record.Latitude, record.Longitude,
			record.Confidence, record.IdempotencyKey, record.Metadata, record.CreatedAt)
		if err != nil {
			return 0, Error.Wrap(err)
		}
	}

	if err := tx.GetContext(ctx, &after, countQuery); err != nil {
		return 0, Error.Wrap(err)
	}
	inserted = after - before

	if err := tx.Commit(); err != nil {
		return 0, Error.Wrap(err)
	}
	mon.Counter("signal_records_inserted").Inc(int64(inserted))
	mon.Counter("signal_records_deduplicated").Inc(int64(len(records) - inserted))
	return inserted, nil
}

// SignalRange returns the records of one signal within [from, to],
// ordered by timestamp.
func (db *DB) SignalRange(ctx context.Context, source, signal string, from, to time.Time) (_ []SignalRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	var records []SignalRecord
	err = db.db.SelectContext(ctx, &records, db.rebind(
		`SELECT * FROM signal_records
		 WHERE source_name = ? AND signal_name = ?
		   AND timestamp >= ? AND timestamp <= ?
		 ORDER BY timestamp`),
		source, signal, from.UTC(), to.UTC())
	return records, Error.Wrap(err)
}

// CountSignalRecords returns how many records a signal has in total.
func (db *DB) CountSignalRecords(ctx context.Context, source, signal string) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.GetContext(ctx, &count, db.rebind(
		`SELECT COUNT(*) FROM signal_records WHERE source_name = ? AND signal_name = ?`),
		source, signal)
	return count, Error.Wrap(err)
}
