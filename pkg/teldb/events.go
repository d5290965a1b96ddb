// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"

	"github.com/google/uuid"
)

// ReplaceEventsForDate deletes the existing events of a civil date and
// inserts the fresh set in one transaction.
func (db *DB) ReplaceEventsForDate(ctx context.Context, date string, events []Event) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		db.rebind(`DELETE FROM events WHERE date = ?`), date); err != nil {
		return Error.Wrap(err)
	}

	query := db.rebind(
		`INSERT INTO events
		 ( id, date, start_time, end_time, cluster_id, signal_histogram,
		   distinct_sources, avg_confidence, intensity, dominant_source )
		 VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )`)

	for _, event := range events {
		if event.ID == "" {
			event.ID = uuid.New().String()
		}
		if event.SignalHistogram == "" {
			event.SignalHistogram = "{}"
		}
		_, err = tx.ExecContext(ctx, query,
			event.ID, date, event.StartTime.UTC(), event.EndTime.UTC(),
			event.ClusterID, event.SignalHistogram, event.DistinctSources,
			event.AvgConfidence, event.Intensity, event.DominantSource)
		if err != nil {
			return Error.Wrap(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	mon.Counter("events_written").Inc(int64(len(events)))
	return nil
}

// EventsForDate returns the events of a civil date ordered by start time.
func (db *DB) EventsForDate(ctx context.Context, date string) (_ []Event, err error) {
	defer mon.Task()(&ctx)(&err)

	var events []Event
	err = db.db.SelectContext(ctx, &events, db.rebind(
		`SELECT * FROM events WHERE date = ? ORDER BY start_time`), date)
	return events, Error.Wrap(err)
}
