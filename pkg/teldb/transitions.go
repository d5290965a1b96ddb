// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReplaceTransitions deletes the transitions of one signal within
// [from, to] and inserts the fresh set in one transaction, so that
// re-running detection over a window is idempotent.
func (db *DB) ReplaceTransitions(ctx context.Context, source, signal string, from, to time.Time, transitions []Transition) (err error) {
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

	_, err = tx.ExecContext(ctx, db.rebind(
		`DELETE FROM transitions
		 WHERE source_name = ? AND signal_name = ?
		   AND transition_time >= ? AND transition_time <= ?`),
		source, signal, from.UTC(), to.UTC())
	if err != nil {
		return Error.Wrap(err)
	}

	query := db.rebind(
		`INSERT INTO transitions
		 ( id, source_name, signal_name, transition_time, kind, direction,
		   magnitude, confidence, before_mean, after_mean, metadata )
		 VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )`)

	for _, transition := range transitions {
		if transition.ID == "" {
			transition.ID = uuid.New().String()
		}
		if transition.Metadata == "" {
			transition.Metadata = "{}"
		}
		_, err = tx.ExecContext(ctx, query,
			transition.ID, transition.SourceName, transition.SignalName,
			transition.TransitionTime.UTC(), transition.Kind, transition.Direction,
			transition.Magnitude, transition.Confidence,
			transition.BeforeMean, transition.AfterMean, transition.Metadata)
		if err != nil {
			return Error.Wrap(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	mon.Counter("transitions_written").Inc(int64(len(transitions)))
	return nil
}

// TransitionsInRange returns all transitions within [from, to), ordered
// by time.
func (db *DB) TransitionsInRange(ctx context.Context, from, to time.Time) (_ []Transition, err error) {
	defer mon.Task()(&ctx)(&err)

	var transitions []Transition
	err = db.db.SelectContext(ctx, &transitions, db.rebind(
		`SELECT * FROM transitions
		 WHERE transition_time >= ? AND transition_time < ?
		 ORDER BY transition_time`),
		from.UTC(), to.UTC())
	return transitions, Error.Wrap(err)
}

// SignalTransitions returns the transitions of one signal within
// [from, to], ordered by time.
func (db *DB) SignalTransitions(ctx context.Context, source, signal string, from, to time.Time) (_ []Transition, err error) {
	defer mon.Task()(&ctx)(&err)

	var transitions []Transition
	err = db.db.SelectContext(ctx, &transitions, db.rebind(
		`SELECT * FROM transitions
		 WHERE source_name = ? AND signal_name = ?
		   AND transition_time >= ? AND transition_time <= ?
		 ORDER BY transition_time`),
		source, signal, from.UTC(), to.UTC())
	return transitions, Error.Wrap(err)
}
