// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package audit records every pipeline run in the activity table so
// that syncs, batch processing, detection and segmentation leave a
// queryable trail.
package audit

import (
	"context"
	"encoding/json"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/teldb"
)

var (
	mon = monkit.Package()

	// Error is the class of audit errors
	Error = errs.Class("audit error")
)

// Recorder opens and closes pipeline activity rows.
type Recorder struct {
	log *zap.Logger
	db  *teldb.DB
}

// NewRecorder creates a Recorder.
func NewRecorder(log *zap.Logger, db *teldb.DB) *Recorder {
	return &Recorder{log: log, db: db}
}

// Activity is one running pipeline activity.
type Activity struct {
	recorder *Recorder
	id       string
	kind     string
}

// Begin opens a running activity row.
func (recorder *Recorder) Begin(ctx context.Context, kind, source, stream string) (_ *Activity, err error) {
	defer mon.Task()(&ctx)(&err)

	id, err := recorder.db.BeginActivity(ctx, kind, source, stream)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	mon.Counter("activity_started").Inc(1)
	return &Activity{recorder: recorder, id: id, kind: kind}, nil
}

// Complete closes the activity as completed.
func (activity *Activity) Complete(ctx context.Context, records int64, metadata map[string]interface{}) error {
	encoded := "{}"
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return Error.Wrap(err)
		}
		encoded = string(data)
	}
	mon.Counter("activity_completed").Inc(1)
	return Error.Wrap(activity.recorder.db.CompleteActivity(ctx, activity.id, records, encoded))
}

// Fail closes the activity as failed.
func (activity *Activity) Fail(ctx context.Context, cause error) error {
	mon.Counter("activity_failed").Inc(1)
	activity.recorder.log.Warn("pipeline activity failed",
		zap.String("kind", activity.kind),
		zap.String("id", activity.id),
		zap.Error(cause))
	return Error.Wrap(activity.recorder.db.FailActivity(ctx, activity.id, cause.Error()))
}

// ID returns the activity row id.
func (activity *Activity) ID() string { return activity.id }
