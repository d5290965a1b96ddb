// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"storj.io/telemetry/pkg/scheduler"
)

// CheckScheduledSyncs enqueues a sync task for every active pull stream
// whose cron schedule has fired since it last ingested records. Streams
// that never synced are always due.
func (service *Service) CheckScheduledSyncs(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	streams, err := service.db.ActivePullStreams(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	now := time.Now().UTC()
	for _, stream := range streams {
		if !stream.CronSchedule.Valid {
			continue
		}
		due, err := syncDue(stream.CronSchedule.String, stream.LastIngestionAt, now)
		if err != nil {
			service.log.Error("invalid cron schedule",
				zap.String("stream", stream.Name),
				zap.String("schedule", stream.CronSchedule.String),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		task, err := scheduler.NewTask(scheduler.KindSyncStream,
			scheduler.SyncStreamPayload{Stream: stream.Name})
		if err != nil {
			return Error.Wrap(err)
		}
		if err := service.queue.Push(ctx, task); err != nil {
			return Error.Wrap(err)
		}
		mon.Counter("syncs_scheduled").Inc(1)
		service.log.Debug("scheduled sync", zap.String("stream", stream.Name))
	}
	return nil
}

// syncDue reports whether a cron schedule has fired since the stream
// last ingested records.
func syncDue(schedule string, lastIngestion *time.Time, now time.Time) (bool, error) {
	if lastIngestion == nil {
		return true, nil
	}
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return !parsed.Next(*lastIngestion).After(now), nil
}
