// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package segment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/telemetry/internal/sync2"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/teldb"
)

// Chore schedules the nightly pass over the previous local day: first
// a whole-day detection task so late-arriving data is covered, then —
// after a grace delay — the segmentation of that day.
type Chore struct {
	log   *zap.Logger
	db    *teldb.DB
	queue scheduler.Queue
	grace time.Duration

	Loop sync2.Cycle

	mu       sync.Mutex
	lastDate string
}

// NewChore creates a nightly chore checking every config.ChoreInterval.
func NewChore(log *zap.Logger, config Config, db *teldb.DB, queue scheduler.Queue) *Chore {
	chore := &Chore{log: log, db: db, queue: queue, grace: config.DetectionGrace}
	chore.Loop.SetInterval(config.ChoreInterval)
	return chore
}

// Run runs the chore until ctx is done.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, chore.tick)
}

// Close stops the loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

func (chore *Chore) tick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	name, err := chore.db.GetSetting(ctx, "timezone", "UTC")
	if err != nil {
		chore.log.Error("loading timezone setting", zap.Error(err))
		return nil
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		chore.log.Error("invalid timezone setting",
			zap.String("timezone", name), zap.Error(err))
		return nil
	}

	date := time.Now().In(location).AddDate(0, 0, -1).Format("2006-01-02")

	chore.mu.Lock()
	done := chore.lastDate == date
	chore.mu.Unlock()
	if done {
		return nil
	}

	detect, err := scheduler.NewTask(scheduler.KindDetectDay, scheduler.DetectDayPayload{Date: date})
	if err != nil {
		return Error.Wrap(err)
	}
	if err := chore.queue.Push(ctx, detect); err != nil {
		chore.log.Error("enqueueing day detection",
			zap.String("date", date), zap.Error(err))
		return nil
	}

	// segmentation waits out the grace period so detection lands first
	segment, err := scheduler.NewTask(scheduler.KindSegmentDay, scheduler.SegmentDayPayload{Date: date})
	if err != nil {
		return Error.Wrap(err)
	}
	if err := chore.queue.PushDelayed(ctx, segment, time.Now().Add(chore.grace)); err != nil {
		chore.log.Error("enqueueing day segmentation",
			zap.String("date", date), zap.Error(err))
		return nil
	}

	chore.mu.Lock()
	chore.lastDate = date
	chore.mu.Unlock()

	mon.Counter("segment_days_scheduled").Inc(1)
	chore.log.Info("scheduled nightly detection and segmentation",
		zap.String("date", date),
		zap.Duration("grace", chore.grace))
	return nil
}
