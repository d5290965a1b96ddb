// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package detect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/telemetry/pkg/audit"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/teldb"
)

// Service runs detectors over stored signal records and persists the
// resulting transitions.
type Service struct {
	log      *zap.Logger
	db       *teldb.DB
	registry *registry.Registry
	queue    scheduler.Queue
	audit    *audit.Recorder
}

// NewService creates a detection service.
func NewService(log *zap.Logger, db *teldb.DB, reg *registry.Registry, queue scheduler.Queue, recorder *audit.Recorder) *Service {
	return &Service{log: log, db: db, registry: reg, queue: queue, audit: recorder}
}

// EnqueueDayDetections fans out one detection task per detector-bound
// signal covering the whole local day, so records that arrived after
// their batch was detected get a second pass before segmentation.
func (service *Service) EnqueueDayDetections(ctx context.Context, date string) (err error) {
	defer mon.Task()(&ctx)(&err)

	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return Error.New("invalid date %q: %v", date, err)
	}
	name, err := service.db.GetSetting(ctx, "timezone", "UTC")
	if err != nil {
		return scheduler.MarkRetryable(Error.Wrap(err))
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return Error.New("invalid timezone %q: %v", name, err)
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, location)
	to := from.AddDate(0, 0, 1)

	enqueued := 0
	for _, stream := range service.registry.AllStreams() {
		for _, signal := range stream.Signals {
			if _, ok := service.registry.DetectorFor(stream.Source, signal.Name); !ok {
				continue
			}
			task, err := scheduler.NewTask(scheduler.KindDetectSignal, scheduler.DetectSignalPayload{
				Source: stream.Source,
				Signal: signal.Name,
				From:   from.UTC(),
				To:     to.UTC(),
			})
			if err != nil {
				return Error.Wrap(err)
			}
			if err := service.queue.Push(ctx, task); err != nil {
				return scheduler.MarkRetryable(Error.Wrap(err))
			}
			enqueued++
		}
	}
	mon.Counter("day_detections_enqueued").Inc(int64(enqueued))
	service.log.Info("day detection pass enqueued",
		zap.String("date", date),
		zap.Int("signals", enqueued))
	return nil
}

// RunDetection re-detects one signal over [from, to]: existing
// transitions in the window are replaced with the fresh set, so re-runs
// are idempotent.
func (service *Service) RunDetection(ctx context.Context, source, signal string, from, to time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	definition, ok := service.registry.Signal(source, signal)
	if !ok {
		return Error.New("unknown signal %s/%s", source, signal)
	}
	binding, ok := service.registry.DetectorFor(source, signal)
	if !ok {
		return Error.New("signal %s/%s has no detector", source, signal)
	}
	detector, err := New(binding)
	if err != nil {
		return err
	}

	activity, err := service.audit.Begin(ctx, "detect_signal", source, definition.Stream)
	if err != nil {
		return scheduler.MarkRetryable(Error.Wrap(err))
	}

	transitions, err := service.detect(ctx, detector, source, signal, from, to)
	if err != nil {
		_ = activity.Fail(ctx, err)
		return err
	}

	service.log.Info("detection completed",
		zap.String("source", source),
		zap.String("signal", signal),
		zap.Int("transitions", len(transitions)))
	return Error.Wrap(activity.Complete(ctx, int64(len(transitions)), map[string]interface{}{
		"signal": signal,
		"from":   from.UTC().Format(time.RFC3339),
		"to":     to.UTC().Format(time.RFC3339),
	}))
}

func (service *Service) detect(ctx context.Context, detector Detector, source, signal string, from, to time.Time) (_ []teldb.Transition, err error) {
	defer mon.Task()(&ctx)(&err)

	records, err := service.db.SignalRange(ctx, source, signal, from, to)
	if err != nil {
		return nil, scheduler.MarkRetryable(Error.Wrap(err))
	}

	series := SeriesFromRecords(source, signal, records)
	transitions, err := detector.Detect(ctx, series, Window{Start: from, End: to})
	if err != nil {
		return nil, err
	}

	if err := service.db.ReplaceTransitions(ctx, source, signal, from, to, transitions); err != nil {
		return nil, scheduler.MarkRetryable(err)
	}
	return transitions, nil
}
