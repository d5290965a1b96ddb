// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cleanup enforces the retention windows: old audit rows and
// expired raw payloads are deleted on a daily schedule.
package cleanup

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/internal/sync2"
	"storj.io/telemetry/pkg/rawstore"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/teldb"
)

var (
	mon = monkit.Package()

	// Error is the class of cleanup errors
	Error = errs.Class("cleanup error")
)

// Config contains configurable values for retention cleanup.
type Config struct {
	Interval           time.Duration `help:"how often a cleanup task is scheduled" default:"24h"`
	AuditRetentionDays int           `help:"how many days of pipeline activity rows to keep" default:"30"`
	RawRetention       time.Duration `help:"how long raw payload objects are kept" default:"2160h"`
}

// Service schedules and runs retention cleanup.
type Service struct {
	log      *zap.Logger
	config   Config
	db       *teldb.DB
	raw      rawstore.Store
	registry *registry.Registry
	queue    scheduler.Queue

	Loop sync2.Cycle
}

// NewService creates a cleanup service.
func NewService(log *zap.Logger, config Config, db *teldb.DB, raw rawstore.Store, reg *registry.Registry, queue scheduler.Queue) *Service {
	service := &Service{
		log:      log,
		config:   config,
		db:       db,
		raw:      raw,
		registry: reg,
		queue:    queue,
	}
	service.Loop.SetInterval(config.Interval)
	return service
}

// Run enqueues a cleanup task every interval until ctx is done.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.Loop.Run(ctx, service.enqueue)
}

// Close stops the loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

func (service *Service) enqueue(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	task, err := scheduler.NewTask(scheduler.KindCleanup, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := service.queue.Push(ctx, task); err != nil {
		service.log.Error("enqueueing cleanup", zap.Error(err))
	}
	return nil
}

// RunCleanup deletes finished audit rows past the retention window and
// raw payload objects past theirs, for every registered source.
func (service *Service) RunCleanup(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	removed, err := service.db.CleanupAuditRows(ctx, service.config.AuditRetentionDays)
	if err != nil {
		return scheduler.MarkRetryable(Error.Wrap(err))
	}

	deleted := 0
	for _, source := range service.registry.AllSources() {
		n, err := service.raw.DeleteOlderThan(ctx, source.Name, service.config.RawRetention)
		if err != nil {
			return scheduler.MarkRetryable(Error.Wrap(err))
		}
		deleted += n
	}

	mon.Counter("raw_objects_deleted").Inc(int64(deleted))
	service.log.Info("cleanup completed",
		zap.Int64("audit rows", removed),
		zap.Int("raw objects", deleted))
	return nil
}
