// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package processor turns raw source payloads into normalized signal
// and semantic records and schedules detection over what was written.
package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/audit"
	"storj.io/telemetry/pkg/rawstore"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/teldb"
)

var (
	mon = monkit.Package()

	// Error is the class of processor errors
	Error = errs.Class("processor error")
)

// Processor turns one raw payload into normalized records. Entries
// inside a payload that fail validation are skipped and counted in
// skipped, never failing the rest of the payload; an error means the
// payload itself is unreadable.
type Processor interface {
	Process(ctx context.Context, raw []byte) (records []teldb.SignalRecord, semantics []teldb.SemanticRecord, skipped int, err error)
}

// Service dispatches raw payload batches to per-stream processors.
type Service struct {
	log      *zap.Logger
	db       *teldb.DB
	raw      rawstore.Store
	registry *registry.Registry
	queue    scheduler.Queue
	audit    *audit.Recorder

	processors map[string]Processor
}

// NewService creates a processing service. Processors are registered
// per stream afterwards.
func NewService(log *zap.Logger, db *teldb.DB, raw rawstore.Store, reg *registry.Registry, queue scheduler.Queue, recorder *audit.Recorder) *Service {
	return &Service{
		log:      log,
		db:       db,
		raw:      raw,
		registry: reg,
		queue:    queue,
		audit:    recorder,

		processors: map[string]Processor{},
	}
}

// Register binds a processor to a stream.
func (service *Service) Register(stream string, processor Processor) {
	service.processors[stream] = processor
}

// ProcessBatch normalizes and stores a batch of raw payload objects,
// then enqueues detection for every signal that received records.
// Malformed payloads become warnings; the batch continues.
func (service *Service) ProcessBatch(ctx context.Context, streamName string, objectKeys []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	def, ok := service.registry.Stream(streamName)
	if !ok {
		return Error.New("unknown stream %q", streamName)
	}
	processor, ok := service.processors[streamName]
	if !ok {
		return Error.New("no processor registered for stream %q", streamName)
	}
	disabled, err := service.disabledSignals(ctx, streamName)
	if err != nil {
		return scheduler.MarkRetryable(err)
	}

	activity, err := service.audit.Begin(ctx, "process_batch", def.Source, streamName)
	if err != nil {
		return scheduler.MarkRetryable(Error.Wrap(err))
	}

	inserted, total, skipped, warnings, err := service.processObjects(ctx, def, processor, disabled, objectKeys)
	if err != nil {
		_ = activity.Fail(ctx, err)
		return err
	}

	metadata := map[string]interface{}{
		"objects":      len(objectKeys),
		"deduplicated": total - inserted,
	}
	if skipped > 0 {
		metadata["skipped_entries"] = skipped
	}
	if len(warnings) > 0 {
		metadata["warnings"] = warnings
	}
	if err := activity.Complete(ctx, int64(inserted), metadata); err != nil {
		return Error.Wrap(err)
	}
	service.log.Info("batch processed",
		zap.String("stream", streamName),
		zap.Int("objects", len(objectKeys)),
		zap.Int("inserted", inserted),
		zap.Int("deduplicated", total-inserted),
		zap.Int("skipped", skipped))
	return nil
}

func (service *Service) processObjects(ctx context.Context, def *registry.Stream, processor Processor, disabled map[string]bool, objectKeys []string) (inserted, total, skipped int, warnings []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var signals []teldb.SignalRecord
	var semantics []teldb.SemanticRecord
	for _, key := range objectKeys {
		payload, err := service.raw.Get(ctx, key)
		if rawstore.ErrNotFound.Has(err) {
			warnings = append(warnings, "object "+key+" missing")
			continue
		}
		if err != nil {
			return 0, 0, 0, nil, scheduler.MarkRetryable(Error.Wrap(err))
		}

		recs, sems, badEntries, err := processor.Process(ctx, payload)
		if err != nil {
			// a malformed payload never becomes readable on retry
			service.log.Warn("skipping malformed payload",
				zap.String("stream", def.Name),
				zap.String("key", key),
				zap.Error(err))
			mon.Counter("malformed_payloads").Inc(1)
			warnings = append(warnings, "object "+key+": "+err.Error())
			continue
		}
		if badEntries > 0 {
			service.log.Warn("skipped malformed entries",
				zap.String("stream", def.Name),
				zap.String("key", key),
				zap.Int("entries", badEntries))
			mon.Counter("malformed_entries").Inc(int64(badEntries))
			skipped += badEntries
		}
		for _, record := range recs {
			if disabled[record.SignalName] {
				continue
			}
			signals = append(signals, record)
		}
		semantics = append(semantics, sems...)
	}

	inserted, err = service.db.InsertSignalRecords(ctx, signals)
	if err != nil {
		return 0, 0, 0, nil, scheduler.MarkRetryable(err)
	}
	if err := service.db.UpsertSemantics(ctx, semantics); err != nil {
		return 0, 0, 0, nil, scheduler.MarkRetryable(err)
	}
	if len(signals) > 0 || len(semantics) > 0 {
		if err := service.db.UpdateLastIngestion(ctx, def.Name, time.Now().UTC()); err != nil {
			return 0, 0, 0, nil, scheduler.MarkRetryable(err)
		}
	}
	if err := service.enqueueDetection(ctx, def, signals); err != nil {
		return 0, 0, 0, nil, scheduler.MarkRetryable(err)
	}
	return inserted, len(signals), skipped, warnings, nil
}

// enqueueDetection schedules one detection task per distinct signal
// written, covering the batch's time range.
func (service *Service) enqueueDetection(ctx context.Context, def *registry.Stream, records []teldb.SignalRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	type span struct{ from, to time.Time }
	spans := map[string]span{}
	for _, record := range records {
		s, ok := spans[record.SignalName]
		if !ok {
			spans[record.SignalName] = span{from: record.Timestamp, to: record.Timestamp}
			continue
		}
		if record.Timestamp.Before(s.from) {
			s.from = record.Timestamp
		}
		if record.Timestamp.After(s.to) {
			s.to = record.Timestamp
		}
		spans[record.SignalName] = s
	}

	for signal, s := range spans {
		if _, ok := service.registry.DetectorFor(def.Source, signal); !ok {
			continue
		}
		task, err := scheduler.NewTask(scheduler.KindDetectSignal, scheduler.DetectSignalPayload{
			Source: def.Source,
			Signal: signal,
			From:   s.from.UTC(),
			To:     s.to.UTC(),
		})
		if err != nil {
			return Error.Wrap(err)
		}
		if err := service.queue.Push(ctx, task); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// disabledSignals reads the stream's runtime settings for signals the
// user switched off.
func (service *Service) disabledSignals(ctx context.Context, streamName string) (_ map[string]bool, err error) {
	defer mon.Task()(&ctx)(&err)

	state, err := service.db.GetStream(ctx, streamName)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var settings struct {
		DisabledSignals []string `json:"disabled_signals"`
	}
	if state.Settings != "" {
		if err := json.Unmarshal([]byte(state.Settings), &settings); err != nil {
			return nil, Error.New("stream %q settings: %v", streamName, err)
		}
	}
	disabled := map[string]bool{}
	for _, name := range settings.DisabledSignals {
		disabled[name] = true
	}
	return disabled, nil
}
