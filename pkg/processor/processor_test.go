// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package processor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storj.io/telemetry/internal/testcontext"
	"storj.io/telemetry/pkg/audit"
	"storj.io/telemetry/pkg/processor"
	"storj.io/telemetry/pkg/rawstore"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/teldb"
)

type harness struct {
	service *processor.Service
	db      *teldb.DB
	raw     rawstore.Store
	queue   *scheduler.InMemoryQueue
}

func newHarness(t *testing.T, ctx *testcontext.Context) *harness {
	db, err := teldb.Open(ctx, zap.NewNop(), "sqlite3://"+ctx.File("db", "processor.db"))
	require.NoError(t, err)

	reg, err := registry.Builtin()
	require.NoError(t, err)
	require.NoError(t, db.SeedRegistry(ctx, reg))

	raw := rawstore.NewInMemory()
	queue := scheduler.NewInMemoryQueue()
	service := processor.NewService(zap.NewNop(), db, raw, reg, queue,
		audit.NewRecorder(zap.NewNop(), db))
	service.Register("ios_healthkit", processor.NewHealthKit())
	service.Register("google_calendar", processor.NewCalendar())

	t.Cleanup(func() {
		_ = queue.Close()
		_ = raw.Close()
		_ = db.Close()
	})
	return &harness{service: service, db: db, raw: raw, queue: queue}
}

func TestProcessBatchHealthKit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)

	now := time.Now().UTC()
	first, err := h.raw.Put(ctx, "ios", "device-1", now, []byte(`{"samples":[
		{"type":"heart_rate","timestamp":"2019-07-04T09:00:00Z","value":61,"uuid":"hr-1"},
		{"type":"heart_rate","timestamp":"2019-07-04T09:01:00Z","value":63,"uuid":"hr-2"},
		{"type":"steps","timestamp":"2019-07-04T09:00:00Z","value":120,"uuid":"st-1"}
	]}`))
	require.NoError(t, err)
	// second object retransmits one sample
	second, err := h.raw.Put(ctx, "ios", "device-1", now, []byte(`{"samples":[
		{"type":"heart_rate","timestamp":"2019-07-04T09:01:00Z","value":63,"uuid":"hr-2"}
	]}`))
	require.NoError(t, err)

	require.NoError(t, h.service.ProcessBatch(ctx, "ios_healthkit", []string{first, second}))

	count, err := h.db.CountSignalRecords(ctx, "ios", "heart_rate")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	count, err = h.db.CountSignalRecords(ctx, "ios", "steps")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stream, err := h.db.GetStream(ctx, "ios_healthkit")
	require.NoError(t, err)
	assert.NotNil(t, stream.LastIngestionAt)

	// heart_rate has a bound detector, steps does not
	task, err := h.queue.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindDetectSignal, task.Kind)
	var payload scheduler.DetectSignalPayload
	require.NoError(t, task.UnmarshalPayload(&payload))
	assert.Equal(t, "ios", payload.Source)
	assert.Equal(t, "heart_rate", payload.Signal)
	assert.Equal(t, time.Date(2019, 7, 4, 9, 0, 0, 0, time.UTC), payload.From)
	assert.Equal(t, time.Date(2019, 7, 4, 9, 1, 0, 0, time.UTC), payload.To)

	_, err = h.queue.Pop(ctx)
	assert.True(t, scheduler.ErrEmptyQueue.Has(err))

	activities, err := h.db.RecentActivities(ctx, "process_batch", 1)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, teldb.ActivityCompleted, activities[0].Status)
	assert.Equal(t, int64(3), activities[0].RecordsProcessed)
	assert.Contains(t, activities[0].Metadata, "deduplicated")
}

func TestProcessBatchMalformedPayload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)

	now := time.Now().UTC()
	good, err := h.raw.Put(ctx, "ios", "device-1", now, []byte(`{"samples":[
		{"type":"hrv","timestamp":"2019-07-04T09:00:00Z","value":48,"uuid":"h1"}
	]}`))
	require.NoError(t, err)
	bad, err := h.raw.Put(ctx, "ios", "device-1", now, []byte(`not json`))
	require.NoError(t, err)

	require.NoError(t, h.service.ProcessBatch(ctx, "ios_healthkit", []string{good, bad}))

	count, err := h.db.CountSignalRecords(ctx, "ios", "hrv")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	activities, err := h.db.RecentActivities(ctx, "process_batch", 1)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, teldb.ActivityCompleted, activities[0].Status)
	assert.Contains(t, activities[0].Metadata, "warnings")
}

func TestProcessBatchMalformedEntry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)

	// one sample has a broken timestamp; the other two still land
	now := time.Now().UTC()
	key, err := h.raw.Put(ctx, "ios", "device-1", now, []byte(`{"samples":[
		{"type":"heart_rate","timestamp":"2019-07-04T09:00:00Z","value":61,"uuid":"hr-1"},
		{"type":"heart_rate","timestamp":"garbage","value":62,"uuid":"hr-2"},
		{"type":"steps","timestamp":"2019-07-04T09:00:00Z","value":120,"uuid":"st-1"}
	]}`))
	require.NoError(t, err)

	require.NoError(t, h.service.ProcessBatch(ctx, "ios_healthkit", []string{key}))

	count, err := h.db.CountSignalRecords(ctx, "ios", "heart_rate")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	count, err = h.db.CountSignalRecords(ctx, "ios", "steps")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	activities, err := h.db.RecentActivities(ctx, "process_batch", 1)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, teldb.ActivityCompleted, activities[0].Status)
	assert.Contains(t, activities[0].Metadata, "skipped_entries")
}

func TestProcessBatchDisabledSignals(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	require.NoError(t, h.db.UpdateStreamSettings(ctx, "ios_healthkit",
		`{"disabled_signals":["heart_rate"]}`))

	now := time.Now().UTC()
	key, err := h.raw.Put(ctx, "ios", "device-1", now, []byte(`{"samples":[
		{"type":"heart_rate","timestamp":"2019-07-04T09:00:00Z","value":61,"uuid":"hr-1"},
		{"type":"steps","timestamp":"2019-07-04T09:00:00Z","value":120,"uuid":"st-1"}
	]}`))
	require.NoError(t, err)

	require.NoError(t, h.service.ProcessBatch(ctx, "ios_healthkit", []string{key}))

	count, err := h.db.CountSignalRecords(ctx, "ios", "heart_rate")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	count, err = h.db.CountSignalRecords(ctx, "ios", "steps")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcessBatchUnknownStream(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	err := h.service.ProcessBatch(ctx, "nonsense", nil)
	require.Error(t, err)
	assert.False(t, scheduler.IsRetryable(err))
}

func TestCalendarProcessor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cal := processor.NewCalendar()
	records, semantics, skipped, err := cal.Process(ctx, []byte(`{
		"calendar_id": "primary",
		"calendar_name": "Personal",
		"event": {
			"id": "e1",
			"summary": "Dentist",
			"status": "confirmed",
			"start": {"dateTime": "2019-07-04T09:00:00Z"},
			"end": {"dateTime": "2019-07-04T09:30:00Z"}
		}
	}`))
	require.NoError(t, err)
	assert.Zero(t, skipped)

	require.Len(t, records, 1)
	assert.Equal(t, "calendar_event", records[0].SignalName)
	assert.Equal(t, time.Date(2019, 7, 4, 9, 0, 0, 0, time.UTC), records[0].Timestamp)
	assert.Contains(t, records[0].Metadata, "2019-07-04T09:30:00Z")
	assert.Contains(t, records[0].IdempotencyKey, "e1")

	require.Len(t, semantics, 2)
	assert.Equal(t, "event_title", semantics[0].SemanticName)
	assert.Equal(t, "Dentist", semantics[0].Value)
	assert.Equal(t, "calendar_name", semantics[1].SemanticName)

	// cancelled events are dropped
	records, _, skipped, err = cal.Process(ctx, []byte(`{
		"event": {"id": "e2", "status": "cancelled", "start": {"dateTime": "2019-07-04T09:00:00Z"}}
	}`))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, skipped)

	// an event without an id is skipped, not an error
	records, _, skipped, err = cal.Process(ctx, []byte(`{
		"event": {"summary": "mystery", "start": {"dateTime": "2019-07-04T09:00:00Z"}}
	}`))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, skipped)
}

func TestStravaProcessor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	records, semantics, _, err := processor.NewStrava().Process(ctx, []byte(`{
		"id": 42,
		"name": "Morning Run",
		"type": "Run",
		"start_date": "2019-07-04T06:00:00Z",
		"elapsed_time": 1800,
		"distance": 5000,
		"average_heartrate": 150.5
	}`))
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "workout", records[0].SignalName)
	assert.Contains(t, records[0].Metadata, "2019-07-04T06:30:00Z")
	assert.Contains(t, records[0].Metadata, "average_heartrate")
	assert.Equal(t, "workout_distance", records[1].SignalName)
	assert.Equal(t, float64(5000), records[1].ValueReal.Float64)

	require.Len(t, semantics, 2)
	assert.Equal(t, "Morning Run", semantics[0].Value)
	assert.Equal(t, "Run", semantics[1].Value)
}

func TestNotionProcessor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	records, semantics, _, err := processor.NewNotion().Process(ctx, []byte(`{
		"id": "p1",
		"url": "https://notion.so/p1",
		"last_edited_time": "2019-07-04T10:00:00Z",
		"properties": {
			"Name": {"type": "title", "title": [{"plain_text": "Weekly "}, {"plain_text": "Notes"}]}
		}
	}`))
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "page_edit", records[0].SignalName)

	require.Len(t, semantics, 2)
	assert.Equal(t, "page_title", semantics[0].SemanticName)
	assert.Equal(t, "Weekly Notes", semantics[0].Value)
	assert.Equal(t, "page_url", semantics[1].SemanticName)
}

func TestLocationProcessor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	records, _, skipped, err := processor.NewLocation().Process(ctx, []byte(`{"fixes":[
		{"timestamp": "2019-07-04T08:00:00Z", "latitude": 40.7, "longitude": -74.0,
		 "speed": 1.5, "altitude": 10.0, "horizontal_accuracy": 20.0},
		{"timestamp": "garbage", "latitude": 41.0, "longitude": -73.0}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)

	require.Len(t, records, 3)
	assert.Equal(t, "coordinates", records[0].SignalName)
	assert.Equal(t, 40.7, records[0].Latitude.Float64)
	assert.InDelta(t, 0.8, records[0].Confidence, 1e-9)
	assert.Equal(t, "speed", records[1].SignalName)
	assert.Equal(t, "altitude", records[2].SignalName)
}

func TestMacAppsProcessor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	records, _, _, err := processor.NewMacApps().Process(ctx, []byte(`{"events":[
		{"timestamp": "2019-07-04T14:00:00Z", "app": "Terminal", "bundle_id": "com.apple.Terminal"}
	]}`))
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "frontmost_app", records[0].SignalName)
	assert.Equal(t, "Terminal", records[0].ValueText.String)
	assert.Contains(t, records[0].Metadata, "com.apple.Terminal")
}
