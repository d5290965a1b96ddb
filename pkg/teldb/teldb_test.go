// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb_test

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storj.io/telemetry/internal/testcontext"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/teldb"
)

func openDB(t *testing.T, ctx *testcontext.Context) *teldb.DB {
	db, err := teldb.Open(ctx, zap.NewNop(), "sqlite3://"+ctx.File("db", "telemetry.db"))
	require.NoError(t, err)
	return db
}

func TestStreamState(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	require.NoError(t, db.SeedSource(ctx, "google", "oauth2"))
	require.NoError(t, db.SeedStream(ctx, "google_calendar", "google", "*/15 * * * *"))

	// inactive source means no scheduled streams
	streams, err := db.ActivePullStreams(ctx)
	require.NoError(t, err)
	assert.Empty(t, streams)

	require.NoError(t, db.ConnectSource(ctx, "google", "tok", "ref", nil, ""))
	streams, err = db.ActivePullStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "google_calendar", streams[0].Name)

	require.NoError(t, db.SetStreamActive(ctx, "google_calendar", false))
	streams, err = db.ActivePullStreams(ctx)
	require.NoError(t, err)
	assert.Empty(t, streams)

	require.NoError(t, db.SetSyncToken(ctx, "google_calendar", "cursor-1"))
	stream, err := db.GetStream(ctx, "google_calendar")
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", stream.SyncToken.String)

	require.NoError(t, db.SetSyncToken(ctx, "google_calendar", ""))
	stream, err = db.GetStream(ctx, "google_calendar")
	require.NoError(t, err)
	assert.False(t, stream.SyncToken.Valid)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.UpdateLastIngestion(ctx, "google_calendar", now))
	require.NoError(t, db.UpdateLastSuccessfulSync(ctx, "google_calendar", now))
	stream, err = db.GetStream(ctx, "google_calendar")
	require.NoError(t, err)
	require.NotNil(t, stream.LastIngestionAt)
	require.NotNil(t, stream.LastSuccessfulSyncAt)
}

func TestSeedAndSources(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	reg, err := registry.Builtin()
	require.NoError(t, err)
	require.NoError(t, db.SeedRegistry(ctx, reg))
	// seeding twice must not clobber runtime state
	require.NoError(t, db.ConnectSource(ctx, "google", "tok", "refresh", nil, "calendar.readonly"))
	require.NoError(t, db.SeedRegistry(ctx, reg))

	source, err := db.GetSource(ctx, "google")
	require.NoError(t, err)
	assert.Equal(t, teldb.SourceConnected, source.Status)
	assert.Equal(t, "tok", source.AccessToken.String)

	_, err = db.GetSource(ctx, "missing")
	assert.True(t, teldb.ErrNotFound.Has(err))
}

func TestUpdateSourceTokens(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	require.NoError(t, db.SeedSource(ctx, "strava", "oauth2"))
	require.NoError(t, db.ConnectSource(ctx, "strava", "a1", "r1", nil, ""))

	expiry := time.Now().UTC().Add(30 * time.Minute).Truncate(time.Second)
	require.NoError(t, db.UpdateSourceTokens(ctx, "strava", "a2", "", expiry))

	source, err := db.GetSource(ctx, "strava")
	require.NoError(t, err)
	assert.Equal(t, "a2", source.AccessToken.String)
	// empty refresh token keeps the old one
	assert.Equal(t, "r1", source.RefreshToken.String)

	expiring, err := db.SourcesWithExpiringTokens(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "strava", expiring[0].Name)

	expiring, err = db.SourcesWithExpiringTokens(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, expiring)
}

func TestSignalRecordDedup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	ts := time.Date(2019, 7, 4, 10, 0, 0, 0, time.UTC)
	records := []teldb.SignalRecord{
		{
			SourceName: "ios", SignalName: "heart_rate", Timestamp: ts,
			ValueReal:      sql.NullFloat64{Float64: 72, Valid: true},
			Confidence:     1,
			IdempotencyKey: "2019-07-04T10:00:00Z",
		},
		{
			SourceName: "ios", SignalName: "heart_rate", Timestamp: ts.Add(time.Minute),
			ValueReal:      sql.NullFloat64{Float64: 75, Valid: true},
			Confidence:     1,
			IdempotencyKey: "2019-07-04T10:01:00Z",
		},
	}

	inserted, err := db.InsertSignalRecords(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// the same batch again inserts nothing
	inserted, err = db.InsertSignalRecords(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	stored, err := db.SignalRange(ctx, "ios", "heart_rate", ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 72.0, stored[0].ValueReal.Float64)
	assert.True(t, stored[0].Timestamp.Before(stored[1].Timestamp))
}

func TestSignalRecordConflictUpdate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	ts := time.Date(2019, 7, 4, 10, 0, 0, 0, time.UTC)
	record := teldb.SignalRecord{
		SourceName: "ios", SignalName: "heart_rate", Timestamp: ts,
		ValueReal:      sql.NullFloat64{Float64: 72, Valid: true},
		Confidence:     1,
		IdempotencyKey: "2019-07-04T10:00:00+00:00",
		Metadata:       `{"device":"watch"}`,
	}
	inserted, err := db.InsertSignalRecords(ctx, []teldb.SignalRecord{record})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	// a colliding key updates the mutable fields in place
	record.Timestamp = ts.Add(time.Second)
	record.ValueReal = sql.NullFloat64{Float64: 74, Valid: true}
	record.Confidence = 0.5
	record.Metadata = `{"device":"phone"}`
	inserted, err = db.InsertSignalRecords(ctx, []teldb.SignalRecord{record})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	stored, err := db.SignalRange(ctx, "ios", "heart_rate", ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 74.0, stored[0].ValueReal.Float64)
	assert.Equal(t, 0.5, stored[0].Confidence)
	assert.Equal(t, `{"device":"phone"}`, stored[0].Metadata)
	assert.Equal(t, ts.Add(time.Second), stored[0].Timestamp.UTC())
}

func TestReplaceTransitions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	from := time.Date(2019, 7, 4, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	first := []teldb.Transition{
		{SourceName: "ios", SignalName: "speed", TransitionTime: from.Add(2 * time.Hour),
			Kind: teldb.TransitionChangepoint, Confidence: 0.9},
		{SourceName: "ios", SignalName: "speed", TransitionTime: from.Add(5 * time.Hour),
			Kind: teldb.TransitionDataGap, Confidence: 1},
	}
	require.NoError(t, db.ReplaceTransitions(ctx, "ios", "speed", from, to, first))

	second := []teldb.Transition{
		{SourceName: "ios", SignalName: "speed", TransitionTime: from.Add(3 * time.Hour),
			Kind: teldb.TransitionChangepoint, Confidence: 0.8},
	}
	require.NoError(t, db.ReplaceTransitions(ctx, "ios", "speed", from, to, second))

	stored, err := db.SignalTransitions(ctx, "ios", "speed", from, to)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 0.8, stored[0].Confidence)
}

func TestReplaceEventsForDate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	day := time.Date(2019, 7, 4, 0, 0, 0, 0, time.UTC)
	events := []teldb.Event{
		{Date: "2019-07-04", StartTime: day, EndTime: day.Add(8 * time.Hour), ClusterID: 0, DominantSource: "ios"},
		{Date: "2019-07-04", StartTime: day.Add(8 * time.Hour), EndTime: day.Add(24 * time.Hour), ClusterID: 1, DominantSource: "mac"},
	}
	require.NoError(t, db.ReplaceEventsForDate(ctx, "2019-07-04", events))
	require.NoError(t, db.ReplaceEventsForDate(ctx, "2019-07-04", events[:1]))

	stored, err := db.EventsForDate(ctx, "2019-07-04")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "ios", stored[0].DominantSource)
}

func TestSemantics(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	records := []teldb.SemanticRecord{{
		SourceName: "notion", StreamName: "notion_pages",
		SemanticName: "page_title", RecordKey: "page-1", Value: "Journal",
	}}
	require.NoError(t, db.UpsertSemantics(ctx, records))

	// same content again changes nothing
	require.NoError(t, db.UpsertSemantics(ctx, records))
	versions, err := db.SemanticVersions(ctx, "notion_pages", "page_title", "page-1")
	require.NoError(t, err)
	require.Len(t, versions, 1)

	// changed content keeps the old version and adds a new one
	records[0].Value = "Journal 2019"
	require.NoError(t, db.UpsertSemantics(ctx, records))

	value, err := db.SemanticValue(ctx, "notion_pages", "page_title", "page-1")
	require.NoError(t, err)
	assert.Equal(t, "Journal 2019", value)

	versions, err = db.SemanticVersions(ctx, "notion_pages", "page_title", "page-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.False(t, versions[0].IsLatest)
	assert.Equal(t, "Journal", versions[0].Value)
	assert.Equal(t, 2, versions[1].Version)
	assert.True(t, versions[1].IsLatest)
	assert.NotEqual(t, versions[0].ContentHash, versions[1].ContentHash)
}

func TestActivities(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	id, err := db.BeginActivity(ctx, "sync_stream", "google", "google_calendar")
	require.NoError(t, err)

	activity, err := db.GetActivity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, teldb.ActivityRunning, activity.Status)

	require.NoError(t, db.CompleteActivity(ctx, id, 42, `{"warnings":[]}`))

	activity, err = db.GetActivity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, teldb.ActivityCompleted, activity.Status)
	assert.Equal(t, int64(42), activity.RecordsProcessed)
	require.NotNil(t, activity.FinishedAt)

	failedID, err := db.BeginActivity(ctx, "sync_stream", "google", "google_calendar")
	require.NoError(t, err)
	require.NoError(t, db.FailActivity(ctx, failedID, "boom"))

	recent, err := db.RecentActivities(ctx, "sync_stream", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestSettings(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	value, err := db.GetSetting(ctx, "timezone", "UTC")
	require.NoError(t, err)
	assert.Equal(t, "UTC", value)

	require.NoError(t, db.SetSetting(ctx, "timezone", "Europe/Berlin"))
	require.NoError(t, db.SetSetting(ctx, "timezone", "America/New_York"))

	value, err = db.GetSetting(ctx, "timezone", "UTC")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", value)
}
