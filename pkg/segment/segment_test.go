// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package segment_test

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storj.io/telemetry/internal/testcontext"
	"storj.io/telemetry/pkg/audit"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/segment"
	"storj.io/telemetry/pkg/teldb"
)

func newSegmenter(t *testing.T, ctx *testcontext.Context) (*segment.Segmenter, *teldb.DB) {
	db, err := teldb.Open(ctx, zap.NewNop(), "sqlite3://"+ctx.File("db", "segment.db"))
	require.NoError(t, err)

	reg, err := registry.Builtin()
	require.NoError(t, err)
	require.NoError(t, db.SeedRegistry(ctx, reg))

	segmenter := segment.NewSegmenter(zap.NewNop(), segment.Config{
		Eps:       0.3,
		MinPoints: 2,
		EdgeFill:  segment.EdgeFillMidnight,
	}, db, audit.NewRecorder(zap.NewNop(), db))

	t.Cleanup(func() { _ = db.Close() })
	return segmenter, db
}

func writeTransitions(t *testing.T, ctx *testcontext.Context, db *teldb.DB, source, signal string, times []time.Time) {
	var transitions []teldb.Transition
	for _, at := range times {
		transitions = append(transitions, teldb.Transition{
			SourceName:     source,
			SignalName:     signal,
			TransitionTime: at,
			Kind:           teldb.TransitionChangepoint,
			Direction:      sql.NullString{String: teldb.DirectionIncrease, Valid: true},
			Magnitude:      sql.NullFloat64{Float64: 10, Valid: true},
			Confidence:     0.9,
		})
	}
	day := times[0].Truncate(24 * time.Hour)
	require.NoError(t, db.ReplaceTransitions(ctx, source, signal,
		day, day.AddDate(0, 0, 1), transitions))
}

func TestSegmentDay(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	segmenter, db := newSegmenter(t, ctx)

	day := time.Date(2019, 7, 4, 0, 0, 0, 0, time.UTC)
	writeTransitions(t, ctx, db, "ios", "heart_rate", []time.Time{
		day.Add(9 * time.Hour),
		day.Add(9*time.Hour + time.Minute),
		day.Add(14 * time.Hour),
		day.Add(14*time.Hour + 90*time.Second),
		day.Add(20 * time.Hour),
	})
	writeTransitions(t, ctx, db, "mac", "frontmost_app", []time.Time{
		day.Add(9*time.Hour + 30*time.Second),
		day.Add(14*time.Hour + time.Minute),
	})

	require.NoError(t, segmenter.SegmentDay(ctx, "2019-07-04"))

	events, err := db.EventsForDate(ctx, "2019-07-04")
	require.NoError(t, err)
	require.NotEmpty(t, events)

	// segments are ordered and contiguous
	for i, event := range events {
		assert.True(t, event.EndTime.After(event.StartTime))
		assert.False(t, event.StartTime.Before(day))
		assert.False(t, event.EndTime.After(day.AddDate(0, 0, 1)))
		if i > 0 {
			assert.Equal(t, events[i-1].EndTime, event.StartTime)
		}
	}

	// at least one segment saw the busy morning
	found := false
	for _, event := range events {
		if event.DominantSource == "ios" && event.DistinctSources >= 1 {
			found = true
			assert.True(t, event.AvgConfidence > 0)
			assert.True(t, event.Intensity > 0)
			assert.Contains(t, event.SignalHistogram, "heart_rate")
		}
	}
	assert.True(t, found)

	activities, err := db.RecentActivities(ctx, "segment_day", 1)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, teldb.ActivityCompleted, activities[0].Status)
}

func TestSegmentDayIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	segmenter, db := newSegmenter(t, ctx)

	day := time.Date(2019, 7, 4, 0, 0, 0, 0, time.UTC)
	writeTransitions(t, ctx, db, "ios", "speed", []time.Time{
		day.Add(8 * time.Hour),
		day.Add(12 * time.Hour),
		day.Add(17 * time.Hour),
	})

	require.NoError(t, segmenter.SegmentDay(ctx, "2019-07-04"))
	first, err := db.EventsForDate(ctx, "2019-07-04")
	require.NoError(t, err)

	require.NoError(t, segmenter.SegmentDay(ctx, "2019-07-04"))
	second, err := db.EventsForDate(ctx, "2019-07-04")
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].StartTime, second[i].StartTime)
		assert.Equal(t, first[i].EndTime, second[i].EndTime)
	}
}

func TestSegmentDayEmpty(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	segmenter, db := newSegmenter(t, ctx)

	require.NoError(t, segmenter.SegmentDay(ctx, "2019-07-04"))
	events, err := db.EventsForDate(ctx, "2019-07-04")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSegmentDayInvalidDate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	segmenter, _ := newSegmenter(t, ctx)
	require.Error(t, segmenter.SegmentDay(ctx, "not-a-date"))
}
