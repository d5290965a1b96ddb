// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storj.io/telemetry/internal/testcontext"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/teldb"
)

func TestChoreEnqueuesPreviousDay(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := teldb.Open(ctx, zap.NewNop(), "sqlite3://"+ctx.File("db", "chore.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	queue := scheduler.NewInMemoryQueue()
	chore := NewChore(zap.NewNop(), Config{ChoreInterval: time.Hour, DetectionGrace: 15 * time.Minute}, db, queue)

	require.NoError(t, chore.tick(ctx))
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")

	// detection is due immediately
	task, err := queue.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindDetectDay, task.Kind)
	var detectPayload scheduler.DetectDayPayload
	require.NoError(t, task.UnmarshalPayload(&detectPayload))
	assert.Equal(t, yesterday, detectPayload.Date)

	// segmentation only becomes due after the grace period
	_, err = queue.Pop(ctx)
	assert.True(t, scheduler.ErrEmptyQueue.Has(err))
	_, err = queue.MoveDue(ctx, time.Now().Add(16*time.Minute))
	require.NoError(t, err)

	task, err = queue.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindSegmentDay, task.Kind)
	var segmentPayload scheduler.SegmentDayPayload
	require.NoError(t, task.UnmarshalPayload(&segmentPayload))
	assert.Equal(t, yesterday, segmentPayload.Date)

	// same day again is a no-op
	require.NoError(t, chore.tick(ctx))
	_, err = queue.Pop(ctx)
	assert.True(t, scheduler.ErrEmptyQueue.Has(err))
}
