// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cleanup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storj.io/telemetry/internal/testcontext"
	"storj.io/telemetry/pkg/rawstore"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/teldb"
)

func TestRunCleanup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := teldb.Open(ctx, zap.NewNop(), "sqlite3://"+ctx.File("db", "cleanup.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	reg, err := registry.Builtin()
	require.NoError(t, err)

	raw := rawstore.NewInMemory()
	defer ctx.Check(raw.Close)

	// a finished activity past the window and a running one inside it
	finished, err := db.BeginActivity(ctx, "sync_stream", "ios", "ios_healthkit")
	require.NoError(t, err)
	require.NoError(t, db.CompleteActivity(ctx, finished, 10, ""))
	running, err := db.BeginActivity(ctx, "sync_stream", "ios", "ios_healthkit")
	require.NoError(t, err)

	// one expired raw payload, one fresh
	now := time.Now().UTC()
	_, err = raw.Put(ctx, "ios", "healthkit", now.AddDate(0, 0, -100), []byte(`{"old":true}`))
	require.NoError(t, err)
	freshKey, err := raw.Put(ctx, "ios", "healthkit", now, []byte(`{"old":false}`))
	require.NoError(t, err)

	service := NewService(zap.NewNop(), Config{
		Interval:           24 * time.Hour,
		AuditRetentionDays: 0,
		RawRetention:       30 * 24 * time.Hour,
	}, db, raw, reg, scheduler.NewInMemoryQueue())

	require.NoError(t, service.RunCleanup(ctx))

	// the running activity survives, the finished one is gone
	_, err = db.GetActivity(ctx, finished)
	assert.True(t, teldb.ErrNotFound.Has(err))
	_, err = db.GetActivity(ctx, running)
	assert.NoError(t, err)

	keys, err := raw.List(ctx, "ios/")
	require.NoError(t, err)
	assert.Equal(t, []string{freshKey}, keys)
}

func TestEnqueueCleanupTask(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := teldb.Open(ctx, zap.NewNop(), "sqlite3://"+ctx.File("db", "cleanup.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	reg, err := registry.Builtin()
	require.NoError(t, err)

	queue := scheduler.NewInMemoryQueue()
	service := NewService(zap.NewNop(), Config{Interval: 24 * time.Hour}, db, rawstore.NewInMemory(), reg, queue)

	require.NoError(t, service.enqueue(ctx))

	task, err := queue.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindCleanup, task.Kind)
}
