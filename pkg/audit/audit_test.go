// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package audit_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storj.io/telemetry/internal/testcontext"
	"storj.io/telemetry/pkg/audit"
	"storj.io/telemetry/pkg/teldb"
)

func TestRecorder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := teldb.Open(ctx, zap.NewNop(), "sqlite3://"+ctx.File("db", "audit.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	recorder := audit.NewRecorder(zap.NewNop(), db)

	activity, err := recorder.Begin(ctx, "sync_stream", "google", "google_calendar")
	require.NoError(t, err)
	require.NoError(t, activity.Complete(ctx, 10, map[string]interface{}{"warnings": []string{"calendar x missing"}}))

	row, err := db.GetActivity(ctx, activity.ID())
	require.NoError(t, err)
	assert.Equal(t, teldb.ActivityCompleted, row.Status)
	assert.Equal(t, int64(10), row.RecordsProcessed)
	assert.Contains(t, row.Metadata, "calendar x missing")

	failed, err := recorder.Begin(ctx, "process_batch", "ios", "ios_healthkit")
	require.NoError(t, err)
	require.NoError(t, failed.Fail(ctx, errors.New("malformed payload")))

	row, err = db.GetActivity(ctx, failed.ID())
	require.NoError(t, err)
	assert.Equal(t, teldb.ActivityFailed, row.Status)
	assert.Equal(t, "malformed payload", row.Error.String)
}
