// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information

package sync2_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"storj.io/telemetry/internal/sync2"
)

func TestCycle_Basic(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count := 0
	cycle := sync2.NewCycle(50 * time.Millisecond)

	var group errgroup.Group
	group.Go(func() error {
		return cycle.Run(ctx, func(ctx context.Context) error {
			count++
			return nil
		})
	})

	// run is called once on start, then per trigger
	cycle.TriggerWait()
	cycle.TriggerWait()
	cycle.Stop()

	require.NoError(t, group.Wait())
	require.True(t, count >= 3)
}

func TestCycle_StopCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cycle := sync2.NewCycle(time.Hour)

	var group errgroup.Group
	group.Go(func() error {
		return cycle.Run(ctx, func(ctx context.Context) error { return nil })
	})

	cancel()
	err := group.Wait()
	require.Equal(t, context.Canceled, err)
}
