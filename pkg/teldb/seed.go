// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"

	"storj.io/telemetry/pkg/registry"
)

// SeedRegistry upserts the declared sources and streams into their
// runtime tables. Runtime columns like tokens, cursors and activity
// timestamps survive re-seeding.
func (db *DB) SeedRegistry(ctx context.Context, reg *registry.Registry) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, source := range reg.AllSources() {
		if err := db.SeedSource(ctx, source.Name, string(source.Auth.Type)); err != nil {
			return err
		}
	}
	for _, stream := range reg.AllStreams() {
		if err := db.SeedStream(ctx, stream.Name, stream.Source, stream.Sync.Cron); err != nil {
			return err
		}
	}
	return nil
}
