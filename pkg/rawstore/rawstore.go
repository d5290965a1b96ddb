// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package rawstore persists raw source payloads in object storage before
// any processing touches them.
package rawstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// Error is the class of rawstore errors
var Error = errs.Class("rawstore error")

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errs.Class("key not found")

// Store is the raw payload storage interface.
type Store interface {
	// Put stores a payload and returns the generated key.
	Put(ctx context.Context, source, connectionID string, ts time.Time, payload []byte) (key string, err error)
	// Get fetches the payload at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// DeleteOlderThan removes payloads of a source older than age.
	DeleteOlderThan(ctx context.Context, source string, age time.Duration) (deleted int, err error)
	// Close releases the store.
	Close() error
}

// Key lays out payload keys by source and capture day so that both
// retention and per-day listings are prefix scans.
func Key(source, connectionID string, ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s/%s.json",
		source, ts.Year(), int(ts.Month()), ts.Day(), connectionID, uuid.New().String())
}

// DayPrefix returns the listing prefix for one capture day of a source.
func DayPrefix(source string, day time.Time) string {
	day = day.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/", source, day.Year(), int(day.Month()), day.Day())
}
