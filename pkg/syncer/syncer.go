// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package syncer runs pull syncs against cloud sources: scheduling,
// OAuth token upkeep, sync-cursor handling and retry classification.
package syncer

import (
	"context"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the class of syncer errors
	Error = errs.Class("syncer error")

	// ErrAuth marks authentication failures; they are never retried and
	// flip the source to needs_reauth.
	ErrAuth = errs.Class("authentication failed")

	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errs.Class("transient sync failure")

	// ErrSyncTokenExpired marks a rejected incremental cursor; the sync
	// falls back to a date range once.
	ErrSyncTokenExpired = errs.Class("sync token expired")
)

// Window is the time range a sync should cover.
type Window struct {
	From time.Time
	To   time.Time
}

// Sink receives raw payloads fetched by a syncer.
type Sink interface {
	Store(ctx context.Context, ts time.Time, payload []byte) (key string, err error)
}

// Job carries everything a syncer needs for one run.
type Job struct {
	Stream    string
	Source    string
	Manual    bool
	Window    Window
	SyncToken string
	Client    *http.Client
	Sink      Sink
}

// Result reports what a sync run produced.
type Result struct {
	RecordsProcessed int
	NewSyncToken     string
	Warnings         []string
}

// Syncer pulls records from a cloud API.
type Syncer interface {
	Sync(ctx context.Context, job Job) (Result, error)
}

// ClassifyStatus converts an HTTP response status into the syncer error
// taxonomy; a zero return means the status is not an error.
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth.New("status %d", status)
	case status == http.StatusGone:
		return ErrSyncTokenExpired.New("status %d", status)
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrTransient.New("status %d", status)
	case status >= 400:
		return Error.New("status %d", status)
	}
	return nil
}
