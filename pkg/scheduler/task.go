// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package scheduler implements the asynchronous work queue driving the
// pipeline: a redis-backed FIFO with delayed retries, a dead-letter
// list and a worker pool.
package scheduler

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the class of scheduler errors
	Error = errs.Class("scheduler error")

	// ErrEmptyQueue is returned by Pop when no task is ready.
	ErrEmptyQueue = errs.Class("queue is empty")
)

// Kind identifies what a task does.
type Kind string

// Task kinds
const (
	KindSyncStream    Kind = "sync_stream"
	KindProcessBatch  Kind = "process_batch"
	KindDetectSignal  Kind = "detect_signal"
	KindDetectDay     Kind = "detect_day"
	KindSegmentDay    Kind = "segment_day"
	KindRefreshTokens Kind = "refresh_tokens"
	KindCleanup       Kind = "cleanup"
)

// DefaultMaxAttempts is the first try plus three retries.
const DefaultMaxAttempts = 4

// Timeouts bounds handler execution per task kind; a task whose kind is
// missing here runs unbounded.
var Timeouts = map[Kind]time.Duration{
	KindSyncStream:   15 * time.Minute,
	KindProcessBatch: 10 * time.Minute,
	KindDetectSignal: 5 * time.Minute,
	KindDetectDay:    5 * time.Minute,
	KindSegmentDay:   10 * time.Minute,
}

// Task is the queue envelope.
type Task struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
}

// NewTask creates a task envelope with a marshalled payload.
func NewTask(kind Kind, payload interface{}) (*Task, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Task{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     encoded,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// UnmarshalPayload decodes the task payload into target.
func (task *Task) UnmarshalPayload(target interface{}) error {
	return Error.Wrap(json.Unmarshal(task.Payload, target))
}

// SyncStreamPayload asks for one stream to be synced.
type SyncStreamPayload struct {
	Stream string `json:"stream"`
	Manual bool   `json:"manual"`
}

// ProcessBatchPayload asks for raw payload objects to be processed.
type ProcessBatchPayload struct {
	Stream     string   `json:"stream"`
	ObjectKeys []string `json:"object_keys"`
}

// DetectSignalPayload asks for transition detection over a window.
type DetectSignalPayload struct {
	Source string    `json:"source"`
	Signal string    `json:"signal"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

// DetectDayPayload asks for detection to be rerun across one civil
// date for every detector-bound signal.
type DetectDayPayload struct {
	Date string `json:"date"`
}

// SegmentDayPayload asks for one civil date to be segmented.
type SegmentDayPayload struct {
	Date string `json:"date"`
}

type retryableError struct{ error }

func (retryableError) Retryable() bool   { return true }
func (err retryableError) Unwrap() error { return err.error }
func (err retryableError) Error() string { return err.error.Error() }

// MarkRetryable wraps an error so that the worker pool re-enqueues the
// task with backoff instead of dead-lettering it.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err}
}

// IsRetryable reports whether the error allows another attempt.
func IsRetryable(err error) bool {
	var marker interface{ Retryable() bool }
	return errors.As(err, &marker) && marker.Retryable()
}
