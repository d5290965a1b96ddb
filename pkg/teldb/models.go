// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"database/sql"
	"time"
)

// Source statuses
const (
	SourceDisconnected = "disconnected"
	SourceConnected    = "connected"
	SourceNeedsReauth  = "needs_reauth"
)

// Transition kinds
const (
	TransitionChangepoint   = "changepoint"
	TransitionDataGap       = "data_gap"
	TransitionValueChange   = "value_change"
	TransitionEventBoundary = "event_boundary"
)

// Transition directions
const (
	DirectionIncrease = "increase"
	DirectionDecrease = "decrease"
)

// Activity statuses
const (
	ActivityRunning   = "running"
	ActivityCompleted = "completed"
	ActivityFailed    = "failed"
)

// Source is the runtime connection state of a registry source.
type Source struct {
	Name           string         `db:"name"`
	Status         string         `db:"status"`
	AuthType       string         `db:"auth_type"`
	AccessToken    sql.NullString `db:"access_token"`
	RefreshToken   sql.NullString `db:"refresh_token"`
	TokenExpiresAt *time.Time     `db:"token_expires_at"`
	Scopes         sql.NullString `db:"scopes"`
	DeviceToken    sql.NullString `db:"device_token"`
	ConnectedAt    *time.Time     `db:"connected_at"`
}

// Stream is the runtime state of a registry stream.
type Stream struct {
	Name                 string         `db:"name"`
	SourceName           string         `db:"source_name"`
	CronSchedule         sql.NullString `db:"cron_schedule"`
	Active               bool           `db:"active"`
	SyncToken            sql.NullString `db:"sync_token"`
	LastIngestionAt      *time.Time     `db:"last_ingestion_at"`
	LastSuccessfulSyncAt *time.Time     `db:"last_successful_sync_at"`
	Settings             string         `db:"settings"`
}

// SignalRecord is one normalized measurement.
type SignalRecord struct {
	ID             string          `db:"id"`
	SourceName     string          `db:"source_name"`
	SignalName     string          `db:"signal_name"`
	Timestamp      time.Time       `db:"timestamp"`
	ValueReal      sql.NullFloat64 `db:"value_real"`
	ValueText      sql.NullString  `db:"value_text"`
	Latitude       sql.NullFloat64 `db:"latitude"`
	Longitude      sql.NullFloat64 `db:"longitude"`
	Confidence     float64         `db:"confidence"`
	IdempotencyKey string          `db:"idempotency_key"`
	Metadata       string          `db:"metadata"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Transition is a detected state change in a signal.
type Transition struct {
	ID             string          `db:"id"`
	SourceName     string          `db:"source_name"`
	SignalName     string          `db:"signal_name"`
	TransitionTime time.Time       `db:"transition_time"`
	Kind           string          `db:"kind"`
	Direction      sql.NullString  `db:"direction"`
	Magnitude      sql.NullFloat64 `db:"magnitude"`
	Confidence     float64         `db:"confidence"`
	BeforeMean     sql.NullFloat64 `db:"before_mean"`
	AfterMean      sql.NullFloat64 `db:"after_mean"`
	Metadata       string          `db:"metadata"`
}

// Event is one contiguous episode of a segmented day.
type Event struct {
	ID              string    `db:"id"`
	Date            string    `db:"date"`
	StartTime       time.Time `db:"start_time"`
	EndTime         time.Time `db:"end_time"`
	ClusterID       int       `db:"cluster_id"`
	SignalHistogram string    `db:"signal_histogram"`
	DistinctSources int       `db:"distinct_sources"`
	AvgConfidence   float64   `db:"avg_confidence"`
	Intensity       float64   `db:"intensity"`
	DominantSource  string    `db:"dominant_source"`
}

// SemanticRecord is one version of a textual attribute of a stream
// record. When the content changes a new version is inserted and the
// previous one keeps its row with is_latest unset.
type SemanticRecord struct {
	ID           string    `db:"id"`
	SourceName   string    `db:"source_name"`
	StreamName   string    `db:"stream_name"`
	SemanticName string    `db:"semantic_name"`
	RecordKey    string    `db:"record_key"`
	Value        string    `db:"value"`
	ContentHash  string    `db:"content_hash"`
	Version      int       `db:"version"`
	IsLatest     bool      `db:"is_latest"`
	ObservedAt   time.Time `db:"observed_at"`
}

// Activity is one audited pipeline run.
type Activity struct {
	ID               string         `db:"id"`
	Kind             string         `db:"kind"`
	SourceName       sql.NullString `db:"source_name"`
	StreamName       sql.NullString `db:"stream_name"`
	Status           string         `db:"status"`
	StartedAt        time.Time      `db:"started_at"`
	FinishedAt       *time.Time     `db:"finished_at"`
	RecordsProcessed int64          `db:"records_processed"`
	Error            sql.NullString `db:"error"`
	Metadata         string         `db:"metadata"`
}
