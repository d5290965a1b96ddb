// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package processor

import (
	"context"
	"encoding/json"
	"time"

	"storj.io/telemetry/pkg/normalize"
	"storj.io/telemetry/pkg/teldb"
)

// Strava maps athlete activities onto the workout event signal, the
// workout_distance signal and activity semantics.
type Strava struct{}

// NewStrava creates a strava processor.
func NewStrava() *Strava { return &Strava{} }

type stravaActivity struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	StartDate        string   `json:"start_date"`
	ElapsedTime      int64    `json:"elapsed_time"`
	Distance         float64  `json:"distance"`
	AverageHeartrate *float64 `json:"average_heartrate"`
}

// Process implements Processor. Activities without an id or a usable
// start time are skipped.
func (strava *Strava) Process(ctx context.Context, raw []byte) (_ []teldb.SignalRecord, _ []teldb.SemanticRecord, skipped int, err error) {
	defer mon.Task()(&ctx)(&err)

	var activity stravaActivity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return nil, nil, 0, Error.New("strava payload: %v", err)
	}
	if activity.ID == 0 {
		return nil, nil, 1, nil
	}
	start, err := normalize.Timestamp(activity.StartDate)
	if err != nil {
		return nil, nil, 1, nil
	}
	end := start.Add(time.Duration(activity.ElapsedTime) * time.Second)

	metadata := map[string]interface{}{
		"end_time": end.Format(time.RFC3339),
		"type":     activity.Type,
	}
	if activity.AverageHeartrate != nil {
		metadata["average_heartrate"] = *activity.AverageHeartrate
	}

	records := []teldb.SignalRecord{{
		SourceName: "strava",
		SignalName: "workout",
		Timestamp:  start,
		ValueReal:  nullFloat(1),
		Confidence: 1,
		IdempotencyKey: normalize.IdempotencyKey(start, map[string]interface{}{
			"id": activity.ID,
		}),
		Metadata: encodeMetadata(metadata),
	}}
	if activity.Distance > 0 {
		records = append(records, teldb.SignalRecord{
			SourceName: "strava",
			SignalName: "workout_distance",
			Timestamp:  start,
			ValueReal:  nullFloat(activity.Distance),
			Confidence: 1,
			IdempotencyKey: normalize.IdempotencyKey(start, map[string]interface{}{
				"id": activity.ID,
			}),
		})
	}

	var semantics []teldb.SemanticRecord
	if activity.Name != "" {
		semantics = append(semantics, teldb.SemanticRecord{
			SourceName:   "strava",
			StreamName:   "strava_activities",
			SemanticName: "activity_name",
			RecordKey:    formatID(activity.ID),
			Value:        activity.Name,
			ObservedAt:   start,
		})
	}
	if activity.Type != "" {
		semantics = append(semantics, teldb.SemanticRecord{
			SourceName:   "strava",
			StreamName:   "strava_activities",
			SemanticName: "activity_type",
			RecordKey:    formatID(activity.ID),
			Value:        activity.Type,
			ObservedAt:   start,
		})
	}
	return records, semantics, 0, nil
}
