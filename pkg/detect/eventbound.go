// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package detect

import (
	"context"
	"database/sql"
	"encoding/json"

	"storj.io/telemetry/pkg/teldb"
)

// EventBoundaryConfig configures the event-boundary detector.
type EventBoundaryConfig struct {
	BaseConfidence        float64
	TentativeConfidence   float64
	NeedsActionConfidence float64
	MinConfidence         float64
}

func eventBoundaryConfigFrom(settings map[string]interface{}) EventBoundaryConfig {
	return EventBoundaryConfig{
		BaseConfidence:        settingFloat(settings, "base_confidence", 0.98),
		TentativeConfidence:   settingFloat(settings, "tentative_confidence", 0.7),
		NeedsActionConfidence: settingFloat(settings, "needs_action_confidence", 0.6),
		MinConfidence:         settingFloat(settings, "min_confidence", 0.5),
	}
}

// EventBoundary turns scheduled events into a pair of boundary
// transitions: an increase at the start and a decrease at the end.
type EventBoundary struct {
	config EventBoundaryConfig
}

// NewEventBoundary creates an event-boundary detector.
func NewEventBoundary(config EventBoundaryConfig) *EventBoundary {
	return &EventBoundary{config: config}
}

// Detect emits boundary transitions for every event in the series.
func (detector *EventBoundary) Detect(ctx context.Context, series Series, window Window) (_ []teldb.Transition, err error) {
	defer mon.Task()(&ctx)(&err)

	var transitions []teldb.Transition

	for _, sample := range series.Samples {
		confidence := detector.config.BaseConfidence
		switch sample.Status {
		case "tentative":
			confidence = detector.config.TentativeConfidence
		case "needs_action", "needsAction":
			confidence = detector.config.NeedsActionConfidence
		}

		metadata, _ := json.Marshal(map[string]interface{}{
			"status": sample.Status,
		})

		transitions = append(transitions, teldb.Transition{
			SourceName:     series.Source,
			SignalName:     series.Signal,
			TransitionTime: sample.Time,
			Kind:           teldb.TransitionEventBoundary,
			Direction:      sql.NullString{String: teldb.DirectionIncrease, Valid: true},
			Magnitude:      sql.NullFloat64{Float64: 1, Valid: true},
			Confidence:     confidence,
			BeforeMean:     sql.NullFloat64{Float64: 0, Valid: true},
			AfterMean:      sql.NullFloat64{Float64: 1, Valid: true},
			Metadata:       string(metadata),
		})

		if !sample.End.IsZero() {
			transitions = append(transitions, teldb.Transition{
				SourceName:     series.Source,
				SignalName:     series.Signal,
				TransitionTime: sample.End,
				Kind:           teldb.TransitionEventBoundary,
				Direction:      sql.NullString{String: teldb.DirectionDecrease, Valid: true},
				Magnitude:      sql.NullFloat64{Float64: 1, Valid: true},
				Confidence:     confidence,
				BeforeMean:     sql.NullFloat64{Float64: 1, Valid: true},
				AfterMean:      sql.NullFloat64{Float64: 0, Valid: true},
				Metadata:       string(metadata),
			})
		}
	}

	// boundaries outside the window belong to another detection run
	return validate(transitions, window, detector.config.MinConfidence), nil
}
