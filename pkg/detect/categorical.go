// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package detect

import (
	"context"
	"encoding/json"
	"time"

	"storj.io/telemetry/pkg/teldb"
)

// CategoricalConfig configures the categorical detector.
type CategoricalConfig struct {
	GapThreshold     time.Duration
	MinValueDuration time.Duration
	BaseConfidence   float64
	MinConfidence    float64
}

func categoricalConfigFrom(settings map[string]interface{}) CategoricalConfig {
	return CategoricalConfig{
		GapThreshold:     time.Duration(settingFloat(settings, "gap_threshold_minutes", 30)) * time.Minute,
		MinValueDuration: time.Duration(settingFloat(settings, "min_value_duration_minutes", 5)) * time.Minute,
		BaseConfidence:   settingFloat(settings, "base_confidence", 0.9),
		MinConfidence:    settingFloat(settings, "min_confidence", 0.5),
	}
}

// Categorical detects value changes in categorical signals, ignoring
// flaps shorter than the minimum value duration.
type Categorical struct {
	config CategoricalConfig
}

// NewCategorical creates a categorical detector.
func NewCategorical(config CategoricalConfig) *Categorical {
	return &Categorical{config: config}
}

// Detect finds value changes and data gaps in the series.
func (detector *Categorical) Detect(ctx context.Context, series Series, window Window) (_ []teldb.Transition, err error) {
	defer mon.Task()(&ctx)(&err)

	var transitions []teldb.Transition

	var current string
	var currentSince time.Time
	var previous *Sample
	tracking := false

	for i := range series.Samples {
		sample := series.Samples[i]

		if previous != nil && sample.Time.Sub(previous.Time) > detector.config.GapThreshold {
			transitions = append(transitions, teldb.Transition{
				SourceName:     series.Source,
				SignalName:     series.Signal,
				TransitionTime: previous.Time,
				Kind:           teldb.TransitionDataGap,
				Confidence:     1,
			})
			tracking = false
		}

		if !tracking {
			current = sample.Category
			currentSince = sample.Time
			tracking = true
			previous = &series.Samples[i]
			continue
		}

		if sample.Category != current {
			duration := sample.Time.Sub(currentSince)
			if duration >= detector.config.MinValueDuration {
				metadata, _ := json.Marshal(map[string]interface{}{
					"from_value":       current,
					"to_value":         sample.Category,
					"duration_seconds": duration.Seconds(),
				})
				transitions = append(transitions, teldb.Transition{
					SourceName:     series.Source,
					SignalName:     series.Signal,
					TransitionTime: sample.Time,
					Kind:           teldb.TransitionValueChange,
					Confidence:     detector.confidence(duration),
					Metadata:       string(metadata),
				})
			}
			current = sample.Category
			currentSince = sample.Time
		}

		previous = &series.Samples[i]
	}

	return validate(transitions, window, detector.config.MinConfidence), nil
}

// confidence rewards values that persisted longer before changing.
func (detector *Categorical) confidence(duration time.Duration) float64 {
	confidence := detector.config.BaseConfidence
	switch {
	case duration >= 30*time.Minute:
		confidence += 0.05
	case duration >= 15*time.Minute:
		confidence += 0.03
	}
	if confidence > 0.99 {
		confidence = 0.99
	}
	return confidence
}
