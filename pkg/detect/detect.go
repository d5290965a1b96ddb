// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package detect implements transition detection over signal series:
// changepoint detection for continuous signals, run tracking for
// categorical signals and boundary extraction for event signals.
package detect

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/teldb"
)

var (
	mon = monkit.Package()

	// Error is the class of detection errors
	Error = errs.Class("detect error")
)

// Sample is one point of a signal series.
type Sample struct {
	Time       time.Time
	Value      float64
	Category   string
	End        time.Time // event end, for event samples
	Status     string    // event status, for event samples
	Confidence float64
}

// Series is a time-ordered slice of samples for one signal.
type Series struct {
	Source  string
	Signal  string
	Samples []Sample
}

// Window bounds a detection run.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts lies within the window.
func (window Window) Contains(ts time.Time) bool {
	return !ts.Before(window.Start) && !ts.After(window.End)
}

// Detector finds transitions in a series within a window.
type Detector interface {
	Detect(ctx context.Context, series Series, window Window) ([]teldb.Transition, error)
}

// New constructs a detector for a registry binding.
func New(binding registry.DetectorBinding) (Detector, error) {
	switch binding.Family {
	case registry.FamilyChangepoint:
		return NewChangepoint(changepointConfigFrom(binding.Settings)), nil
	case registry.FamilyCategorical:
		return NewCategorical(categoricalConfigFrom(binding.Settings)), nil
	case registry.FamilyEventBoundary:
		return NewEventBoundary(eventBoundaryConfigFrom(binding.Settings)), nil
	default:
		return nil, Error.New("unknown detector family %q", binding.Family)
	}
}

// SeriesFromRecords converts stored signal records into a series. Event
// records carry end time and status in their metadata.
func SeriesFromRecords(source, signal string, records []teldb.SignalRecord) Series {
	series := Series{Source: source, Signal: signal}
	for _, record := range records {
		sample := Sample{
			Time:       record.Timestamp,
			Confidence: record.Confidence,
		}
		if record.ValueReal.Valid {
			sample.Value = record.ValueReal.Float64
		}
		if record.ValueText.Valid {
			sample.Category = record.ValueText.String
		}
		if record.Metadata != "" && record.Metadata != "{}" {
			var meta struct {
				EndTime string `json:"end_time"`
				Status  string `json:"status"`
			}
			if err := json.Unmarshal([]byte(record.Metadata), &meta); err == nil {
				sample.Status = meta.Status
				if end, err := time.Parse(time.RFC3339, meta.EndTime); err == nil {
					sample.End = end
				}
			}
		}
		series.Samples = append(series.Samples, sample)
	}
	sort.Slice(series.Samples, func(i, k int) bool {
		return series.Samples[i].Time.Before(series.Samples[k].Time)
	})
	return series
}

// validate keeps transitions that lie inside the window with sufficient
// confidence and returns them sorted by time.
func validate(transitions []teldb.Transition, window Window, minConfidence float64) []teldb.Transition {
	valid := transitions[:0]
	for _, transition := range transitions {
		if !window.Contains(transition.TransitionTime) {
			continue
		}
		if transition.Confidence < minConfidence {
			continue
		}
		valid = append(valid, transition)
	}
	sort.Slice(valid, func(i, k int) bool {
		return valid[i].TransitionTime.Before(valid[k].TransitionTime)
	})
	return valid
}

func settingFloat(settings map[string]interface{}, key string, fallback float64) float64 {
	raw, ok := settings[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func settingString(settings map[string]interface{}, key, fallback string) string {
	if v, ok := settings[key].(string); ok {
		return v
	}
	return fallback
}
