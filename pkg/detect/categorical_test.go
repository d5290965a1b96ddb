// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/telemetry/pkg/teldb"
)

func categoricalSeries(start time.Time, step time.Duration, categories []string) Series {
	series := Series{Source: "ios", Signal: "sleep"}
	for i, category := range categories {
		series.Samples = append(series.Samples, Sample{
			Time:     start.Add(time.Duration(i) * step),
			Category: category,
		})
	}
	return series
}

func TestCategoricalValueChange(t *testing.T) {
	start := time.Date(2019, 7, 4, 0, 0, 0, 0, time.UTC)
	categories := []string{
		"awake", "awake", "awake", "awake", "awake", "awake", "awake", "awake",
		"asleep", "asleep", "asleep", "asleep", "asleep", "asleep", "asleep",
	}
	series := categoricalSeries(start, 5*time.Minute, categories)
	window := Window{Start: start, End: start.Add(3 * time.Hour)}

	detector := NewCategorical(categoricalConfigFrom(nil))
	transitions, err := detector.Detect(context.Background(), series, window)
	require.NoError(t, err)

	require.Len(t, transitions, 1)
	change := transitions[0]
	assert.Equal(t, teldb.TransitionValueChange, change.Kind)
	assert.True(t, change.TransitionTime.Equal(start.Add(40*time.Minute)))
	// 35 minutes of awake before the change earns the duration boost
	assert.InDelta(t, 0.95, change.Confidence, 1e-9)
	assert.Contains(t, change.Metadata, `"from_value":"awake"`)
}

func TestCategoricalShortFlap(t *testing.T) {
	start := time.Date(2019, 7, 4, 0, 0, 0, 0, time.UTC)
	// "restless" lasts only 2 minutes before flipping back
	series := Series{Source: "ios", Signal: "sleep"}
	times := []struct {
		offset   time.Duration
		category string
	}{
		{0, "asleep"},
		{10 * time.Minute, "asleep"},
		{20 * time.Minute, "restless"},
		{22 * time.Minute, "asleep"},
		{32 * time.Minute, "asleep"},
	}
	for _, tt := range times {
		series.Samples = append(series.Samples, Sample{Time: start.Add(tt.offset), Category: tt.category})
	}
	window := Window{Start: start, End: start.Add(time.Hour)}

	detector := NewCategorical(categoricalConfigFrom(nil))
	transitions, err := detector.Detect(context.Background(), series, window)
	require.NoError(t, err)

	// asleep->restless persisted 20 minutes, but restless->asleep only 2
	require.Len(t, transitions, 1)
	assert.Equal(t, teldb.TransitionValueChange, transitions[0].Kind)
	assert.True(t, transitions[0].TransitionTime.Equal(start.Add(20*time.Minute)))
}

func TestCategoricalDataGap(t *testing.T) {
	start := time.Date(2019, 7, 4, 0, 0, 0, 0, time.UTC)
	series := Series{Source: "ios", Signal: "sleep"}
	series.Samples = append(series.Samples,
		Sample{Time: start, Category: "asleep"},
		Sample{Time: start.Add(10 * time.Minute), Category: "asleep"},
		// 45 minute silence, then a different value
		Sample{Time: start.Add(55 * time.Minute), Category: "awake"},
		Sample{Time: start.Add(65 * time.Minute), Category: "awake"},
	)
	window := Window{Start: start, End: start.Add(2 * time.Hour)}

	detector := NewCategorical(categoricalConfigFrom(nil))
	transitions, err := detector.Detect(context.Background(), series, window)
	require.NoError(t, err)

	// the gap resets tracking, so no value_change fires across it
	require.Len(t, transitions, 1)
	gap := transitions[0]
	assert.Equal(t, teldb.TransitionDataGap, gap.Kind)
	assert.True(t, gap.TransitionTime.Equal(start.Add(10*time.Minute)))
	assert.Equal(t, 1.0, gap.Confidence)
}

func TestCategoricalEmpty(t *testing.T) {
	detector := NewCategorical(categoricalConfigFrom(nil))
	transitions, err := detector.Detect(context.Background(),
		Series{Source: "ios", Signal: "sleep"},
		Window{Start: time.Now().Add(-time.Hour), End: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, transitions)
}
