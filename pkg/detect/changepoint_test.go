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

func continuousSeries(start time.Time, step time.Duration, values []float64) Series {
	series := Series{Source: "ios", Signal: "heart_rate"}
	for i, v := range values {
		series.Samples = append(series.Samples, Sample{
			Time:  start.Add(time.Duration(i) * step),
			Value: v,
		})
	}
	return series
}

func TestChangepointMeanShift(t *testing.T) {
	start := time.Date(2019, 7, 4, 10, 0, 0, 0, time.UTC)
	values := make([]float64, 60)
	for i := range values {
		if i < 30 {
			values[i] = 60 + float64(i%3)
		} else {
			values[i] = 120 + float64(i%3)
		}
	}
	series := continuousSeries(start, time.Minute, values)
	window := Window{Start: start.Add(-time.Minute), End: start.Add(time.Hour)}

	detector := NewChangepoint(changepointConfigFrom(nil))
	transitions, err := detector.Detect(context.Background(), series, window)
	require.NoError(t, err)

	var changepoints []teldb.Transition
	for _, transition := range transitions {
		if transition.Kind == teldb.TransitionChangepoint {
			changepoints = append(changepoints, transition)
		}
	}
	require.Len(t, changepoints, 1)

	cp := changepoints[0]
	assert.Equal(t, teldb.DirectionIncrease, cp.Direction.String)
	assert.True(t, cp.TransitionTime.Equal(start.Add(30*time.Minute)),
		"changepoint at %v", cp.TransitionTime)
	assert.InDelta(t, 60, cp.Magnitude.Float64, 2)
	assert.True(t, cp.Confidence >= 0.85, "confidence %v", cp.Confidence)
}

func TestChangepointFlatSeries(t *testing.T) {
	start := time.Date(2019, 7, 4, 10, 0, 0, 0, time.UTC)
	values := make([]float64, 40)
	for i := range values {
		values[i] = 70
	}
	series := continuousSeries(start, time.Minute, values)
	window := Window{Start: start, End: start.Add(time.Hour)}

	detector := NewChangepoint(changepointConfigFrom(nil))
	transitions, err := detector.Detect(context.Background(), series, window)
	require.NoError(t, err)

	for _, transition := range transitions {
		assert.NotEqual(t, teldb.TransitionChangepoint, transition.Kind)
	}
}

func TestChangepointTooFewPoints(t *testing.T) {
	start := time.Date(2019, 7, 4, 10, 0, 0, 0, time.UTC)
	series := continuousSeries(start, time.Minute, []float64{60, 61, 120})
	window := Window{Start: start, End: start.Add(time.Hour)}

	detector := NewChangepoint(changepointConfigFrom(nil))
	transitions, err := detector.Detect(context.Background(), series, window)
	require.NoError(t, err)

	for _, transition := range transitions {
		assert.NotEqual(t, teldb.TransitionChangepoint, transition.Kind)
	}
}

func TestChangepointDataGap(t *testing.T) {
	start := time.Date(2019, 7, 4, 10, 0, 0, 0, time.UTC)
	series := Series{Source: "ios", Signal: "speed"}
	// two runs separated by a 30 minute silence
	for i := 0; i < 10; i++ {
		series.Samples = append(series.Samples, Sample{Time: start.Add(time.Duration(i) * time.Minute), Value: 1})
	}
	resume := start.Add(40 * time.Minute)
	for i := 0; i < 10; i++ {
		series.Samples = append(series.Samples, Sample{Time: resume.Add(time.Duration(i) * time.Minute), Value: 1})
	}
	// window ends right at the last sample, so the trailing run emits no gap
	window := Window{Start: start, End: resume.Add(9 * time.Minute)}

	detector := NewChangepoint(changepointConfigFrom(nil))
	transitions, err := detector.Detect(context.Background(), series, window)
	require.NoError(t, err)

	var gaps []teldb.Transition
	for _, transition := range transitions {
		if transition.Kind == teldb.TransitionDataGap {
			gaps = append(gaps, transition)
		}
	}
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].TransitionTime.Equal(start.Add(9*time.Minute)))
	assert.Equal(t, 1.0, gaps[0].Confidence)
}

func TestChangepointTrailingGap(t *testing.T) {
	start := time.Date(2019, 7, 4, 10, 0, 0, 0, time.UTC)
	series := continuousSeries(start, time.Minute, []float64{1, 1, 1, 1, 1})
	// window extends an hour past the last sample
	window := Window{Start: start, End: start.Add(time.Hour + 4*time.Minute)}

	detector := NewChangepoint(changepointConfigFrom(nil))
	transitions, err := detector.Detect(context.Background(), series, window)
	require.NoError(t, err)

	require.Len(t, transitions, 1)
	assert.Equal(t, teldb.TransitionDataGap, transitions[0].Kind)
	assert.True(t, transitions[0].TransitionTime.Equal(start.Add(4*time.Minute)))
}

func TestChangepointMergeClose(t *testing.T) {
	start := time.Date(2019, 7, 4, 10, 0, 0, 0, time.UTC)
	// three levels with shifts 2 minutes apart force nearby changepoints
	var values []float64
	for i := 0; i < 20; i++ {
		values = append(values, 10)
	}
	for i := 0; i < 2; i++ {
		values = append(values, 50)
	}
	for i := 0; i < 20; i++ {
		values = append(values, 100)
	}
	series := continuousSeries(start, time.Minute, values)
	window := Window{Start: start, End: start.Add(2 * time.Hour)}

	config := changepointConfigFrom(map[string]interface{}{
		"min_segment_size": 2,
	})
	detector := NewChangepoint(config)
	transitions, err := detector.Detect(context.Background(), series, window)
	require.NoError(t, err)

	var changepoints []teldb.Transition
	for _, transition := range transitions {
		if transition.Kind == teldb.TransitionChangepoint {
			changepoints = append(changepoints, transition)
		}
	}
	require.Len(t, changepoints, 1)
	assert.Contains(t, changepoints[0].Metadata, "merged_count")
}

func TestPelt(t *testing.T) {
	values := []float64{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		10, 10, 10, 10, 10, 10, 10, 10, 10, 10,
	}
	changepoints := pelt(values, segmentCost("l2", values), 3, 2)
	require.Equal(t, []int{10}, changepoints)

	// one segment when the penalty outweighs any split
	flat := []float64{5, 5, 5, 5, 5, 5, 5, 5}
	changepoints = pelt(flat, segmentCost("l2", flat), 3, 2)
	assert.Empty(t, changepoints)
}

func TestPeltL1(t *testing.T) {
	values := []float64{
		1, 1, 1, 1, 1, 100, 1, 1, 1, 1, // an outlier l1 should absorb
		9, 9, 9, 9, 9, 9, 9, 9, 9, 9,
	}
	changepoints := pelt(values, segmentCost("l1", values), 5, 3)
	require.Equal(t, []int{10}, changepoints)
}
