// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package detect

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"time"

	"storj.io/telemetry/pkg/teldb"
)

// ChangepointConfig configures the changepoint detector.
type ChangepointConfig struct {
	Cost              string  // l1 or l2 segment cost
	GapThreshold      time.Duration
	MinSegmentSize    int
	PenaltyMultiplier float64
	MinConfidence     float64
	MinTransitionGap  time.Duration
}

func changepointConfigFrom(settings map[string]interface{}) ChangepointConfig {
	return ChangepointConfig{
		Cost:              settingString(settings, "cost", "l2"),
		GapThreshold:      time.Duration(settingFloat(settings, "gap_threshold_seconds", 900)) * time.Second,
		MinSegmentSize:    int(settingFloat(settings, "min_segment_size", 5)),
		PenaltyMultiplier: settingFloat(settings, "penalty_multiplier", 3),
		MinConfidence:     settingFloat(settings, "min_confidence", 0.5),
		MinTransitionGap:  time.Duration(settingFloat(settings, "min_transition_gap_seconds", 300)) * time.Second,
	}
}

// Changepoint detects mean shifts in continuous signals using penalized
// exact linear time (PELT) segmentation.
type Changepoint struct {
	config ChangepointConfig
}

// NewChangepoint creates a changepoint detector.
func NewChangepoint(config ChangepointConfig) *Changepoint {
	if config.MinSegmentSize < 2 {
		config.MinSegmentSize = 2
	}
	if config.Cost != "l1" {
		config.Cost = "l2"
	}
	return &Changepoint{config: config}
}

// Detect finds changepoints and data gaps in the series.
func (detector *Changepoint) Detect(ctx context.Context, series Series, window Window) (_ []teldb.Transition, err error) {
	defer mon.Task()(&ctx)(&err)

	var transitions []teldb.Transition
	periods := splitPeriods(series.Samples, detector.config.GapThreshold)

	for i, period := range periods {
		end := period[len(period)-1].Time

		// a gap follows every period stop except a trailing period that
		// runs to the edge of the window
		lastPeriod := i == len(periods)-1
		if !lastPeriod || window.End.Sub(end) > detector.config.GapThreshold {
			transitions = append(transitions, teldb.Transition{
				SourceName:     series.Source,
				SignalName:     series.Signal,
				TransitionTime: end,
				Kind:           teldb.TransitionDataGap,
				Confidence:     1,
			})
		}

		if len(period) >= 2*detector.config.MinSegmentSize {
			transitions = append(transitions, detector.detectPeriod(series, period)...)
		}
	}

	transitions = detector.mergeClose(transitions)
	return validate(transitions, window, detector.config.MinConfidence), nil
}

func (detector *Changepoint) detectPeriod(series Series, period []Sample) []teldb.Transition {
	values := make([]float64, len(period))
	for i, sample := range period {
		values[i] = sample.Value
	}

	penalty := math.Log(float64(len(values))) * detector.config.PenaltyMultiplier
	changepoints := pelt(values, segmentCost(detector.config.Cost, values), penalty, detector.config.MinSegmentSize)

	var transitions []teldb.Transition
	bounds := append([]int{0}, changepoints...)
	bounds = append(bounds, len(values))

	for i := 1; i < len(bounds)-1; i++ {
		before := values[bounds[i-1]:bounds[i]]
		after := values[bounds[i]:bounds[i+1]]

		beforeMean, beforeStd := meanStd(before)
		afterMean, afterStd := meanStd(after)

		direction := teldb.DirectionIncrease
		if afterMean < beforeMean {
			direction = teldb.DirectionDecrease
		}

		metadata, _ := json.Marshal(map[string]interface{}{
			"before_std":   beforeStd,
			"after_std":    afterStd,
			"segment_size": []int{len(before), len(after)},
		})

		transitions = append(transitions, teldb.Transition{
			SourceName:     series.Source,
			SignalName:     series.Signal,
			TransitionTime: period[bounds[i]].Time,
			Kind:           teldb.TransitionChangepoint,
			Direction:      sql.NullString{String: direction, Valid: true},
			Magnitude:      sql.NullFloat64{Float64: math.Abs(afterMean - beforeMean), Valid: true},
			Confidence:     detector.confidence(before, after),
			BeforeMean:     sql.NullFloat64{Float64: beforeMean, Valid: true},
			AfterMean:      sql.NullFloat64{Float64: afterMean, Valid: true},
			Metadata:       string(metadata),
		})
	}
	return transitions
}

// confidence scores a changepoint by how noisy its neighbouring segments
// are: low coefficient of variation means a cleaner shift.
func (detector *Changepoint) confidence(before, after []float64) float64 {
	avgCV := (variation(before) + variation(after)) / 2

	var confidence float64
	switch {
	case avgCV < 0.1:
		confidence = 0.95
	case avgCV < 0.2:
		confidence = 0.85
	case avgCV < 0.3:
		confidence = 0.75
	default:
		confidence = 0.65
	}

	minLen := len(before)
	if len(after) < minLen {
		minLen = len(after)
	}
	if minLen < 10 {
		confidence -= 0.10
	} else if minLen < 20 {
		confidence -= 0.05
	}

	if confidence < detector.config.MinConfidence {
		confidence = detector.config.MinConfidence
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// mergeClose collapses changepoints closer together than the minimum
// transition gap, keeping the most confident representative.
func (detector *Changepoint) mergeClose(transitions []teldb.Transition) []teldb.Transition {
	sort.Slice(transitions, func(i, k int) bool {
		return transitions[i].TransitionTime.Before(transitions[k].TransitionTime)
	})

	var merged []teldb.Transition
	var group []teldb.Transition

	flush := func() {
		if len(group) == 0 {
			return
		}
		if len(group) == 1 {
			merged = append(merged, group[0])
			group = nil
			return
		}
		best := group[0]
		var times []string
		for _, transition := range group {
			times = append(times, transition.TransitionTime.UTC().Format(time.RFC3339))
			if transition.Confidence > best.Confidence {
				best = transition
			}
		}
		var metadata map[string]interface{}
		if err := json.Unmarshal([]byte(best.Metadata), &metadata); err != nil || metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["merged_count"] = len(group)
		metadata["merged_transitions"] = times
		encoded, _ := json.Marshal(metadata)
		best.Metadata = string(encoded)

		best.Confidence = best.Confidence * 1.1
		if best.Confidence > 1 {
			best.Confidence = 1
		}
		merged = append(merged, best)
		group = nil
	}

	for _, transition := range transitions {
		if transition.Kind != teldb.TransitionChangepoint {
			flush()
			merged = append(merged, transition)
			continue
		}
		if len(group) > 0 {
			gap := transition.TransitionTime.Sub(group[len(group)-1].TransitionTime)
			if gap >= detector.config.MinTransitionGap {
				flush()
			}
		}
		group = append(group, transition)
	}
	flush()
	return merged
}

// splitPeriods cuts a series into runs of samples with no interior gap
// larger than threshold.
func splitPeriods(samples []Sample, threshold time.Duration) [][]Sample {
	if len(samples) == 0 {
		return nil
	}
	var periods [][]Sample
	start := 0
	for i := 1; i < len(samples); i++ {
		if samples[i].Time.Sub(samples[i-1].Time) > threshold {
			periods = append(periods, samples[start:i])
			start = i
		}
	}
	return append(periods, samples[start:])
}

// pelt returns indices of optimal changepoints for the penalized
// segmentation objective, pruning candidates that can no longer win.
func pelt(values []float64, cost func(start, end int) float64, penalty float64, minSize int) []int {
	n := len(values)
	optimal := make([]float64, n+1)
	previous := make([]int, n+1)
	optimal[0] = -penalty

	candidates := []int{0}
	for t := minSize; t <= n; t++ {
		bestCost := math.Inf(1)
		bestStart := 0
		for _, s := range candidates {
			if t-s < minSize {
				continue
			}
			candidate := optimal[s] + cost(s, t) + penalty
			if candidate < bestCost {
				bestCost = candidate
				bestStart = s
			}
		}
		optimal[t] = bestCost
		previous[t] = bestStart

		pruned := candidates[:0]
		for _, s := range candidates {
			if t-s < minSize || optimal[s]+cost(s, t) <= optimal[t] {
				pruned = append(pruned, s)
			}
		}
		candidates = append(pruned, t)
	}

	var changepoints []int
	for t := n; t > 0; t = previous[t] {
		if previous[t] > 0 {
			changepoints = append(changepoints, previous[t])
		}
	}
	sort.Ints(changepoints)
	return changepoints
}

func segmentCost(kind string, values []float64) func(start, end int) float64 {
	if kind == "l1" {
		return func(start, end int) float64 {
			segment := append([]float64(nil), values[start:end]...)
			sort.Float64s(segment)
			median := segment[len(segment)/2]
			var total float64
			for _, v := range segment {
				total += math.Abs(v - median)
			}
			return total
		}
	}

	// l2 via prefix sums
	n := len(values)
	sum := make([]float64, n+1)
	sumSq := make([]float64, n+1)
	for i, v := range values {
		sum[i+1] = sum[i] + v
		sumSq[i+1] = sumSq[i] + v*v
	}
	return func(start, end int) float64 {
		count := float64(end - start)
		total := sum[end] - sum[start]
		return (sumSq[end] - sumSq[start]) - total*total/count
	}
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std
}

// variation is the coefficient of variation, falling back to the raw
// standard deviation around a zero mean.
func variation(values []float64) float64 {
	mean, std := meanStd(values)
	if math.Abs(mean) < 1e-9 {
		return std
	}
	return std / math.Abs(mean)
}
