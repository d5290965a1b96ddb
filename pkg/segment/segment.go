// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package segment turns a day's transitions into a contiguous sequence
// of episode events by clustering transition boundaries.
package segment

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/audit"
	"storj.io/telemetry/pkg/teldb"
)

var (
	mon = monkit.Package()

	// Error is the class of segmenter errors
	Error = errs.Class("segment error")
)

// Edge fill policies
const (
	EdgeFillMidnight = "midnight"
	EdgeFillTrim     = "trim"
)

// Config contains configurable values for the day segmenter.
type Config struct {
	Eps            float64       `help:"dbscan neighborhood radius in feature space" default:"0.3"`
	MinPoints      int           `help:"dbscan core point threshold" default:"2"`
	EdgeFill       string        `help:"day edge policy for partial data: midnight or trim" default:"midnight"`
	ChoreInterval  time.Duration `help:"how often the daily segmentation chore checks for a new day" default:"10m"`
	DetectionGrace time.Duration `help:"delay between the daily detection pass and segmenting the day" default:"15m"`
}

// neighborWindow is the radius for density and diversity features.
const neighborWindow = 2 * time.Minute

// Segmenter builds day segmentations from stored transitions.
type Segmenter struct {
	log    *zap.Logger
	config Config
	db     *teldb.DB
	audit  *audit.Recorder
}

// NewSegmenter creates a segmenter.
func NewSegmenter(log *zap.Logger, config Config, db *teldb.DB, recorder *audit.Recorder) *Segmenter {
	return &Segmenter{log: log, config: config, db: db, audit: recorder}
}

// SegmentDay replaces the events of one civil date with a fresh
// segmentation of its transitions. The local day is resolved through
// the stored timezone setting.
func (segmenter *Segmenter) SegmentDay(ctx context.Context, date string) (err error) {
	defer mon.Task()(&ctx)(&err)

	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return Error.New("invalid date %q: %v", date, err)
	}
	location, err := segmenter.location(ctx)
	if err != nil {
		return err
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, location)
	end := start.AddDate(0, 0, 1)

	activity, err := segmenter.audit.Begin(ctx, "segment_day", "", "")
	if err != nil {
		return Error.Wrap(err)
	}

	events, err := segmenter.segment(ctx, date, start, end)
	if err != nil {
		_ = activity.Fail(ctx, err)
		return err
	}
	if err := segmenter.db.ReplaceEventsForDate(ctx, date, events); err != nil {
		_ = activity.Fail(ctx, err)
		return Error.Wrap(err)
	}

	mon.IntVal("day_segments").Observe(int64(len(events)))
	segmenter.log.Info("day segmented",
		zap.String("date", date),
		zap.Int("segments", len(events)))
	return Error.Wrap(activity.Complete(ctx, int64(len(events)), map[string]interface{}{
		"date":     date,
		"segments": len(events),
	}))
}

func (segmenter *Segmenter) location(ctx context.Context) (*time.Location, error) {
	name, err := segmenter.db.GetSetting(ctx, "timezone", "UTC")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return nil, Error.New("invalid timezone setting %q: %v", name, err)
	}
	return location, nil
}

func (segmenter *Segmenter) segment(ctx context.Context, date string, start, end time.Time) (_ []teldb.Event, err error) {
	defer mon.Task()(&ctx)(&err)

	transitions, err := segmenter.db.TransitionsInRange(ctx, start.UTC(), end.UTC())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(transitions) == 0 {
		return nil, nil
	}

	features := featureMatrix(transitions, start.Location())
	labels := dbscan(features, segmenter.config.Eps, segmenter.config.MinPoints)
	boundaries := clusterBoundaries(transitions, labels)

	span := transitions[len(transitions)-1].TransitionTime.Sub(transitions[0].TransitionTime)
	boundaries = reduceBoundaries(boundaries, targetBoundaries(span))
	boundaries = segmenter.fillEdges(boundaries, start, end)

	return buildSegments(transitions, boundaries, start), nil
}

// boundary is a candidate segment edge.
type boundary struct {
	at         time.Time
	confidence float64
}

// featureMatrix maps each transition to the clustering feature space:
// local time of day, signal identity, normalized magnitude, confidence,
// local density and source diversity.
func featureMatrix(transitions []teldb.Transition, location *time.Location) [][]float64 {
	maxMagnitude := 0.0
	for _, transition := range transitions {
		if transition.Magnitude.Valid && transition.Magnitude.Float64 > maxMagnitude {
			maxMagnitude = transition.Magnitude.Float64
		}
	}

	features := make([][]float64, len(transitions))
	for i, transition := range transitions {
		local := transition.TransitionTime.In(location)
		hour := (float64(local.Hour()) + float64(local.Minute())/60 + float64(local.Second())/3600) / 24

		magnitude := 0.0
		if transition.Magnitude.Valid && maxMagnitude > 0 {
			magnitude = transition.Magnitude.Float64 / maxMagnitude
		}

		neighbors := 0
		sources := map[string]bool{}
		for _, other := range transitions {
			delta := other.TransitionTime.Sub(transition.TransitionTime)
			if delta < -neighborWindow || delta > neighborWindow {
				continue
			}
			neighbors++
			sources[other.SourceName] = true
		}
		density := math.Min(float64(neighbors)/10, 1)
		diversity := math.Min(float64(len(sources))/4, 1)

		features[i] = []float64{
			hour,
			signalHash(transition.SourceName + "/" + transition.SignalName),
			magnitude,
			transition.Confidence,
			density,
			diversity,
		}
	}
	return features
}

// signalHash maps a signal identity into [0, 1).
func signalHash(name string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return float64(h.Sum32()) / (float64(math.MaxUint32) + 1)
}

// clusterBoundaries collapses each cluster to one boundary at the
// confidence-weighted mean time. Noise points become singletons.
func clusterBoundaries(transitions []teldb.Transition, labels []int) []boundary {
	type group struct {
		weightedSum float64
		weight      float64
		confSum     float64
		count       int
	}
	groups := map[int]*group{}
	next := len(transitions) // singleton labels for noise points

	for i, transition := range transitions {
		label := labels[i]
		if label == noise {
			label = next
			next++
		}
		g, ok := groups[label]
		if !ok {
			g = &group{}
			groups[label] = g
		}
		weight := transition.Confidence
		if weight <= 0 {
			weight = 1e-3
		}
		g.weightedSum += float64(transition.TransitionTime.UnixNano()) * weight
		g.weight += weight
		g.confSum += transition.Confidence
		g.count++
	}

	boundaries := make([]boundary, 0, len(groups))
	for _, g := range groups {
		boundaries = append(boundaries, boundary{
			at:         time.Unix(0, int64(g.weightedSum/g.weight)).UTC(),
			confidence: g.confSum / float64(g.count),
		})
	}
	sort.Slice(boundaries, func(i, k int) bool { return boundaries[i].at.Before(boundaries[k].at) })
	return boundaries
}

// targetBoundaries scales the wanted boundary count with the covered
// span: sparse days get a coarse segmentation, full days a fine one.
func targetBoundaries(span time.Duration) int {
	hours := span.Hours()
	switch {
	case hours < 1:
		return 2
	case hours < 6:
		return clampInt(int(hours)+1, 2, 6)
	default:
		return clampInt(int(hours), 8, 24)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// reduceBoundaries collapses the least important adjacent pair until
// the target count is reached. Importance of a pair grows with
// confidence and with the gap between them; the lower-confidence side
// of the pair is dropped and the other keeps its own timestamp.
func reduceBoundaries(boundaries []boundary, target int) []boundary {
	for len(boundaries) > target {
		minIndex := 0
		minImportance := math.Inf(1)
		for i := 0; i+1 < len(boundaries); i++ {
			gap := boundaries[i+1].at.Sub(boundaries[i].at).Seconds()
			importance := boundaries[i].confidence * boundaries[i+1].confidence * math.Log(gap+60)
			if importance < minImportance {
				minImportance = importance
				minIndex = i
			}
		}

		keep := boundaries[minIndex]
		if boundaries[minIndex+1].confidence > keep.confidence {
			keep = boundaries[minIndex+1]
		}
		boundaries = append(boundaries[:minIndex], append([]boundary{keep}, boundaries[minIndex+2:]...)...)
	}
	return boundaries
}

// fillEdges adds midnight boundaries when the outermost real boundary
// sits between 15 minutes and 4 hours from the day edge.
func (segmenter *Segmenter) fillEdges(boundaries []boundary, start, end time.Time) []boundary {
	if segmenter.config.EdgeFill != EdgeFillMidnight || len(boundaries) == 0 {
		return boundaries
	}
	const minEdgeGap = 15 * time.Minute
	const maxEdgeGap = 4 * time.Hour

	if gap := boundaries[0].at.Sub(start); gap > minEdgeGap && gap < maxEdgeGap {
		boundaries = append([]boundary{{at: start.UTC(), confidence: 0.5}}, boundaries...)
	}
	if gap := end.Sub(boundaries[len(boundaries)-1].at); gap > minEdgeGap && gap < maxEdgeGap {
		boundaries = append(boundaries, boundary{at: end.UTC(), confidence: 0.5})
	}
	return boundaries
}

// minimum length for a segment touching the day edge.
const minEdgeSegment = 5 * time.Minute

// buildSegments turns consecutive boundaries into events with summary
// statistics. Segments without any transitions are kept as unknown
// filler so the day stays contiguous.
func buildSegments(transitions []teldb.Transition, boundaries []boundary, start time.Time) []teldb.Event {
	if len(boundaries) < 2 {
		return nil
	}

	date := start.Format("2006-01-02")
	var events []teldb.Event
	for i := 0; i+1 < len(boundaries); i++ {
		from, to := boundaries[i].at, boundaries[i+1].at
		if !to.After(from) {
			continue
		}
		isEdge := i == 0 || i+2 == len(boundaries)
		if isEdge && to.Sub(from) < minEdgeSegment {
			continue
		}
		events = append(events, summarize(date, from, to, transitions, i))
	}
	return events
}

func summarize(date string, from, to time.Time, transitions []teldb.Transition, clusterID int) teldb.Event {
	histogram := map[string]int{}
	sources := map[string]int{}
	confSum := 0.0
	count := 0
	for _, transition := range transitions {
		if transition.TransitionTime.Before(from) || !transition.TransitionTime.Before(to) {
			continue
		}
		histogram[transition.SignalName]++
		sources[transition.SourceName]++
		confSum += transition.Confidence
		count++
	}

	event := teldb.Event{
		Date:           date,
		StartTime:      from.UTC(),
		EndTime:        to.UTC(),
		ClusterID:      clusterID,
		DominantSource: "unknown",
	}
	if count == 0 {
		// filler segment with no observed activity
		event.ClusterID = -1
		event.SignalHistogram = "{}"
		return event
	}

	encoded, err := json.Marshal(histogram)
	if err != nil {
		encoded = []byte("{}")
	}
	event.SignalHistogram = string(encoded)
	event.DistinctSources = len(sources)
	event.AvgConfidence = confSum / float64(count)
	// transitions per minute
	event.Intensity = float64(count) / to.Sub(from).Minutes()

	best := 0
	for source, n := range sources {
		if n > best {
			best = n
			event.DominantSource = source
		}
	}
	return event
}
