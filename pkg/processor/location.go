// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package processor

import (
	"context"
	"encoding/json"

	"storj.io/telemetry/pkg/normalize"
	"storj.io/telemetry/pkg/teldb"
)

// Location maps GPS fix batches onto the coordinates, speed and
// altitude signals. Fix confidence degrades with horizontal accuracy.
type Location struct{}

// NewLocation creates a location processor.
func NewLocation() *Location { return &Location{} }

type locationBatch struct {
	Fixes []struct {
		Timestamp          interface{} `json:"timestamp"`
		Latitude           float64     `json:"latitude"`
		Longitude          float64     `json:"longitude"`
		Speed              *float64    `json:"speed"`
		Altitude           *float64    `json:"altitude"`
		HorizontalAccuracy *float64    `json:"horizontal_accuracy"`
	} `json:"fixes"`
}

// Process implements Processor. Fixes without a parseable timestamp
// are skipped.
func (loc *Location) Process(ctx context.Context, raw []byte) (_ []teldb.SignalRecord, _ []teldb.SemanticRecord, skipped int, err error) {
	defer mon.Task()(&ctx)(&err)

	var batch locationBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, nil, 0, Error.New("location payload: %v", err)
	}

	var records []teldb.SignalRecord
	for _, fix := range batch.Fixes {
		ts, err := normalize.Timestamp(fix.Timestamp)
		if err != nil {
			skipped++
			continue
		}

		confidence := 1.0
		if fix.HorizontalAccuracy != nil && *fix.HorizontalAccuracy > 0 {
			confidence = normalize.Confidence(1 - *fix.HorizontalAccuracy/100)
		}

		records = append(records, teldb.SignalRecord{
			SourceName:     "ios",
			SignalName:     "coordinates",
			Timestamp:      ts,
			Latitude:       nullFloat(fix.Latitude),
			Longitude:      nullFloat(fix.Longitude),
			Confidence:     confidence,
			IdempotencyKey: normalize.IdempotencyKey(ts, nil),
		})
		if fix.Speed != nil && *fix.Speed >= 0 {
			records = append(records, teldb.SignalRecord{
				SourceName:     "ios",
				SignalName:     "speed",
				Timestamp:      ts,
				ValueReal:      nullFloat(*fix.Speed),
				Confidence:     confidence,
				IdempotencyKey: normalize.IdempotencyKey(ts, nil),
			})
		}
		if fix.Altitude != nil {
			records = append(records, teldb.SignalRecord{
				SourceName:     "ios",
				SignalName:     "altitude",
				Timestamp:      ts,
				ValueReal:      nullFloat(*fix.Altitude),
				Confidence:     confidence,
				IdempotencyKey: normalize.IdempotencyKey(ts, nil),
			})
		}
	}
	return records, nil, skipped, nil
}
