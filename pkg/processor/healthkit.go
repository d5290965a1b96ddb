// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package processor

import (
	"context"
	"encoding/json"

	"storj.io/telemetry/pkg/normalize"
	"storj.io/telemetry/pkg/teldb"
)

// HealthKit maps sample batches from the phone's health store onto the
// heart_rate, hrv, steps and sleep signals.
type HealthKit struct{}

// NewHealthKit creates a healthkit processor.
func NewHealthKit() *HealthKit { return &HealthKit{} }

type healthKitBatch struct {
	Samples []struct {
		Type       string      `json:"type"`
		Timestamp  interface{} `json:"timestamp"`
		Value      interface{} `json:"value"`
		Confidence *float64    `json:"confidence"`
		UUID       string      `json:"uuid"`
	} `json:"samples"`
}

var healthKitSignals = map[string]bool{
	"heart_rate": true,
	"hrv":        true,
	"steps":      true,
	"sleep":      true,
}

// Process implements Processor. Invalid samples are skipped; the rest
// of the batch still goes through.
func (hk *HealthKit) Process(ctx context.Context, raw []byte) (_ []teldb.SignalRecord, _ []teldb.SemanticRecord, skipped int, err error) {
	defer mon.Task()(&ctx)(&err)

	var batch healthKitBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, nil, 0, Error.New("healthkit payload: %v", err)
	}

	var records []teldb.SignalRecord
	for _, sample := range batch.Samples {
		if !healthKitSignals[sample.Type] {
			continue
		}
		ts, err := normalize.Timestamp(sample.Timestamp)
		if err != nil {
			skipped++
			continue
		}

		record := teldb.SignalRecord{
			SourceName: "ios",
			SignalName: sample.Type,
			Timestamp:  ts,
			Confidence: 1,
			IdempotencyKey: normalize.IdempotencyKey(ts, map[string]interface{}{
				"uuid": nonEmpty(sample.UUID), "value": sample.Value,
			}),
		}
		if sample.Confidence != nil {
			record.Confidence = normalize.Confidence(*sample.Confidence)
		}

		if sample.Type == "sleep" {
			stage, err := normalize.Category(sample.Value)
			if err != nil {
				skipped++
				continue
			}
			record.ValueText = nullString(stage)
		} else {
			value, err := normalize.Float(sample.Value)
			if err != nil {
				skipped++
				continue
			}
			record.ValueReal = nullFloat(value)
		}
		records = append(records, record)
	}
	return records, nil, skipped, nil
}
