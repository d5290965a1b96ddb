// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package processor

import (
	"context"
	"encoding/json"

	"storj.io/telemetry/pkg/normalize"
	"storj.io/telemetry/pkg/teldb"
)

// Mic maps on-device audio environment classifications onto the
// audio_environment signal.
type Mic struct{}

// NewMic creates a mic processor.
func NewMic() *Mic { return &Mic{} }

type micBatch struct {
	Classifications []struct {
		Timestamp  interface{} `json:"timestamp"`
		Label      string      `json:"label"`
		Confidence *float64    `json:"confidence"`
	} `json:"classifications"`
}

// Process implements Processor. Classifications without a parseable
// timestamp are skipped.
func (mic *Mic) Process(ctx context.Context, raw []byte) (_ []teldb.SignalRecord, _ []teldb.SemanticRecord, skipped int, err error) {
	defer mon.Task()(&ctx)(&err)

	var batch micBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, nil, 0, Error.New("mic payload: %v", err)
	}

	var records []teldb.SignalRecord
	for _, classification := range batch.Classifications {
		if classification.Label == "" {
			continue
		}
		ts, err := normalize.Timestamp(classification.Timestamp)
		if err != nil {
			skipped++
			continue
		}
		confidence := 1.0
		if classification.Confidence != nil {
			confidence = normalize.Confidence(*classification.Confidence)
		}
		records = append(records, teldb.SignalRecord{
			SourceName:     "ios",
			SignalName:     "audio_environment",
			Timestamp:      ts,
			ValueText:      nullString(classification.Label),
			Confidence:     confidence,
			IdempotencyKey: normalize.IdempotencyKey(ts, nil),
		})
	}
	return records, nil, skipped, nil
}
