// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package processor

import (
	"context"
	"encoding/json"

	"storj.io/telemetry/pkg/normalize"
	"storj.io/telemetry/pkg/teldb"
)

// MacApps maps frontmost-application switches onto the frontmost_app
// signal.
type MacApps struct{}

// NewMacApps creates a mac apps processor.
func NewMacApps() *MacApps { return &MacApps{} }

type macAppsBatch struct {
	Events []struct {
		Timestamp interface{} `json:"timestamp"`
		App       string      `json:"app"`
		BundleID  string      `json:"bundle_id"`
	} `json:"events"`
}

// Process implements Processor. Events without a parseable timestamp
// are skipped.
func (apps *MacApps) Process(ctx context.Context, raw []byte) (_ []teldb.SignalRecord, _ []teldb.SemanticRecord, skipped int, err error) {
	defer mon.Task()(&ctx)(&err)

	var batch macAppsBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, nil, 0, Error.New("mac apps payload: %v", err)
	}

	var records []teldb.SignalRecord
	for _, event := range batch.Events {
		if event.App == "" {
			continue
		}
		ts, err := normalize.Timestamp(event.Timestamp)
		if err != nil {
			skipped++
			continue
		}
		metadata := map[string]interface{}{}
		if event.BundleID != "" {
			metadata["bundle_id"] = event.BundleID
		}
		records = append(records, teldb.SignalRecord{
			SourceName:     "mac",
			SignalName:     "frontmost_app",
			Timestamp:      ts,
			ValueText:      nullString(event.App),
			Confidence:     1,
			IdempotencyKey: normalize.IdempotencyKey(ts, nil),
			Metadata:       encodeMetadata(metadata),
		})
	}
	return records, nil, skipped, nil
}
