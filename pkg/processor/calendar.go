// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package processor

import (
	"context"
	"encoding/json"
	"time"

	"storj.io/telemetry/pkg/normalize"
	"storj.io/telemetry/pkg/teldb"
)

// Calendar maps calendar event payloads onto the calendar_event signal
// plus event_title and calendar_name semantics.
type Calendar struct{}

// NewCalendar creates a calendar processor.
func NewCalendar() *Calendar { return &Calendar{} }

type calendarEnvelope struct {
	CalendarID   string `json:"calendar_id"`
	CalendarName string `json:"calendar_name"`
	Event        struct {
		ID      string `json:"id"`
		Summary string `json:"summary"`
		Status  string `json:"status"`
		Start   struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"start"`
		End struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"end"`
	} `json:"event"`
}

// Process implements Processor. Cancelled events are dropped and
// events without an id or a usable start time are skipped; the dedup
// key means a rescheduled event replaces nothing and simply lands at
// its new time.
func (cal *Calendar) Process(ctx context.Context, raw []byte) (_ []teldb.SignalRecord, _ []teldb.SemanticRecord, skipped int, err error) {
	defer mon.Task()(&ctx)(&err)

	var envelope calendarEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, 0, Error.New("calendar payload: %v", err)
	}
	event := envelope.Event
	if event.ID == "" {
		return nil, nil, 1, nil
	}
	if event.Status == "cancelled" {
		return nil, nil, 0, nil
	}

	start, err := parseCalendarTime(event.Start.DateTime, event.Start.Date)
	if err != nil {
		return nil, nil, 1, nil
	}

	metadata := map[string]interface{}{
		"calendar_id": envelope.CalendarID,
	}
	if event.Status != "" {
		metadata["status"] = event.Status
	}
	if end, err := parseCalendarTime(event.End.DateTime, event.End.Date); err == nil {
		metadata["end_time"] = end.Format(time.RFC3339)
	}

	record := teldb.SignalRecord{
		SourceName: "google",
		SignalName: "calendar_event",
		Timestamp:  start,
		ValueReal:  nullFloat(1),
		Confidence: 1,
		IdempotencyKey: normalize.IdempotencyKey(start, map[string]interface{}{
			"event_id": event.ID,
		}),
		Metadata: encodeMetadata(metadata),
	}

	var semantics []teldb.SemanticRecord
	if event.Summary != "" {
		semantics = append(semantics, teldb.SemanticRecord{
			SourceName:   "google",
			StreamName:   "google_calendar",
			SemanticName: "event_title",
			RecordKey:    event.ID,
			Value:        event.Summary,
			ObservedAt:   start,
		})
	}
	if envelope.CalendarName != "" {
		semantics = append(semantics, teldb.SemanticRecord{
			SourceName:   "google",
			StreamName:   "google_calendar",
			SemanticName: "calendar_name",
			RecordKey:    envelope.CalendarID,
			Value:        envelope.CalendarName,
			ObservedAt:   start,
		})
	}
	return []teldb.SignalRecord{record}, semantics, 0, nil
}

func parseCalendarTime(dateTime, date string) (time.Time, error) {
	if dateTime != "" {
		return normalize.Timestamp(dateTime)
	}
	if date != "" {
		return normalize.Timestamp(date)
	}
	return time.Time{}, Error.New("empty time")
}
