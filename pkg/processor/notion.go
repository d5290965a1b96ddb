// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package processor

import (
	"context"
	"encoding/json"
	"strings"

	"storj.io/telemetry/pkg/normalize"
	"storj.io/telemetry/pkg/teldb"
)

// Notion maps edited pages onto the page_edit signal plus page_title
// and page_url semantics.
type Notion struct{}

// NewNotion creates a notion processor.
func NewNotion() *Notion { return &Notion{} }

type notionPage struct {
	ID             string                     `json:"id"`
	URL            string                     `json:"url"`
	LastEditedTime string                     `json:"last_edited_time"`
	Properties     map[string]notionProperty `json:"properties"`
}

type notionProperty struct {
	Type  string `json:"type"`
	Title []struct {
		PlainText string `json:"plain_text"`
	} `json:"title"`
}

// Process implements Processor. Pages without an id or a usable edit
// time are skipped.
func (notion *Notion) Process(ctx context.Context, raw []byte) (_ []teldb.SignalRecord, _ []teldb.SemanticRecord, skipped int, err error) {
	defer mon.Task()(&ctx)(&err)

	var page notionPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, nil, 0, Error.New("notion payload: %v", err)
	}
	if page.ID == "" {
		return nil, nil, 1, nil
	}
	edited, err := normalize.Timestamp(page.LastEditedTime)
	if err != nil {
		return nil, nil, 1, nil
	}

	records := []teldb.SignalRecord{{
		SourceName: "notion",
		SignalName: "page_edit",
		Timestamp:  edited,
		ValueReal:  nullFloat(1),
		Confidence: 1,
		IdempotencyKey: normalize.IdempotencyKey(edited, map[string]interface{}{
			"id": page.ID,
		}),
	}}

	var semantics []teldb.SemanticRecord
	if title := pageTitle(page); title != "" {
		semantics = append(semantics, teldb.SemanticRecord{
			SourceName:   "notion",
			StreamName:   "notion_pages",
			SemanticName: "page_title",
			RecordKey:    page.ID,
			Value:        title,
			ObservedAt:   edited,
		})
	}
	if page.URL != "" {
		semantics = append(semantics, teldb.SemanticRecord{
			SourceName:   "notion",
			StreamName:   "notion_pages",
			SemanticName: "page_url",
			RecordKey:    page.ID,
			Value:        page.URL,
			ObservedAt:   edited,
		})
	}
	return records, semantics, 0, nil
}

// pageTitle joins the plain text of the page's title property.
func pageTitle(page notionPage) string {
	for _, property := range page.Properties {
		if property.Type != "title" {
			continue
		}
		var parts []string
		for _, fragment := range property.Title {
			if fragment.PlainText != "" {
				parts = append(parts, fragment.PlainText)
			}
		}
		return strings.Join(parts, "")
	}
	return ""
}
