// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package notion pulls recently edited pages through the Notion API.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/syncer"
)

var (
	mon = monkit.Package()

	// Error is the class of notion errors
	Error = errs.Class("notion error")
)

// DefaultBaseURL is the production Notion API endpoint.
const DefaultBaseURL = "https://api.notion.com/v1"

// apiVersion is sent as the Notion-Version header.
const apiVersion = "2021-08-16"

// requestsPerSecond matches Notion's documented rate limit.
const requestsPerSecond = 3

// PageSyncer walks the search endpoint newest first and stops once page
// edits fall outside the sync window.
type PageSyncer struct {
	log     *zap.Logger
	baseURL string
	limiter *rate.Limiter
}

// NewPageSyncer creates a page syncer against the production API.
func NewPageSyncer(log *zap.Logger) *PageSyncer {
	return NewPageSyncerURL(log, DefaultBaseURL)
}

// NewPageSyncerURL creates a page syncer against a custom endpoint.
func NewPageSyncerURL(log *zap.Logger, baseURL string) *PageSyncer {
	return &PageSyncer{
		log:     log,
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

type searchRequest struct {
	StartCursor string     `json:"start_cursor,omitempty"`
	Sort        searchSort `json:"sort"`
	PageSize    int        `json:"page_size"`
}

type searchSort struct {
	Direction string `json:"direction"`
	Timestamp string `json:"timestamp"`
}

type searchResponse struct {
	Results    []json.RawMessage `json:"results"`
	HasMore    bool              `json:"has_more"`
	NextCursor string            `json:"next_cursor"`
}

// Sync implements syncer.Syncer.
func (notion *PageSyncer) Sync(ctx context.Context, job syncer.Job) (result syncer.Result, err error) {
	defer mon.Task()(&ctx)(&err)

	cursor := ""
	for {
		page, err := notion.search(ctx, job.Client, cursor)
		if err != nil {
			return syncer.Result{}, err
		}

		for _, item := range page.Results {
			edited := editTime(item)
			if edited.Before(job.Window.From) {
				// results are newest first: everything past this point
				// was already ingested
				return result, nil
			}
			if _, err := job.Sink.Store(ctx, edited, item); err != nil {
				return syncer.Result{}, err
			}
			result.RecordsProcessed++
		}

		if !page.HasMore || page.NextCursor == "" {
			return result, nil
		}
		cursor = page.NextCursor
	}
}

func (notion *PageSyncer) search(ctx context.Context, client *http.Client, cursor string) (_ *searchResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := notion.limiter.Wait(ctx); err != nil {
		return nil, Error.Wrap(err)
	}

	payload, err := json.Marshal(searchRequest{
		StartCursor: cursor,
		Sort:        searchSort{Direction: "descending", Timestamp: "last_edited_time"},
		PageSize:    100,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	req, err := http.NewRequest(http.MethodPost, notion.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", apiVersion)

	resp, err := client.Do(req)
	if err != nil {
		return nil, syncer.ErrTransient.New("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := syncer.ClassifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, syncer.ErrTransient.New("reading response: %v", err)
	}
	var page searchResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, Error.Wrap(err)
	}
	return &page, nil
}

// editTime extracts when a page was last edited, for both windowing and
// raw storage layout.
func editTime(page json.RawMessage) time.Time {
	var fields struct {
		LastEditedTime string `json:"last_edited_time"`
	}
	if err := json.Unmarshal(page, &fields); err != nil {
		return time.Now().UTC()
	}
	if ts, err := time.Parse(time.RFC3339, fields.LastEditedTime); err == nil {
		return ts
	}
	return time.Now().UTC()
}
