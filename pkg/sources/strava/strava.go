// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package strava pulls workout activities through the Strava API.
package strava

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/syncer"
)

var (
	mon = monkit.Package()

	// Error is the class of strava errors
	Error = errs.Class("strava error")
)

// DefaultBaseURL is the production Strava API endpoint.
const DefaultBaseURL = "https://www.strava.com/api/v3"

const perPage = 100

// ActivitySyncer pages through the athlete's activities inside the sync
// window. Strava has no incremental cursor, so every sync is a date
// range query.
type ActivitySyncer struct {
	log     *zap.Logger
	baseURL string
}

// NewActivitySyncer creates an activity syncer against the production API.
func NewActivitySyncer(log *zap.Logger) *ActivitySyncer {
	return &ActivitySyncer{log: log, baseURL: DefaultBaseURL}
}

// NewActivitySyncerURL creates an activity syncer against a custom endpoint.
func NewActivitySyncerURL(log *zap.Logger, baseURL string) *ActivitySyncer {
	return &ActivitySyncer{log: log, baseURL: baseURL}
}

// Sync implements syncer.Syncer.
func (strava *ActivitySyncer) Sync(ctx context.Context, job syncer.Job) (result syncer.Result, err error) {
	defer mon.Task()(&ctx)(&err)

	for page := 1; ; page++ {
		activities, err := strava.fetchPage(ctx, job, page)
		if err != nil {
			return syncer.Result{}, err
		}
		if len(activities) == 0 {
			return result, nil
		}
		for _, activity := range activities {
			if _, err := job.Sink.Store(ctx, activityTime(activity), activity); err != nil {
				return syncer.Result{}, err
			}
			result.RecordsProcessed++
		}
		if len(activities) < perPage {
			return result, nil
		}
	}
}

func (strava *ActivitySyncer) fetchPage(ctx context.Context, job syncer.Job, page int) (_ []json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("after", strconv.FormatInt(job.Window.From.Unix(), 10))
	query.Set("before", strconv.FormatInt(job.Window.To.Unix(), 10))
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))

	req, err := http.NewRequest(http.MethodGet, strava.baseURL+"/athlete/activities?"+query.Encode(), nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req = req.WithContext(ctx)

	resp, err := job.Client.Do(req)
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
	var activities []json.RawMessage
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, Error.Wrap(err)
	}
	return activities, nil
}

// activityTime extracts when an activity started, for raw storage layout.
func activityTime(activity json.RawMessage) time.Time {
	var fields struct {
		StartDate string `json:"start_date"`
	}
	if err := json.Unmarshal(activity, &fields); err != nil {
		return time.Now().UTC()
	}
	if ts, err := time.Parse(time.RFC3339, fields.StartDate); err == nil {
		return ts
	}
	return time.Now().UTC()
}
