// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package google pulls calendar events through the Google Calendar API.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/syncer"
)

var (
	mon = monkit.Package()

	// Error is the class of google calendar errors
	Error = errs.Class("google calendar error")
)

// DefaultBaseURL is the production Calendar API endpoint.
const DefaultBaseURL = "https://www.googleapis.com/calendar/v3"

// CalendarSyncer lists the user's calendars and pulls events from each,
// incrementally when the provider's per-calendar sync tokens allow it.
type CalendarSyncer struct {
	log     *zap.Logger
	baseURL string
}

// NewCalendarSyncer creates a calendar syncer against the production API.
func NewCalendarSyncer(log *zap.Logger) *CalendarSyncer {
	return &CalendarSyncer{log: log, baseURL: DefaultBaseURL}
}

// NewCalendarSyncerURL creates a calendar syncer against a custom endpoint.
func NewCalendarSyncerURL(log *zap.Logger, baseURL string) *CalendarSyncer {
	return &CalendarSyncer{log: log, baseURL: baseURL}
}

type calendarList struct {
	Items []struct {
		ID      string `json:"id"`
		Summary string `json:"summary"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

type eventPage struct {
	Items         []json.RawMessage `json:"items"`
	NextPageToken string            `json:"nextPageToken"`
	NextSyncToken string            `json:"nextSyncToken"`
}

// envelope is what gets written to raw storage for every event.
type envelope struct {
	CalendarID   string          `json:"calendar_id"`
	CalendarName string          `json:"calendar_name"`
	Event        json.RawMessage `json:"event"`
}

// Sync implements syncer.Syncer. Sync tokens are tracked per calendar
// and carried between runs as a JSON object keyed by calendar id.
func (cal *CalendarSyncer) Sync(ctx context.Context, job syncer.Job) (result syncer.Result, err error) {
	defer mon.Task()(&ctx)(&err)

	tokens := map[string]string{}
	if job.SyncToken != "" {
		if err := json.Unmarshal([]byte(job.SyncToken), &tokens); err != nil {
			// unreadable cursor: treat it as expired and refetch
			return syncer.Result{}, syncer.ErrSyncTokenExpired.New("malformed cursor: %v", err)
		}
	}

	calendars, err := cal.listCalendars(ctx, job.Client)
	if err != nil {
		return syncer.Result{}, err
	}

	nextTokens := map[string]string{}
	for _, calendar := range calendars {
		records, nextToken, warn, err := cal.syncCalendar(ctx, job, calendar.id, calendar.summary, tokens[calendar.id])
		if err != nil {
			return syncer.Result{}, err
		}
		if warn != "" {
			result.Warnings = append(result.Warnings, warn)
		}
		if nextToken != "" {
			nextTokens[calendar.id] = nextToken
		}
		result.RecordsProcessed += records
	}

	if len(nextTokens) > 0 {
		encoded, err := json.Marshal(nextTokens)
		if err != nil {
			return syncer.Result{}, Error.Wrap(err)
		}
		result.NewSyncToken = string(encoded)
	}
	return result, nil
}

type calendarRef struct {
	id      string
	summary string
}

func (cal *CalendarSyncer) listCalendars(ctx context.Context, client *http.Client) (_ []calendarRef, err error) {
	defer mon.Task()(&ctx)(&err)

	var calendars []calendarRef
	pageToken := ""
	for {
		query := url.Values{}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var page calendarList
		if err := cal.get(ctx, client, "/users/me/calendarList", query, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			calendars = append(calendars, calendarRef{id: item.ID, summary: item.Summary})
		}
		if page.NextPageToken == "" {
			return calendars, nil
		}
		pageToken = page.NextPageToken
	}
}

// syncCalendar pulls one calendar's events. A calendar that disappeared
// produces a warning instead of failing the whole sync; a rejected
// per-calendar sync token falls back to the date range once.
func (cal *CalendarSyncer) syncCalendar(ctx context.Context, job syncer.Job, id, summary, syncToken string) (records int, nextToken, warning string, err error) {
	defer mon.Task()(&ctx)(&err)

	records, nextToken, err = cal.fetchEvents(ctx, job, id, summary, syncToken)
	if syncer.ErrSyncTokenExpired.Has(err) && syncToken != "" {
		cal.log.Warn("calendar sync token rejected, refetching date range",
			zap.String("calendar", id))
		records, nextToken, err = cal.fetchEvents(ctx, job, id, summary, "")
		warning = fmt.Sprintf("calendar %q: sync token expired, re-fetched date range", id)
	}
	if isNotFound(err) {
		cal.log.Warn("calendar not found, skipping", zap.String("calendar", id))
		return 0, "", fmt.Sprintf("calendar %q not found", id), nil
	}
	if err != nil {
		return 0, "", "", err
	}
	return records, nextToken, warning, nil
}

func (cal *CalendarSyncer) fetchEvents(ctx context.Context, job syncer.Job, id, summary, syncToken string) (records int, nextSyncToken string, err error) {
	defer mon.Task()(&ctx)(&err)

	pageToken := ""
	for {
		query := url.Values{}
		query.Set("singleEvents", "true")
		query.Set("maxResults", "250")
		if syncToken != "" {
			query.Set("syncToken", syncToken)
		} else {
			query.Set("timeMin", job.Window.From.UTC().Format(time.RFC3339))
			query.Set("timeMax", job.Window.To.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}

		var page eventPage
		err := cal.get(ctx, job.Client, "/calendars/"+url.PathEscape(id)+"/events", query, &page)
		if err != nil {
			return records, "", err
		}

		for _, event := range page.Items {
			payload, err := json.Marshal(envelope{
				CalendarID:   id,
				CalendarName: summary,
				Event:        event,
			})
			if err != nil {
				return records, "", Error.Wrap(err)
			}
			if _, err := job.Sink.Store(ctx, eventTime(event), payload); err != nil {
				return records, "", err
			}
			records++
		}

		if page.NextPageToken == "" {
			return records, page.NextSyncToken, nil
		}
		pageToken = page.NextPageToken
	}
}

// eventTime extracts when an event starts, for raw storage layout.
func eventTime(event json.RawMessage) time.Time {
	var fields struct {
		Start struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"start"`
		Updated string `json:"updated"`
	}
	if err := json.Unmarshal(event, &fields); err != nil {
		return time.Now().UTC()
	}
	if ts, err := time.Parse(time.RFC3339, fields.Start.DateTime); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02", fields.Start.Date); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, fields.Updated); err == nil {
		return ts
	}
	return time.Now().UTC()
}

type notFoundError struct{ status int }

func (err notFoundError) Error() string { return fmt.Sprintf("status %d", err.status) }

func isNotFound(err error) bool {
	return errs.IsFunc(err, func(err error) bool {
		_, ok := err.(notFoundError)
		return ok
	})
}

func (cal *CalendarSyncer) get(ctx context.Context, client *http.Client, path string, query url.Values, target interface{}) (err error) {
	defer mon.Task()(&ctx)(&err)

	endpoint := cal.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		return syncer.ErrTransient.New("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return Error.Wrap(notFoundError{resp.StatusCode})
	}
	if err := syncer.ClassifyStatus(resp.StatusCode); err != nil {
		return err
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return syncer.ErrTransient.New("reading response: %v", err)
	}
	return Error.Wrap(json.Unmarshal(body, target))
}
