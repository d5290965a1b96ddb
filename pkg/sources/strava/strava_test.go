// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package strava_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storj.io/telemetry/internal/testcontext"
	"storj.io/telemetry/pkg/sources/strava"
	"storj.io/telemetry/pkg/syncer"
)

type memorySink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (sink *memorySink) Store(ctx context.Context, ts time.Time, payload []byte) (string, error) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.payloads = append(sink.payloads, payload)
	return fmt.Sprintf("key-%d", len(sink.payloads)), nil
}

func TestActivitySyncPaging(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	window := syncer.Window{
		From: time.Date(2019, 7, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2019, 7, 8, 0, 0, 0, 0, time.UTC),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/athlete/activities", r.URL.Path)
		assert.Equal(t, strconv.FormatInt(window.From.Unix(), 10), r.URL.Query().Get("after"))
		assert.Equal(t, strconv.FormatInt(window.To.Unix(), 10), r.URL.Query().Get("before"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		switch page {
		case 1:
			// a full page forces a second request
			fmt.Fprint(w, "[")
			for i := 0; i < 100; i++ {
				if i > 0 {
					fmt.Fprint(w, ",")
				}
				fmt.Fprintf(w, `{"id":%d,"name":"Run %d","start_date":"2019-07-04T06:00:00Z"}`, i, i)
			}
			fmt.Fprint(w, "]")
		case 2:
			fmt.Fprint(w, `[{"id":100,"name":"Evening Ride","start_date":"2019-07-05T18:00:00Z"}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer server.Close()

	sink := &memorySink{}
	activities := strava.NewActivitySyncerURL(zap.NewNop(), server.URL)
	result, err := activities.Sync(ctx, syncer.Job{
		Stream: "strava_activities",
		Window: window,
		Client: server.Client(),
		Sink:   sink,
	})
	require.NoError(t, err)

	assert.Equal(t, 101, result.RecordsProcessed)
	assert.Empty(t, result.NewSyncToken)
	require.Len(t, sink.payloads, 101)
	assert.Contains(t, string(sink.payloads[100]), "Evening Ride")
}

func TestActivitySyncRateLimited(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer server.Close()

	activities := strava.NewActivitySyncerURL(zap.NewNop(), server.URL)
	_, err := activities.Sync(ctx, syncer.Job{Client: server.Client(), Sink: &memorySink{}})
	assert.True(t, syncer.ErrTransient.Has(err))
}
