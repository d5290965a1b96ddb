// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry

// Builtin returns the registry of definitions shipped with the binary.
func Builtin() (*Registry, error) {
	var sources, streams []namedDoc
	for name, doc := range builtinSources {
		sources = append(sources, namedDoc{name, []byte(doc)})
	}
	for name, doc := range builtinStreams {
		streams = append(streams, namedDoc{name, []byte(doc)})
	}
	return build(sources, streams)
}

var builtinSources = map[string]string{
	"google_source.yaml": `
name: google
display_name: Google
company: Google
platform: cloud
auth:
  type: oauth2
`,
	"notion_source.yaml": `
name: notion
display_name: Notion
company: Notion Labs
platform: cloud
auth:
  type: oauth2
`,
	"strava_source.yaml": `
name: strava
display_name: Strava
company: Strava
platform: cloud
auth:
  type: oauth2
`,
	"ios_source.yaml": `
name: ios
display_name: iPhone
company: Apple
platform: device
auth:
  type: device_token
`,
	"mac_source.yaml": `
name: mac
display_name: Mac
company: Apple
platform: device
auth:
  type: device_token
`,
}

var builtinStreams = map[string]string{
	"google_calendar_stream.yaml": `
name: google_calendar
source: google
ingestion:
  type: pull
sync:
  class: google_calendar
  cron: "*/15 * * * *"
signals:
  - name: calendar_event
    kind: event
    detector:
      family: event_boundary
semantics:
  - name: event_title
    value_type: string
  - name: calendar_name
    value_type: string
`,
	"notion_pages_stream.yaml": `
name: notion_pages
source: notion
ingestion:
  type: pull
sync:
  class: notion_pages
  cron: "0 * * * *"
signals:
  - name: page_edit
    kind: event
    detector:
      family: event_boundary
semantics:
  - name: page_title
    value_type: string
  - name: page_url
    value_type: string
`,
	"strava_activities_stream.yaml": `
name: strava_activities
source: strava
ingestion:
  type: pull
sync:
  class: strava_activities
  cron: "30 * * * *"
signals:
  - name: workout
    kind: event
    detector:
      family: event_boundary
  - name: workout_distance
    kind: continuous
    unit: meters
semantics:
  - name: activity_name
    value_type: string
  - name: activity_type
    value_type: string
`,
	"ios_healthkit_stream.yaml": `
name: ios_healthkit
source: ios
ingestion:
  type: push
signals:
  - name: heart_rate
    kind: continuous
    unit: bpm
    detector:
      family: changepoint
      settings:
        cost: l2
  - name: hrv
    kind: continuous
    unit: ms
    detector:
      family: changepoint
      settings:
        cost: l2
  - name: steps
    kind: continuous
    unit: count
  - name: sleep
    kind: categorical
    detector:
      family: categorical
      settings:
        gap_threshold_minutes: 30
        min_value_duration_minutes: 5
`,
	"ios_location_stream.yaml": `
name: ios_location
source: ios
ingestion:
  type: push
signals:
  - name: coordinates
    kind: spatial
  - name: speed
    kind: continuous
    unit: m/s
    detector:
      family: changepoint
      settings:
        cost: l1
        gap_threshold_seconds: 900
  - name: altitude
    kind: continuous
    unit: meters
    detector:
      family: changepoint
      settings:
        cost: l1
`,
	"ios_mic_stream.yaml": `
name: ios_mic
source: ios
ingestion:
  type: push
signals:
  - name: audio_environment
    kind: categorical
    detector:
      family: categorical
`,
	"mac_apps_stream.yaml": `
name: mac_apps
source: mac
ingestion:
  type: push
signals:
  - name: frontmost_app
    kind: categorical
    detector:
      family: categorical
      settings:
        min_value_duration_minutes: 1
`,
}
