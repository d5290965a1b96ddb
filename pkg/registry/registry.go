// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package registry loads the declarative catalog of telemetry sources,
// streams, signals and semantics.
package registry

import (
	"io/ioutil"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v2"
)

// Error is the class of registry errors
var Error = errs.Class("registry error")

// Platform describes where a source runs.
type Platform string

// Platforms
const (
	PlatformCloud  Platform = "cloud"
	PlatformDevice Platform = "device"
)

// AuthType describes how a source authenticates.
type AuthType string

// Auth types
const (
	AuthOAuth2      AuthType = "oauth2"
	AuthDeviceToken AuthType = "device_token"
	AuthNone        AuthType = "none"
)

// IngestionType describes how records arrive for a stream.
type IngestionType string

// Ingestion types
const (
	IngestPull IngestionType = "pull"
	IngestPush IngestionType = "push"
)

// ValueKind describes what a signal's values look like.
type ValueKind string

// Value kinds
const (
	KindContinuous  ValueKind = "continuous"
	KindCategorical ValueKind = "categorical"
	KindEvent       ValueKind = "event"
	KindSpatial     ValueKind = "spatial"
)

// Detector families. FamilyNone declares explicitly that a signal has
// no detector binding.
const (
	FamilyChangepoint   = "changepoint"
	FamilyCategorical   = "categorical"
	FamilyEventBoundary = "event_boundary"
	FamilyNone          = "none"
)

var nameFormat = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Source is a provider of telemetry (google, strava, ios, ...).
type Source struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Company     string   `yaml:"company"`
	Platform    Platform `yaml:"platform"`
	Auth        struct {
		Type AuthType `yaml:"type"`
	} `yaml:"auth"`
}

// DetectorBinding attaches a detector family and its settings to a signal.
type DetectorBinding struct {
	Family   string                 `yaml:"family"`
	Settings map[string]interface{} `yaml:"settings"`
}

// Signal is a single measured series within a stream.
type Signal struct {
	Name     string          `yaml:"name"`
	Kind     ValueKind       `yaml:"kind"`
	Unit     string          `yaml:"unit"`
	Detector DetectorBinding `yaml:"detector"`

	Source string `yaml:"-"`
	Stream string `yaml:"-"`
}

// Semantic is a low-cardinality attribute of stream records, stored
// separately from signals (page titles, calendar names).
type Semantic struct {
	Name      string `yaml:"name"`
	ValueType string `yaml:"value_type"`

	Stream string `yaml:"-"`
}

// Stream is a feed of records from a source.
type Stream struct {
	Name      string `yaml:"name"`
	Source    string `yaml:"source"`
	Ingestion struct {
		Type IngestionType `yaml:"type"`
	} `yaml:"ingestion"`
	Sync struct {
		Class string `yaml:"class"`
		Cron  string `yaml:"cron"`
	} `yaml:"sync"`
	Settings  map[string]interface{} `yaml:"settings"`
	Signals   []Signal               `yaml:"signals"`
	Semantics []Semantic             `yaml:"semantics"`
}

// Registry is the immutable catalog loaded at startup.
type Registry struct {
	sources map[string]*Source
	streams map[string]*Stream
	signals map[string]*Signal // keyed source/name
}

// Load reads *_source.yaml and *_stream.yaml files from dir.
func Load(dir string) (*Registry, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var sourceDocs, streamDocs []namedDoc
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, "_source.yaml"):
			data, err := ioutil.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, Error.Wrap(err)
			}
			sourceDocs = append(sourceDocs, namedDoc{name, data})
		case strings.HasSuffix(name, "_stream.yaml"):
			data, err := ioutil.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, Error.Wrap(err)
			}
			streamDocs = append(streamDocs, namedDoc{name, data})
		}
	}
	if len(sourceDocs) == 0 {
		return nil, Error.New("no source definitions in %q", dir)
	}
	return build(sourceDocs, streamDocs)
}

type namedDoc struct {
	name string
	data []byte
}

func build(sourceDocs, streamDocs []namedDoc) (*Registry, error) {
	registry := &Registry{
		sources: map[string]*Source{},
		streams: map[string]*Stream{},
		signals: map[string]*Signal{},
	}

	for _, doc := range sourceDocs {
		var source Source
		if err := yaml.Unmarshal(doc.data, &source); err != nil {
			return nil, Error.New("%s: %v", doc.name, err)
		}
		if err := validateSource(&source); err != nil {
			return nil, Error.New("%s: %v", doc.name, err)
		}
		if _, exists := registry.sources[source.Name]; exists {
			return nil, Error.New("%s: duplicate source %q", doc.name, source.Name)
		}
		registry.sources[source.Name] = &source
	}

	for _, doc := range streamDocs {
		var stream Stream
		if err := yaml.Unmarshal(doc.data, &stream); err != nil {
			return nil, Error.New("%s: %v", doc.name, err)
		}
		if err := registry.addStream(&stream); err != nil {
			return nil, Error.New("%s: %v", doc.name, err)
		}
	}

	return registry, nil
}

func validateSource(source *Source) error {
	if source.Name == "" {
		return Error.New("source missing name")
	}
	switch source.Platform {
	case PlatformCloud, PlatformDevice:
	default:
		return Error.New("source %q: unknown platform %q", source.Name, source.Platform)
	}
	switch source.Auth.Type {
	case AuthOAuth2, AuthDeviceToken, AuthNone:
	default:
		return Error.New("source %q: unknown auth type %q", source.Name, source.Auth.Type)
	}
	return nil
}

func (registry *Registry) addStream(stream *Stream) error {
	if stream.Name == "" {
		return Error.New("stream missing name")
	}
	if _, exists := registry.streams[stream.Name]; exists {
		return Error.New("duplicate stream %q", stream.Name)
	}
	source, ok := registry.sources[stream.Source]
	if !ok {
		return Error.New("stream %q references unknown source %q", stream.Name, stream.Source)
	}

	switch stream.Ingestion.Type {
	case IngestPull, IngestPush:
	default:
		return Error.New("stream %q: unknown ingestion type %q", stream.Name, stream.Ingestion.Type)
	}
	if stream.Ingestion.Type == IngestPull {
		if stream.Sync.Class == "" {
			return Error.New("pull stream %q missing sync class", stream.Name)
		}
		if stream.Sync.Cron != "" {
			if _, err := cron.ParseStandard(stream.Sync.Cron); err != nil {
				return Error.New("stream %q: invalid cron %q: %v", stream.Name, stream.Sync.Cron, err)
			}
		}
	}

	if len(stream.Signals) == 0 && len(stream.Semantics) == 0 {
		return Error.New("stream %q declares no signals or semantics", stream.Name)
	}

	seen := map[string]bool{}
	for i := range stream.Signals {
		signal := &stream.Signals[i]
		signal.Source = source.Name
		signal.Stream = stream.Name
		if signal.Name == "" {
			return Error.New("stream %q: signal missing name", stream.Name)
		}
		if !nameFormat.MatchString(signal.Name) {
			return Error.New("stream %q: signal name %q must be lowercase snake_case", stream.Name, signal.Name)
		}
		if seen[signal.Name] {
			return Error.New("stream %q: duplicate signal %q", stream.Name, signal.Name)
		}
		seen[signal.Name] = true
		// signal names are scoped by source, so two streams of the same
		// source must not both claim one
		if _, exists := registry.signals[source.Name+"/"+signal.Name]; exists {
			return Error.New("stream %q: signal %q already defined for source %q", stream.Name, signal.Name, source.Name)
		}

		switch signal.Kind {
		case KindContinuous, KindCategorical, KindEvent, KindSpatial:
		default:
			return Error.New("signal %q: unknown kind %q", signal.Name, signal.Kind)
		}
		if signal.Kind == KindContinuous && signal.Unit == "" {
			return Error.New("signal %q: continuous signals need a unit", signal.Name)
		}
		switch signal.Detector.Family {
		case FamilyChangepoint, FamilyCategorical, FamilyEventBoundary, FamilyNone, "":
		default:
			return Error.New("signal %q: unknown detector family %q", signal.Name, signal.Detector.Family)
		}

		registry.signals[source.Name+"/"+signal.Name] = signal
	}

	for i := range stream.Semantics {
		stream.Semantics[i].Stream = stream.Name
	}

	registry.streams[stream.Name] = stream
	return nil
}

// Source returns the source definition by name.
func (registry *Registry) Source(name string) (*Source, bool) {
	source, ok := registry.sources[name]
	return source, ok
}

// Stream returns the stream definition by name.
func (registry *Registry) Stream(name string) (*Stream, bool) {
	stream, ok := registry.streams[name]
	return stream, ok
}

// Signal returns a signal definition by source and signal name.
func (registry *Registry) Signal(source, name string) (*Signal, bool) {
	signal, ok := registry.signals[source+"/"+name]
	return signal, ok
}

// SignalsForStream returns the signals a stream produces.
func (registry *Registry) SignalsForStream(name string) []Signal {
	stream, ok := registry.streams[name]
	if !ok {
		return nil
	}
	return stream.Signals
}

// StreamsForSource returns all streams of a source, sorted by name.
func (registry *Registry) StreamsForSource(source string) []*Stream {
	var result []*Stream
	for _, stream := range registry.streams {
		if stream.Source == source {
			result = append(result, stream)
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result
}

// AllSources returns every source, sorted by name.
func (registry *Registry) AllSources() []*Source {
	var result []*Source
	for _, source := range registry.sources {
		result = append(result, source)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result
}

// AllStreams returns every stream, sorted by name.
func (registry *Registry) AllStreams() []*Stream {
	var result []*Stream
	for _, stream := range registry.streams {
		result = append(result, stream)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result
}

// DetectorFor returns the detector binding for a signal, if any. An
// omitted binding and an explicit "none" both mean no detector runs.
func (registry *Registry) DetectorFor(source, name string) (DetectorBinding, bool) {
	signal, ok := registry.signals[source+"/"+name]
	if !ok || signal.Detector.Family == "" || signal.Detector.Family == FamilyNone {
		return DetectorBinding{}, false
	}
	return signal.Detector, true
}
