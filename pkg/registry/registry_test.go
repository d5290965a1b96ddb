// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/telemetry/internal/testcontext"
	"storj.io/telemetry/pkg/registry"
)

func TestBuiltin(t *testing.T) {
	reg, err := registry.Builtin()
	require.NoError(t, err)

	source, ok := reg.Source("google")
	require.True(t, ok)
	assert.Equal(t, registry.PlatformCloud, source.Platform)
	assert.Equal(t, registry.AuthOAuth2, source.Auth.Type)

	stream, ok := reg.Stream("ios_healthkit")
	require.True(t, ok)
	assert.Equal(t, registry.IngestPush, stream.Ingestion.Type)
	assert.Len(t, stream.Signals, 4)

	signal, ok := reg.Signal("ios", "heart_rate")
	require.True(t, ok)
	assert.Equal(t, registry.KindContinuous, signal.Kind)
	assert.Equal(t, "ios_healthkit", signal.Stream)

	binding, ok := reg.DetectorFor("ios", "sleep")
	require.True(t, ok)
	assert.Equal(t, registry.FamilyCategorical, binding.Family)

	_, ok = reg.DetectorFor("ios", "steps")
	assert.False(t, ok)

	streams := reg.StreamsForSource("ios")
	require.Len(t, streams, 3)
	assert.Equal(t, "ios_healthkit", streams[0].Name)
}

func TestLoadDir(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("defs")
	write := func(name, body string) {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}

	write("acme_source.yaml", `
name: acme
display_name: Acme
platform: cloud
auth:
  type: none
`)
	write("acme_metrics_stream.yaml", `
name: acme_metrics
source: acme
ingestion:
  type: pull
sync:
  class: acme_metrics
  cron: "*/5 * * * *"
signals:
  - name: load
    kind: continuous
    unit: ratio
    detector:
      family: changepoint
  - name: build_finished
    kind: event
    detector:
      family: none
`)

	reg, err := registry.Load(dir)
	require.NoError(t, err)

	_, ok := reg.Stream("acme_metrics")
	assert.True(t, ok)
	_, ok = reg.Signal("acme", "load")
	assert.True(t, ok)

	// an explicit "none" binding loads but binds nothing
	_, ok = reg.DetectorFor("acme", "build_finished")
	assert.False(t, ok)
}

func TestLoadErrors(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	t.Run("empty dir", func(t *testing.T) {
		_, err := registry.Load(ctx.Dir("empty"))
		require.Error(t, err)
	})

	t.Run("unknown source reference", func(t *testing.T) {
		dir := ctx.Dir("badref")
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a_source.yaml"), []byte(`
name: a
platform: cloud
auth: {type: none}
`), 0644))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b_stream.yaml"), []byte(`
name: b
source: nosuch
ingestion: {type: push}
`), 0644))
		_, err := registry.Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nosuch")
	})

	t.Run("bad cron", func(t *testing.T) {
		dir := ctx.Dir("badcron")
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a_source.yaml"), []byte(`
name: a
platform: cloud
auth: {type: none}
`), 0644))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b_stream.yaml"), []byte(`
name: b
source: a
ingestion: {type: pull}
sync: {class: b, cron: "not a cron"}
`), 0644))
		_, err := registry.Load(dir)
		require.Error(t, err)
	})

	t.Run("duplicate signal", func(t *testing.T) {
		dir := ctx.Dir("dupsig")
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a_source.yaml"), []byte(`
name: a
platform: cloud
auth: {type: none}
`), 0644))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b_stream.yaml"), []byte(`
name: b
source: a
ingestion: {type: push}
signals:
  - {name: x, kind: continuous, unit: pct}
  - {name: x, kind: continuous, unit: pct}
`), 0644))
		_, err := registry.Load(dir)
		require.Error(t, err)
	})

	t.Run("no signals or semantics", func(t *testing.T) {
		dir := ctx.Dir("barren")
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a_source.yaml"), []byte(`
name: a
platform: cloud
auth: {type: none}
`), 0644))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b_stream.yaml"), []byte(`
name: b
source: a
ingestion: {type: push}
`), 0644))
		_, err := registry.Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no signals or semantics")
	})

	t.Run("continuous signal without unit", func(t *testing.T) {
		dir := ctx.Dir("nounit")
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a_source.yaml"), []byte(`
name: a
platform: cloud
auth: {type: none}
`), 0644))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b_stream.yaml"), []byte(`
name: b
source: a
ingestion: {type: push}
signals:
  - {name: x, kind: continuous}
`), 0644))
		_, err := registry.Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unit")
	})

	t.Run("signal claimed by two streams", func(t *testing.T) {
		dir := ctx.Dir("crossdup")
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a_source.yaml"), []byte(`
name: a
platform: cloud
auth: {type: none}
`), 0644))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b_stream.yaml"), []byte(`
name: b
source: a
ingestion: {type: push}
signals:
  - {name: x, kind: event}
`), 0644))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "c_stream.yaml"), []byte(`
name: c
source: a
ingestion: {type: push}
signals:
  - {name: x, kind: event}
`), 0644))
		_, err := registry.Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already defined")
	})

	t.Run("bad signal name", func(t *testing.T) {
		dir := ctx.Dir("badname")
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a_source.yaml"), []byte(`
name: a
platform: cloud
auth: {type: none}
`), 0644))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b_stream.yaml"), []byte(`
name: b
source: a
ingestion: {type: push}
signals:
  - {name: Heart-Rate, kind: event}
`), 0644))
		_, err := registry.Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "snake_case")
	})
}
