// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	scheme, rest, err := ParseURL("sqlite3:///tmp/telemetry.db")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", scheme)
	assert.Equal(t, "/tmp/telemetry.db", rest)

	scheme, rest, err = ParseURL("postgres://user@host/db")
	require.NoError(t, err)
	assert.Equal(t, "postgres", scheme)
	assert.Equal(t, "user@host/db", rest)

	_, _, err = ParseURL("no-scheme")
	require.Error(t, err)
	_, _, err = ParseURL("://rest")
	require.Error(t, err)
}
