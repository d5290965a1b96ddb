// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package processor

import (
	"database/sql"
	"encoding/json"
	"strconv"
)

func nullFloat(value float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: value, Valid: true}
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: true}
}

// nonEmpty keeps empty identifiers out of idempotency key fields.
func nonEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func encodeMetadata(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return "{}"
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}
