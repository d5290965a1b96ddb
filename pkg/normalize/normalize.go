// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package normalize implements timestamp parsing, value coercion and
// idempotency keys for raw source records.
package normalize

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of normalization errors
var Error = errs.Class("normalize error")

// millisecondEpochCutoff separates unix seconds from unix milliseconds:
// values above it cannot be plausible second timestamps.
const millisecondEpochCutoff = 1e10

// Timestamp converts a raw timestamp value into UTC time. It accepts
// time.Time, RFC3339/ISO-8601 strings, unix seconds and unix milliseconds.
func Timestamp(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseTimeString(v)
	case float64:
		return fromEpoch(v), nil
	case float32:
		return fromEpoch(float64(v)), nil
	case int:
		return fromEpoch(float64(v)), nil
	case int64:
		return fromEpoch(float64(v)), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, Error.New("unparseable numeric timestamp %q: %v", v.String(), err)
		}
		return fromEpoch(f), nil
	default:
		return time.Time{}, Error.New("unsupported timestamp type %T", value)
	}
}

func parseTimeString(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f), nil
	}
	return time.Time{}, Error.New("unparseable timestamp %q", s)
}

func fromEpoch(v float64) time.Time {
	if v > millisecondEpochCutoff {
		v = v / 1000
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// IdempotencyKey derives a stable key for a record. Records carrying a
// natural discriminator (event_id, id, uuid) key on it; otherwise content
// fields are hashed so that retransmissions of the same record collapse.
func IdempotencyKey(ts time.Time, fields map[string]interface{}) string {
	// the numeric-offset layout keeps UTC as "+00:00" so keys stay
	// stable across exporters that never emit "Z"
	stamp := ts.UTC().Format("2006-01-02T15:04:05.999999-07:00")

	for _, name := range []string{"event_id", "id", "uuid"} {
		if v, ok := fields[name]; ok && v != nil {
			return stamp + ":" + fmt.Sprintf("%v", v)
		}
	}

	if len(fields) == 0 {
		return stamp
	}

	content := fmt.Sprintf("%v:%v:%v", fields["title"], fields["summary"], fields["value"])
	if content == "<nil>:<nil>:<nil>" {
		return stamp
	}
	sum := md5.Sum([]byte(content))
	return stamp + ":" + hex.EncodeToString(sum[:])[:8]
}

// Confidence clamps a confidence value to [0, 1].
func Confidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Float coerces a raw numeric value to float64.
func Float(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, Error.Wrap(err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, Error.New("unparseable numeric value %q", v)
		}
		return f, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, Error.New("unsupported numeric type %T", value)
	}
}

// Category coerces a raw value to a categorical string label.
func Category(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case int, int64:
		return fmt.Sprintf("%d", v), nil
	case nil:
		return "", Error.New("nil categorical value")
	default:
		return "", Error.New("unsupported categorical type %T", value)
	}
}
