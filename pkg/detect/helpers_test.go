// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package detect

import "database/sql"

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: true}
}
