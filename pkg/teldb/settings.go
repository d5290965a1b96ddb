// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"
	"database/sql"
)

// GetSetting returns a configuration value, or fallback when unset.
func (db *DB) GetSetting(ctx context.Context, key, fallback string) (value string, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.GetContext(ctx, &value,
		db.rebind(`SELECT value FROM settings WHERE key = ?`), key)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", Error.Wrap(err)
	}
	return value, nil
}

// SetSetting stores a configuration value.
func (db *DB) SetSetting(ctx context.Context, key, value string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.rebind(
		`INSERT INTO settings ( key, value ) VALUES ( ?, ? )
		 ON CONFLICT ( key ) DO UPDATE SET value = excluded.value`),
		key, value)
	return Error.Wrap(err)
}
