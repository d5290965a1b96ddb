// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"
	"database/sql"
	"time"
)

// GetSource returns the runtime state of a source.
func (db *DB) GetSource(ctx context.Context, name string) (_ *Source, err error) {
	defer mon.Task()(&ctx)(&err)

	var source Source
	err = db.db.GetContext(ctx, &source,
		db.rebind(`SELECT * FROM sources WHERE name = ?`), name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.New("source %q", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &source, nil
}

// SeedSource inserts a source row if missing, preserving runtime columns
// on re-seed.
func (db *DB) SeedSource(ctx context.Context, name, authType string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.rebind(
		`INSERT INTO sources ( name, auth_type ) VALUES ( ?, ? )
		 ON CONFLICT ( name ) DO UPDATE SET auth_type = excluded.auth_type`),
		name, authType)
	return Error.Wrap(err)
}

// UpdateSourceTokens atomically replaces the OAuth tokens of a source.
// An empty refresh token keeps the existing one, since providers only
// return it on the initial grant.
func (db *DB) UpdateSourceTokens(ctx context.Context, name, accessToken, refreshToken string, expiresAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(
		`UPDATE sources
		 SET access_token = ?,
		     refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
		     token_expires_at = ?,
		     status = ?
		 WHERE name = ?`),
		accessToken, refreshToken, refreshToken, expiresAt.UTC(), SourceConnected, name)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "source %q", name)
}

// SetSourceStatus updates only the status of a source.
func (db *DB) SetSourceStatus(ctx context.Context, name, status string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx,
		db.rebind(`UPDATE sources SET status = ? WHERE name = ?`), status, name)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "source %q", name)
}

// ConnectSource marks a source connected with its credentials.
func (db *DB) ConnectSource(ctx context.Context, name, accessToken, refreshToken string, expiresAt *time.Time, scopes string) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	result, err := db.db.ExecContext(ctx, db.rebind(
		`UPDATE sources
		 SET status = ?, access_token = ?, refresh_token = ?,
		     token_expires_at = ?, scopes = ?, connected_at = ?
		 WHERE name = ?`),
		SourceConnected, accessToken, refreshToken, expiresAt, scopes, now, name)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "source %q", name)
}

// SetDeviceToken registers the push token of a device source.
func (db *DB) SetDeviceToken(ctx context.Context, name, token string) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	result, err := db.db.ExecContext(ctx, db.rebind(
		`UPDATE sources SET device_token = ?, status = ?, connected_at = ? WHERE name = ?`),
		token, SourceConnected, now, name)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.expectOneRow(result, "source %q", name)
}

// SourcesWithExpiringTokens returns connected oauth sources whose tokens
// expire within the given duration.
func (db *DB) SourcesWithExpiringTokens(ctx context.Context, within time.Duration) (_ []Source, err error) {
	defer mon.Task()(&ctx)(&err)

	deadline := time.Now().UTC().Add(within)
	var sources []Source
	err = db.db.SelectContext(ctx, &sources, db.rebind(
		`SELECT * FROM sources
		 WHERE auth_type = 'oauth2'
		   AND status = ?
		   AND token_expires_at IS NOT NULL
		   AND token_expires_at <= ?
		 ORDER BY name`),
		SourceConnected, deadline)
	return sources, Error.Wrap(err)
}

func (db *DB) expectOneRow(result sql.Result, format string, args ...interface{}) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrNotFound.New(format, args...)
	}
	return nil
}
