// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package teldb

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// UpsertSemantics writes semantic records as versioned documents. A new
// (stream, semantic, record) key starts at version 1. When the content
// hash of an existing key changes, the current row loses is_latest and
// the next version is inserted; an unchanged hash is a no-op.
func (db *DB) UpsertSemantics(ctx context.Context, records []SemanticRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(records) == 0 {
		return nil
	}

	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	selectLatest := db.rebind(
		`SELECT * FROM semantic_records
		 WHERE stream_name = ? AND semantic_name = ? AND record_key = ? AND is_latest`)
	retire := db.rebind(
		`UPDATE semantic_records SET is_latest = FALSE WHERE id = ?`)
	insert := db.rebind(
		`INSERT INTO semantic_records
		 ( id, source_name, stream_name, semantic_name, record_key,
		   value, content_hash, version, is_latest, observed_at )
		 VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, TRUE, ? )`)

	now := time.Now().UTC()
	for _, record := range records {
		if record.ID == "" {
			record.ID = uuid.New().String()
		}
		if record.ObservedAt.IsZero() {
			record.ObservedAt = now
		}
		if record.ContentHash == "" {
			sum := md5.Sum([]byte(record.Value))
			record.ContentHash = hex.EncodeToString(sum[:])
		}

		version := 1
		var current SemanticRecord
		err = tx.GetContext(ctx, &current, selectLatest,
			record.StreamName, record.SemanticName, record.RecordKey)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return Error.Wrap(err)
		case current.ContentHash == record.ContentHash:
			continue
		default:
			if _, err = tx.ExecContext(ctx, retire, current.ID); err != nil {
				return Error.Wrap(err)
			}
			version = current.Version + 1
		}

		_, err = tx.ExecContext(ctx, insert,
			record.ID, record.SourceName, record.StreamName, record.SemanticName,
			record.RecordKey, record.Value, record.ContentHash, version,
			record.ObservedAt.UTC())
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(tx.Commit())
}

// SemanticValue returns the latest value of one semantic record key.
func (db *DB) SemanticValue(ctx context.Context, stream, semantic, recordKey string) (value string, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.GetContext(ctx, &value, db.rebind(
		`SELECT value FROM semantic_records
		 WHERE stream_name = ? AND semantic_name = ? AND record_key = ? AND is_latest`),
		stream, semantic, recordKey)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return value, nil
}

// SemanticVersions returns every stored version of one semantic record
// key, oldest first.
func (db *DB) SemanticVersions(ctx context.Context, stream, semantic, recordKey string) (_ []SemanticRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	var records []SemanticRecord
	err = db.db.SelectContext(ctx, &records, db.rebind(
		`SELECT * FROM semantic_records
		 WHERE stream_name = ? AND semantic_name = ? AND record_key = ?
		 ORDER BY version`),
		stream, semantic, recordKey)
	return records, Error.Wrap(err)
}
