// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package rawstore

import (
	"bytes"
	"context"
	"io/ioutil"
	"sort"
	"strconv"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v6"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var mon = monkit.Package()

// Config holds object storage connection settings.
type Config struct {
	Endpoint  string `help:"object storage endpoint" default:"127.0.0.1:9000"`
	AccessKey string `help:"object storage access key" default:""`
	SecretKey string `help:"object storage secret key" default:""`
	Bucket    string `help:"bucket for raw payloads" default:"telemetry-raw"`
	UseSSL    bool   `help:"use TLS when connecting to object storage" default:"false"`
}

// MinioStore is the object storage backed Store.
type MinioStore struct {
	log    *zap.Logger
	client *minio.Client
	bucket string
}

// NewMinioStore connects to object storage and ensures the bucket exists.
func NewMinioStore(log *zap.Logger, config Config) (*MinioStore, error) {
	client, err := minio.New(config.Endpoint, config.AccessKey, config.SecretKey, config.UseSSL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	exists, err := client.BucketExists(config.Bucket)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !exists {
		if err := client.MakeBucket(config.Bucket, ""); err != nil {
			return nil, Error.Wrap(err)
		}
		log.Info("created raw payload bucket", zap.String("bucket", config.Bucket))
	}

	return &MinioStore{log: log, client: client, bucket: config.Bucket}, nil
}

// Put stores a payload and returns the generated key.
func (store *MinioStore) Put(ctx context.Context, source, connectionID string, ts time.Time, payload []byte) (key string, err error) {
	defer mon.Task()(&ctx)(&err)

	key = Key(source, connectionID, ts)
	_, err = store.client.PutObjectWithContext(ctx, store.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", Error.Wrap(err)
	}
	mon.Counter("rawstore_put_bytes").Inc(int64(len(payload)))
	return key, nil
}

// Get fetches the payload at key.
func (store *MinioStore) Get(ctx context.Context, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := store.client.GetObjectWithContext(ctx, store.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = object.Close() }()

	data, err := ioutil.ReadAll(object)
	if err != nil {
		if response := minio.ToErrorResponse(err); response.Code == "NoSuchKey" {
			return nil, ErrNotFound.New("%s", key)
		}
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// List returns keys under prefix, sorted.
func (store *MinioStore) List(ctx context.Context, prefix string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	done := make(chan struct{})
	defer close(done)

	var keys []string
	for object := range store.client.ListObjectsV2(store.bucket, prefix, true, done) {
		if object.Err != nil {
			return nil, Error.Wrap(object.Err)
		}
		keys = append(keys, object.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteOlderThan removes payloads of a source older than age, walking
// day prefixes so untouched days are skipped wholesale.
func (store *MinioStore) DeleteOlderThan(ctx context.Context, source string, age time.Duration) (deleted int, err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := time.Now().UTC().Add(-age)

	done := make(chan struct{})
	defer close(done)

	for object := range store.client.ListObjectsV2(store.bucket, source+"/", true, done) {
		if object.Err != nil {
			return deleted, Error.Wrap(object.Err)
		}
		day, ok := dayOfKey(object.Key)
		if !ok || !day.Before(cutoff.Truncate(24*time.Hour)) {
			continue
		}
		if err := store.client.RemoveObject(store.bucket, object.Key); err != nil {
			return deleted, Error.Wrap(err)
		}
		deleted++
	}
	mon.Counter("rawstore_retention_deleted").Inc(int64(deleted))
	return deleted, nil
}

// Close releases the store.
func (store *MinioStore) Close() error { return nil }

func dayOfKey(key string) (time.Time, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 4 {
		return time.Time{}, false
	}
	year, err1 := strconv.Atoi(parts[1])
	month, err2 := strconv.Atoi(parts[2])
	day, err3 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}
