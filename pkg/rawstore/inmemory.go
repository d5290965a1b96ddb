// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package rawstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory is a Store for tests.
type InMemory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewInMemory creates an in-memory Store.
func NewInMemory() *InMemory {
	return &InMemory{objects: map[string][]byte{}}
}

// Put stores a payload and returns the generated key.
func (store *InMemory) Put(ctx context.Context, source, connectionID string, ts time.Time, payload []byte) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	key := Key(source, connectionID, ts)
	data := make([]byte, len(payload))
	copy(data, payload)
	store.objects[key] = data
	return key, nil
}

// Get fetches the payload at key.
func (store *InMemory) Get(ctx context.Context, key string) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	data, ok := store.objects[key]
	if !ok {
		return nil, ErrNotFound.New("%s", key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// List returns keys under prefix, sorted.
func (store *InMemory) List(ctx context.Context, prefix string) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var keys []string
	for key := range store.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteOlderThan removes payloads of a source older than age.
func (store *InMemory) DeleteOlderThan(ctx context.Context, source string, age time.Duration) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age).Truncate(24 * time.Hour)
	deleted := 0
	for key := range store.objects {
		if !strings.HasPrefix(key, source+"/") {
			continue
		}
		day, ok := dayOfKey(key)
		if ok && day.Before(cutoff) {
			delete(store.objects, key)
			deleted++
		}
	}
	return deleted, nil
}

// Close releases the store.
func (store *InMemory) Close() error { return nil }
