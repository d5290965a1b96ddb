// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis"
)

const (
	readyKey   = "telemetry:tasks"
	delayedKey = "telemetry:tasks:delayed"
	deadKey    = "telemetry:tasks:dead"
)

// RedisConfig holds queue connection settings.
type RedisConfig struct {
	Address  string `help:"redis address for the work queue" default:"127.0.0.1:6379"`
	Password string `help:"redis password" default:""`
	DB       int    `help:"redis database for the work queue" default:"0"`
}

// RedisQueue is the redis-backed Queue: a FIFO list for ready tasks, a
// sorted set keyed by due time for delayed tasks, and a dead-letter list.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue connects to redis, verifying the connection.
func NewRedisQueue(config RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping().Err(); err != nil {
		return nil, Error.New("queue connect: %v", err)
	}
	return &RedisQueue{client: client}, nil
}

// Push enqueues a task for immediate delivery.
func (queue *RedisQueue) Push(ctx context.Context, task *Task) error {
	encoded, err := json.Marshal(task)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := queue.client.LPush(readyKey, encoded).Err(); err != nil {
		return Error.New("enqueue error: %v", err)
	}
	return nil
}

// PushDelayed enqueues a task that becomes due at notBefore.
func (queue *RedisQueue) PushDelayed(ctx context.Context, task *Task, notBefore time.Time) error {
	task.NotBefore = notBefore.UTC()
	encoded, err := json.Marshal(task)
	if err != nil {
		return Error.Wrap(err)
	}
	err = queue.client.ZAdd(delayedKey, redis.Z{
		Score:  float64(task.NotBefore.Unix()),
		Member: encoded,
	}).Err()
	if err != nil {
		return Error.New("delayed enqueue error: %v", err)
	}
	return nil
}

// Pop dequeues the next due task, or ErrEmptyQueue.
func (queue *RedisQueue) Pop(ctx context.Context) (*Task, error) {
	out, err := queue.client.RPop(readyKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrEmptyQueue.New("")
		}
		return nil, Error.New("dequeue error: %v", err)
	}
	var task Task
	if err := json.Unmarshal(out, &task); err != nil {
		return nil, Error.Wrap(err)
	}
	return &task, nil
}

// MoveDue promotes delayed tasks whose time has come.
func (queue *RedisQueue) MoveDue(ctx context.Context, now time.Time) (moved int, err error) {
	due, err := queue.client.ZRangeByScore(delayedKey, redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UTC().Unix(), 10),
	}).Result()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	for _, member := range due {
		if err := queue.client.LPush(readyKey, member).Err(); err != nil {
			return moved, Error.Wrap(err)
		}
		if err := queue.client.ZRem(delayedKey, member).Err(); err != nil {
			return moved, Error.Wrap(err)
		}
		moved++
	}
	return moved, nil
}

// PushDead records a task that permanently failed.
func (queue *RedisQueue) PushDead(ctx context.Context, task *Task, cause string) error {
	entry, err := json.Marshal(struct {
		Task  *Task  `json:"task"`
		Cause string `json:"cause"`
		At    string `json:"at"`
	}{task, cause, time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return Error.Wrap(err)
	}
	if err := queue.client.LPush(deadKey, entry).Err(); err != nil {
		return Error.New("dead-letter error: %v", err)
	}
	return nil
}

// DeadCount returns the dead-letter backlog size.
func (queue *RedisQueue) DeadCount(ctx context.Context) (int64, error) {
	count, err := queue.client.LLen(deadKey).Result()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return count, nil
}

// Close releases the queue.
func (queue *RedisQueue) Close() error {
	return Error.Wrap(queue.client.Close())
}
