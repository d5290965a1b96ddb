// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Queue is the task transport. Delivery is at-least-once; handlers are
// expected to be idempotent.
type Queue interface {
	// Push enqueues a task for immediate delivery.
	Push(ctx context.Context, task *Task) error
	// PushDelayed enqueues a task that becomes due at notBefore.
	PushDelayed(ctx context.Context, task *Task, notBefore time.Time) error
	// Pop dequeues the next due task, or ErrEmptyQueue.
	Pop(ctx context.Context) (*Task, error)
	// MoveDue promotes delayed tasks whose time has come.
	MoveDue(ctx context.Context, now time.Time) (moved int, err error)
	// PushDead records a task that permanently failed.
	PushDead(ctx context.Context, task *Task, cause string) error
	// DeadCount returns the dead-letter backlog size.
	DeadCount(ctx context.Context) (int64, error)
	// Close releases the queue.
	Close() error
}

// InMemoryQueue is a Queue for tests and single-process setups.
type InMemoryQueue struct {
	mu      sync.Mutex
	ready   []*Task
	delayed []*Task
	dead    []deadTask
}

type deadTask struct {
	task  *Task
	cause string
}

// NewInMemoryQueue creates an in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

// Push enqueues a task for immediate delivery.
func (queue *InMemoryQueue) Push(ctx context.Context, task *Task) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.ready = append(queue.ready, task)
	return nil
}

// PushDelayed enqueues a task that becomes due at notBefore.
func (queue *InMemoryQueue) PushDelayed(ctx context.Context, task *Task, notBefore time.Time) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	task.NotBefore = notBefore.UTC()
	queue.delayed = append(queue.delayed, task)
	sort.Slice(queue.delayed, func(i, k int) bool {
		return queue.delayed[i].NotBefore.Before(queue.delayed[k].NotBefore)
	})
	return nil
}

// Pop dequeues the next due task, or ErrEmptyQueue.
func (queue *InMemoryQueue) Pop(ctx context.Context) (*Task, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.ready) == 0 {
		return nil, ErrEmptyQueue.New("")
	}
	task := queue.ready[0]
	queue.ready = queue.ready[1:]
	return task, nil
}

// MoveDue promotes delayed tasks whose time has come.
func (queue *InMemoryQueue) MoveDue(ctx context.Context, now time.Time) (moved int, err error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	for len(queue.delayed) > 0 && !queue.delayed[0].NotBefore.After(now) {
		queue.ready = append(queue.ready, queue.delayed[0])
		queue.delayed = queue.delayed[1:]
		moved++
	}
	return moved, nil
}

// PushDead records a task that permanently failed.
func (queue *InMemoryQueue) PushDead(ctx context.Context, task *Task, cause string) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.dead = append(queue.dead, deadTask{task: task, cause: cause})
	return nil
}

// DeadCount returns the dead-letter backlog size.
func (queue *InMemoryQueue) DeadCount(ctx context.Context) (int64, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return int64(len(queue.dead)), nil
}

// Close releases the queue.
func (queue *InMemoryQueue) Close() error { return nil }
