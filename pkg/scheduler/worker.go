// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/telemetry/internal/sync2"
)

// Handler processes one task.
type Handler func(ctx context.Context, task *Task) error

// Backoff delays between retry attempts.
var Backoff = []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Workers      int           `help:"number of task workers" default:"4"`
	PollInterval time.Duration `help:"queue poll interval when idle" default:"500ms"`
	MoveInterval time.Duration `help:"how often delayed tasks are promoted" default:"1s"`
}

// Pool runs task handlers against the queue.
type Pool struct {
	log      *zap.Logger
	queue    Queue
	config   PoolConfig
	handlers map[Kind]Handler

	mover *sync2.Cycle
}

// NewPool creates a worker pool.
func NewPool(log *zap.Logger, queue Queue, config PoolConfig) *Pool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Pool{
		log:      log,
		queue:    queue,
		config:   config,
		handlers: map[Kind]Handler{},
		mover:    sync2.NewCycle(config.MoveInterval),
	}
}

// Handle registers the handler for a task kind.
func (pool *Pool) Handle(kind Kind, handler Handler) {
	pool.handlers[kind] = handler
}

// Run runs the workers and the delayed-task mover until ctx is canceled.
func (pool *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return ignoreCancel(pool.mover.Run(ctx, func(ctx context.Context) error {
			_, err := pool.queue.MoveDue(ctx, time.Now())
			if err != nil {
				pool.log.Error("promoting delayed tasks failed", zap.Error(err))
			}
			return nil
		}))
	})

	for i := 0; i < pool.config.Workers; i++ {
		worker := pool.log.Named(fmt.Sprintf("worker:%d", i))
		group.Go(func() error {
			return ignoreCancel(pool.worker(ctx, worker))
		})
	}

	return group.Wait()
}

func (pool *Pool) worker(ctx context.Context, log *zap.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := pool.queue.Pop(ctx)
		if ErrEmptyQueue.Has(err) {
			if !sleep(ctx, pool.config.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			log.Error("dequeue failed", zap.Error(err))
			if !sleep(ctx, pool.config.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		pool.dispatch(ctx, log, task)
	}
}

func (pool *Pool) dispatch(ctx context.Context, log *zap.Logger, task *Task) {
	handler, ok := pool.handlers[task.Kind]
	if !ok {
		mon.Counter("tasks_unknown_kind").Inc(1)
		log.Error("unknown task kind", zap.String("kind", string(task.Kind)), zap.String("id", task.ID))
		if err := pool.queue.PushDead(ctx, task, "unknown task kind"); err != nil {
			log.Error("dead-letter failed", zap.Error(err))
		}
		return
	}

	task.Attempt++
	err := pool.invoke(ctx, handler, task)
	if err == nil {
		mon.Counter("tasks_completed").Inc(1)
		return
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if IsRetryable(err) && task.Attempt < maxAttempts {
		delay := Backoff[len(Backoff)-1]
		if task.Attempt-1 < len(Backoff) {
			delay = Backoff[task.Attempt-1]
		}
		log.Warn("task failed, retrying",
			zap.String("kind", string(task.Kind)),
			zap.String("id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		mon.Counter("tasks_retried").Inc(1)
		if err := pool.queue.PushDelayed(ctx, task, time.Now().Add(delay)); err != nil {
			log.Error("retry enqueue failed", zap.Error(err))
		}
		return
	}

	log.Error("task failed permanently",
		zap.String("kind", string(task.Kind)),
		zap.String("id", task.ID),
		zap.Int("attempt", task.Attempt),
		zap.Error(err))
	mon.Counter("tasks_dead").Inc(1)
	if err := pool.queue.PushDead(ctx, task, err.Error()); err != nil {
		log.Error("dead-letter failed", zap.Error(err))
	}
}

// invoke runs the handler under the kind's deadline, converting a
// panic into a task failure. A handler killed by the deadline counts
// as retryable unless it already classified its error otherwise.
func (pool *Pool) invoke(ctx context.Context, handler Handler, task *Task) (err error) {
	if timeout, ok := Timeouts[task.Kind]; ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = Error.New("handler panic: %v", rec)
		}
		if err != nil && ctx.Err() == context.DeadlineExceeded && !IsRetryable(err) {
			err = MarkRetryable(err)
		}
	}()
	return handler(ctx, task)
}

func sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}
