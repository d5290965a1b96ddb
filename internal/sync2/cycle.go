// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information

package sync2

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cycle implements a controllable recurring event.
type Cycle struct {
	interval time.Duration

	ticker   *time.Ticker
	control  chan interface{}
	stopping chan struct{}

	init     sync.Once
	stopOnce sync.Once
}

type (
	// cycle control messages
	cyclePause    struct{}
	cycleContinue struct{}
	cycleTrigger  struct {
		done chan struct{}
	}
)

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval allows to change the interval before starting.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.control = make(chan interface{})
		cycle.stopping = make(chan struct{})
	})
}

// sendControl sends a control message
func (cycle *Cycle) sendControl(message interface{}) {
	cycle.initialize()
	select {
	case cycle.control <- message:
	case <-cycle.stopping:
	}
}

// Start runs the cycle in the group.
func (cycle *Cycle) Start(ctx context.Context, group *errgroup.Group, fn func(ctx context.Context) error) {
	group.Go(func() error {
		return cycle.Run(ctx, fn)
	})
}

// Run runs the specified function with an interval between calls.
// The function is called once immediately on start.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()

	currentInterval := cycle.interval
	cycle.ticker = time.NewTicker(currentInterval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case message := <-cycle.control:
			switch message := message.(type) {
			case time.Duration:
				currentInterval = message
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cyclePause:
				cycle.ticker.Stop()
				// ensure we don't have ticks left
				select {
				case <-cycle.ticker.C:
				default:
				}

			case cycleContinue:
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cycleTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
				if message.done != nil {
					message.done <- struct{}{}
				}
			}

		case <-cycle.stopping:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop stops the cycle permanently. Safe to call before Run and more
// than once.
func (cycle *Cycle) Stop() {
	cycle.initialize()
	cycle.stopOnce.Do(func() {
		close(cycle.stopping)
	})
}

// Close stops the cycle.
func (cycle *Cycle) Close() {
	cycle.Stop()
}

// ChangeInterval allows to change the ticker interval after it has started.
func (cycle *Cycle) ChangeInterval(interval time.Duration) {
	cycle.sendControl(interval)
}

// Pause pauses the cycle.
func (cycle *Cycle) Pause() {
	cycle.sendControl(cyclePause{})
}

// Restart restarts the ticker from 0.
func (cycle *Cycle) Restart() {
	cycle.sendControl(cycleContinue{})
}

// Trigger ensures that the loop is done at least once.
// If it's currently running it waits for the previous to complete and then runs.
func (cycle *Cycle) Trigger() {
	cycle.sendControl(cycleTrigger{})
}

// TriggerWait ensures that the loop is done at least once and waits for completion.
// If it's currently running it waits for the previous to complete and then runs.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done})
	select {
	case <-done:
	case <-cycle.stopping:
	}
}
