// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue serializes deferred work behind a single consumer with a fixed
// pause after every task, so at most one task starts per interval no matter
// how bursty the producers are.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/acrobot/services/telemetry"
	"github.com/google/uuid"
)

// DefaultShutdownTimeout bounds how long Shutdown callers usually wait.
const DefaultShutdownTimeout = 60 * time.Second

var (
	// ErrClosed is returned by Enqueue once Shutdown has queued the sentinel.
	ErrClosed = errors.New("queue is closed")

	// ErrShutdownTimeout means the loop did not reach Stopped in time.
	ErrShutdownTimeout = errors.New("queue shutdown timed out")

	// ErrAlreadyRunning is returned by a second Run call.
	ErrAlreadyRunning = errors.New("queue loop is already running")
)

// Task is one unit of deferred work. A returned error is logged by the loop
// and never stops it.
type Task func(ctx context.Context) error

// State is the consumer loop's position in its cycle.
type State int32

const (
	Idle State = iota
	Executing
	Sleeping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Executing:
		return "executing"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type item struct {
	id       string
	task     Task
	sentinel bool
}

// Queue is an unbounded FIFO of tasks drained by one consumer loop.
//
// # Description
//
// Any number of goroutines may Enqueue; Enqueue never blocks. Run pops one
// task at a time, runs it to completion, sleeps for the throttle interval and
// loops. Shutdown appends a sentinel behind the pending tasks, so everything
// queued before it still runs, then waits for the loop to stop.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Run must be called at most once.
type Queue struct {
	interval time.Duration
	sleep    Sleeper
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	items   []item
	closed  bool
	running bool

	notify  chan struct{}
	stopped chan struct{}
	state   atomic.Int32
}

// Option configures a Queue.
type Option func(*Queue)

// WithSleeper replaces the wall-clock throttle sleep.
func WithSleeper(s Sleeper) Option {
	return func(q *Queue) { q.sleep = s }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a queue that pauses interval after every task. An interval of
// 0 runs tasks back to back.
func New(interval time.Duration, opts ...Option) *Queue {
	q := &Queue{
		interval: max(interval, 0),
		sleep:    sleepContext,
		logger:   slog.Default(),
		notify:   make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends t to the tail and returns its id.
func (q *Queue) Enqueue(t Task) (string, error) {
	if t == nil {
		return "", errors.New("nil task")
	}
	id := uuid.NewString()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.items = append(q.items, item{id: id, task: t})
	q.mu.Unlock()

	q.wake()
	q.metrics.RecordEnqueue(context.Background())
	q.logger.Debug("task enqueued", "task_id", id)
	return id, nil
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.closed && n > 0 && q.items[n-1].sentinel {
		n--
	}
	return n
}

func (q *Queue) State() State {
	return State(q.state.Load())
}

// Stopped is closed once the loop has terminated.
func (q *Queue) Stopped() <-chan struct{} {
	return q.stopped
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run is the consumer loop.
//
// # Description
//
// Blocks until the sentinel is observed (returns nil) or ctx is cancelled
// while idle or sleeping (returns ctx.Err()). A task in flight is never
// cancelled: tasks receive a context detached from ctx's cancellation.
//
// # Outputs
//
//   - error: nil after an orderly Shutdown, ctx.Err() on teardown,
//     ErrAlreadyRunning on a second call.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.mu.Unlock()

	defer func() {
		q.state.Store(int32(Stopped))
		close(q.stopped)
	}()

	q.logger.Info("task queue started", "throttle_interval", q.interval.String())
	taskCtx := context.WithoutCancel(ctx)
	for {
		q.state.Store(int32(Idle))
		it, err := q.next(ctx)
		if err != nil {
			q.logger.Warn("task queue stopped by context", "error", err, "pending", q.Len())
			return err
		}
		if it.sentinel {
			q.logger.Info("task queue drained and stopped")
			return nil
		}

		q.state.Store(int32(Executing))
		q.execute(taskCtx, it)

		q.state.Store(int32(Sleeping))
		if err := q.sleep(ctx, q.interval); err != nil {
			q.logger.Warn("task queue stopped during throttle", "error", err, "pending", q.Len())
			return err
		}
	}
}

// next pops the head of the queue, waiting for one if it is empty.
func (q *Queue) next(ctx context.Context) (item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			if !it.sentinel {
				q.metrics.RecordDequeue(ctx)
			}
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return item{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) execute(ctx context.Context, it item) {
	start := time.Now()
	result := "ok"
	log := q.logger.With("task_id", it.id)

	func() {
		defer func() {
			if r := recover(); r != nil {
				result = "panic"
				log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		if err := it.task(ctx); err != nil {
			result = "error"
			log.Error("task failed", "error", err)
		}
	}()

	elapsed := time.Since(start)
	q.metrics.RecordTask(ctx, result, elapsed)
	log.Debug("task finished", "result", result, "duration", elapsed.String())
}

// Shutdown queues the sentinel and waits for the loop to drain and stop.
//
// # Description
//
// Tasks queued before the call still run, in order. Enqueue fails with
// ErrClosed afterwards. If ctx expires first, ErrShutdownTimeout is returned
// and the loop keeps going; an in-flight task is not interrupted.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.items = append(q.items, item{sentinel: true})
	}
	q.mu.Unlock()
	q.wake()

	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d task(s) pending, state %s", ErrShutdownTimeout, q.Len(), q.State())
	}
}
