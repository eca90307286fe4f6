// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the instruments recorded by the task queue and the
// generation pipeline. All names use the "acrobot_" prefix.
//
// The Record* helpers accept a nil receiver so components can run without
// telemetry in tests.
type Metrics struct {
	// TasksEnqueued counts tasks accepted by the queue.
	TasksEnqueued metric.Int64Counter

	// TasksExecuted counts finished tasks by result (ok, error, panic).
	TasksExecuted metric.Int64Counter

	// QueueDepth tracks tasks waiting to run.
	QueueDepth metric.Int64UpDownCounter

	// TaskDuration records task run time in seconds, throttle sleep excluded.
	TaskDuration metric.Float64Histogram

	// ProviderCalls counts model provider calls by provider and category.
	ProviderCalls metric.Int64Counter

	// GenerationOutcomes counts finished generations by outcome.
	GenerationOutcomes metric.Int64Counter

	// GenerationAttempts records how many provider calls a generation took.
	GenerationAttempts metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments registered.
//
// # Inputs
//
//   - meter: The otel meter to register on.
//
// # Outputs
//
//   - *Metrics: Ready to record.
//   - error: Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter(
		"acrobot_tasks_enqueued_total",
		metric.WithDescription("Total tasks accepted by the queue"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_enqueued_total: %w", err)
	}

	m.TasksExecuted, err = meter.Int64Counter(
		"acrobot_tasks_executed_total",
		metric.WithDescription("Total tasks executed by result"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_executed_total: %w", err)
	}

	m.QueueDepth, err = meter.Int64UpDownCounter(
		"acrobot_queue_depth",
		metric.WithDescription("Tasks waiting in the queue"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue_depth: %w", err)
	}

	m.TaskDuration, err = meter.Float64Histogram(
		"acrobot_task_duration_seconds",
		metric.WithDescription("Task execution time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create task_duration: %w", err)
	}

	m.ProviderCalls, err = meter.Int64Counter(
		"acrobot_provider_calls_total",
		metric.WithDescription("Model provider calls by provider and category"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create provider_calls_total: %w", err)
	}

	m.GenerationOutcomes, err = meter.Int64Counter(
		"acrobot_generation_outcomes_total",
		metric.WithDescription("Finished generations by outcome"),
		metric.WithUnit("{generation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create generation_outcomes_total: %w", err)
	}

	m.GenerationAttempts, err = meter.Int64Histogram(
		"acrobot_generation_attempts",
		metric.WithDescription("Provider calls per generation"),
		metric.WithUnit("{call}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 8),
	)
	if err != nil {
		return nil, fmt.Errorf("create generation_attempts: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordEnqueue(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksEnqueued.Add(ctx, 1)
	m.QueueDepth.Add(ctx, 1)
}

func (m *Metrics) RecordDequeue(ctx context.Context) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(ctx, -1)
}

// RecordTask records one finished task. result is "ok", "error" or "panic".
func (m *Metrics) RecordTask(ctx context.Context, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.TasksExecuted.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordProviderCall(ctx context.Context, provider, category string) {
	if m == nil {
		return
	}
	m.ProviderCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("category", category),
	))
}

func (m *Metrics) RecordGeneration(ctx context.Context, outcome string, attempts int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.GenerationOutcomes.Add(ctx, 1, attrs)
	m.GenerationAttempts.Record(ctx, int64(attempts), attrs)
}
