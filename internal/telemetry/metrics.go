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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the driver's instruments. All names use the "adjust_" prefix.
//
// Methods are safe on a nil *Metrics, so components can run without
// telemetry wired in.
type Metrics struct {
	// RemoteRequests counts orchestrator calls by operation and status.
	RemoteRequests metric.Int64Counter

	// RemoteDuration records orchestrator call latency in seconds.
	RemoteDuration metric.Float64Histogram

	// DeployPolls counts state observations by rollout state.
	DeployPolls metric.Int64Counter

	// DeployEvents counts progress events by kind (progress, blocked, ready).
	DeployEvents metric.Int64Counter

	// Interrupts counts interrupt signals by kind and outcome.
	Interrupts metric.Int64Counter

	// Operations counts query/update invocations by outcome.
	Operations metric.Int64Counter
}

// NewMetrics registers the instruments with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.RemoteRequests, err = meter.Int64Counter("adjust_remote_requests_total",
		metric.WithDescription("Orchestrator API calls by operation and status")); err != nil {
		return nil, fmt.Errorf("create remote requests counter: %w", err)
	}
	if m.RemoteDuration, err = meter.Float64Histogram("adjust_remote_request_duration_seconds",
		metric.WithDescription("Orchestrator API call latency"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create remote duration histogram: %w", err)
	}
	if m.DeployPolls, err = meter.Int64Counter("adjust_deploy_polls_total",
		metric.WithDescription("Deployment state observations by state")); err != nil {
		return nil, fmt.Errorf("create polls counter: %w", err)
	}
	if m.DeployEvents, err = meter.Int64Counter("adjust_deploy_events_total",
		metric.WithDescription("Progress events emitted by kind")); err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	if m.Interrupts, err = meter.Int64Counter("adjust_interrupts_total",
		metric.WithDescription("Interrupt signals by kind and outcome")); err != nil {
		return nil, fmt.Errorf("create interrupts counter: %w", err)
	}
	if m.Operations, err = meter.Int64Counter("adjust_operations_total",
		metric.WithDescription("Driver operations by name and outcome")); err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}
	return &m, nil
}

// GlobalMetrics builds Metrics on the global meter provider, falling back
// to no-op instruments if registration fails.
func GlobalMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(TracerName))
	if err != nil {
		return NoopMetrics()
	}
	return m
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(TracerName))
	return m
}

// RecordRemote counts and times one orchestrator call.
func (m *Metrics) RecordRemote(ctx context.Context, operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	m.RemoteRequests.Add(ctx, 1, attrs)
	m.RemoteDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordPoll counts one state observation.
func (m *Metrics) RecordPoll(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.DeployPolls.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordEvent counts one emitted progress event.
func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.DeployEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordInterrupt counts one interrupt and what was done about it.
func (m *Metrics) RecordInterrupt(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.Interrupts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordOperation counts one driver operation.
func (m *Metrics) RecordOperation(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.Operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
