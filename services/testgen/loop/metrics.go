// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.testgen.loop")
	meter  = otel.Meter("aleutian.testgen.loop")
)

var (
	sessionLatency   metric.Float64Histogram
	sessionTotal     metric.Int64Counter
	iterationTotal   metric.Int64Counter
	stateTransitions metric.Int64Counter
	finalCoverage    metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		sessionLatency, err = meter.Float64Histogram(
			"testgen_session_duration_seconds",
			metric.WithDescription("Duration of test generation sessions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionTotal, err = meter.Int64Counter(
			"testgen_session_total",
			metric.WithDescription("Total number of test generation sessions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		iterationTotal, err = meter.Int64Counter(
			"testgen_iterations_total",
			metric.WithDescription("Total number of regeneration iterations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stateTransitions, err = meter.Int64Counter(
			"testgen_state_transitions_total",
			metric.WithDescription("Total number of loop state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		finalCoverage, err = meter.Float64Histogram(
			"testgen_best_coverage_percent",
			metric.WithDescription("Best coverage reached per session"),
			metric.WithUnit("%"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startSessionSpan creates a span for one session.
func startSessionSpan(ctx context.Context, sessionID, module string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Controller.Run",
		trace.WithAttributes(
			attribute.String("testgen.session_id", sessionID),
			attribute.String("testgen.module", module),
		),
	)
}

// setSessionSpanResult sets the result attributes on a session span.
func setSessionSpanResult(span trace.Span, status string, iterations int, best float64) {
	span.SetAttributes(
		attribute.String("testgen.status", status),
		attribute.Int("testgen.iterations", iterations),
		attribute.Float64("testgen.best_coverage", best),
	)
}

// addStateTransitionEvent adds a transition event to the session span.
func addStateTransitionEvent(span trace.Span, from, to State, iteration int) {
	span.AddEvent("state_transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.Int("iteration", iteration),
	))
}

func recordSessionMetrics(ctx context.Context, status string, duration time.Duration, iterations int, best float64) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	sessionLatency.Record(ctx, duration.Seconds(), attrs)
	sessionTotal.Add(ctx, 1, attrs)
	iterationTotal.Add(ctx, int64(iterations), attrs)
	finalCoverage.Record(ctx, best, attrs)
}

func recordStateTransition(ctx context.Context, from, to State) {
	if err := initMetrics(); err != nil {
		return
	}
	stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}
