// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

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
	tracer = otel.Tracer("aleutian.testgen.runner")
	meter  = otel.Meter("aleutian.testgen.runner")
)

var (
	runLatency metric.Float64Histogram
	runTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		runLatency, err = meter.Float64Histogram(
			"testgen_runner_duration_seconds",
			metric.WithDescription("Duration of pytest runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		runTotal, err = meter.Int64Counter(
			"testgen_runner_runs_total",
			metric.WithDescription("pytest runs by outcome"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, module string, timeout time.Duration) (context.Context, trace.Span) {
	return tracer.Start(ctx, "runner.Runner.Run",
		trace.WithAttributes(
			attribute.String("runner.module", module),
			attribute.Int64("runner.timeout_ms", timeout.Milliseconds()),
		),
	)
}

func recordRun(ctx context.Context, outcome string, dur time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	runLatency.Record(ctx, dur.Seconds(), attrs)
	runTotal.Add(ctx, 1, attrs)
}
