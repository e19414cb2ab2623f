// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

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
	tracer = otel.Tracer("aleutian.testgen.ast")
	meter  = otel.Meter("aleutian.testgen.ast")
)

var (
	parseLatency metric.Float64Histogram
	parseTotal   metric.Int64Counter
	cacheHits    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		parseLatency, err = meter.Float64Histogram(
			"testgen_ast_parse_duration_seconds",
			metric.WithDescription("Duration of python parse operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		parseTotal, err = meter.Int64Counter(
			"testgen_ast_parse_total",
			metric.WithDescription("Total number of parse operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheHits, err = meter.Int64Counter(
			"testgen_factsheet_cache_hits_total",
			metric.WithDescription("Fact sheets served from the cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordParseMetrics(ctx context.Context, kind string, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	)
	parseLatency.Record(ctx, duration.Seconds(), attrs)
	parseTotal.Add(ctx, 1, attrs)
}

func recordCacheHit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

func startParseSpan(ctx context.Context, kind, filePath string, contentSize int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ast.Parse",
		trace.WithAttributes(
			attribute.String("ast.kind", kind),
			attribute.String("ast.file", filePath),
			attribute.Int("ast.content_size", contentSize),
		),
	)
}
