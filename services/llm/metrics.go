// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

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
	tracer = otel.Tracer("aleutian.testgen.llm")
	meter  = otel.Meter("aleutian.testgen.llm")
)

var (
	completionLatency metric.Float64Histogram
	completionTotal   metric.Int64Counter
	retryTotal        metric.Int64Counter
	outputTokens      metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		completionLatency, err = meter.Float64Histogram(
			"testgen_llm_completion_duration_seconds",
			metric.WithDescription("Duration of completion calls including retries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		completionTotal, err = meter.Int64Counter(
			"testgen_llm_completions_total",
			metric.WithDescription("Completion calls by provider and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		retryTotal, err = meter.Int64Counter(
			"testgen_llm_retries_total",
			metric.WithDescription("Retried completion attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		outputTokens, err = meter.Int64Counter(
			"testgen_llm_output_tokens_total",
			metric.WithDescription("Tokens generated by the provider"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startCompleteSpan(ctx context.Context, provider string, iteration, promptTokens int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "llm.Client.Complete",
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.Int("testgen.iteration", iteration),
			attribute.Int("llm.prompt_tokens", promptTokens),
		),
	)
}

func recordCompletion(ctx context.Context, provider, outcome string, dur time.Duration, attempts, tokens int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)
	completionLatency.Record(ctx, dur.Seconds(), attrs)
	completionTotal.Add(ctx, 1, attrs)
	if attempts > 1 {
		retryTotal.Add(ctx, int64(attempts-1), metric.WithAttributes(attribute.String("provider", provider)))
	}
	if tokens > 0 {
		outputTokens.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("provider", provider)))
	}
}
