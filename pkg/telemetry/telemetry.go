// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry tracer and meter providers
// used by the test generator.
//
// Components create their own package-level tracers and meters through
// otel.Tracer and otel.Meter. Until Setup runs those resolve to no-op
// providers, so library code and tests never depend on this package.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
)

// ServiceName identifies the test generator in traces and metrics.
const ServiceName = "aleutian-testgen"

var (
	// ErrNilContext is returned when Setup is called with a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an unsupported trace exporter.
	ErrUnknownExporter = errors.New("unknown exporter type")
)

// Providers holds the installed providers and the private metrics registry.
type Providers struct {
	Tracer   *sdktrace.TracerProvider
	Meter    *sdkmetric.MeterProvider
	Registry *prometheus.Registry

	metricsFile string
	shutdown    []func(context.Context) error
}

// Option configures Setup.
type Option func(*options)

type options struct {
	version string
	out     io.Writer
}

// WithVersion sets the service.version resource attribute.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithWriter redirects the stdout exporters.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.out = w
		}
	}
}

// Setup installs global tracer and meter providers.
//
// Description:
//
//	Traces go to stdout or to an OTLP gRPC collector depending on
//	cfg.Traces, or nowhere when it is "none". Metrics are always
//	collected through the OpenTelemetry prometheus exporter into a
//	private registry, which Shutdown writes to cfg.MetricsFile when set.
//	cfg.StdoutMetrics additionally prints metrics on each periodic read
//	and at shutdown.
//
// Outputs:
//   - *Providers: Call Shutdown on exit. Never nil when err is nil.
//   - error: Non-nil if an exporter cannot be created.
//
// Thread Safety: Call once at startup.
func Setup(ctx context.Context, cfg config.TelemetryConfig, opts ...Option) (*Providers, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	o := options{version: "dev", out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", o.version),
	)
	p := &Providers{metricsFile: cfg.MetricsFile}

	tp, err := newTracerProvider(ctx, cfg, res, o.out)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	if tp != nil {
		p.Tracer = tp
		otel.SetTracerProvider(tp)
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}

	mp, reg, err := newMeterProvider(cfg, res, o.out)
	if err != nil {
		if tp != nil {
			_ = tp.Shutdown(ctx)
		}
		return nil, fmt.Errorf("init meter: %w", err)
	}
	p.Meter = mp
	p.Registry = reg
	otel.SetMeterProvider(mp)

	return p, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, out io.Writer) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Traces {
	case "", "none":
		return nil, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Traces)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func newMeterProvider(cfg config.TelemetryConfig, res *resource.Resource, out io.Writer) (*sdkmetric.MeterProvider, *prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mopts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}
	if cfg.StdoutMetrics {
		stdout, err := stdoutmetric.New(stdoutmetric.WithWriter(out), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mopts = append(mopts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(stdout)))
	}
	return sdkmetric.NewMeterProvider(mopts...), reg, nil
}

// Shutdown flushes the providers and writes the metrics textfile.
//
// The textfile is written before the meter provider shuts down, since a
// shut down prometheus reader no longer collects. All errors are joined.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.metricsFile != "" && p.Registry != nil {
		if err := WriteMetrics(p.metricsFile, p.Registry); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Meter != nil {
		if err := p.Meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// WriteMetrics writes the prometheus text exposition of g to path.
func WriteMetrics(path string, g prometheus.Gatherer) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}

// LoggerWithTrace adds trace_id and span_id attributes to logger when ctx
// carries a valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
