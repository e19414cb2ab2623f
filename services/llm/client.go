// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the completion client used by the regeneration loop.
//
// A Client wraps one Provider (OpenAI, Anthropic or a local Ollama server)
// with a request limiter, bounded retries for transient failures and
// per-instance counters. Provider failures are classified into
// *ProviderError values; see ErrorKind.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
	"github.com/AleutianAI/AleutianTestGen/pkg/tokens"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// Completion is the raw answer of one provider call.
type Completion struct {
	Text         string
	Model        string
	OutputTokens int
}

// Provider performs a single completion call.
//
// Implementations return a *ProviderError for classified failures and the
// context error on cancellation.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req datatypes.GenerationRequest) (Completion, error)
}

// Stats are the counters of one Client.
type Stats struct {
	Requests     int
	Attempts     int
	Failures     int
	OutputTokens int
}

// Client is the completion client of one session.
//
// # Thread Safety
//
// Client is safe for concurrent use. Each client owns its limiter and
// counters.
type Client struct {
	provider Provider
	limiter  *rate.Limiter
	retry    RetryConfig
	timeout  time.Duration
	logger   *slog.Logger
	counter  tokens.Counter

	mu    sync.Mutex
	stats Stats
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryConfig overrides the retry bounds.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithRequestsPerMinute throttles provider calls. Zero disables throttling.
func WithRequestsPerMinute(rpm int) ClientOption {
	return func(c *Client) {
		if rpm <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}
}

// WithAttemptTimeout bounds each provider call.
func WithAttemptTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithTokenCounter sets the counter used when a provider reports no usage.
func WithTokenCounter(counter tokens.Counter) ClientOption {
	return func(c *Client) {
		if counter != nil {
			c.counter = counter
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient wraps a provider.
func NewClient(provider Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		retry:    DefaultRetryConfig(),
		timeout:  120 * time.Second,
		logger:   slog.Default(),
		counter:  tokens.Count,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.Validate() != nil {
		c.retry = DefaultRetryConfig()
	}
	return c
}

// NewProvider constructs the provider for a resolution.
func NewProvider(res *Resolution, httpClient *http.Client) (Provider, error) {
	if res == nil {
		return nil, credentialMissing("auto", "no provider resolved")
	}
	key, err := res.Credential()
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case ProviderOpenAI:
		return NewOpenAIProvider(key, res.BaseURL, res.Model, httpClient), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(key, res.BaseURL, res.Model, httpClient)
	case ProviderLocal:
		return NewLocalProvider(res.BaseURL, res.Model, httpClient)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, res.Kind)
	}
}

// NewFromConfig resolves the provider from cfg and lookup and returns a
// configured client.
func NewFromConfig(cfg config.LLMConfig, lookup LookupFunc, logger *slog.Logger) (*Client, *Resolution, error) {
	res, err := Resolve(cfg, lookup)
	if err != nil {
		return nil, nil, err
	}
	provider, err := NewProvider(res, &http.Client{})
	if err != nil {
		return nil, res, err
	}
	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts
	client := NewClient(provider,
		WithRetryConfig(retry),
		WithRequestsPerMinute(cfg.RequestsPerMinute),
		WithAttemptTimeout(cfg.Timeout),
		WithLogger(logger),
	)
	return client, res, nil
}

// ProviderName returns the wrapped provider's name.
func (c *Client) ProviderName() string {
	return c.provider.Name()
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Complete sends req to the provider.
//
// Description:
//
//	Transient failures (timeout, rate limit, 5xx, network, empty
//	response) are retried with exponential backoff up to the configured
//	attempt count. Each attempt waits for the limiter and runs under its
//	own timeout.
//
// Outputs:
//   - datatypes.GenerationResult: The text and usage on success.
//   - error: The last *ProviderError, or the context error.
func (c *Client) Complete(ctx context.Context, req datatypes.GenerationRequest) (datatypes.GenerationResult, error) {
	provider := c.provider.Name()
	ctx, span := startCompleteSpan(ctx, provider, req.Iteration, req.PromptTokens)
	defer span.End()

	start := time.Now()
	var completion Completion

	result, err := Retry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := c.provider.Complete(attemptCtx, req)
		if err != nil {
			// the attempt deadline, not the caller's, makes this a timeout
			if ctx.Err() == nil && attemptCtx.Err() != nil {
				if _, ok := KindOf(err); !ok {
					err = &ProviderError{Kind: KindTimeout, Provider: provider, Err: err}
				}
			}
			if IsTransient(err) {
				c.logger.Warn("completion attempt failed",
					slog.String("provider", provider),
					slog.Int("iteration", req.Iteration),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			}
			return err
		}
		completion = out
		return nil
	})

	latency := time.Since(start)

	if err != nil {
		c.record(result.Attempts, err, 0)
		outcome := "canceled"
		if kind, ok := KindOf(err); ok {
			outcome = kind.String()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordCompletion(ctx, provider, outcome, latency, result.Attempts, 0)
		c.logger.Error("completion failed",
			slog.String("provider", provider),
			slog.Int("iteration", req.Iteration),
			slog.Int("attempts", result.Attempts),
			slog.String("outcome", outcome),
		)
		return datatypes.GenerationResult{Provider: provider, Attempts: result.Attempts, Latency: latency}, err
	}

	outTokens := completion.OutputTokens
	if outTokens == 0 {
		outTokens = c.counter(completion.Text)
	}
	c.record(result.Attempts, nil, outTokens)
	model := completion.Model
	if model == "" {
		model = req.Model
	}

	span.SetAttributes(
		attribute.Int("llm.attempts", result.Attempts),
		attribute.Int("llm.output_tokens", outTokens),
	)
	recordCompletion(ctx, provider, "ok", latency, result.Attempts, outTokens)
	c.logger.Debug("completion received",
		slog.String("provider", provider),
		slog.String("model", model),
		slog.Int("iteration", req.Iteration),
		slog.Int("attempts", result.Attempts),
		slog.Int("output_tokens", outTokens),
		slog.Duration("latency", latency),
	)

	return datatypes.GenerationResult{
		Text:         completion.Text,
		Provider:     provider,
		Model:        model,
		Attempts:     result.Attempts,
		OutputTokens: outTokens,
		Latency:      latency,
	}, nil
}

func (c *Client) record(attempts int, err error, outTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Requests++
	c.stats.Attempts += attempts
	if err != nil {
		c.stats.Failures++
	}
	c.stats.OutputTokens += outTokens
}
