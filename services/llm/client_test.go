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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTestGen/pkg/tokens"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// scriptedProvider returns the scripted results in order, then repeats
// the last one.
type scriptedProvider struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   int
	block   bool
}

type scriptedResult struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, _ datatypes.GenerationRequest) (Completion, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	block := p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return Completion{}, ctx.Err()
	}
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	r := p.results[idx]
	if r.err != nil {
		return Completion{}, r.err
	}
	return Completion{Text: r.text, Model: "scripted-1"}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
		JitterFactor:   0,
	}
}

func newTestClient(p Provider, attempts int) *Client {
	return NewClient(p,
		WithRetryConfig(fastRetry(attempts)),
		WithTokenCounter(tokens.Estimate),
		WithAttemptTimeout(time.Second),
	)
}

func transient() error {
	return &ProviderError{Kind: KindTransient, Provider: "scripted", StatusCode: 503}
}

func TestClient_Complete_Success(t *testing.T) {
	p := &scriptedProvider{results: []scriptedResult{{text: "def test_x():\n    assert True\n"}}}
	c := newTestClient(p, 3)

	res, err := c.Complete(context.Background(), datatypes.GenerationRequest{Iteration: 1, Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "def test_x():\n    assert True\n", res.Text)
	assert.Equal(t, "scripted", res.Provider)
	assert.Equal(t, "scripted-1", res.Model)
	assert.Equal(t, 1, res.Attempts)
	assert.Positive(t, res.OutputTokens)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Requests)
	assert.Equal(t, 1, stats.Attempts)
	assert.Zero(t, stats.Failures)
}

func TestClient_Complete_RetriesTransient(t *testing.T) {
	p := &scriptedProvider{results: []scriptedResult{
		{err: transient()},
		{err: &ProviderError{Kind: KindRateLimited, Provider: "scripted", StatusCode: 429}},
		{text: "ok"},
	}}
	c := newTestClient(p, 3)

	res, err := c.Complete(context.Background(), datatypes.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, p.Calls())
}

func TestClient_Complete_TransientExhausted(t *testing.T) {
	p := &scriptedProvider{results: []scriptedResult{{err: transient()}}}
	c := newTestClient(p, 3)

	res, err := c.Complete(context.Background(), datatypes.GenerationRequest{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, 1, c.Stats().Failures)
}

func TestClient_Complete_FatalNotRetried(t *testing.T) {
	p := &scriptedProvider{results: []scriptedResult{
		{err: &ProviderError{Kind: KindFatal, Provider: "scripted", StatusCode: 401}},
	}}
	c := newTestClient(p, 3)

	_, err := c.Complete(context.Background(), datatypes.GenerationRequest{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, p.Calls())
}

func TestClient_Complete_AttemptTimeout(t *testing.T) {
	p := &scriptedProvider{block: true}
	c := NewClient(p,
		WithRetryConfig(fastRetry(2)),
		WithAttemptTimeout(10*time.Millisecond),
		WithTokenCounter(tokens.Estimate),
	)

	_, err := c.Complete(context.Background(), datatypes.GenerationRequest{})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
	assert.Equal(t, 2, p.Calls())
}

func TestClient_Complete_CallerCanceled(t *testing.T) {
	p := &scriptedProvider{results: []scriptedResult{{text: "never"}}}
	c := newTestClient(p, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, datatypes.GenerationRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, p.Calls())
	assert.False(t, IsFatal(err))
}

func TestClient_IndependentCounters(t *testing.T) {
	p := &scriptedProvider{results: []scriptedResult{{text: "ok"}}}
	a := newTestClient(p, 1)
	b := newTestClient(p, 1)

	_, err := a.Complete(context.Background(), datatypes.GenerationRequest{})
	require.NoError(t, err)

	assert.Equal(t, 1, a.Stats().Requests)
	assert.Zero(t, b.Stats().Requests)
}

func TestClient_RateLimiterSpacesCalls(t *testing.T) {
	p := &scriptedProvider{results: []scriptedResult{{text: "ok"}}}
	// 1200 rpm is one call per 50ms
	c := NewClient(p, WithRequestsPerMinute(1200), WithTokenCounter(tokens.Estimate))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), datatypes.GenerationRequest{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
