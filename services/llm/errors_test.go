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
	"fmt"
	"net/http"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		want      ErrorKind
		transient bool
	}{
		{0, KindTransient, true},
		{http.StatusBadRequest, KindFatal, false},
		{http.StatusUnauthorized, KindFatal, false},
		{http.StatusForbidden, KindFatal, false},
		{http.StatusNotFound, KindFatal, false},
		{http.StatusRequestTimeout, KindTimeout, true},
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusInternalServerError, KindTransient, true},
		{http.StatusBadGateway, KindTransient, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			pe := classifyStatus("test", tt.status, "msg", nil)
			assert.Equal(t, tt.want, pe.Kind)
			assert.Equal(t, tt.transient, pe.Transient())
			assert.Equal(t, tt.transient, IsTransient(pe))
			assert.Equal(t, !tt.transient, IsFatal(pe))
		})
	}
}

func TestClassifyOpenAI(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}, KindFatal},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, KindRateLimited},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, KindTransient},
		{"request error", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, KindTransient},
		{"network", errors.New("dial tcp: connection refused"), KindTransient},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := KindOf(classifyOpenAI(tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}

	t.Run("canceled passes through", func(t *testing.T) {
		err := classifyOpenAI(context.Canceled)
		assert.ErrorIs(t, err, context.Canceled)
		_, ok := KindOf(err)
		assert.False(t, ok)
	})
}

func TestClassifyAnthropic(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"auth", llms.NewError(llms.ErrCodeAuthentication, "anthropic", "bad key"), KindFatal},
		{"rate limit", llms.NewError(llms.ErrCodeRateLimit, "anthropic", "slow down"), KindRateLimited},
		{"timeout", llms.NewError(llms.ErrCodeTimeout, "anthropic", "slow"), KindTimeout},
		{"unavailable", llms.NewError(llms.ErrCodeProviderUnavailable, "anthropic", "overloaded"), KindTransient},
		{"token limit", llms.NewError(llms.ErrCodeTokenLimit, "anthropic", "too long"), KindFatal},
		{"raw 401", errors.New("API returned unexpected status code: 401: invalid api key"), KindFatal},
		{"raw overloaded", errors.New("overloaded_error: overloaded"), KindTransient},
		{"unknown", errors.New("boom"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := KindOf(classifyAnthropic(tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestClassifyOllama(t *testing.T) {
	t.Run("model not found", func(t *testing.T) {
		err := classifyOllama("llama3.1", api.StatusError{StatusCode: 404, ErrorMessage: `model "llama3.1" not found`})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, KindFatal, pe.Kind)
		assert.Contains(t, pe.Message, "ollama pull llama3.1")
	})

	t.Run("server error", func(t *testing.T) {
		kind, ok := KindOf(classifyOllama("m", api.StatusError{StatusCode: 500}))
		require.True(t, ok)
		assert.Equal(t, KindTransient, kind)
	})

	t.Run("connection refused", func(t *testing.T) {
		kind, ok := KindOf(classifyOllama("m", errors.New("connection refused")))
		require.True(t, ok)
		assert.Equal(t, KindTransient, kind)
	})
}

func TestProviderError_Error(t *testing.T) {
	pe := &ProviderError{Kind: KindRateLimited, Provider: "openai", StatusCode: 429, Message: "slow down"}
	assert.Equal(t, "openai: rate_limited (status 429): slow down", pe.Error())

	wrapped := &ProviderError{Kind: KindTransient, Provider: "local", Err: ErrEmptyResponse}
	assert.ErrorIs(t, wrapped, ErrEmptyResponse)
	assert.Contains(t, wrapped.Error(), "empty response")
}

func TestIsFatal_CredentialMissing(t *testing.T) {
	assert.True(t, IsFatal(ErrCredentialMissing))
	assert.True(t, IsFatal(fmt.Errorf("resolve: %w", ErrCredentialMissing)))
	assert.False(t, IsFatal(errors.New("other")))
	assert.False(t, IsTransient(errors.New("other")))
}
