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
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// AnthropicProvider completes prompts with the Anthropic messages API
// through langchaingo.
type AnthropicProvider struct {
	llm   llms.Model
	model string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey, baseURL, model string, httpClient *http.Client) (*AnthropicProvider, error) {
	if model == "" {
		model = DefaultAnthropicModel
	}
	opts := []anthropic.Option{
		anthropic.WithToken(apiKey),
		anthropic.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}
	if httpClient != nil {
		opts = append(opts, anthropic.WithHTTPClient(httpClient))
	}
	client, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating anthropic client: %w", err)
	}
	return &AnthropicProvider{llm: client, model: model}, nil
}

// Name implements Provider.
func (a *AnthropicProvider) Name() string { return string(ProviderAnthropic) }

// Complete implements Provider.
func (a *AnthropicProvider) Complete(ctx context.Context, req datatypes.GenerationRequest) (Completion, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt),
	}
	callOpts := []llms.CallOption{
		llms.WithModel(model),
		llms.WithTemperature(float64(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}

	resp, err := a.llm.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return Completion{}, classifyAnthropic(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Completion{}, &ProviderError{Kind: KindTransient, Provider: a.Name(), Err: ErrEmptyResponse}
	}

	var text strings.Builder
	outputTokens := 0
	for _, choice := range resp.Choices {
		if choice == nil {
			continue
		}
		text.WriteString(choice.Content)
		if n, ok := choice.GenerationInfo["OutputTokens"].(int); ok {
			outputTokens += n
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return Completion{}, &ProviderError{Kind: KindTransient, Provider: a.Name(), Err: ErrEmptyResponse}
	}
	return Completion{Text: text.String(), Model: model, OutputTokens: outputTokens}, nil
}

func classifyAnthropic(err error) error {
	provider := string(ProviderAnthropic)
	if pe := classifyContext(provider, err); pe != nil {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var llmErr *llms.Error
	if !errors.As(err, &llmErr) {
		if !errors.As(anthropic.MapError(err), &llmErr) {
			return classifyStatus(provider, 0, "", err)
		}
	}

	pe := &ProviderError{Provider: provider, Message: llmErr.Message, Err: err}
	switch llmErr.Code {
	case llms.ErrCodeRateLimit:
		pe.Kind = KindRateLimited
	case llms.ErrCodeTimeout:
		pe.Kind = KindTimeout
	case llms.ErrCodeProviderUnavailable, llms.ErrCodeUnknown:
		pe.Kind = KindTransient
	case llms.ErrCodeCanceled:
		return err
	default:
		// authentication, invalid request, not found, quota, token limit,
		// content filter
		pe.Kind = KindFatal
	}
	return pe
}
