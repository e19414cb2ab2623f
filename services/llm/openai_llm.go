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
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// OpenAIProvider completes prompts with the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI provider. An empty baseURL uses the
// public endpoint; httpClient may be nil.
func NewOpenAIProvider(apiKey, baseURL, model string, httpClient *http.Client) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

// Name implements Provider.
func (o *OpenAIProvider) Name() string { return string(ProviderOpenAI) }

// Complete implements Provider.
func (o *OpenAIProvider) Complete(ctx context.Context, req datatypes.GenerationRequest) (Completion, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	chat := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chat.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, chat)
	if err != nil {
		return Completion{}, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Completion{}, &ProviderError{Kind: KindTransient, Provider: o.Name(), Err: ErrEmptyResponse}
	}
	return Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func classifyOpenAI(err error) error {
	if pe := classifyContext(string(ProviderOpenAI), err); pe != nil {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(string(ProviderOpenAI), apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(string(ProviderOpenAI), reqErr.HTTPStatusCode, "", err)
	}
	// no HTTP status: network failure
	return classifyStatus(string(ProviderOpenAI), 0, "", err)
}
