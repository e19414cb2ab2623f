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
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// LocalProvider completes prompts with a local Ollama server.
type LocalProvider struct {
	client *api.Client
	model  string
}

// NewLocalProvider creates a provider for the Ollama server at baseURL.
func NewLocalProvider(baseURL, model string, httpClient *http.Client) (*LocalProvider, error) {
	if baseURL == "" {
		baseURL = DefaultLocalBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama host %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = DefaultLocalModel
	}
	return &LocalProvider{client: api.NewClient(u, httpClient), model: model}, nil
}

// Name implements Provider.
func (l *LocalProvider) Name() string { return string(ProviderLocal) }

// Complete implements Provider.
func (l *LocalProvider) Complete(ctx context.Context, req datatypes.GenerationRequest) (Completion, error) {
	model := req.Model
	if model == "" {
		model = l.model
	}
	stream := false
	options := map[string]any{
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	genReq := &api.GenerateRequest{
		Model:   model,
		System:  req.SystemPrompt,
		Prompt:  req.Prompt,
		Stream:  &stream,
		Options: options,
	}

	var text strings.Builder
	var evalCount int
	err := l.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		if resp.Done {
			evalCount = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return Completion{}, classifyOllama(model, err)
	}
	if strings.TrimSpace(text.String()) == "" {
		return Completion{}, &ProviderError{Kind: KindTransient, Provider: l.Name(), Err: ErrEmptyResponse}
	}
	return Completion{Text: text.String(), Model: model, OutputTokens: evalCount}, nil
}

func classifyOllama(model string, err error) error {
	provider := string(ProviderLocal)
	if pe := classifyContext(provider, err); pe != nil {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if statusErr.StatusCode == http.StatusNotFound && strings.Contains(msg, "not found") {
			msg = fmt.Sprintf("model %q not found, run: ollama pull %s", model, model)
		}
		return classifyStatus(provider, statusErr.StatusCode, msg, err)
	}
	return classifyStatus(provider, 0, "", err)
}
