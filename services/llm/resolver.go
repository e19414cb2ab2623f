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
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
)

// ProviderKind is the resolved provider variant.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderLocal     ProviderKind = "local"
)

// Default models per provider.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-sonnet-latest"
	DefaultLocalModel     = "llama3.1"
	DefaultLocalBaseURL   = "http://localhost:11434"
)

// Environment variables consulted during resolution.
const (
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvOllamaHost   = "OLLAMA_HOST"
)

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Resolution is the provider selected for a session.
//
// The credential is sealed in an encrypted enclave and is only opened
// when a provider is constructed.
type Resolution struct {
	Kind ProviderKind

	// Explicit is true when the provider or key came from configuration.
	Explicit bool

	// Source names where the credential came from, for logs.
	Source string

	Model   string
	BaseURL string

	credential *memguard.Enclave
}

// HasCredential reports whether a sealed credential is present.
func (r *Resolution) HasCredential() bool {
	return r != nil && r.credential != nil
}

// Credential opens the sealed credential. Local providers have none and
// return an empty string.
func (r *Resolution) Credential() (string, error) {
	if r.credential == nil {
		return "", nil
	}
	buf, err := r.credential.Open()
	if err != nil {
		return "", fmt.Errorf("opening credential: %w", err)
	}
	defer buf.Destroy()
	return strings.Clone(buf.String()), nil
}

// EnvLookup returns a lookup over the process environment, layered over
// envFile when it is set. Process variables win.
//
// A missing envFile is not an error.
func EnvLookup(envFile string) (LookupFunc, error) {
	fileVars := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVars = vars
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading env file %s: %w", envFile, err)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok && v != ""
	}, nil
}

// MapLookup returns a lookup over a fixed map.
func MapLookup(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok && v != ""
	}
}

// Resolve selects the provider for a session.
//
// Description:
//
//	An explicit provider name uses that provider, with the configured
//	api_key or its environment variable. With provider "auto" the order
//	is: configured api_key, OPENAI_API_KEY, ANTHROPIC_API_KEY, then a
//	local Ollama host from base_url or OLLAMA_HOST.
//
// Outputs:
//   - *Resolution: The selected provider.
//   - error: A *ProviderError of KindCredentialMissing wrapping
//     ErrCredentialMissing when nothing is usable, or ErrUnknownProvider.
func Resolve(cfg config.LLMConfig, lookup LookupFunc) (*Resolution, error) {
	if lookup == nil {
		lookup = MapLookup(nil)
	}
	key := strings.TrimSpace(cfg.APIKey)

	switch cfg.Provider {
	case string(ProviderOpenAI):
		return resolveKeyed(ProviderOpenAI, cfg, key, EnvOpenAIKey, lookup)
	case string(ProviderAnthropic):
		return resolveKeyed(ProviderAnthropic, cfg, key, EnvAnthropicKey, lookup)
	case string(ProviderLocal):
		host := cfg.BaseURL
		if host == "" {
			host, _ = lookup(EnvOllamaHost)
		}
		if host == "" {
			host = DefaultLocalBaseURL
		}
		return newResolution(ProviderLocal, cfg, "", normalizeHost(host), "config", true), nil
	case "", "auto":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}

	if key != "" {
		kind := ProviderOpenAI
		if strings.HasPrefix(key, "sk-ant-") {
			kind = ProviderAnthropic
		}
		return newResolution(kind, cfg, key, cfg.BaseURL, "config", true), nil
	}
	if v, ok := lookup(EnvOpenAIKey); ok {
		return newResolution(ProviderOpenAI, cfg, v, cfg.BaseURL, EnvOpenAIKey, false), nil
	}
	if v, ok := lookup(EnvAnthropicKey); ok {
		return newResolution(ProviderAnthropic, cfg, v, cfg.BaseURL, EnvAnthropicKey, false), nil
	}
	if cfg.BaseURL != "" {
		return newResolution(ProviderLocal, cfg, "", normalizeHost(cfg.BaseURL), "config", false), nil
	}
	if v, ok := lookup(EnvOllamaHost); ok {
		return newResolution(ProviderLocal, cfg, "", normalizeHost(v), EnvOllamaHost, false), nil
	}
	return nil, credentialMissing("auto", "set llm.api_key, "+EnvOpenAIKey+", "+EnvAnthropicKey+" or "+EnvOllamaHost)
}

func resolveKeyed(kind ProviderKind, cfg config.LLMConfig, key, envVar string, lookup LookupFunc) (*Resolution, error) {
	if key != "" {
		return newResolution(kind, cfg, key, cfg.BaseURL, "config", true), nil
	}
	if v, ok := lookup(envVar); ok {
		return newResolution(kind, cfg, v, cfg.BaseURL, envVar, true), nil
	}
	return nil, credentialMissing(string(kind), "set llm.api_key or "+envVar)
}

func newResolution(kind ProviderKind, cfg config.LLMConfig, key, baseURL, source string, explicit bool) *Resolution {
	r := &Resolution{
		Kind:     kind,
		Explicit: explicit,
		Source:   source,
		Model:    cfg.Model,
		BaseURL:  baseURL,
	}
	if r.Model == "" {
		r.Model = defaultModel(kind)
	}
	if key != "" {
		r.credential = memguard.NewEnclave([]byte(strings.TrimSpace(key)))
	}
	return r
}

func credentialMissing(provider, hint string) error {
	return &ProviderError{
		Kind:     KindCredentialMissing,
		Provider: provider,
		Message:  hint,
		Err:      ErrCredentialMissing,
	}
}

func defaultModel(kind ProviderKind) string {
	switch kind {
	case ProviderAnthropic:
		return DefaultAnthropicModel
	case ProviderLocal:
		return DefaultLocalModel
	default:
		return DefaultOpenAIModel
	}
}

// normalizeHost accepts OLLAMA_HOST forms such as "localhost" or
// "127.0.0.1:11434". Scheme-less hosts get http and the default port.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), "/")
	if strings.Contains(host, "://") {
		return host
	}
	u, err := url.Parse("http://" + host)
	if err != nil {
		return "http://" + host
	}
	if u.Port() == "" {
		u.Host += ":11434"
	}
	return u.String()
}
