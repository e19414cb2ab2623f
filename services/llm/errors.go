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
)

// Sentinel errors for the completion client.
var (
	// ErrCredentialMissing is returned when no provider can be resolved.
	ErrCredentialMissing = errors.New("no provider credential available")

	// ErrEmptyResponse is returned when a provider answers with no text.
	ErrEmptyResponse = errors.New("provider returned an empty response")

	// ErrUnknownProvider is returned for a provider name that is not supported.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	// KindCredentialMissing means no usable credential was found. Fatal.
	KindCredentialMissing ErrorKind = iota

	// KindTimeout means the call exceeded its deadline. Transient.
	KindTimeout

	// KindRateLimited means the provider answered 429. Transient.
	KindRateLimited

	// KindTransient covers 5xx, network and malformed-response failures.
	KindTransient

	// KindFatal covers 4xx responses other than 429, including auth.
	KindFatal
)

// String returns the kind name used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindCredentialMissing:
		return "credential_missing"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ProviderError is the typed failure of a completion call.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the call may succeed.
func (e *ProviderError) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient()
}

// IsFatal reports whether err must abort the session.
func IsFatal(err error) bool {
	if errors.Is(err, ErrCredentialMissing) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && !pe.Transient()
}

// KindOf returns the kind of a provider error, and false for other errors.
func KindOf(err error) (ErrorKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	if errors.Is(err, ErrCredentialMissing) {
		return KindCredentialMissing, true
	}
	return 0, false
}

// classifyStatus maps an HTTP status code to a provider error.
//
// A status of 0 means no response was received and is treated as a
// network failure.
func classifyStatus(provider string, status int, message string, err error) *ProviderError {
	pe := &ProviderError{Provider: provider, StatusCode: status, Message: message, Err: err}
	switch {
	case status == http.StatusTooManyRequests:
		pe.Kind = KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		pe.Kind = KindTimeout
	case status >= 500 || status == 0:
		pe.Kind = KindTransient
	case status >= 400:
		pe.Kind = KindFatal
	default:
		pe.Kind = KindTransient
	}
	return pe
}

// classifyContext turns a deadline into a timeout error. It returns nil
// for other errors.
func classifyContext(provider string, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTimeout, Provider: provider, Err: err}
	}
	return nil
}
