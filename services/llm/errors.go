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
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// =============================================================================
// Failure Taxonomy
// =============================================================================

// Category is the classification of a provider call outcome.
//
// # Description
//
// Every provider failure maps to exactly one Category. The generation
// pipeline uses the Category to decide whether to retry, abort, or let the
// error propagate to the task queue supervisor.
//
//   - CategoryNone: the call succeeded.
//   - CategoryRecoverable: transient network failure or provider-side rate
//     limiting. The pipeline may retry within its budget.
//   - CategoryFatal: malformed payload or an explicitly unrecoverable provider
//     error. The pipeline aborts the request immediately.
//   - CategoryUnclassified: anything the classifier does not recognize. It is
//     never swallowed.
type Category int

const (
	CategoryNone Category = iota
	CategoryRecoverable
	CategoryFatal
	CategoryUnclassified
)

// String returns the metric/log label for the category.
func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryRecoverable:
		return "recoverable"
	case CategoryFatal:
		return "fatal"
	case CategoryUnclassified:
		return "unclassified"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Sentinel errors shared by every provider.
var (
	// ErrMalformedResponse means the provider answered without a usable text payload.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrRateLimited means the provider asked us to slow down.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrUnrecoverable marks a provider failure that retrying cannot fix.
	ErrUnrecoverable = errors.New("unrecoverable provider error")

	// ErrUnknownProvider is returned by Build for names missing from the registry.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrMissingAPIKey is returned by factories that need credentials.
	ErrMissingAPIKey = errors.New("missing API key")
)

// StatusError is a non-2xx answer from a provider spoken to over raw HTTP.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ProviderError lets a provider pin an explicit category on a failure.
type ProviderError struct {
	Provider string
	Category Category
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Category, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Classify maps an error returned by an LLMClient into the failure taxonomy.
//
// # Description
//
// Checks, in order: explicit ProviderError tags, the shared sentinels, HTTP
// status codes carried by the provider SDK error types (genai, go-openai and
// StatusError for raw REST backends), then transport-level failures. Whatever
// is left is CategoryUnclassified.
//
// # Inputs
//
//   - err: Error returned by a provider call. nil yields CategoryNone.
//
// # Outputs
//
//   - Category: Exactly one category.
//
// # Examples
//
//	Classify(nil)                                     // CategoryNone
//	Classify(fmt.Errorf("x: %w", ErrRateLimited))     // CategoryRecoverable
//	Classify(&StatusError{StatusCode: 401})           // CategoryFatal
//	Classify(errors.New("something new"))             // CategoryUnclassified
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Category
	}

	switch {
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrUnrecoverable):
		return CategoryFatal
	case errors.Is(err, ErrRateLimited):
		return CategoryRecoverable
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryRecoverable
	}

	if code, ok := statusCode(err); ok {
		return classifyStatus(code)
	}

	if isTransient(err) {
		return CategoryRecoverable
	}
	return CategoryUnclassified
}

// statusCode extracts an HTTP status from the error types our providers produce.
func statusCode(err error) (int, bool) {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.StatusCode, true
	}

	var gerr genai.APIError
	if errors.As(err, &gerr) && gerr.Code != 0 {
		return gerr.Code, true
	}
	var gerrPtr *genai.APIError
	if errors.As(err, &gerrPtr) && gerrPtr != nil && gerrPtr.Code != 0 {
		return gerrPtr.Code, true
	}

	var oerr *openai.APIError
	if errors.As(err, &oerr) && oerr.HTTPStatusCode != 0 {
		return oerr.HTTPStatusCode, true
	}
	var rerr *openai.RequestError
	if errors.As(err, &rerr) && rerr.HTTPStatusCode != 0 {
		return rerr.HTTPStatusCode, true
	}
	return 0, false
}

func classifyStatus(code int) Category {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return CategoryRecoverable
	case code >= 500 && code <= 599:
		return CategoryRecoverable
	case code >= 400 && code <= 499:
		return CategoryFatal
	default:
		return CategoryUnclassified
	}
}

func isTransient(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout")
}
