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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	anthropicAPIVersion    = "2023-06-01"
	anthropicDefaultURL    = "https://api.anthropic.com/v1/messages"
	anthropicDefaultModel  = "claude-3-5-haiku-latest"
	anthropicDefaultTokens = 1024
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      []systemBlock      `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type AnthropicClient struct {
	httpClient *http.Client
	url        string
	apiKey     string
	model      string
	maxTokens  int
	temp       *float32
}

func NewAnthropicClient(ctx context.Context, cfg ProviderConfig) (LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = anthropicDefaultModel
		slog.Info("anthropic model not set, defaulting", "model", model)
	}
	url := cfg.BaseURL
	if url == "" {
		url = anthropicDefaultURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultTokens
	}
	timeout := 60 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		apiKey:     cfg.APIKey,
		model:      model,
		maxTokens:  maxTokens,
		temp:       cfg.Temperature,
	}, nil
}

// Name implements LLMClient.
func (a *AnthropicClient) Name() string { return "anthropic" }

// Generate implements the LLMClient interface
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	payload := anthropicRequest{
		Model:       a.model,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens:   a.maxTokens,
		Temperature: a.temp,
		TopP:        params.TopP,
		TopK:        params.TopK,
		StopSeqs:    params.Stop,
	}
	if params.System != "" {
		payload.System = []systemBlock{{Type: "text", Text: params.System}}
	}
	if params.Temperature != nil {
		payload.Temperature = params.Temperature
	}
	if params.MaxTokens != nil {
		payload.MaxTokens = *params.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: string(respBody)}
		span.SetStatus(codes.Error, serr.Error())
		return "", serr
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse anthropic response (%v): %w", err, ErrMalformedResponse)
	}
	if apiResp.Error != nil {
		return "", &ProviderError{
			Provider: "anthropic",
			Category: CategoryFatal,
			Err:      fmt.Errorf("%s: %s", apiResp.Error.Type, apiResp.Error.Message),
		}
	}

	var sb strings.Builder
	textBlocks := 0
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			textBlocks++
			sb.WriteString(block.Text)
		}
	}
	if textBlocks == 0 {
		return "", fmt.Errorf("anthropic returned no text block (stop_reason %q): %w",
			apiResp.StopReason, ErrMalformedResponse)
	}
	return sb.String(), nil
}
