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
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

const (
	defaultGeminiModel       = "gemini-2.5-flash"
	defaultGeminiTemperature = float32(1.1)
)

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
	config genai.GenerateContentConfig
}

// NewGeminiClient creates a Gemini backend. Temperature defaults to 1.1 and
// the thinking budget to 0 (thinking disabled) unless the config overrides them.
func NewGeminiClient(ctx context.Context, cfg ProviderConfig) (LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
		slog.Warn("gemini model not set, using default", "model", model)
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	temperature := defaultGeminiTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	budget := int32(0)
	if cfg.ThinkingBudget != nil {
		budget = *cfg.ThinkingBudget
	}
	genCfg := genai.GenerateContentConfig{
		Temperature:    genai.Ptr(temperature),
		ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(budget)},
	}
	if cfg.TopP != nil {
		genCfg.TopP = genai.Ptr(*cfg.TopP)
	}
	if cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(cfg.MaxTokens)
	}

	slog.Info("Initializing Gemini client", "model", model, "temperature", temperature,
		"thinking_budget", budget)
	return &GeminiClient{client: client, model: model, config: genCfg}, nil
}

// Name implements LLMClient.
func (g *GeminiClient) Name() string { return "gemini" }

// Generate implements the LLMClient interface.
func (g *GeminiClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	cfg := g.config
	if params.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(params.System, genai.RoleUser)
	}
	if params.Temperature != nil {
		cfg.Temperature = genai.Ptr(*params.Temperature)
	}
	if params.TopP != nil {
		cfg.TopP = genai.Ptr(*params.TopP)
	}
	if params.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*params.MaxTokens)
	}
	if len(params.Stop) > 0 {
		cfg.StopSequences = params.Stop
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		reason := "no candidates"
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "blocked: " + string(resp.PromptFeedback.BlockReason)
		}
		span.SetStatus(codes.Error, reason)
		return "", fmt.Errorf("gemini %s: %w", reason, ErrMalformedResponse)
	}
	text := resp.Text()
	if text == "" && !hasParts(resp.Candidates[0]) {
		span.SetStatus(codes.Error, "empty candidate")
		return "", fmt.Errorf("gemini candidate has no content (finish reason %q): %w",
			resp.Candidates[0].FinishReason, ErrMalformedResponse)
	}
	return strings.TrimSpace(text), nil
}

// hasParts separates an empty text reply (a validation miss) from a
// candidate that carries no content at all.
func hasParts(c *genai.Candidate) bool {
	return c != nil && c.Content != nil && len(c.Content.Parts) > 0
}
