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
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	cerebrasBaseURL      = "https://api.cerebras.ai/v1"
	defaultCerebrasModel = "gpt-oss-120b"
	defaultOpenAIModel   = "gpt-4o-mini"
)

// OpenAIClient covers any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client    *openai.Client
	name      string
	model     string
	maxTokens int
	temp      *float32
	topP      *float32
}

// NewOpenAIClient builds a client for api.openai.com or any base_url override.
func NewOpenAIClient(ctx context.Context, cfg ProviderConfig) (LLMClient, error) {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
		slog.Warn("openai model not set, using default", "model", cfg.Model)
	}
	return newOpenAICompatible("openai", cfg)
}

// NewCerebrasClient builds a client for the Cerebras inference API, which
// speaks the OpenAI chat completions protocol.
func NewCerebrasClient(ctx context.Context, cfg ProviderConfig) (LLMClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cerebrasBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultCerebrasModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature == nil {
		t := float32(1)
		cfg.Temperature = &t
	}
	if cfg.TopP == nil {
		p := float32(1)
		cfg.TopP = &p
	}
	return newOpenAICompatible("cerebras", cfg)
}

func newOpenAICompatible(name string, cfg ProviderConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingAPIKey)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.TimeoutSeconds > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	slog.Info("Initializing OpenAI-compatible client", "provider", name, "model", cfg.Model,
		"base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(clientCfg),
		name:      name,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		temp:      cfg.Temperature,
		topP:      cfg.TopP,
	}, nil
}

// Name implements LLMClient.
func (o *OpenAIClient) Name() string { return o.name }

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.provider", o.name), attribute.String("llm.model", o.model))

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if params.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: params.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	}
	if o.temp != nil {
		req.Temperature = *o.temp
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if o.topP != nil {
		req.TopP = *o.topP
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	req.MaxCompletionTokens = o.maxTokens
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%s chat completion failed: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return "", fmt.Errorf("%s returned no choices: %w", o.name, ErrMalformedResponse)
	}
	choice := resp.Choices[0]
	if choice.Message.Content == "" &&
		(choice.FinishReason == openai.FinishReasonToolCalls || choice.FinishReason == openai.FinishReasonFunctionCall) {
		return "", fmt.Errorf("%s returned a tool call instead of text: %w", o.name, ErrMalformedResponse)
	}
	slog.Debug("Received response from OpenAI-compatible API", "provider", o.name,
		"finish_reason", choice.FinishReason)
	return choice.Message.Content, nil
}
