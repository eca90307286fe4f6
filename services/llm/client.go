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
	"sort"
	"strings"
	"sync"
)

// GenerationParams are per-call knobs. nil fields fall back to the
// provider's configured defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// System is the persona/system instruction sent alongside the prompt.
	System string `json:"system,omitempty"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate sends a single prompt and returns the raw reply text.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	// Name is the provider label used in logs and metrics.
	Name() string
}

// ProviderConfig describes one entry of the `providers:` config section.
type ProviderConfig struct {
	Provider       string   `yaml:"provider" validate:"required"`
	Model          string   `yaml:"model"`
	BaseURL        string   `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	Temperature    *float32 `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP           *float32 `yaml:"top_p" validate:"omitempty,gte=0,lte=1"`
	MaxTokens      int      `yaml:"max_tokens" validate:"gte=0"`
	ThinkingBudget *int32   `yaml:"thinking_budget"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`

	// APIKey is resolved at startup from the secret store, never from YAML.
	APIKey string `yaml:"-"`
}

// =============================================================================
// Call Wrapper
// =============================================================================

// Outcome is the result of one classified provider call.
type Outcome struct {
	Text     string
	Category Category
	Err      error
}

// Call invokes the provider once and classifies whatever it returns.
//
// # Description
//
// Call never panics on provider errors and never retries. Text is trimmed of
// surrounding whitespace; an empty reply is a successful call with empty text.
//
// # Inputs
//
//   - ctx: Context for the provider request.
//   - client: Backend to call.
//   - prompt: Fully rendered prompt.
//   - params: Per-call parameters.
//
// # Outputs
//
//   - Outcome: Text on success, otherwise the error and its Category.
func Call(ctx context.Context, client LLMClient, prompt string, params GenerationParams) Outcome {
	text, err := client.Generate(ctx, prompt, params)
	if err != nil {
		return Outcome{Category: Classify(err), Err: err}
	}
	return Outcome{Text: strings.TrimSpace(text), Category: CategoryNone}
}

// =============================================================================
// Provider Registry
// =============================================================================

// Factory builds a client from its config entry.
type Factory func(ctx context.Context, cfg ProviderConfig) (LLMClient, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"gemini":    NewGeminiClient,
		"openai":    NewOpenAIClient,
		"cerebras":  NewCerebrasClient,
		"ollama":    NewOllamaClient,
		"anthropic": NewAnthropicClient,
	}
)

// Register adds or replaces a provider factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Providers lists the registered provider names in sorted order.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the client named by cfg.Provider.
func Build(ctx context.Context, cfg ProviderConfig) (LLMClient, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (valid: %s)", ErrUnknownProvider, cfg.Provider,
			strings.Join(Providers(), ", "))
	}
	return f(ctx, cfg)
}
