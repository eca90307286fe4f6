// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation turns a word and the current conversation into a
// validated acronym expansion, retrying the model provider within a budget.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/acrobot/services/llm"
	"github.com/AleutianAI/acrobot/services/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SystemInstruction is the persona sent to the provider with every prompt.
const SystemInstruction = `You are in a hash house harriers chat group. You like sending creative, dirty acronyms inspired by the conversation.

- The acronym words should form a proper sentence.
- The response should relate to the conversation if possible.
- Answer in plain text only. Do not use any special formatting or markdown characters.`

const promptTemplate = `# CONVERSATION:
%s

Now generate an acronym for the word: "%s". Reply with only the acronym.`

// DefaultBackoff is the pause between attempts.
const DefaultBackoff = time.Second

// BuildPrompt renders the conversation and the target word into the prompt.
func BuildPrompt(convo, word string) string {
	return fmt.Sprintf(promptTemplate, convo, word)
}

// Conversation is the read side of the chat history the prompt is built from.
type Conversation interface {
	Render() string
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the wall-clock Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Request is one generation job.
type Request struct {
	Word    string
	Retries int
}

// Result is the outcome of a generation.
//
// Valid is true only when Text passed Validate. On exhaustion Text holds the
// last attempt's reply (possibly empty, see HasText). Category is the category
// of the last provider call; Err carries the provider error for Fatal and
// Unclassified outcomes.
type Result struct {
	Text     string
	HasText  bool
	Valid    bool
	Category llm.Category
	Attempts int
	Err      error
}

// Pipeline runs the retry-and-validate loop against one provider.
type Pipeline struct {
	client  llm.LLMClient
	convo   Conversation
	params  llm.GenerationParams
	backoff time.Duration
	sleep   Sleeper
	metrics *telemetry.Metrics
	logger  *slog.Logger
	calls   atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBackoff overrides DefaultBackoff.
func WithBackoff(d time.Duration) Option {
	return func(p *Pipeline) { p.backoff = d }
}

// WithSleeper replaces the wall-clock sleeper, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(p *Pipeline) { p.sleep = s }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithParams sets the per-call generation params. The system instruction is
// filled in when left empty.
func WithParams(params llm.GenerationParams) Option {
	return func(p *Pipeline) { p.params = params }
}

// New creates a Pipeline that reads convo at generation time.
func New(client llm.LLMClient, convo Conversation, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:  client,
		convo:   convo,
		backoff: DefaultBackoff,
		sleep:   SleepContext,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.params.System == "" {
		p.params.System = SystemInstruction
	}
	return p
}

// Calls returns the number of provider calls made so far.
func (p *Pipeline) Calls() int64 {
	return p.calls.Load()
}

// Generate produces an acronym expansion for req.Word.
//
// # Description
//
// Builds the prompt from the conversation as it is right now, then calls the
// provider up to 1+req.Retries times. Stops early on the first valid reply.
// Validation misses and recoverable failures consume retries with a backoff
// between attempts. A fatal failure stops immediately.
//
// # Outputs
//
//   - Result: Always populated, including on exhaustion.
//   - error: Non-nil only for unclassified provider failures, which the
//     caller must propagate. Result is still usable for a reply.
func (p *Pipeline) Generate(ctx context.Context, req Request) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "acrobot.generation", "generation.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("acro.word", req.Word))

	prompt := BuildPrompt(p.convo.Render(), req.Word)
	retries := max(req.Retries, 0)

	var res Result
	for {
		res.Attempts++
		out := llm.Call(ctx, p.client, prompt, p.params)
		p.calls.Add(1)
		p.metrics.RecordProviderCall(ctx, p.client.Name(), out.Category.String())

		res.Category = out.Category
		res.Err = out.Err
		res.Text = out.Text
		res.HasText = out.Text != ""

		log := p.logger.With("word", req.Word, "attempt", res.Attempts, "provider", p.client.Name())
		switch out.Category {
		case llm.CategoryNone:
			if Validate(req.Word, out.Text) {
				res.Valid = true
				return p.finish(ctx, span, res, "valid"), nil
			}
			log.Info("generated text failed validation", "text", out.Text)
		case llm.CategoryRecoverable:
			log.Warn("recoverable provider failure", "error", out.Err)
		case llm.CategoryFatal:
			log.Error("fatal provider failure", "error", out.Err)
			telemetry.RecordError(span, out.Err)
			return p.finish(ctx, span, res, "fatal"), nil
		default:
			log.Error("unclassified provider failure", "error", out.Err)
			telemetry.RecordError(span, out.Err)
			return p.finish(ctx, span, res, "unclassified"), fmt.Errorf("generate %q: %w", req.Word, out.Err)
		}

		if res.Attempts > retries {
			return p.finish(ctx, span, res, "exhausted"), nil
		}
		if err := p.sleep(ctx, p.backoff); err != nil {
			log.Warn("backoff interrupted, giving up", "error", err)
			return p.finish(ctx, span, res, "exhausted"), nil
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, res Result, outcome string) Result {
	span.SetAttributes(
		attribute.Int("acro.attempts", res.Attempts),
		attribute.Bool("acro.valid", res.Valid),
		attribute.String("acro.category", res.Category.String()),
	)
	p.metrics.RecordGeneration(ctx, outcome, res.Attempts)
	return res
}
