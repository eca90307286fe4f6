// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package acrobot is the chat engine: it records conversation, listens for
// keywords and answers /acro requests by queueing acronym generations.
//
// Transports (long polling, webhook) only translate platform updates into
// Command and Incoming values and hand them to the Engine together with a
// ReplySink.
package acrobot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"

	"github.com/AleutianAI/acrobot/services/acrobot/generation"
	"github.com/AleutianAI/acrobot/services/acrobot/history"
	"github.com/AleutianAI/acrobot/services/acrobot/queue"
	"github.com/AleutianAI/acrobot/services/llm"
	"github.com/AleutianAI/acrobot/services/telemetry"
)

// Fixed replies.
const (
	ReplyStart         = "Hi, I'm Acrobot. Use /acro WORD to generate an acronym."
	ReplyBroken        = "Dammit you broke something"
	ReplyFatal         = "The acronym machine is broken right now. Try again later."
	ReplyNotAllowed    = "Not allowed boyo!"
	ReplyOutOfCalls    = "No more! You're wasting my precious tokens!"
	ReplyMessageAdded  = "Message added."
	ReplyKeywordsAdded = "Keywords added."
	ReplyKeywordsGone  = "Keywords removed."

	UsageAddMessage  = "Usage: /add_message username add this message!"
	UsageAddKeywords = "Usage: /add_keywords kw1 kw2 kw3 ..."
	UsageDelKeywords = "Usage: /del_keywords kw1 kw2 kw3 ..."
)

// ReplySink sends plain text back to the chat an event came from.
type ReplySink interface {
	Send(ctx context.Context, text string) error
}

// ReplyFunc adapts a function to ReplySink.
type ReplyFunc func(ctx context.Context, text string) error

func (f ReplyFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Command is a parsed slash command, e.g. "/acro beer" → {Name: "acro", Args: ["beer"]}.
type Command struct {
	Name string
	Args []string
}

// Incoming is an ordinary chat message.
type Incoming struct {
	Sender string
	Text   string
}

// Event is one inbound platform event. Exactly one of Command and Message is set.
type Event struct {
	Command *Command
	Message *Incoming
	Reply   ReplySink
}

// Config is the engine's slice of the application config.
type Config struct {
	MaxHistory       int
	MaxCalls         int
	MaxWordLength    int
	ThrottleInterval time.Duration
	Retries          int
	Keywords         []string
}

// Engine owns the history, the keyword set, the task queue and the
// generation pipeline.
type Engine struct {
	cfg      Config
	history  *history.History
	keywords *history.KeywordSet
	queue    *queue.Queue
	pipeline *generation.Pipeline
	intn     func(n int) int
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	queueOpts    []queue.Option
	pipelineOpts []generation.Option
	intn         func(n int) int
	logger       *slog.Logger
}

// WithQueueOptions passes options through to the task queue.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(o *options) { o.queueOpts = append(o.queueOpts, opts...) }
}

// WithPipelineOptions passes options through to the generation pipeline.
func WithPipelineOptions(opts ...generation.Option) Option {
	return func(o *options) { o.pipelineOpts = append(o.pipelineOpts, opts...) }
}

// WithMetrics wires the same instruments into the queue and the pipeline.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.queueOpts = append(o.queueOpts, queue.WithMetrics(m))
		o.pipelineOpts = append(o.pipelineOpts, generation.WithMetrics(m))
	}
}

// WithRandom replaces the source used to pick keywords and history words.
// intn must return a value in [0, n).
func WithRandom(intn func(n int) int) Option {
	return func(o *options) { o.intn = intn }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds an Engine around client. Call Run to start the consumer loop.
func New(cfg Config, client llm.LLMClient, opts ...Option) *Engine {
	o := options{intn: rand.IntN, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.MaxWordLength < 1 {
		cfg.MaxWordLength = 1
	}

	h := history.New(cfg.MaxHistory)
	queueOpts := append([]queue.Option{queue.WithLogger(o.logger)}, o.queueOpts...)
	pipelineOpts := append([]generation.Option{generation.WithLogger(o.logger)}, o.pipelineOpts...)
	return &Engine{
		cfg:      cfg,
		history:  h,
		keywords: history.NewKeywordSet(cfg.Keywords...),
		queue:    queue.New(cfg.ThrottleInterval, queueOpts...),
		pipeline: generation.New(client, h, pipelineOpts...),
		intn:     o.intn,
		logger:   o.logger,
	}
}

// Run drives the task queue until Shutdown or ctx cancellation.
func (e *Engine) Run(ctx context.Context) error {
	return e.queue.Run(ctx)
}

// Shutdown drains queued work and stops the loop, waiting until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.queue.Shutdown(ctx)
}

func (e *Engine) History() *history.History     { return e.history }
func (e *Engine) Keywords() *history.KeywordSet { return e.keywords }

// QueueLen is the number of generations waiting to run.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// CallCount is the number of provider calls made so far.
func (e *Engine) CallCount() int64 { return e.pipeline.Calls() }

// HandleIncoming routes an event to HandleCommand or HandleMessage.
func (e *Engine) HandleIncoming(ctx context.Context, ev Event) error {
	switch {
	case ev.Reply == nil:
		return errors.New("event has no reply sink")
	case ev.Command != nil:
		return e.HandleCommand(ctx, *ev.Command, ev.Reply)
	case ev.Message != nil:
		return e.HandleMessage(ctx, *ev.Message, ev.Reply)
	default:
		return nil
	}
}

// HandleCommand answers a slash command. Unknown commands are ignored.
func (e *Engine) HandleCommand(ctx context.Context, cmd Command, reply ReplySink) error {
	e.logger.Debug("command received", "command", cmd.Name, "args", len(cmd.Args))
	switch cmd.Name {
	case "start":
		return reply.Send(ctx, ReplyStart)

	case "info":
		return reply.Send(ctx, e.info())

	case "add_message":
		if len(cmd.Args) < 2 {
			return reply.Send(ctx, UsageAddMessage)
		}
		e.history.Record(cmd.Args[0], strings.Join(cmd.Args[1:], " "))
		return reply.Send(ctx, ReplyMessageAdded)

	case "add_keywords":
		if len(cmd.Args) == 0 {
			return reply.Send(ctx, UsageAddKeywords)
		}
		e.keywords.Add(cmd.Args...)
		return reply.Send(ctx, ReplyKeywordsAdded)

	case "del_keywords":
		if len(cmd.Args) == 0 {
			return reply.Send(ctx, UsageDelKeywords)
		}
		e.keywords.Remove(cmd.Args...)
		return reply.Send(ctx, ReplyKeywordsGone)

	case "acro":
		return e.commandAcro(ctx, cmd.Args, reply)

	default:
		return nil
	}
}

func (e *Engine) commandAcro(ctx context.Context, args []string, reply ReplySink) error {
	var word string
	if len(args) > 0 {
		word = args[0]
	} else if tokens := e.history.Tokens(); len(tokens) > 0 {
		word = tokens[e.intn(len(tokens))]
	}
	word = e.cleanWord(word)
	if word == "" {
		return reply.Send(ctx, ReplyNotAllowed)
	}
	if e.budgetSpent() {
		return reply.Send(ctx, ReplyOutOfCalls)
	}
	e.logger.Info("acro requested", "word", word)
	return e.enqueue(word, "", reply)
}

// HandleMessage records the message and queues a keyword reply on a hit.
func (e *Engine) HandleMessage(ctx context.Context, msg Incoming, reply ReplySink) error {
	if msg.Text == "" {
		return nil
	}
	e.history.Record(msg.Sender, msg.Text)

	found := history.Match(msg.Text, e.keywords.List())
	if len(found) == 0 {
		return nil
	}
	word := found[e.intn(len(found))]
	if e.budgetSpent() {
		e.logger.Info("keyword hit ignored, call budget spent", "word", word)
		return nil
	}
	e.logger.Info("keyword hit", "word", word, "sender", msg.Sender)
	return e.enqueue(word, fmt.Sprintf("%s? Who said %s!?\n", word, word), reply)
}

func (e *Engine) enqueue(word, prefix string, reply ReplySink) error {
	id, err := e.queue.Enqueue(e.generationTask(word, prefix, reply))
	if err != nil {
		return fmt.Errorf("queue %q: %w", word, err)
	}
	e.logger.Debug("generation queued", "task_id", id, "word", word, "queue_len", e.queue.Len())
	return nil
}

// generationTask runs inside the queue. The history snapshot is taken there,
// so the prompt reflects the conversation at execution time.
func (e *Engine) generationTask(word, prefix string, reply ReplySink) queue.Task {
	return func(ctx context.Context) error {
		res, genErr := e.pipeline.Generate(ctx, generation.Request{Word: word, Retries: e.cfg.Retries})

		var text string
		switch {
		case genErr != nil:
			text = ReplyBroken
		case res.Category == llm.CategoryFatal:
			text = ReplyFatal
		case res.HasText:
			text = prefix + res.Text
		default:
			text = ReplyBroken
		}
		if !res.Valid && genErr == nil {
			e.logger.Warn("no valid acronym", "word", word, "attempts", res.Attempts,
				"category", res.Category.String())
		}

		if err := reply.Send(ctx, text); err != nil {
			return errors.Join(genErr, fmt.Errorf("send reply: %w", err))
		}
		return genErr
	}
}

func (e *Engine) budgetSpent() bool {
	return e.cfg.MaxCalls > 0 && e.pipeline.Calls() >= int64(e.cfg.MaxCalls)
}

// cleanWord keeps letters only and truncates to MaxWordLength runes.
func (e *Engine) cleanWord(word string) string {
	var b strings.Builder
	n := 0
	for _, r := range word {
		if !unicode.IsLetter(r) {
			continue
		}
		if n == e.cfg.MaxWordLength {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func (e *Engine) info() string {
	calls := fmt.Sprint(e.pipeline.Calls())
	if e.cfg.MaxCalls > 0 {
		calls += fmt.Sprintf("/%d", e.cfg.MaxCalls)
	}
	return fmt.Sprintf("Queue length: %d | API calls: %s | History: %d/%d | KW: %s",
		e.queue.Len(), calls, e.history.Len(), e.history.Max(),
		strings.Join(e.keywords.List(), ", "))
}

// ParseCommand splits "/name@bot arg1 arg2" into a Command. ok is false for
// text that is not a command.
func ParseCommand(text string) (cmd Command, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(name), Args: fields[1:]}, true
}
