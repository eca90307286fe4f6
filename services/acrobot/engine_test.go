// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package acrobot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/acrobot/services/acrobot/generation"
	"github.com/AleutianAI/acrobot/services/acrobot/queue"
	"github.com/AleutianAI/acrobot/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Test Setup
// =============================================================================

// MockLLMClient answers every prompt from a script, repeating the last entry.
type MockLLMClient struct {
	mu      sync.Mutex
	Replies []string
	Errs    []error
	Prompts []string
}

func (m *MockLLMClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.Prompts)
	m.Prompts = append(m.Prompts, prompt)
	var err error
	if len(m.Errs) > 0 {
		err = m.Errs[min(i, len(m.Errs)-1)]
	}
	if err != nil {
		return "", err
	}
	return m.Replies[min(i, len(m.Replies)-1)], nil
}

func (m *MockLLMClient) Name() string { return "mock" }

func (m *MockLLMClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}

// sink records replies.
type sink struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (s *sink) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
	return s.err
}

func (s *sink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() Config {
	return Config{
		MaxHistory:    10,
		MaxWordLength: 10,
		Retries:       2,
		Keywords:      []string{"beer", "hash"},
	}
}

func newTestEngine(cfg Config, client llm.LLMClient, opts ...Option) *Engine {
	base := []Option{
		WithQueueOptions(queue.WithSleeper(noSleep)),
		WithPipelineOptions(generation.WithSleeper(noSleep)),
		WithRandom(func(n int) int { return 0 }),
	}
	return New(cfg, client, append(base, opts...)...)
}

// runEngine starts the loop and returns a function that drains and stops it.
func runEngine(t *testing.T, e *Engine) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Shutdown(ctx))
		require.NoError(t, <-done)
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestHandleCommand_Start(t *testing.T) {
	e := newTestEngine(testConfig(), &MockLLMClient{Replies: []string{"x"}})
	s := &sink{}
	require.NoError(t, e.HandleCommand(context.Background(), Command{Name: "start"}, s))
	assert.Equal(t, []string{ReplyStart}, s.all())
}

func TestHandleCommand_AddMessage(t *testing.T) {
	e := newTestEngine(testConfig(), &MockLLMClient{Replies: []string{"x"}})
	s := &sink{}
	ctx := context.Background()

	require.NoError(t, e.HandleCommand(ctx, Command{Name: "add_message", Args: []string{"alice"}}, s))
	require.NoError(t, e.HandleCommand(ctx, Command{Name: "add_message", Args: []string{"alice", "on", "on!"}}, s))

	assert.Equal(t, []string{UsageAddMessage, ReplyMessageAdded}, s.all())
	assert.Equal(t, "alice: on on!", e.History().Render())
}

func TestHandleCommand_Keywords(t *testing.T) {
	e := newTestEngine(testConfig(), &MockLLMClient{Replies: []string{"x"}})
	s := &sink{}
	ctx := context.Background()

	require.NoError(t, e.HandleCommand(ctx, Command{Name: "add_keywords"}, s))
	require.NoError(t, e.HandleCommand(ctx, Command{Name: "add_keywords", Args: []string{"Trail", "beer"}}, s))
	require.NoError(t, e.HandleCommand(ctx, Command{Name: "del_keywords"}, s))
	require.NoError(t, e.HandleCommand(ctx, Command{Name: "del_keywords", Args: []string{"hash"}}, s))

	assert.Equal(t, []string{UsageAddKeywords, ReplyKeywordsAdded, UsageDelKeywords, ReplyKeywordsGone}, s.all())
	assert.Equal(t, []string{"beer", "trail"}, e.Keywords().List())
}

func TestHandleCommand_Info(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCalls = 5
	e := newTestEngine(cfg, &MockLLMClient{Replies: []string{"x"}})
	s := &sink{}
	e.History().Record("alice", "hi")

	require.NoError(t, e.HandleCommand(context.Background(), Command{Name: "info"}, s))
	assert.Equal(t, []string{"Queue length: 0 | API calls: 0/5 | History: 1/10 | KW: beer, hash"}, s.all())
}

func TestHandleCommand_UnknownIgnored(t *testing.T) {
	e := newTestEngine(testConfig(), &MockLLMClient{Replies: []string{"x"}})
	s := &sink{}
	require.NoError(t, e.HandleCommand(context.Background(), Command{Name: "frobnicate"}, s))
	assert.Empty(t, s.all())
}

func TestHandleCommand_AcroValid(t *testing.T) {
	client := &MockLLMClient{Replies: []string{"Cool Awesome Tiger"}}
	e := newTestEngine(testConfig(), client)
	stop := runEngine(t, e)
	s := &sink{}

	require.NoError(t, e.HandleCommand(context.Background(), Command{Name: "acro", Args: []string{"c4a!t"}}, s))
	stop()

	assert.Equal(t, []string{"Cool Awesome Tiger"}, s.all())
	assert.Equal(t, 1, client.calls())
	assert.Contains(t, client.Prompts[0], `"cat"`)
	assert.Equal(t, int64(1), e.CallCount())
}

func TestHandleCommand_AcroNotAllowed(t *testing.T) {
	e := newTestEngine(testConfig(), &MockLLMClient{Replies: []string{"x"}})
	s := &sink{}
	ctx := context.Background()

	require.NoError(t, e.HandleCommand(ctx, Command{Name: "acro", Args: []string{"1234"}}, s))
	require.NoError(t, e.HandleCommand(ctx, Command{Name: "acro"}, s))

	assert.Equal(t, []string{ReplyNotAllowed, ReplyNotAllowed}, s.all())
	assert.Equal(t, 0, e.QueueLen())
}

func TestHandleCommand_AcroTruncatesAndPicksFromHistory(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWordLength = 3
	client := &MockLLMClient{Replies: []string{"Cool Awesome Tiger"}}
	e := newTestEngine(cfg, client)
	e.History().Record("catherine", "hello there")
	stop := runEngine(t, e)

	s := &sink{}
	require.NoError(t, e.HandleCommand(context.Background(), Command{Name: "acro"}, s))
	stop()

	require.Equal(t, 1, client.calls())
	assert.Contains(t, client.Prompts[0], `the word: "cat"`)
	assert.Equal(t, []string{"Cool Awesome Tiger"}, s.all())
}

func TestHandleCommand_AcroBudgetSpent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCalls = 1
	client := &MockLLMClient{Replies: []string{"Cool Awesome Tiger"}}
	e := newTestEngine(cfg, client)
	stop := runEngine(t, e)
	s := &sink{}
	ctx := context.Background()

	require.NoError(t, e.HandleCommand(ctx, Command{Name: "acro", Args: []string{"cat"}}, s))
	require.Eventually(t, func() bool { return e.CallCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, e.HandleCommand(ctx, Command{Name: "acro", Args: []string{"cat"}}, s))
	stop()

	assert.ElementsMatch(t, []string{"Cool Awesome Tiger", ReplyOutOfCalls}, s.all())
	assert.Equal(t, 1, client.calls())
}

// =============================================================================
// Reply policy
// =============================================================================

func TestGenerationTask_ReplyPolicy(t *testing.T) {
	unknown := errors.New("never seen this before")
	tests := []struct {
		name      string
		client    *MockLLMClient
		want      string
		wantErr   error
		wantCalls int
	}{
		{
			name:      "exhausted keeps last text",
			client:    &MockLLMClient{Replies: []string{"wrong", "still wrong", "Dog Over Gate"}},
			want:      "Dog Over Gate",
			wantCalls: 3,
		},
		{
			name:      "exhausted without text",
			client:    &MockLLMClient{Replies: []string{""}},
			want:      ReplyBroken,
			wantCalls: 3,
		},
		{
			name:      "fatal",
			client:    &MockLLMClient{Errs: []error{&llm.StatusError{Provider: "x", StatusCode: 401}}},
			want:      ReplyFatal,
			wantCalls: 1,
		},
		{
			name:      "unclassified propagates",
			client:    &MockLLMClient{Errs: []error{unknown}},
			want:      ReplyBroken,
			wantErr:   unknown,
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(testConfig(), tt.client)
			s := &sink{}
			err := e.generationTask("cat", "", s)(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []string{tt.want}, s.all())
			assert.Equal(t, tt.wantCalls, tt.client.calls())
		})
	}
}

func TestGenerationTask_SendFailureReturned(t *testing.T) {
	e := newTestEngine(testConfig(), &MockLLMClient{Replies: []string{"Cool Awesome Tiger"}})
	s := &sink{err: errors.New("chat gone")}
	err := e.generationTask("cat", "", s)(context.Background())
	assert.ErrorContains(t, err, "chat gone")
}

func TestUnclassifiedFailureDoesNotStopLoop(t *testing.T) {
	client := &MockLLMClient{
		Errs:    []error{errors.New("weird"), nil},
		Replies: []string{"", "Cool Awesome Tiger"},
	}
	e := newTestEngine(testConfig(), client)
	stop := runEngine(t, e)
	s := &sink{}
	ctx := context.Background()

	require.NoError(t, e.HandleCommand(ctx, Command{Name: "acro", Args: []string{"cat"}}, s))
	require.NoError(t, e.HandleCommand(ctx, Command{Name: "acro", Args: []string{"cat"}}, s))
	stop()

	assert.Equal(t, []string{ReplyBroken, "Cool Awesome Tiger"}, s.all())
}

// =============================================================================
// Messages
// =============================================================================

func TestHandleMessage_KeywordHit(t *testing.T) {
	client := &MockLLMClient{Replies: []string{"Bring Extra Ears Right"}}
	e := newTestEngine(testConfig(), client)
	stop := runEngine(t, e)
	s := &sink{}

	require.NoError(t, e.HandleMessage(context.Background(), Incoming{Sender: "alice", Text: "Let's grab a beer and go!"}, s))
	stop()

	assert.Equal(t, []string{"beer? Who said beer!?\nBring Extra Ears Right"}, s.all())
	assert.Contains(t, client.Prompts[0], "alice: Let's grab a beer and go!")
}

func TestHandleMessage_NoHitOnlyRecords(t *testing.T) {
	client := &MockLLMClient{Replies: []string{"x"}}
	e := newTestEngine(testConfig(), client)
	s := &sink{}

	require.NoError(t, e.HandleMessage(context.Background(), Incoming{Sender: "bob", Text: "Let's grab a soda"}, s))
	require.NoError(t, e.HandleMessage(context.Background(), Incoming{Sender: "bob", Text: ""}, s))

	assert.Equal(t, 1, e.History().Len())
	assert.Equal(t, 0, e.QueueLen())
	assert.Empty(t, s.all())
}

func TestHandleMessage_PromptReflectsHistoryAtExecution(t *testing.T) {
	client := &MockLLMClient{Replies: []string{"Bring Extra Ears Right"}}
	e := newTestEngine(testConfig(), client)
	s := &sink{}
	ctx := context.Background()

	require.NoError(t, e.HandleMessage(ctx, Incoming{Sender: "alice", Text: "beer"}, s))
	require.NoError(t, e.HandleMessage(ctx, Incoming{Sender: "bob", Text: "later"}, s))
	stop := runEngine(t, e)
	stop()

	require.Equal(t, 1, client.calls())
	assert.Contains(t, client.Prompts[0], "bob: later")
}

func TestHandleIncoming_Routes(t *testing.T) {
	e := newTestEngine(testConfig(), &MockLLMClient{Replies: []string{"x"}})
	s := &sink{}
	ctx := context.Background()

	require.NoError(t, e.HandleIncoming(ctx, Event{Command: &Command{Name: "start"}, Reply: s}))
	require.NoError(t, e.HandleIncoming(ctx, Event{Message: &Incoming{Sender: "a", Text: "hi"}, Reply: s}))
	assert.Error(t, e.HandleIncoming(ctx, Event{Command: &Command{Name: "start"}}))

	assert.Equal(t, []string{ReplyStart}, s.all())
	assert.Equal(t, 1, e.History().Len())
}

func TestEnqueueAfterShutdown(t *testing.T) {
	e := newTestEngine(testConfig(), &MockLLMClient{Replies: []string{"x"}})
	stop := runEngine(t, e)
	stop()

	err := e.HandleCommand(context.Background(), Command{Name: "acro", Args: []string{"cat"}}, &sink{})
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want Command
		ok   bool
	}{
		{"/acro beer", Command{Name: "acro", Args: []string{"beer"}}, true},
		{"/ACRO@acro_bot  beer  run", Command{Name: "acro", Args: []string{"beer", "run"}}, true},
		{"/start", Command{Name: "start", Args: []string{}}, true},
		{"hello /acro", Command{}, false},
		{"/", Command{}, false},
		{"", Command{}, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.text), func(t *testing.T) {
			got, ok := ParseCommand(tt.text)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want.Name, got.Name)
				assert.Equal(t, tt.want.Args, got.Args)
			}
		})
	}
}
