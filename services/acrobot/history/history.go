// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history holds the bounded conversation log and the keyword set the
// bot listens for.
package history

import (
	"strings"
	"sync"
)

// Message is one recorded chat line. Immutable once recorded.
type Message struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// String renders the message the way it appears in prompts.
func (m Message) String() string {
	return m.Sender + ": " + m.Text
}

// History is an ordered log of messages capped at a fixed size.
//
// # Description
//
// Record appends and then evicts the oldest entries so that Len never exceeds
// Max. A cap of 0 keeps nothing. History is safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	max      int
	messages []Message
}

// New creates a History that keeps at most max entries. Negative values are
// treated as 0.
func New(max int) *History {
	if max < 0 {
		max = 0
	}
	return &History{max: max, messages: make([]Message, 0, max)}
}

// Record appends a message and truncates to the most recent Max entries.
func (h *History) Record(sender, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, Message{Sender: sender, Text: text})
	if over := len(h.messages) - h.max; over > 0 {
		// copy down instead of reslicing so the backing array does not grow forever
		n := copy(h.messages, h.messages[over:])
		clear(h.messages[n:])
		h.messages = h.messages[:n]
	}
}

// Snapshot returns a copy of the current log, oldest first.
func (h *History) Snapshot() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Render formats the log as "sender: text" lines, oldest first.
func (h *History) Render() string {
	snap := h.Snapshot()
	lines := make([]string, len(snap))
	for i, m := range snap {
		lines[i] = m.String()
	}
	return strings.Join(lines, "\n")
}

// Tokens flattens the log into senders and whitespace-separated message words.
func (h *History) Tokens() []string {
	snap := h.Snapshot()
	var out []string
	for _, m := range snap {
		out = append(out, m.Sender)
		out = append(out, strings.Fields(m.Text)...)
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

func (h *History) Max() int {
	return h.max
}
