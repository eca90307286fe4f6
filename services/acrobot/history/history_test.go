// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_RecordKeepsMostRecent(t *testing.T) {
	h := New(3)
	for i := 0; i < 10; i++ {
		h.Record(fmt.Sprintf("user%d", i), fmt.Sprintf("msg %d", i))
		assert.LessOrEqual(t, h.Len(), 3)
	}

	snap := h.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []Message{
		{Sender: "user7", Text: "msg 7"},
		{Sender: "user8", Text: "msg 8"},
		{Sender: "user9", Text: "msg 9"},
	}, snap)
}

func TestHistory_ZeroCapacity(t *testing.T) {
	h := New(0)
	h.Record("a", "b")
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.Render())

	assert.Equal(t, 0, New(-5).Max())
}

func TestHistory_SnapshotIsACopy(t *testing.T) {
	h := New(2)
	h.Record("alice", "hi")
	snap := h.Snapshot()
	snap[0].Text = "changed"
	assert.Equal(t, "hi", h.Snapshot()[0].Text)
}

func TestHistory_RenderAndTokens(t *testing.T) {
	h := New(5)
	h.Record("alice", "on on")
	h.Record("bob", "beer near")

	assert.Equal(t, "alice: on on\nbob: beer near", h.Render())
	assert.Equal(t, []string{"alice", "on", "on", "bob", "beer", "near"}, h.Tokens())
}

func TestHistory_ConcurrentRecord(t *testing.T) {
	h := New(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Record(fmt.Sprint(g), fmt.Sprint(i))
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 50, h.Len())
}

func TestMatch(t *testing.T) {
	kws := []string{"beer", "hash"}
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single hit", "Let's grab a beer and go!", []string{"beer"}},
		{"no overlap", "Let's grab a soda", []string{}},
		{"empty text", "", []string{}},
		{"substring does not match", "beers for everyone", []string{}},
		{"case insensitive", "HASH tonight, BEER after", []string{"beer", "hash"}},
		{"punctuation boundary", "beer,hash...", []string{"beer", "hash"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.text, kws)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeywordSet(t *testing.T) {
	k := NewKeywordSet("Beer", " hash ", "")
	assert.Equal(t, []string{"beer", "hash"}, k.List())
	assert.True(t, k.Contains("BEER"))

	k.Add("on-on", "beer")
	assert.Equal(t, 3, k.Len())

	k.Remove("HASH", "missing")
	assert.Equal(t, []string{"beer", "on-on"}, k.List())

	k.Replace("trail")
	assert.Equal(t, []string{"trail"}, k.List())
	assert.False(t, k.Contains("beer"))
}
