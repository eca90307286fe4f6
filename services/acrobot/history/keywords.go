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
	"regexp"
	"sort"
	"strings"
	"sync"
)

// KeywordSet is a case-insensitive set of trigger words.
type KeywordSet struct {
	mu    sync.RWMutex
	words map[string]struct{}
}

// NewKeywordSet creates a set holding the lowercased, non-empty words.
func NewKeywordSet(words ...string) *KeywordSet {
	k := &KeywordSet{words: make(map[string]struct{}, len(words))}
	k.addLocked(words)
	return k
}

func (k *KeywordSet) addLocked(words []string) {
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			k.words[w] = struct{}{}
		}
	}
}

// Add performs a union with words.
func (k *KeywordSet) Add(words ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.addLocked(words)
}

// Remove performs a difference with words.
func (k *KeywordSet) Remove(words ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, w := range words {
		delete(k.words, strings.ToLower(strings.TrimSpace(w)))
	}
}

// Replace swaps the whole set, used by config reloads.
func (k *KeywordSet) Replace(words ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.words = make(map[string]struct{}, len(words))
	k.addLocked(words)
}

func (k *KeywordSet) Contains(word string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.words[strings.ToLower(word)]
	return ok
}

// List returns the keywords sorted, which is the set's iteration order.
func (k *KeywordSet) List() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.words))
	for w := range k.words {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func (k *KeywordSet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.words)
}

var nonWord = regexp.MustCompile(`\W+`)

// Match returns every keyword that appears as a whole token of text.
//
// # Description
//
// The text is split on runs of non-word characters and lowercased. Keywords
// are compared lowercase and returned in the order given. Substrings never
// match: "beers" does not match "beer".
//
// # Outputs
//
//   - []string: Matched keywords, lowercase. Empty (never nil) when nothing matches.
//
// # Examples
//
//	Match("Let's grab a beer and go!", []string{"beer", "hash"}) // ["beer"]
//	Match("Let's grab a soda", []string{"beer", "hash"})         // []
func Match(text string, keywords []string) []string {
	matches := []string{}
	if text == "" || len(keywords) == 0 {
		return matches
	}
	tokens := make(map[string]struct{})
	for _, tok := range nonWord.Split(strings.ToLower(text), -1) {
		if tok != "" {
			tokens[tok] = struct{}{}
		}
	}
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if _, ok := tokens[kw]; ok {
			matches = append(matches, kw)
		}
	}
	return matches
}
