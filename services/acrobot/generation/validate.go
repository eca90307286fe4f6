// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"strings"
	"unicode/utf8"
)

// Validate reports whether expansion is an acronym expansion of word.
//
// # Description
//
// Both strings are lowercased and expansion is split on whitespace. The
// expansion is valid when the first letters of its words, in order, spell
// word exactly: one expansion word per letter, no more and no fewer.
//
// # Examples
//
//	Validate("cat", "Cool Awesome Tiger")      // true
//	Validate("cat", "Cool Awesome")            // false, too few words
//	Validate("cat", "cool awesome is tigers")  // false, too many words
//	Validate("CAT", "cool angry tiger")        // true
//	Validate("", "anything")                   // false
func Validate(word, expansion string) bool {
	if word == "" {
		return false
	}
	letters := []rune(strings.ToLower(word))
	words := strings.Fields(strings.ToLower(expansion))
	if len(words) != len(letters) {
		return false
	}
	for i, w := range words {
		first, _ := utf8.DecodeRuneInString(w)
		if first != letters[i] {
			return false
		}
	}
	return true
}
