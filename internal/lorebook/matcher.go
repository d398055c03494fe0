// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package lorebook

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/jeranaias/glee-engine/internal/model"
)

// =============================================================================
// MATCHER TYPE
// =============================================================================

// DefaultScanDepth is how many of the most recent messages feed the keyword
// scan when no depth is configured.
const DefaultScanDepth = 5

// Match is one triggered lorebook entry together with where it came from.
type Match struct {
	Entry        model.LorebookEntry
	LorebookName string
	// Keyword is the first keyword that fired, useful for debugging why an
	// entry was included.
	Keyword string
}

// Matcher scans recent conversation text for lorebook entry keywords.
//
// The zero value is not usable; construct with NewMatcher.
type Matcher struct {
	scanDepth int
}

// NewMatcher creates a matcher scanning the given number of most recent
// messages. Depths below 1 fall back to DefaultScanDepth.
func NewMatcher(scanDepth int) *Matcher {
	if scanDepth < 1 {
		scanDepth = DefaultScanDepth
	}
	return &Matcher{scanDepth: scanDepth}
}

// ScanDepth returns the configured scan window size.
func (m *Matcher) ScanDepth() int {
	return m.scanDepth
}

// =============================================================================
// MATCHING
// =============================================================================

// Match scans the tail of the message path against every enabled entry of
// every enabled lorebook and returns the triggered entries, ordered by
// priority (highest first) with ties broken by lorebook name, then entry
// name. Each entry appears at most once regardless of how many of its
// keywords fire.
func (m *Matcher) Match(books []*model.Lorebook, path []*model.Message) []Match {
	text := m.scanText(path)
	if text == "" {
		return nil
	}
	folded := foldCase(text)

	var matches []Match
	for _, book := range books {
		if book == nil || !book.IsEnabled {
			continue
		}
		for _, entry := range book.Entries {
			if !entry.IsEnabled || entry.Content == "" {
				continue
			}
			if keyword, ok := m.entryTriggers(entry, text, folded); ok {
				matches = append(matches, Match{
					Entry:        entry,
					LorebookName: book.Name,
					Keyword:      keyword,
				})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Entry.Priority != b.Entry.Priority {
			return a.Entry.Priority > b.Entry.Priority
		}
		if a.LorebookName != b.LorebookName {
			return a.LorebookName < b.LorebookName
		}
		return a.Entry.Name < b.Entry.Name
	})
	return matches
}

// scanText joins the content of the last scanDepth messages, newest last.
// Tombstoned nodes never reach the matcher (the navigator excludes them from
// the active path), so no filtering happens here.
func (m *Matcher) scanText(path []*model.Message) string {
	start := len(path) - m.scanDepth
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, len(path)-start)
	for _, msg := range path[start:] {
		if msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// entryTriggers reports whether any of the entry's keywords occurs in the
// scan text, honoring the entry's case-sensitivity and whole-word flags.
// text is the raw scan window; folded is its case-folded form, computed once
// per scan.
func (m *Matcher) entryTriggers(entry model.LorebookEntry, text, folded string) (string, bool) {
	for _, keyword := range entry.Keywords {
		keyword = strings.TrimSpace(keyword)
		if keyword == "" {
			continue
		}

		haystack, needle := text, keyword
		if !entry.CaseSensitive {
			haystack, needle = folded, foldCase(keyword)
		}

		if containsKeyword(haystack, needle, entry.MatchWholeWord) {
			return keyword, true
		}
	}
	return "", false
}

// containsKeyword finds needle in haystack. With wholeWord set, an occurrence
// only counts when it is not flanked by letters or digits, so "cat" does not
// fire inside "category".
func containsKeyword(haystack, needle string, wholeWord bool) bool {
	if !wholeWord {
		return strings.Contains(haystack, needle)
	}

	for offset := 0; ; {
		idx := strings.Index(haystack[offset:], needle)
		if idx < 0 {
			return false
		}
		idx += offset
		if boundaryBefore(haystack, idx) && boundaryAfter(haystack, idx+len(needle)) {
			return true
		}
		offset = idx + 1
	}
}

func boundaryBefore(s string, idx int) bool {
	if idx == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:idx])
	return !isWordRune(r)
}

func boundaryAfter(s string, idx int) bool {
	if idx >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[idx:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// foldCase lowers text with full Unicode case folding, so matches work across
// scripts where simple ASCII lowering falls short. A Caser is stateful, so a
// fresh one per call keeps the matcher safe for concurrent use.
func foldCase(s string) string {
	return cases.Fold().String(s)
}
