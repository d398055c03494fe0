// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package lorebook

import (
	"testing"

	"github.com/jeranaias/glee-engine/internal/model"
)

// makeBook builds an enabled lorebook with the given entries.
func makeBook(name string, entries ...model.LorebookEntry) *model.Lorebook {
	book := model.NewLorebook(name)
	for i := range entries {
		entries[i].LorebookID = book.ID
	}
	book.Entries = entries
	return book
}

// makeEntry builds an enabled whole-word entry.
func makeEntry(name string, keywords []string, priority int) model.LorebookEntry {
	e := model.NewLorebookEntry("", name, keywords, name+" content")
	e.Priority = priority
	return *e
}

// userSays wraps content in a single-message path.
func userSays(content ...string) []*model.Message {
	path := make([]*model.Message, len(content))
	for i, c := range content {
		path[i] = model.NewMessage("conv", "", model.RoleUser, c)
	}
	return path
}

// =============================================================================
// KEYWORD MATCHING TESTS
// =============================================================================

func TestMatcher_WholeWordBoundaries(t *testing.T) {
	m := NewMatcher(DefaultScanDepth)
	book := makeBook("Pets", makeEntry("Cats", []string{"cat"}, 50))

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"exact word", "I saw a cat today", true},
		{"word at start", "cat on the roof", true},
		{"word at end", "beware of the cat", true},
		{"with punctuation", "is that a cat?", true},
		{"inside longer word", "browsing by category", false},
		{"prefix of longer word", "the cathedral doors", false},
		{"suffix of longer word", "a bobcat ran past", false},
		{"hyphenated", "a cat-shaped cloud", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match([]*model.Lorebook{book}, userSays(tt.text))
			if (len(got) > 0) != tt.want {
				t.Errorf("Match(%q): got %d matches, want match=%v", tt.text, len(got), tt.want)
			}
		})
	}
}

func TestMatcher_SubstringMode(t *testing.T) {
	m := NewMatcher(DefaultScanDepth)
	entry := makeEntry("Magic", []string{"mancer"}, 50)
	entry.MatchWholeWord = false
	book := makeBook("Arcana", entry)

	got := m.Match([]*model.Lorebook{book}, userSays("the necromancer appears"))
	if len(got) != 1 {
		t.Fatalf("Expected substring match, got %d matches", len(got))
	}
	if got[0].Keyword != "mancer" {
		t.Errorf("Expected triggering keyword recorded, got %q", got[0].Keyword)
	}
}

func TestMatcher_CaseSensitivity(t *testing.T) {
	m := NewMatcher(DefaultScanDepth)

	insensitive := makeEntry("Dragons", []string{"dragon"}, 50)
	sensitive := makeEntry("The Order", []string{"Order"}, 50)
	sensitive.CaseSensitive = true
	book := makeBook("World", insensitive, sensitive)

	got := m.Match([]*model.Lorebook{book}, userSays("The DRAGON guards the order"))
	if len(got) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(got))
	}
	if got[0].Entry.Name != "Dragons" {
		t.Errorf("Expected case folding to match DRAGON, got entry %q", got[0].Entry.Name)
	}

	got = m.Match([]*model.Lorebook{book}, userSays("the Order convenes"))
	if len(got) != 1 || got[0].Entry.Name != "The Order" {
		t.Errorf("Expected exact-case match for Order, got %d matches", len(got))
	}
}

func TestMatcher_UnicodeCaseFolding(t *testing.T) {
	m := NewMatcher(DefaultScanDepth)
	book := makeBook("Places", makeEntry("Cafe", []string{"café"}, 50))

	got := m.Match([]*model.Lorebook{book}, userSays("meet me at the CAFÉ"))
	if len(got) != 1 {
		t.Errorf("Expected folded match across case, got %d matches", len(got))
	}
}

// =============================================================================
// ENABLEMENT TESTS
// =============================================================================

func TestMatcher_SkipsDisabled(t *testing.T) {
	m := NewMatcher(DefaultScanDepth)

	offEntry := makeEntry("Hidden", []string{"sword"}, 50)
	offEntry.IsEnabled = false
	onBook := makeBook("Armory", offEntry, makeEntry("Shields", []string{"shield"}, 50))

	offBook := makeBook("Disabled Book", makeEntry("Axes", []string{"axe"}, 90))
	offBook.IsEnabled = false

	got := m.Match([]*model.Lorebook{onBook, offBook}, userSays("sword, shield and axe"))
	if len(got) != 1 {
		t.Fatalf("Expected only the enabled entry of the enabled book, got %d", len(got))
	}
	if got[0].Entry.Name != "Shields" {
		t.Errorf("Expected Shields, got %q", got[0].Entry.Name)
	}
}

func TestMatcher_EmptyKeywordsNeverFire(t *testing.T) {
	m := NewMatcher(DefaultScanDepth)
	entry := makeEntry("Blank", nil, 50)
	entry.Keywords = []string{"", "  "}
	book := makeBook("World", entry)

	if got := m.Match([]*model.Lorebook{book}, userSays("anything at all")); len(got) != 0 {
		t.Errorf("Expected no matches for blank keywords, got %d", len(got))
	}
}

// =============================================================================
// SCAN WINDOW TESTS
// =============================================================================

func TestMatcher_ScanWindowLimitsDepth(t *testing.T) {
	m := NewMatcher(2)
	book := makeBook("World", makeEntry("Dragons", []string{"dragon"}, 50))

	// The keyword appears only in the oldest message, outside the window.
	path := userSays("a dragon flew by", "what else?", "nothing much")
	if got := m.Match([]*model.Lorebook{book}, path); len(got) != 0 {
		t.Errorf("Expected keyword outside scan window ignored, got %d matches", len(got))
	}

	// Inside the window it fires.
	path = userSays("hello", "tell me about the dragon", "go on")
	if got := m.Match([]*model.Lorebook{book}, path); len(got) != 1 {
		t.Errorf("Expected match inside scan window, got %d", len(got))
	}
}

func TestMatcher_DepthFallback(t *testing.T) {
	if d := NewMatcher(0).ScanDepth(); d != DefaultScanDepth {
		t.Errorf("Expected fallback to default depth, got %d", d)
	}
	if d := NewMatcher(-3).ScanDepth(); d != DefaultScanDepth {
		t.Errorf("Expected fallback to default depth, got %d", d)
	}
}

func TestMatcher_EmptyPath(t *testing.T) {
	m := NewMatcher(DefaultScanDepth)
	book := makeBook("World", makeEntry("Dragons", []string{"dragon"}, 50))

	if got := m.Match([]*model.Lorebook{book}, nil); got != nil {
		t.Errorf("Expected nil for empty path, got %d matches", len(got))
	}
}

// =============================================================================
// ORDERING TESTS
// =============================================================================

func TestMatcher_OrdersByPriorityThenName(t *testing.T) {
	m := NewMatcher(DefaultScanDepth)

	alpha := makeBook("Alpha",
		makeEntry("Low", []string{"stone"}, 10),
		makeEntry("Mid A", []string{"stone"}, 50),
	)
	beta := makeBook("Beta",
		makeEntry("Mid B", []string{"stone"}, 50),
		makeEntry("High", []string{"stone"}, 90),
	)

	got := m.Match([]*model.Lorebook{beta, alpha}, userSays("a stone wall"))
	if len(got) != 4 {
		t.Fatalf("Expected 4 matches, got %d", len(got))
	}

	wantOrder := []string{"High", "Mid A", "Mid B", "Low"}
	for i, name := range wantOrder {
		if got[i].Entry.Name != name {
			t.Errorf("Position %d: expected %q, got %q", i, name, got[i].Entry.Name)
		}
	}
}

func TestMatcher_EntryTriggersOnce(t *testing.T) {
	m := NewMatcher(DefaultScanDepth)
	book := makeBook("World", makeEntry("Dragons", []string{"dragon", "wyrm"}, 50))

	got := m.Match([]*model.Lorebook{book}, userSays("the dragon, an ancient wyrm"))
	if len(got) != 1 {
		t.Fatalf("Expected single match per entry, got %d", len(got))
	}
	if got[0].Keyword != "dragon" {
		t.Errorf("Expected first keyword recorded, got %q", got[0].Keyword)
	}
}
