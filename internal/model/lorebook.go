// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// INSERTION POSITION
// =============================================================================

// InsertionPosition controls where a triggered lorebook entry lands in the
// assembled context relative to the conversation window.
//
// The wire format is a string: "before_context", "after_context", or
// "at_depth:N" where N counts messages back from the end of the window.
type InsertionPosition struct {
	Kind  InsertionKind
	Depth int // only meaningful for InsertAtDepth
}

// InsertionKind enumerates the placement strategies.
type InsertionKind int

const (
	InsertBeforeContext InsertionKind = iota
	InsertAfterContext
	InsertAtDepth
)

const atDepthPrefix = "at_depth:"

// ParseInsertionPosition parses the stored string form. Unknown values fall
// back to before-context, matching the default for new entries.
func ParseInsertionPosition(s string) InsertionPosition {
	switch s {
	case "before_context", "":
		return InsertionPosition{Kind: InsertBeforeContext}
	case "after_context":
		return InsertionPosition{Kind: InsertAfterContext}
	}
	if rest, ok := strings.CutPrefix(s, atDepthPrefix); ok {
		depth, err := strconv.Atoi(rest)
		if err == nil && depth >= 0 {
			return InsertionPosition{Kind: InsertAtDepth, Depth: depth}
		}
	}
	return InsertionPosition{Kind: InsertBeforeContext}
}

// String returns the stored string form.
func (p InsertionPosition) String() string {
	switch p.Kind {
	case InsertAfterContext:
		return "after_context"
	case InsertAtDepth:
		return atDepthPrefix + strconv.Itoa(p.Depth)
	default:
		return "before_context"
	}
}

// =============================================================================
// LOREBOOK TYPES
// =============================================================================

// Lorebook is a named collection of keyword-triggered entries. Disabled
// lorebooks never match regardless of entry flags.
type Lorebook struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	IsGlobal    bool            `json:"is_global"`
	IsEnabled   bool            `json:"is_enabled"`
	Entries     []LorebookEntry `json:"entries,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewLorebook creates an enabled lorebook with a generated ID.
func NewLorebook(name string) *Lorebook {
	now := time.Now()
	return &Lorebook{
		ID:        uuid.NewString(),
		Name:      name,
		IsEnabled: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LorebookEntry is a keyword-triggered snippet of world or character
// knowledge injected into the context when relevant.
type LorebookEntry struct {
	ID         string   `json:"id"`
	LorebookID string   `json:"lorebook_id"`
	Name       string   `json:"name"`
	Keywords   []string `json:"keywords"`
	Content    string   `json:"content"`

	// Priority orders triggered entries (higher wins the budget first).
	Priority int `json:"priority"`

	IsEnabled      bool `json:"is_enabled"`
	CaseSensitive  bool `json:"case_sensitive"`
	MatchWholeWord bool `json:"match_whole_word"`

	// InsertionPosition is the stored string form; parse with
	// ParseInsertionPosition.
	InsertionPosition string `json:"insertion_position"`

	// TokenBudget caps this entry individually when > 0.
	TokenBudget int `json:"token_budget,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DefaultEntryPriority is assigned to entries created without an explicit
// priority.
const DefaultEntryPriority = 50

// NewLorebookEntry creates an enabled whole-word entry with defaults.
func NewLorebookEntry(lorebookID, name string, keywords []string, content string) *LorebookEntry {
	return &LorebookEntry{
		ID:                uuid.NewString(),
		LorebookID:        lorebookID,
		Name:              name,
		Keywords:          keywords,
		Content:           content,
		Priority:          DefaultEntryPriority,
		IsEnabled:         true,
		MatchWholeWord:    true,
		InsertionPosition: InsertionPosition{Kind: InsertBeforeContext}.String(),
		CreatedAt:         time.Now(),
	}
}

// Position returns the parsed insertion position.
func (e *LorebookEntry) Position() InsertionPosition {
	return ParseInsertionPosition(e.InsertionPosition)
}
