// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assembler

import (
	"unicode/utf8"

	"github.com/jeranaias/glee-engine/internal/model"
)

// =============================================================================
// BUDGET CONFIGURATION
// =============================================================================

// Budget holds the token allocation for one assembly: the total context size,
// the slice reserved for the model's response, and fixed caps for each
// context component. Whatever the capped components do not spend goes to
// conversation history.
type Budget struct {
	// ContextSize is the total token window of the model.
	ContextSize int

	// ResponseReserved is carved out of ContextSize before any component
	// is placed, so the model always has room to answer.
	ResponseReserved int

	// Component caps.
	SystemPrompt     int
	Persona          int
	Lorebook         int
	ExampleDialogues int
}

// DefaultBudget returns the stock allocation for an 8K context window.
func DefaultBudget() Budget {
	return Budget{
		ContextSize:      8192,
		ResponseReserved: 512,
		SystemPrompt:     500,
		Persona:          200,
		Lorebook:         500,
		ExampleDialogues: 300,
	}
}

// Normalize fills zero values from the defaults and clamps the configuration
// so the component caps plus the response reserve never exceed the context
// size. Caps are reduced proportionally when they would; ContextSize itself
// is never grown.
func (b Budget) Normalize() Budget {
	def := DefaultBudget()
	if b.ContextSize <= 0 {
		b.ContextSize = def.ContextSize
	}
	if b.ResponseReserved <= 0 {
		b.ResponseReserved = def.ResponseReserved
	}
	if b.SystemPrompt < 0 {
		b.SystemPrompt = def.SystemPrompt
	}
	if b.Persona < 0 {
		b.Persona = def.Persona
	}
	if b.Lorebook < 0 {
		b.Lorebook = def.Lorebook
	}
	if b.ExampleDialogues < 0 {
		b.ExampleDialogues = def.ExampleDialogues
	}

	if b.ResponseReserved >= b.ContextSize {
		b.ResponseReserved = b.ContextSize / 2
	}

	// Scale the caps down when they collectively exceed the fillable
	// budget, preserving their relative weights.
	fillable := b.ContextSize - b.ResponseReserved
	total := b.SystemPrompt + b.Persona + b.Lorebook + b.ExampleDialogues
	if total > fillable && total > 0 {
		b.SystemPrompt = b.SystemPrompt * fillable / total
		b.Persona = b.Persona * fillable / total
		b.Lorebook = b.Lorebook * fillable / total
		b.ExampleDialogues = b.ExampleDialogues * fillable / total
	}
	return b
}

// Fillable returns the budget left for context components after the response
// reserve.
func (b Budget) Fillable() int {
	return b.ContextSize - b.ResponseReserved
}

// =============================================================================
// TOKEN-BOUNDARY TRUNCATION
// =============================================================================

// truncateToTokens cuts text so its estimated token count does not exceed
// maxTokens, cutting on a token boundary and never inside a UTF-8 rune.
// Returns the (possibly shortened) text and whether anything was cut.
func truncateToTokens(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return "", text != ""
	}
	if model.EstimateTokens(text) <= maxTokens {
		return text, false
	}

	// Four bytes per estimated token; back off to the nearest rune start.
	cut := maxTokens * 4
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], true
}
