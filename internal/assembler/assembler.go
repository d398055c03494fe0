// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assembler

import (
	"github.com/jeranaias/glee-engine/internal/lorebook"
	"github.com/jeranaias/glee-engine/internal/model"
)

// =============================================================================
// SEGMENT TYPES
// =============================================================================

// SegmentSource identifies which budget component a segment belongs to.
type SegmentSource int

const (
	SourceSystemPrompt SegmentSource = iota
	SourcePersona
	SourceExampleDialogues
	SourceLore
	SourceHistory
)

// String returns a short label for logging.
func (s SegmentSource) String() string {
	switch s {
	case SourceSystemPrompt:
		return "system_prompt"
	case SourcePersona:
		return "persona"
	case SourceExampleDialogues:
		return "example_dialogues"
	case SourceLore:
		return "lore"
	case SourceHistory:
		return "history"
	default:
		return "unknown"
	}
}

// Segment is one ordered piece of the assembled prompt.
type Segment struct {
	Role   model.Role
	Text   string
	Source SegmentSource
	Tokens int

	// MessageID links history segments back to their tree node.
	MessageID string
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// Request carries everything one assembly needs. Assemble never mutates any
// of it.
type Request struct {
	Budget    Budget
	Character *model.Character
	Persona   *model.Persona

	// Path is the active conversation path, root first.
	Path []*model.Message

	// Matches are the triggered lorebook entries, priority order.
	Matches []lorebook.Match
}

// ComponentTokens is the per-component token accounting of one assembly.
type ComponentTokens struct {
	SystemPrompt     int
	Persona          int
	ExampleDialogues int
	Lorebook         int
	History          int
	Total            int
}

// Result is the assembled prompt plus its metadata.
type Result struct {
	Segments []Segment

	// Truncated is set when a capped component (system prompt, persona,
	// example dialogues, or an individually capped lore entry) was cut at
	// a token boundary to fit its slot.
	Truncated bool

	// OverBudget is set when the guaranteed most recent message pushed the
	// total past the fillable budget. Diagnostic only - assembly never
	// fails on budget.
	OverBudget bool

	// SkippedLore names triggered entries dropped whole because the lore
	// slot was exhausted.
	SkippedLore []string

	Tokens ComponentTokens
}

// =============================================================================
// ASSEMBLY
// =============================================================================

// Assemble builds the bounded prompt. Pure: same request, same result.
//
// Placement order: system prompt, persona, example dialogues, before-context
// lore, the conversation window with at-depth lore interleaved, after-context
// lore. Budgets are enforced per component; history takes whatever the
// capped components left unspent.
func Assemble(req Request) Result {
	budget := req.Budget.Normalize()
	var res Result

	// System prompt.
	if req.Character != nil {
		text, cut := truncateToTokens(req.Character.RenderSystemPrompt(), budget.SystemPrompt)
		if cut {
			res.Truncated = true
		}
		if text != "" {
			res.Tokens.SystemPrompt = model.EstimateTokens(text)
			res.Segments = append(res.Segments, Segment{
				Role:   model.RoleSystem,
				Text:   text,
				Source: SourceSystemPrompt,
				Tokens: res.Tokens.SystemPrompt,
			})
		}
	}

	// Persona block.
	if text, cut := truncateToTokens(req.Persona.RenderBlock(), budget.Persona); text != "" || cut {
		if cut {
			res.Truncated = true
		}
		if text != "" {
			res.Tokens.Persona = model.EstimateTokens(text)
			res.Segments = append(res.Segments, Segment{
				Role:   model.RoleSystem,
				Text:   text,
				Source: SourcePersona,
				Tokens: res.Tokens.Persona,
			})
		}
	}

	// Example dialogues.
	if req.Character != nil && req.Character.ExampleDialogues != "" {
		text, cut := truncateToTokens(req.Character.ExampleDialogues, budget.ExampleDialogues)
		if cut {
			res.Truncated = true
		}
		if text != "" {
			res.Tokens.ExampleDialogues = model.EstimateTokens(text)
			res.Segments = append(res.Segments, Segment{
				Role:   model.RoleSystem,
				Text:   text,
				Source: SourceExampleDialogues,
				Tokens: res.Tokens.ExampleDialogues,
			})
		}
	}

	before, atDepth, after := placeLore(req.Matches, budget.Lorebook, &res)

	// History fill: whatever the capped components left of the fillable
	// budget.
	remaining := budget.Fillable() -
		res.Tokens.SystemPrompt - res.Tokens.Persona -
		res.Tokens.ExampleDialogues - res.Tokens.Lorebook
	window := fillHistory(req.Path, remaining, &res)

	// Final ordering.
	res.Segments = append(res.Segments, before...)
	res.Segments = append(res.Segments, interleave(window, atDepth)...)
	res.Segments = append(res.Segments, after...)

	res.Tokens.Total = res.Tokens.SystemPrompt + res.Tokens.Persona +
		res.Tokens.ExampleDialogues + res.Tokens.Lorebook + res.Tokens.History
	return res
}

// loreAtDepth pairs an at-depth lore segment with its requested depth from
// the end of the conversation window.
type loreAtDepth struct {
	segment Segment
	depth   int
}

// placeLore spends the lore slot on triggered entries in priority order.
// Entries with their own token budget are truncated to it first; an entry
// whose (possibly capped) content no longer fits the remaining slot is
// skipped whole.
func placeLore(matches []lorebook.Match, slot int, res *Result) (before []Segment, atDepth []loreAtDepth, after []Segment) {
	remaining := slot
	for _, m := range matches {
		text := m.Entry.Content
		if m.Entry.TokenBudget > 0 {
			capped, cut := truncateToTokens(text, m.Entry.TokenBudget)
			if cut {
				res.Truncated = true
			}
			text = capped
		}
		cost := model.EstimateTokens(text)
		if text == "" || cost > remaining {
			res.SkippedLore = append(res.SkippedLore, m.Entry.Name)
			continue
		}

		remaining -= cost
		res.Tokens.Lorebook += cost
		seg := Segment{
			Role:   model.RoleSystem,
			Text:   text,
			Source: SourceLore,
			Tokens: cost,
		}

		switch pos := m.Entry.Position(); pos.Kind {
		case model.InsertAfterContext:
			after = append(after, seg)
		case model.InsertAtDepth:
			atDepth = append(atDepth, loreAtDepth{segment: seg, depth: pos.Depth})
		default:
			before = append(before, seg)
		}
	}
	return before, atDepth, after
}

// fillHistory walks the path newest-first adding whole messages while they
// fit, then returns the included window oldest-first. The most recent
// message is always included; when even it alone does not fit, OverBudget is
// flagged instead of failing.
func fillHistory(path []*model.Message, remaining int, res *Result) []Segment {
	var window []Segment
	for i := len(path) - 1; i >= 0; i-- {
		msg := path[i]
		if msg.Content == "" {
			continue
		}
		cost := msg.TokenCount
		if cost <= 0 {
			cost = model.EstimateTokens(msg.Content)
		}

		if cost > remaining {
			if len(window) > 0 {
				break
			}
			// Guaranteed turn of context.
			res.OverBudget = true
		}

		remaining -= cost
		res.Tokens.History += cost
		window = append(window, Segment{
			Role:      msg.Role,
			Text:      msg.Content,
			Source:    SourceHistory,
			Tokens:    cost,
			MessageID: msg.ID,
		})
	}

	// Collected newest-first; flip to chronological order.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window
}

// interleave merges at-depth lore into the window, each entry landing depth
// messages from the end (depth 0 = after the last message). Depths beyond
// the window clamp to its start. Relative priority order is kept for entries
// sharing a depth.
func interleave(window []Segment, lore []loreAtDepth) []Segment {
	if len(lore) == 0 {
		return window
	}

	// Bucket lore by clamped insertion index.
	buckets := make(map[int][]Segment)
	for _, l := range lore {
		idx := len(window) - l.depth
		if idx < 0 {
			idx = 0
		}
		buckets[idx] = append(buckets[idx], l.segment)
	}

	result := make([]Segment, 0, len(window)+len(lore))
	for i := 0; i <= len(window); i++ {
		result = append(result, buckets[i]...)
		if i < len(window) {
			result = append(result, window[i])
		}
	}
	return result
}
