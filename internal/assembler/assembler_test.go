// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assembler

import (
	"reflect"
	"strings"
	"testing"

	"github.com/jeranaias/glee-engine/internal/lorebook"
	"github.com/jeranaias/glee-engine/internal/model"
)

// tokensOfText builds a string estimating to exactly n tokens.
func tokensOfText(n int) string {
	return strings.Repeat("a", n*4)
}

// histMsg builds a path message with the given role and content.
func histMsg(role model.Role, content string) *model.Message {
	return model.NewMessage("conv", "", role, content)
}

// loreMatch wraps an entry as a matcher result.
func loreMatch(name, content string, priority, tokenBudget int, position string) lorebook.Match {
	entry := model.NewLorebookEntry("book", name, []string{"x"}, content)
	entry.Priority = priority
	entry.TokenBudget = tokenBudget
	if position != "" {
		entry.InsertionPosition = position
	}
	return lorebook.Match{Entry: *entry, LorebookName: "book", Keyword: "x"}
}

// segmentsBySource filters the result down to one component.
func segmentsBySource(res Result, src SegmentSource) []Segment {
	var out []Segment
	for _, seg := range res.Segments {
		if seg.Source == src {
			out = append(out, seg)
		}
	}
	return out
}

// =============================================================================
// TRUNCATION TESTS
// =============================================================================

func TestAssemble_SystemPromptTruncatedAtCap(t *testing.T) {
	// An 8192 window with 512 reserved and a system prompt rendering to
	// 600 tokens against a 500-token cap.
	char := model.NewCharacter("Aria")
	char.SystemPrompt = tokensOfText(600)

	res := Assemble(Request{
		Budget:    Budget{ContextSize: 8192, ResponseReserved: 512, SystemPrompt: 500, Persona: 200, Lorebook: 500, ExampleDialogues: 300},
		Character: char,
	})

	if !res.Truncated {
		t.Error("Expected truncated flag")
	}
	if res.Tokens.SystemPrompt != 500 {
		t.Errorf("Expected system prompt capped at 500 tokens, got %d", res.Tokens.SystemPrompt)
	}

	segs := segmentsBySource(res, SourceSystemPrompt)
	if len(segs) != 1 {
		t.Fatalf("Expected 1 system segment, got %d", len(segs))
	}
	if segs[0].Role != model.RoleSystem {
		t.Errorf("Expected system role, got %s", segs[0].Role)
	}
	if got := model.EstimateTokens(segs[0].Text); got != 500 {
		t.Errorf("Expected segment text of 500 tokens, got %d", got)
	}
}

func TestAssemble_NoTruncationUnderCap(t *testing.T) {
	char := model.NewCharacter("Aria")
	char.SystemPrompt = tokensOfText(100)

	res := Assemble(Request{Budget: DefaultBudget(), Character: char})
	if res.Truncated {
		t.Error("Expected no truncation under the cap")
	}
	if res.Tokens.SystemPrompt != 100 {
		t.Errorf("Expected 100 system tokens, got %d", res.Tokens.SystemPrompt)
	}
}

func TestTruncateToTokens_RuneSafe(t *testing.T) {
	// Multi-byte runes must never be split.
	text := strings.Repeat("é", 100) // 200 bytes, 50 estimated tokens
	got, cut := truncateToTokens(text, 10)
	if !cut {
		t.Fatal("Expected truncation")
	}
	if !strings.HasSuffix(got, "é") {
		t.Error("Expected cut on a rune boundary")
	}
	if model.EstimateTokens(got) > 10 {
		t.Errorf("Expected at most 10 tokens after cut, got %d", model.EstimateTokens(got))
	}
}

// =============================================================================
// LORE PLACEMENT TESTS
// =============================================================================

func TestAssemble_LoreAtomicInclusion(t *testing.T) {
	// Slot of 100 tokens: the 80-token entry fits, the 60-token one does
	// not and is skipped whole, the later 20-token one fits.
	budget := DefaultBudget()
	budget.Lorebook = 100

	res := Assemble(Request{
		Budget: budget,
		Matches: []lorebook.Match{
			loreMatch("big", tokensOfText(80), 90, 0, ""),
			loreMatch("too-big", tokensOfText(60), 50, 0, ""),
			loreMatch("small", tokensOfText(20), 10, 0, ""),
		},
		Path: []*model.Message{histMsg(model.RoleUser, "hi")},
	})

	segs := segmentsBySource(res, SourceLore)
	if len(segs) != 2 {
		t.Fatalf("Expected 2 lore segments, got %d", len(segs))
	}
	if res.Tokens.Lorebook != 100 {
		t.Errorf("Expected 100 lore tokens spent, got %d", res.Tokens.Lorebook)
	}
	if !reflect.DeepEqual(res.SkippedLore, []string{"too-big"}) {
		t.Errorf("Expected [too-big] skipped, got %v", res.SkippedLore)
	}
}

func TestAssemble_LorePerEntryCap(t *testing.T) {
	res := Assemble(Request{
		Budget: DefaultBudget(),
		Matches: []lorebook.Match{
			loreMatch("capped", tokensOfText(200), 50, 50, ""),
		},
		Path: []*model.Message{histMsg(model.RoleUser, "hi")},
	})

	if !res.Truncated {
		t.Error("Expected truncated flag from the per-entry cap")
	}
	if res.Tokens.Lorebook != 50 {
		t.Errorf("Expected entry capped to 50 tokens, got %d", res.Tokens.Lorebook)
	}
}

func TestAssemble_LoreInsertionPositions(t *testing.T) {
	msgs := []*model.Message{
		histMsg(model.RoleUser, "first"),
		histMsg(model.RoleAssistant, "second"),
		histMsg(model.RoleUser, "third"),
	}

	res := Assemble(Request{
		Budget: DefaultBudget(),
		Matches: []lorebook.Match{
			loreMatch("pre", "world intro", 90, 0, "before_context"),
			loreMatch("mid", "recent fact", 50, 0, "at_depth:1"),
			loreMatch("post", "final note", 10, 0, "after_context"),
		},
		Path: msgs,
	})

	var order []string
	for _, seg := range res.Segments {
		switch seg.Source {
		case SourceLore:
			order = append(order, "lore:"+seg.Text)
		case SourceHistory:
			order = append(order, "msg:"+seg.Text)
		}
	}

	want := []string{
		"lore:world intro",
		"msg:first",
		"msg:second",
		"lore:recent fact", // depth 1: one message from the end
		"msg:third",
		"lore:final note",
	}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("Segment order mismatch:\n got %v\nwant %v", order, want)
	}
}

func TestAssemble_AtDepthClampsToWindowStart(t *testing.T) {
	res := Assemble(Request{
		Budget: DefaultBudget(),
		Matches: []lorebook.Match{
			loreMatch("deep", "ancient lore", 50, 0, "at_depth:99"),
		},
		Path: []*model.Message{histMsg(model.RoleUser, "only message")},
	})

	var order []string
	for _, seg := range res.Segments {
		if seg.Source == SourceLore || seg.Source == SourceHistory {
			order = append(order, seg.Text)
		}
	}
	want := []string{"ancient lore", "only message"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("Expected depth clamped to window start, got %v", order)
	}
}

// =============================================================================
// HISTORY FILL TESTS
// =============================================================================

func TestAssemble_HistoryFillsNewestFirst(t *testing.T) {
	// Budget leaves room for exactly two of the three 100-token messages.
	budget := Budget{ContextSize: 712, ResponseReserved: 512}

	res := Assemble(Request{
		Budget: budget,
		Path: []*model.Message{
			histMsg(model.RoleUser, tokensOfText(100)),
			histMsg(model.RoleAssistant, tokensOfText(100)),
			histMsg(model.RoleUser, tokensOfText(100)),
		},
	})

	segs := segmentsBySource(res, SourceHistory)
	if len(segs) != 2 {
		t.Fatalf("Expected 2 history messages, got %d", len(segs))
	}
	// The two newest survive, in chronological order.
	if segs[0].Role != model.RoleAssistant || segs[1].Role != model.RoleUser {
		t.Errorf("Expected [assistant user], got [%s %s]", segs[0].Role, segs[1].Role)
	}
	if res.OverBudget {
		t.Error("Did not expect over-budget flag")
	}
}

func TestAssemble_MostRecentMessageGuaranteed(t *testing.T) {
	// The fillable budget is 100 tokens but the latest message is 300.
	budget := Budget{ContextSize: 612, ResponseReserved: 512}

	res := Assemble(Request{
		Budget: budget,
		Path: []*model.Message{
			histMsg(model.RoleUser, tokensOfText(50)),
			histMsg(model.RoleUser, tokensOfText(300)),
		},
	})

	segs := segmentsBySource(res, SourceHistory)
	if len(segs) != 1 {
		t.Fatalf("Expected exactly the most recent message, got %d", len(segs))
	}
	if segs[0].Tokens != 300 {
		t.Errorf("Expected the 300-token message, got %d tokens", segs[0].Tokens)
	}
	if !res.OverBudget {
		t.Error("Expected over-budget flag")
	}
}

func TestAssemble_SkipsEmptyPlaceholders(t *testing.T) {
	res := Assemble(Request{
		Budget: DefaultBudget(),
		Path: []*model.Message{
			histMsg(model.RoleUser, "hello"),
			histMsg(model.RoleAssistant, ""), // streaming placeholder
		},
	})

	segs := segmentsBySource(res, SourceHistory)
	if len(segs) != 1 || segs[0].Text != "hello" {
		t.Errorf("Expected placeholder excluded from history, got %d segments", len(segs))
	}
}

// =============================================================================
// PURITY AND ACCOUNTING TESTS
// =============================================================================

func TestAssemble_Deterministic(t *testing.T) {
	char := model.NewCharacter("Aria")
	char.Description = "a navigator"
	char.ExampleDialogues = "User: hi\nAria: hello"
	persona := model.NewPersona("Sam")
	persona.Description = "a cartographer"

	req := Request{
		Budget:    DefaultBudget(),
		Character: char,
		Persona:   persona,
		Matches:   []lorebook.Match{loreMatch("maps", "maps are old", 50, 0, "")},
		Path: []*model.Message{
			histMsg(model.RoleUser, "show me the map"),
		},
	}

	first := Assemble(req)
	second := Assemble(req)
	if !reflect.DeepEqual(first, second) {
		t.Error("Expected identical results for identical requests")
	}
}

func TestAssemble_TokenAccounting(t *testing.T) {
	char := model.NewCharacter("Aria")
	char.SystemPrompt = tokensOfText(100)
	char.ExampleDialogues = tokensOfText(40)
	persona := model.NewPersona("Sam")
	persona.Description = "x"

	res := Assemble(Request{
		Budget:    DefaultBudget(),
		Character: char,
		Persona:   persona,
		Matches:   []lorebook.Match{loreMatch("maps", tokensOfText(30), 50, 0, "")},
		Path:      []*model.Message{histMsg(model.RoleUser, tokensOfText(20))},
	})

	sum := res.Tokens.SystemPrompt + res.Tokens.Persona +
		res.Tokens.ExampleDialogues + res.Tokens.Lorebook + res.Tokens.History
	if res.Tokens.Total != sum {
		t.Errorf("Total %d does not match component sum %d", res.Tokens.Total, sum)
	}
	if fillable := DefaultBudget().Normalize().Fillable(); res.Tokens.Total > fillable {
		t.Errorf("Total %d exceeds fillable budget %d", res.Tokens.Total, fillable)
	}
}

// =============================================================================
// BUDGET NORMALIZATION TESTS
// =============================================================================

func TestBudget_NormalizeFillsDefaults(t *testing.T) {
	b := Budget{}.Normalize()
	def := DefaultBudget()
	if b.ContextSize != def.ContextSize || b.ResponseReserved != def.ResponseReserved {
		t.Errorf("Expected defaults filled in, got %+v", b)
	}
}

func TestBudget_NormalizeScalesOversizedCaps(t *testing.T) {
	b := Budget{
		ContextSize:      1000,
		ResponseReserved: 200,
		SystemPrompt:     600,
		Persona:          600,
		Lorebook:         600,
		ExampleDialogues: 600,
	}.Normalize()

	total := b.SystemPrompt + b.Persona + b.Lorebook + b.ExampleDialogues
	if total > b.Fillable() {
		t.Errorf("Expected caps scaled into fillable budget, sum=%d fillable=%d", total, b.Fillable())
	}
}

func TestBudget_NormalizeClampsReserve(t *testing.T) {
	b := Budget{ContextSize: 1000, ResponseReserved: 5000}.Normalize()
	if b.ResponseReserved >= b.ContextSize {
		t.Errorf("Expected reserve clamped below context size, got %d", b.ResponseReserved)
	}
}
