// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jeranaias/glee-engine/internal/model"
	"github.com/jeranaias/glee-engine/internal/tree"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "glee.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// TREE SNAPSHOT TESTS
// =============================================================================

func TestStore_TreeRoundTrip(t *testing.T) {
	s := openTestStore(t)

	mem := tree.NewStore()
	root, err := mem.Append(model.NewMessage("conv-1", "", model.RoleAssistant, "hello"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	userA, err := mem.Append(model.NewMessage("conv-1", root.ID, model.RoleUser, "take one"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	userB, err := mem.Append(model.NewMessage("conv-1", root.ID, model.RoleUser, "take two"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := mem.Delete(userA.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	reply := model.NewMessage("conv-1", userB.ID, model.RoleAssistant, "sure")
	reply.Params = &model.GenerationParams{Temperature: 0.8, MaxTokens: 512, TopP: 0.9}
	if _, err := mem.Append(reply); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := s.SaveTree("conv-1", mem.NodesOf("conv-1"), mem.PointersOf("conv-1")); err != nil {
		t.Fatalf("SaveTree failed: %v", err)
	}

	// Restore into a fresh in-memory store.
	restored := tree.NewStore()
	if err := s.LoadTree("conv-1", restored); err != nil {
		t.Fatalf("LoadTree failed: %v", err)
	}

	// The tombstone survives with its flag and branch index.
	tomb, err := restored.Get(userA.ID)
	if err != nil {
		t.Fatalf("Get tombstone failed: %v", err)
	}
	if !tomb.Deleted || tomb.BranchIndex != 0 {
		t.Errorf("Expected tombstone with branch index 0, got deleted=%v index=%d",
			tomb.Deleted, tomb.BranchIndex)
	}

	// Generation params survive the round trip.
	restoredReply, err := restored.Get(reply.ID)
	if err != nil {
		t.Fatalf("Get reply failed: %v", err)
	}
	if restoredReply.Params == nil || restoredReply.Params.MaxTokens != 512 {
		t.Error("Expected generation params restored")
	}

	// Pointers restore, so the active path matches.
	nav := tree.NewNavigator(restored)
	path := nav.ActivePath("conv-1")
	if len(path) != 3 || path[len(path)-1].ID != reply.ID {
		t.Errorf("Expected restored active path to the reply, got %d nodes", len(path))
	}
}

func TestStore_SaveTreeReplacesSnapshot(t *testing.T) {
	s := openTestStore(t)

	mem := tree.NewStore()
	root, err := mem.Append(model.NewMessage("conv-1", "", model.RoleUser, "v1"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.SaveTree("conv-1", mem.NodesOf("conv-1"), mem.PointersOf("conv-1")); err != nil {
		t.Fatalf("First SaveTree failed: %v", err)
	}

	if _, err := mem.Append(model.NewMessage("conv-1", root.ID, model.RoleAssistant, "v2")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.SaveTree("conv-1", mem.NodesOf("conv-1"), mem.PointersOf("conv-1")); err != nil {
		t.Fatalf("Second SaveTree failed: %v", err)
	}

	restored := tree.NewStore()
	if err := s.LoadTree("conv-1", restored); err != nil {
		t.Fatalf("LoadTree failed: %v", err)
	}
	if got := len(restored.NodesOf("conv-1")); got != 2 {
		t.Errorf("Expected 2 nodes after snapshot replace, got %d", got)
	}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestStore_ConversationRoundTrip(t *testing.T) {
	s := openTestStore(t)

	conv := model.NewConversation("char-1")
	conv.Title = "Maps"
	conv.PersonaID = "persona-1"
	conv.LorebookIDs = []string{"book-1", "book-2"}
	if err := s.SaveConversation(conv); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	got, err := s.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Title != "Maps" || got.CharacterID != "char-1" {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if len(got.LorebookIDs) != 2 {
		t.Errorf("Expected lorebook ids restored, got %v", got.LorebookIDs)
	}

	if _, err := s.GetConversation("missing"); !errors.Is(err, tree.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := s.DeleteConversation(conv.ID); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if _, err := s.GetConversation(conv.ID); !errors.Is(err, tree.ErrNotFound) {
		t.Error("Expected conversation gone after delete")
	}
}

// =============================================================================
// PERSONA TESTS
// =============================================================================

func TestStore_SingleDefaultPersona(t *testing.T) {
	s := openTestStore(t)

	first := model.NewPersona("Sam")
	first.IsDefault = true
	if err := s.SavePersona(first); err != nil {
		t.Fatalf("SavePersona failed: %v", err)
	}

	second := model.NewPersona("Alex")
	second.IsDefault = true
	if err := s.SavePersona(second); err != nil {
		t.Fatalf("SavePersona failed: %v", err)
	}

	def, err := s.DefaultPersona()
	if err != nil {
		t.Fatalf("DefaultPersona failed: %v", err)
	}
	if def == nil || def.ID != second.ID {
		t.Error("Expected the newest default to win")
	}

	personas, err := s.ListPersonas()
	if err != nil {
		t.Fatalf("ListPersonas failed: %v", err)
	}
	defaults := 0
	for _, p := range personas {
		if p.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Errorf("Expected exactly one default persona, got %d", defaults)
	}
}

func TestStore_DefaultPersonaWhenNone(t *testing.T) {
	s := openTestStore(t)
	def, err := s.DefaultPersona()
	if err != nil {
		t.Fatalf("DefaultPersona failed: %v", err)
	}
	if def != nil {
		t.Errorf("Expected nil without a default, got %+v", def)
	}
}

// =============================================================================
// CHARACTER AND LOREBOOK TESTS
// =============================================================================

func TestStore_CharacterRoundTrip(t *testing.T) {
	s := openTestStore(t)

	c := model.NewCharacter("Aria")
	c.Description = "a navigator"
	c.FirstMessage = "Welcome aboard."
	c.Tags = []string{"fantasy", "sea"}
	if err := s.SaveCharacter(c); err != nil {
		t.Fatalf("SaveCharacter failed: %v", err)
	}

	got, err := s.GetCharacter(c.ID)
	if err != nil {
		t.Fatalf("GetCharacter failed: %v", err)
	}
	if got.FirstMessage != "Welcome aboard." || len(got.Tags) != 2 {
		t.Errorf("Round trip mismatch: %+v", got)
	}
}

func TestStore_LorebookRoundTrip(t *testing.T) {
	s := openTestStore(t)

	b := model.NewLorebook("World")
	dragon := model.NewLorebookEntry(b.ID, "Dragons", []string{"dragon", "wyrm"}, "Dragons are rare.")
	dragon.Priority = 90
	dragon.TokenBudget = 50
	castle := model.NewLorebookEntry(b.ID, "Castle", []string{"castle"}, "The castle is old.")
	castle.CaseSensitive = true
	b.Entries = []model.LorebookEntry{*dragon, *castle}

	if err := s.SaveLorebook(b); err != nil {
		t.Fatalf("SaveLorebook failed: %v", err)
	}

	got, err := s.GetLorebook(b.ID)
	if err != nil {
		t.Fatalf("GetLorebook failed: %v", err)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(got.Entries))
	}
	// Entries load priority-descending.
	if got.Entries[0].Name != "Dragons" {
		t.Errorf("Expected Dragons first, got %q", got.Entries[0].Name)
	}
	if got.Entries[0].TokenBudget != 50 || len(got.Entries[0].Keywords) != 2 {
		t.Errorf("Entry round trip mismatch: %+v", got.Entries[0])
	}
	if !got.Entries[1].CaseSensitive || !got.Entries[1].MatchWholeWord {
		t.Errorf("Expected flags preserved, got %+v", got.Entries[1])
	}

	// Replacing the lorebook replaces its entries.
	b.Entries = b.Entries[:1]
	if err := s.SaveLorebook(b); err != nil {
		t.Fatalf("SaveLorebook failed: %v", err)
	}
	got, err = s.GetLorebook(b.ID)
	if err != nil {
		t.Fatalf("GetLorebook failed: %v", err)
	}
	if len(got.Entries) != 1 {
		t.Errorf("Expected entries replaced, got %d", len(got.Entries))
	}
}
