// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"
	"strings"

	"github.com/jeranaias/glee-engine/internal/assembler"
	"github.com/jeranaias/glee-engine/internal/model"
	"github.com/jeranaias/glee-engine/internal/session"
	"github.com/jeranaias/glee-engine/internal/sidecar"
)

// buildPrompt is the session manager's PromptBuilder: it matches lorebook
// entries against the path, runs the assembler under the configured budget,
// and flattens the segments into chat messages.
func (e *Engine) buildPrompt(conversationID string, path []*model.Message) (session.Prompt, error) {
	e.mu.Lock()
	conv := e.loaded[conversationID]
	stop := e.stop
	cfg := e.cfg
	matcher := e.matcher
	e.mu.Unlock()
	if conv == nil {
		return session.Prompt{}, fmt.Errorf("conversation %s not loaded", conversationID)
	}

	char, err := e.db.GetCharacter(conv.CharacterID)
	if err != nil {
		return session.Prompt{}, fmt.Errorf("loading character: %w", err)
	}

	books, err := e.activeLorebooks(conv)
	if err != nil {
		return session.Prompt{}, err
	}
	matches := matcher.Match(books, path)

	result := assembler.Assemble(assembler.Request{
		Budget:    cfg.AssemblerBudget(),
		Character: char,
		Persona:   e.personaOf(conv),
		Path:      path,
		Matches:   matches,
	})

	log := e.log.With().Str("conversation_id", conversationID).Logger()
	log.Debug().
		Int("segments", len(result.Segments)).
		Int("tokens", result.Tokens.Total).
		Int("lore_matches", len(matches)).
		Bool("truncated", result.Truncated).
		Msg("context assembled")
	if result.OverBudget {
		log.Warn().Int("tokens", result.Tokens.Total).
			Msg("assembled context exceeds the fillable budget")
	}
	if len(result.SkippedLore) > 0 {
		log.Debug().Strs("entries", result.SkippedLore).
			Msg("lore entries skipped for budget")
	}

	return session.Prompt{
		Messages: toChatMessages(result.Segments),
		Params: model.GenerationParams{
			Temperature: cfg.Generation.Temperature,
			MaxTokens:   cfg.Generation.MaxTokens,
			TopP:        cfg.Generation.TopP,
		},
		Stop: stop,
	}, nil
}

// activeLorebooks returns the enabled lorebooks in scope for a conversation:
// global books plus those attached to it.
func (e *Engine) activeLorebooks(conv *model.Conversation) ([]*model.Lorebook, error) {
	all, err := e.db.ListLorebooks()
	if err != nil {
		return nil, fmt.Errorf("loading lorebooks: %w", err)
	}

	attached := make(map[string]bool, len(conv.LorebookIDs))
	for _, id := range conv.LorebookIDs {
		attached[id] = true
	}

	var books []*model.Lorebook
	for _, b := range all {
		if b.IsGlobal || attached[b.ID] {
			books = append(books, b)
		}
	}
	return books, nil
}

// toChatMessages flattens segments into the sidecar wire format. Runs of
// non-history segments collapse into single system messages; history
// segments keep their own role, one message each.
func toChatMessages(segments []assembler.Segment) []sidecar.ChatMessage {
	var messages []sidecar.ChatMessage
	var pending []string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		messages = append(messages, sidecar.ChatMessage{
			Role:    model.RoleSystem.String(),
			Content: strings.Join(pending, "\n\n"),
		})
		pending = nil
	}

	for _, seg := range segments {
		if seg.Source == assembler.SourceHistory {
			flush()
			messages = append(messages, sidecar.ChatMessage{
				Role:    seg.Role.String(),
				Content: seg.Text,
			})
			continue
		}
		pending = append(pending, seg.Text)
	}
	flush()
	return messages
}
