// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// GENERATION PARAMS
// =============================================================================

// GenerationParams records the sampling settings a message was generated
// with. Stamped onto assistant messages so regenerations can be compared.
type GenerationParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single node in a conversation tree.
//
// ParentID is empty for conversation roots. BranchIndex is the node's
// position among its siblings at creation time and never changes. Content is
// immutable once the node is committed; edits and regenerations create new
// sibling nodes instead.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	ParentID       string `json:"parent_id,omitempty"`

	// Authorship
	Role       Role   `json:"role"`
	AuthorName string `json:"author_name,omitempty"` // character or persona name

	// Content
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`

	// Branching
	BranchIndex int `json:"branch_index"`

	// Terminal-state flags set by the generation session controller.
	// A cancelled message holds the partial content streamed before the
	// stop; an errored message holds whatever arrived before the failure.
	Cancelled bool `json:"cancelled,omitempty"`
	Errored   bool `json:"errored,omitempty"`

	// Soft delete. Tombstoned nodes are excluded from navigation but kept
	// in the arena so historical branch indices stay meaningful.
	Deleted bool `json:"deleted,omitempty"`

	// Generation metadata (assistant messages only)
	Params *GenerationParams `json:"generation_params,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message node with a generated ID. BranchIndex is
// assigned by the store at append time.
func NewMessage(conversationID, parentID string, role Role, content string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ParentID:       parentID,
		Role:           role,
		Content:        content,
		TokenCount:     EstimateTokens(content),
		CreatedAt:      time.Now(),
	}
}

// IsRoot reports whether this message is a conversation root.
func (m *Message) IsRoot() bool {
	return m.ParentID == ""
}

// Preview returns a single-line truncated preview of the content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := strings.ReplaceAll(m.Content, "\n", " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone returns a copy of the message. The copy shares no mutable state
// with the original.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Params != nil {
		params := *m.Params
		clone.Params = &params
	}
	return &clone
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation groups a message tree with its character and persona bindings.
// ActiveMessageID is the leaf of the currently selected branch; the full
// pointer table lives in the tree store.
type Conversation struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	CharacterID     string    `json:"character_id"`
	PersonaID       string    `json:"persona_id,omitempty"`
	ActiveMessageID string    `json:"active_message_id,omitempty"`
	LorebookIDs     []string  `json:"lorebook_ids,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewConversation creates a conversation bound to a character.
func NewConversation(characterID string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:          uuid.NewString(),
		CharacterID: characterID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a copy of the conversation. The copy shares no mutable
// state with the original.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	if c.LorebookIDs != nil {
		clone.LorebookIDs = append([]string(nil), c.LorebookIDs...)
	}
	return &clone
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// EstimateTokens gives a rough token count for text using the
// ~4 characters per token approximation.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
