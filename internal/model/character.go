// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CHARACTER TYPE
// =============================================================================

// Character defines who the assistant plays in a conversation.
type Character struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Personality string `json:"personality"`

	// SystemPrompt overrides the generated prompt when set.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// FirstMessage seeds the conversation tree root when non-empty.
	FirstMessage string `json:"first_message,omitempty"`

	// ExampleDialogues is sample dialogue included in the assembled
	// context under its own budget slot.
	ExampleDialogues string `json:"example_dialogues,omitempty"`

	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCharacter creates a character with a generated ID.
func NewCharacter(name string) *Character {
	now := time.Now()
	return &Character{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RenderSystemPrompt returns the character definition as a system prompt.
// An explicit SystemPrompt wins; otherwise one is composed from the name,
// description and personality.
func (c *Character) RenderSystemPrompt() string {
	if c.SystemPrompt != "" {
		return c.SystemPrompt
	}

	var sb strings.Builder
	sb.WriteString("You are ")
	sb.WriteString(c.Name)
	sb.WriteString(".")
	if c.Description != "" {
		sb.WriteString("\n\n")
		sb.WriteString(c.Description)
	}
	if c.Personality != "" {
		sb.WriteString("\n\n")
		sb.WriteString(c.Personality)
	}
	return sb.String()
}

// =============================================================================
// PERSONA TYPE
// =============================================================================

// Persona describes the user side of a conversation. At most one persona is
// the default; storage enforces this on write.
type Persona struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewPersona creates a persona with a generated ID.
func NewPersona(name string) *Persona {
	now := time.Now()
	return &Persona{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RenderBlock returns the persona as a context block describing who the
// assistant is talking to. Empty when there is nothing to say.
func (p *Persona) RenderBlock() string {
	if p == nil || p.Description == "" {
		return ""
	}
	return "You are talking to " + p.Name + ". About them: " + p.Description
}
