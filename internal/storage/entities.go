// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jeranaias/glee-engine/internal/model"
	"github.com/jeranaias/glee-engine/internal/tree"
)

// =============================================================================
// CHARACTERS
// =============================================================================

// SaveCharacter inserts or replaces a character.
func (s *Store) SaveCharacter(c *model.Character) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO characters
			(id, name, description, personality, system_prompt, first_message,
			 example_dialogues, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.Personality, c.SystemPrompt,
		c.FirstMessage, c.ExampleDialogues, encodeJSON(c.Tags),
		encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving character %s: %w", c.ID, err)
	}
	return nil
}

// GetCharacter loads one character.
func (s *Store) GetCharacter(id string) (*model.Character, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, personality, system_prompt, first_message,
		       example_dialogues, tags, created_at, updated_at
		FROM characters WHERE id = ?`, id)
	return scanCharacter(row)
}

// ListCharacters returns every character ordered by name.
func (s *Store) ListCharacters() ([]*model.Character, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, personality, system_prompt, first_message,
		       example_dialogues, tags, created_at, updated_at
		FROM characters ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing characters: %w", err)
	}
	defer rows.Close()

	var result []*model.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// DeleteCharacter removes a character.
func (s *Store) DeleteCharacter(id string) error {
	_, err := s.db.Exec("DELETE FROM characters WHERE id = ?", id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row rowScanner) (*model.Character, error) {
	var c model.Character
	var tags, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Personality,
		&c.SystemPrompt, &c.FirstMessage, &c.ExampleDialogues,
		&tags, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, tree.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(tags), &c.Tags)
	c.CreatedAt = decodeTime(createdAt)
	c.UpdatedAt = decodeTime(updatedAt)
	return &c, nil
}

// =============================================================================
// PERSONAS
// =============================================================================

// SavePersona inserts or replaces a persona. Marking a persona default
// clears the flag on every other persona in the same transaction, so at most
// one default exists.
func (s *Store) SavePersona(p *model.Persona) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.Exec("UPDATE personas SET is_default = 0 WHERE id != ?", p.ID); err != nil {
			return fmt.Errorf("clearing default personas: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO personas (id, name, description, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, boolToInt(p.IsDefault),
		encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving persona %s: %w", p.ID, err)
	}
	return tx.Commit()
}

// GetPersona loads one persona.
func (s *Store) GetPersona(id string) (*model.Persona, error) {
	return scanPersona(s.db.QueryRow(`
		SELECT id, name, description, is_default, created_at, updated_at
		FROM personas WHERE id = ?`, id))
}

// DefaultPersona returns the default persona, or nil when none is marked.
func (s *Store) DefaultPersona() (*model.Persona, error) {
	p, err := scanPersona(s.db.QueryRow(`
		SELECT id, name, description, is_default, created_at, updated_at
		FROM personas WHERE is_default = 1 LIMIT 1`))
	if err == tree.ErrNotFound {
		return nil, nil
	}
	return p, err
}

// ListPersonas returns every persona ordered by name.
func (s *Store) ListPersonas() ([]*model.Persona, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, is_default, created_at, updated_at
		FROM personas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing personas: %w", err)
	}
	defer rows.Close()

	var result []*model.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// DeletePersona removes a persona.
func (s *Store) DeletePersona(id string) error {
	_, err := s.db.Exec("DELETE FROM personas WHERE id = ?", id)
	return err
}

func scanPersona(row rowScanner) (*model.Persona, error) {
	var p model.Persona
	var isDefault int
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &isDefault, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, tree.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.IsDefault = isDefault != 0
	p.CreatedAt = decodeTime(createdAt)
	p.UpdatedAt = decodeTime(updatedAt)
	return &p, nil
}

// =============================================================================
// LOREBOOKS
// =============================================================================

// SaveLorebook inserts or replaces a lorebook together with its entries.
func (s *Store) SaveLorebook(b *model.Lorebook) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO lorebooks (id, name, description, is_global, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Description, boolToInt(b.IsGlobal), boolToInt(b.IsEnabled),
		encodeTime(b.CreatedAt), encodeTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving lorebook %s: %w", b.ID, err)
	}

	if _, err := tx.Exec("DELETE FROM lorebook_entries WHERE lorebook_id = ?", b.ID); err != nil {
		return err
	}
	for _, e := range b.Entries {
		_, err := tx.Exec(`
			INSERT INTO lorebook_entries
				(id, lorebook_id, name, keywords, content, priority, is_enabled,
				 case_sensitive, match_whole_word, insertion_position, token_budget, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, b.ID, e.Name, encodeJSON(e.Keywords), e.Content, e.Priority,
			boolToInt(e.IsEnabled), boolToInt(e.CaseSensitive), boolToInt(e.MatchWholeWord),
			e.InsertionPosition, e.TokenBudget, encodeTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("saving entry %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// GetLorebook loads a lorebook with its entries.
func (s *Store) GetLorebook(id string) (*model.Lorebook, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, is_global, is_enabled, created_at, updated_at
		FROM lorebooks WHERE id = ?`, id)

	var b model.Lorebook
	var isGlobal, isEnabled int
	var createdAt, updatedAt string
	err := row.Scan(&b.ID, &b.Name, &b.Description, &isGlobal, &isEnabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, tree.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.IsGlobal = isGlobal != 0
	b.IsEnabled = isEnabled != 0
	b.CreatedAt = decodeTime(createdAt)
	b.UpdatedAt = decodeTime(updatedAt)

	rows, err := s.db.Query(`
		SELECT id, lorebook_id, name, keywords, content, priority, is_enabled,
		       case_sensitive, match_whole_word, insertion_position, token_budget, created_at
		FROM lorebook_entries WHERE lorebook_id = ? ORDER BY priority DESC, name`, id)
	if err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e model.LorebookEntry
		var keywords, entryCreated string
		var enabled, caseSensitive, wholeWord int
		if err := rows.Scan(&e.ID, &e.LorebookID, &e.Name, &keywords, &e.Content,
			&e.Priority, &enabled, &caseSensitive, &wholeWord,
			&e.InsertionPosition, &e.TokenBudget, &entryCreated); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(keywords), &e.Keywords)
		e.IsEnabled = enabled != 0
		e.CaseSensitive = caseSensitive != 0
		e.MatchWholeWord = wholeWord != 0
		e.CreatedAt = decodeTime(entryCreated)
		b.Entries = append(b.Entries, e)
	}
	return &b, rows.Err()
}

// ListLorebooks returns every lorebook (entries included) ordered by name.
func (s *Store) ListLorebooks() ([]*model.Lorebook, error) {
	rows, err := s.db.Query("SELECT id FROM lorebooks ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing lorebooks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*model.Lorebook, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetLorebook(id)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}

// DeleteLorebook removes a lorebook; entries cascade.
func (s *Store) DeleteLorebook(id string) error {
	_, err := s.db.Exec("DELETE FROM lorebooks WHERE id = ?", id)
	return err
}
