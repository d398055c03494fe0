// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations, trees, characters, personas and
// lorebooks in SQLite.
//
// The database runs in WAL mode. Tree snapshots (message nodes plus branch
// pointers) write in a single transaction per conversation, which gives the
// crash consistency the in-memory store assumes of its persistence layer.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/glee-engine/internal/model"
	"github.com/jeranaias/glee-engine/internal/tree"
)

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed persistence layer.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (and if needed creates) the database at path and migrates the
// schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: the pragmas below are per-connection, and a single
	// writer sidesteps SQLITE_BUSY when checkpoints race.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, log: log.With().Str("component", "storage").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema when missing.
func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS conversations (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	character_id      TEXT NOT NULL,
	persona_id        TEXT NOT NULL DEFAULT '',
	active_message_id TEXT NOT NULL DEFAULT '',
	lorebook_ids      TEXT NOT NULL DEFAULT '[]',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	parent_id       TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL,
	author_name     TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	token_count     INTEGER NOT NULL DEFAULT 0,
	branch_index    INTEGER NOT NULL DEFAULT 0,
	cancelled       INTEGER NOT NULL DEFAULT 0,
	errored         INTEGER NOT NULL DEFAULT 0,
	deleted         INTEGER NOT NULL DEFAULT 0,
	params          TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

CREATE TABLE IF NOT EXISTS branch_pointers (
	conversation_id TEXT NOT NULL,
	parent_id       TEXT NOT NULL DEFAULT '',
	child_id        TEXT NOT NULL,
	PRIMARY KEY (conversation_id, parent_id)
);

CREATE TABLE IF NOT EXISTS characters (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	personality       TEXT NOT NULL DEFAULT '',
	system_prompt     TEXT NOT NULL DEFAULT '',
	first_message     TEXT NOT NULL DEFAULT '',
	example_dialogues TEXT NOT NULL DEFAULT '',
	tags              TEXT NOT NULL DEFAULT '[]',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS personas (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_default  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lorebooks (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_global   INTEGER NOT NULL DEFAULT 0,
	is_enabled  INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lorebook_entries (
	id                 TEXT PRIMARY KEY,
	lorebook_id        TEXT NOT NULL REFERENCES lorebooks(id) ON DELETE CASCADE,
	name               TEXT NOT NULL DEFAULT '',
	keywords           TEXT NOT NULL DEFAULT '[]',
	content            TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 50,
	is_enabled         INTEGER NOT NULL DEFAULT 1,
	case_sensitive     INTEGER NOT NULL DEFAULT 0,
	match_whole_word   INTEGER NOT NULL DEFAULT 1,
	insertion_position TEXT NOT NULL DEFAULT 'before_context',
	token_budget       INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_lorebook ON lorebook_entries(lorebook_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// =============================================================================
// TIME AND JSON HELPERS
// =============================================================================

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// SaveConversation inserts or replaces a conversation row.
func (s *Store) SaveConversation(c *model.Conversation) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO conversations
			(id, title, character_id, persona_id, active_message_id, lorebook_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.CharacterID, c.PersonaID, c.ActiveMessageID,
		encodeJSON(c.LorebookIDs), encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation loads one conversation.
func (s *Store) GetConversation(id string) (*model.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, title, character_id, persona_id, active_message_id, lorebook_ids, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	var c model.Conversation
	var lorebookIDs, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Title, &c.CharacterID, &c.PersonaID,
		&c.ActiveMessageID, &lorebookIDs, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, tree.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}

	json.Unmarshal([]byte(lorebookIDs), &c.LorebookIDs)
	c.CreatedAt = decodeTime(createdAt)
	c.UpdatedAt = decodeTime(updatedAt)
	return &c, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations() ([]*model.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, character_id, persona_id, active_message_id, lorebook_ids, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var result []*model.Conversation
	for rows.Next() {
		var c model.Conversation
		var lorebookIDs, createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Title, &c.CharacterID, &c.PersonaID,
			&c.ActiveMessageID, &lorebookIDs, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(lorebookIDs), &c.LorebookIDs)
		c.CreatedAt = decodeTime(createdAt)
		c.UpdatedAt = decodeTime(updatedAt)
		result = append(result, &c)
	}
	return result, rows.Err()
}

// DeleteConversation removes a conversation with its tree.
func (s *Store) DeleteConversation(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM messages WHERE conversation_id = ?",
		"DELETE FROM branch_pointers WHERE conversation_id = ?",
		"DELETE FROM conversations WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("deleting conversation %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// TREE SNAPSHOTS
// =============================================================================

// SaveTree persists a conversation's full node set and pointer table in one
// transaction, replacing the previous snapshot.
func (s *Store) SaveTree(conversationID string, nodes []*model.Message, pointers map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM branch_pointers WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}

	insertNode, err := tx.Prepare(`
		INSERT INTO messages
			(id, conversation_id, parent_id, role, author_name, content, token_count,
			 branch_index, cancelled, errored, deleted, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertNode.Close()

	for _, n := range nodes {
		var params any
		if n.Params != nil {
			params = encodeJSON(n.Params)
		}
		_, err := insertNode.Exec(n.ID, n.ConversationID, n.ParentID, n.Role.String(),
			n.AuthorName, n.Content, n.TokenCount, n.BranchIndex,
			boolToInt(n.Cancelled), boolToInt(n.Errored), boolToInt(n.Deleted),
			params, encodeTime(n.CreatedAt))
		if err != nil {
			return fmt.Errorf("saving message %s: %w", n.ID, err)
		}
	}

	insertPointer, err := tx.Prepare(`
		INSERT INTO branch_pointers (conversation_id, parent_id, child_id) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertPointer.Close()

	for parentID, childID := range pointers {
		if _, err := insertPointer.Exec(conversationID, parentID, childID); err != nil {
			return fmt.Errorf("saving pointer %s: %w", parentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug().Str("conversation_id", conversationID).Int("nodes", len(nodes)).Msg("tree snapshot saved")
	return nil
}

// LoadTree restores a conversation's nodes and pointers into the in-memory
// store.
func (s *Store) LoadTree(conversationID string, dst *tree.Store) error {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, parent_id, role, author_name, content, token_count,
		       branch_index, cancelled, errored, deleted, params, created_at
		FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.Message
		var role, createdAt string
		var cancelled, errored, deleted int
		var params sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ParentID, &role,
			&m.AuthorName, &m.Content, &m.TokenCount, &m.BranchIndex,
			&cancelled, &errored, &deleted, &params, &createdAt); err != nil {
			return err
		}
		m.Role = model.Role(role)
		m.Cancelled = cancelled != 0
		m.Errored = errored != 0
		m.Deleted = deleted != 0
		m.CreatedAt = decodeTime(createdAt)
		if params.Valid && params.String != "" {
			var p model.GenerationParams
			if json.Unmarshal([]byte(params.String), &p) == nil {
				m.Params = &p
			}
		}
		dst.Restore(&m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	ptrRows, err := s.db.Query(`
		SELECT parent_id, child_id FROM branch_pointers WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("loading pointers: %w", err)
	}
	defer ptrRows.Close()

	for ptrRows.Next() {
		var parentID, childID string
		if err := ptrRows.Scan(&parentID, &childID); err != nil {
			return err
		}
		dst.RestorePointer(conversationID, parentID, childID)
	}
	return ptrRows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
