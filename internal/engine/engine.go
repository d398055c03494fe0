// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine is the command surface of glee. It owns the in-memory
// conversation trees, coordinates the session manager, and checkpoints
// every mutation to storage.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/glee-engine/internal/config"
	"github.com/jeranaias/glee-engine/internal/export"
	"github.com/jeranaias/glee-engine/internal/lorebook"
	"github.com/jeranaias/glee-engine/internal/model"
	"github.com/jeranaias/glee-engine/internal/session"
	"github.com/jeranaias/glee-engine/internal/storage"
	"github.com/jeranaias/glee-engine/internal/tree"
	"github.com/jeranaias/glee-engine/internal/util"
)

// titleMaxRunes bounds auto-generated conversation titles.
const titleMaxRunes = 48

// =============================================================================
// ENGINE
// =============================================================================

// Engine wires the tree store, navigator, matcher, assembler and session
// manager behind one API. All methods are safe for concurrent use.
type Engine struct {
	cfg     *config.Config
	db      *storage.Store
	tree    *tree.Store
	nav     *tree.Navigator
	matcher *lorebook.Matcher
	manager *session.Manager
	log     zerolog.Logger

	mu     sync.Mutex
	loaded map[string]*model.Conversation
	stop   []string
}

// New creates an engine over the given storage and sidecar streamer.
func New(cfg *config.Config, db *storage.Store, streamer session.Streamer, log zerolog.Logger) *Engine {
	store := tree.NewStore()
	e := &Engine{
		cfg:     cfg,
		db:      db,
		tree:    store,
		nav:     tree.NewNavigator(store),
		matcher: lorebook.NewMatcher(cfg.Lorebook.ScanDepth),
		log:     log.With().Str("component", "engine").Logger(),
		loaded:  make(map[string]*model.Conversation),
	}
	e.manager = session.NewManager(store, e.nav, streamer, e.buildPrompt, log)

	// Checkpoint each finished generation. The terminal event fires after the
	// buffer is committed to the tree, so the snapshot includes the reply.
	e.manager.Subscribe(func(ev session.Event) {
		switch ev.Type {
		case session.EventCompleted, session.EventCancelled, session.EventErrored:
			if err := e.checkpoint(ev.ConversationID); err != nil {
				e.log.Error().Err(err).
					Str("conversation_id", ev.ConversationID).
					Msg("checkpoint after generation failed")
			}
		}
	})
	return e
}

// Subscribe registers a handler for generation events.
func (e *Engine) Subscribe(h session.Handler) *session.Subscription {
	return e.manager.Subscribe(h)
}

// UpdateConfig swaps the generation and budget settings, e.g. after a config
// file reload. Running generations keep the settings they started with.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.matcher = lorebook.NewMatcher(cfg.Lorebook.ScanDepth)
	e.mu.Unlock()
	e.log.Info().Msg("configuration updated")
}

// SetStopWords sets the stop sequences sent with every generation, typically
// the model's antiprompts reported by the sidecar.
func (e *Engine) SetStopWords(words []string) {
	e.mu.Lock()
	e.stop = append([]string(nil), words...)
	e.mu.Unlock()
}

// StateOf reports the generation state of a conversation.
func (e *Engine) StateOf(conversationID string) session.State {
	return e.manager.StateOf(conversationID)
}

// Wait blocks until all in-flight generations have wound down.
func (e *Engine) Wait() {
	e.manager.Wait()
}

// =============================================================================
// CONVERSATION LIFECYCLE
// =============================================================================

// NewConversation creates a conversation bound to a character. The default
// persona is attached when one exists, and the character's first message
// seeds the tree root.
func (e *Engine) NewConversation(characterID, title string) (*model.Conversation, error) {
	char, err := e.db.GetCharacter(characterID)
	if err != nil {
		return nil, fmt.Errorf("loading character: %w", err)
	}

	conv := model.NewConversation(characterID)
	conv.Title = title

	persona, err := e.db.DefaultPersona()
	if err != nil {
		return nil, fmt.Errorf("loading default persona: %w", err)
	}
	if persona != nil {
		conv.PersonaID = persona.ID
	}

	if char.FirstMessage != "" {
		root := model.NewMessage(conv.ID, "", model.RoleAssistant, char.FirstMessage)
		root.AuthorName = char.Name
		if _, err := e.tree.Append(root); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.loaded[conv.ID] = conv
	e.mu.Unlock()

	if err := e.checkpoint(conv.ID); err != nil {
		return nil, err
	}
	e.log.Info().Str("conversation_id", conv.ID).Str("character", char.Name).
		Msg("conversation created")
	return conv, nil
}

// Open loads a conversation and its tree from storage. Opening an already
// loaded conversation returns the cached copy.
func (e *Engine) Open(conversationID string) (*model.Conversation, error) {
	e.mu.Lock()
	if conv, ok := e.loaded[conversationID]; ok {
		e.mu.Unlock()
		return conv, nil
	}
	e.mu.Unlock()

	conv, err := e.db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if err := e.db.LoadTree(conversationID, e.tree); err != nil {
		return nil, fmt.Errorf("loading tree: %w", err)
	}

	e.mu.Lock()
	e.loaded[conversationID] = conv
	e.mu.Unlock()
	return conv, nil
}

// Conversations lists all stored conversations, most recently updated first.
func (e *Engine) Conversations() ([]*model.Conversation, error) {
	return e.db.ListConversations()
}

// DeleteConversation removes a conversation and its tree from storage.
func (e *Engine) DeleteConversation(conversationID string) error {
	e.mu.Lock()
	delete(e.loaded, conversationID)
	e.mu.Unlock()
	return e.db.DeleteConversation(conversationID)
}

// =============================================================================
// MESSAGING
// =============================================================================

// Send appends a user message to the active branch and starts a generation.
// An untitled conversation takes its title from the first message sent.
func (e *Engine) Send(ctx context.Context, conversationID, text string) (*session.Session, error) {
	conv, err := e.Open(conversationID)
	if err != nil {
		return nil, err
	}

	parentID := ""
	if leaf := e.nav.ActiveLeaf(conversationID); leaf != nil {
		parentID = leaf.ID
	}

	msg := model.NewMessage(conversationID, parentID, model.RoleUser, text)
	if persona := e.personaOf(conv); persona != nil {
		msg.AuthorName = persona.Name
	}
	if _, err := e.tree.Append(msg); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if conv.Title == "" {
		conv.Title = util.TruncateRunes(util.FirstLine(text), titleMaxRunes)
	}
	e.mu.Unlock()

	if err := e.checkpoint(conversationID); err != nil {
		return nil, err
	}
	return e.manager.Start(ctx, conversationID)
}

// Continue starts a generation from the current active leaf without adding a
// user message, e.g. after editing a message or to extend a reply.
func (e *Engine) Continue(ctx context.Context, conversationID string) (*session.Session, error) {
	if _, err := e.Open(conversationID); err != nil {
		return nil, err
	}
	return e.manager.Start(ctx, conversationID)
}

// Regenerate replaces an assistant message with a freshly generated sibling.
// The original stays reachable through branch navigation.
func (e *Engine) Regenerate(ctx context.Context, messageID string) (*session.Session, error) {
	msg, err := e.tree.Get(messageID)
	if err != nil {
		return nil, err
	}
	if _, err := e.Open(msg.ConversationID); err != nil {
		return nil, err
	}
	return e.manager.Regenerate(ctx, messageID)
}

// CancelGeneration requests cancellation of the conversation's active
// generation. A no-op when nothing is streaming.
func (e *Engine) CancelGeneration(conversationID string) {
	e.manager.Cancel(conversationID)
}

// Edit creates a sibling of the given message carrying the new content and
// switches the active branch to it. The original message is never modified.
func (e *Engine) Edit(messageID, content string) (*model.Message, error) {
	orig, err := e.tree.Get(messageID)
	if err != nil {
		return nil, err
	}
	if orig.Deleted {
		return nil, tree.ErrDeleted
	}

	edited := model.NewMessage(orig.ConversationID, orig.ParentID, orig.Role, content)
	edited.AuthorName = orig.AuthorName
	edited, err = e.tree.Append(edited)
	if err != nil {
		return nil, err
	}
	if err := e.checkpoint(orig.ConversationID); err != nil {
		return nil, err
	}
	return edited, nil
}

// DeleteMessage tombstones a message; its children are reparented to their
// grandparent. Idempotent.
func (e *Engine) DeleteMessage(messageID string) error {
	msg, err := e.tree.Get(messageID)
	if err != nil {
		return err
	}
	if err := e.tree.Delete(messageID); err != nil {
		return err
	}
	return e.checkpoint(msg.ConversationID)
}

// =============================================================================
// BRANCH NAVIGATION
// =============================================================================

// ActivePath returns the selected root-to-leaf path.
func (e *Engine) ActivePath(conversationID string) []*model.Message {
	return e.nav.ActivePath(conversationID)
}

// Siblings returns all live alternatives at the message's position,
// branch-index order, the message itself included.
func (e *Engine) Siblings(messageID string) ([]*model.Message, error) {
	return e.nav.SiblingsOf(messageID)
}

// SwitchBranch makes the given message the selected child of its parent.
func (e *Engine) SwitchBranch(messageID string) error {
	msg, err := e.tree.Get(messageID)
	if err != nil {
		return err
	}
	if err := e.nav.SwitchTo(messageID); err != nil {
		return err
	}
	return e.checkpoint(msg.ConversationID)
}

// PrevSibling switches to the previous live sibling. Returns false at the
// first sibling.
func (e *Engine) PrevSibling(messageID string) (bool, error) {
	msg, err := e.tree.Get(messageID)
	if err != nil {
		return false, err
	}
	moved, err := e.nav.Previous(messageID)
	if err != nil || !moved {
		return moved, err
	}
	return true, e.checkpoint(msg.ConversationID)
}

// NextSibling switches to the next live sibling. Returns false at the last
// sibling.
func (e *Engine) NextSibling(messageID string) (bool, error) {
	msg, err := e.tree.Get(messageID)
	if err != nil {
		return false, err
	}
	moved, err := e.nav.Next(messageID)
	if err != nil || !moved {
		return moved, err
	}
	return true, e.checkpoint(msg.ConversationID)
}

// =============================================================================
// EXPORT
// =============================================================================

// Export writes the active path of a conversation to outputDir in the given
// format ("markdown" or "json") and returns the file path.
func (e *Engine) Export(conversationID, format, outputDir string) (string, error) {
	conv, err := e.Open(conversationID)
	if err != nil {
		return "", err
	}

	opts := export.DefaultOptions()
	if outputDir != "" {
		opts.OutputDir = outputDir
	}

	var exporter export.Exporter
	switch format {
	case "markdown", "md", "":
		exporter = export.NewMarkdownExporter(opts)
	case "json":
		exporter = export.NewJSONExporter(opts)
	default:
		return "", fmt.Errorf("unknown export format %q", format)
	}

	char, err := e.db.GetCharacter(conv.CharacterID)
	if err != nil && err != tree.ErrNotFound {
		return "", err
	}

	transcript := &export.Transcript{
		Conversation: conv,
		Character:    char,
		Persona:      e.personaOf(conv),
		Path:         e.nav.ActivePath(conversationID),
	}
	return export.ToFile(transcript, exporter, opts)
}

// =============================================================================
// INTERNAL
// =============================================================================

// checkpoint snapshots the conversation's tree and metadata to storage.
// Generation terminals checkpoint from the streaming goroutine, so the
// loaded conversation is mutated and snapshotted under the engine lock and
// storage only ever sees the private copy.
func (e *Engine) checkpoint(conversationID string) error {
	leaf := e.nav.ActiveLeaf(conversationID)

	e.mu.Lock()
	conv := e.loaded[conversationID]
	if conv == nil {
		e.mu.Unlock()
		return nil
	}
	if leaf != nil {
		conv.ActiveMessageID = leaf.ID
	}
	conv.UpdatedAt = time.Now()
	snapshot := conv.Clone()
	e.mu.Unlock()

	if err := e.db.SaveConversation(snapshot); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	if err := e.db.SaveTree(conversationID,
		e.tree.NodesOf(conversationID), e.tree.PointersOf(conversationID)); err != nil {
		return fmt.Errorf("saving tree: %w", err)
	}
	return nil
}

// personaOf resolves the conversation's persona, nil when unset or missing.
func (e *Engine) personaOf(conv *model.Conversation) *model.Persona {
	if conv.PersonaID == "" {
		return nil
	}
	persona, err := e.db.GetPersona(conv.PersonaID)
	if err != nil {
		return nil
	}
	return persona
}
