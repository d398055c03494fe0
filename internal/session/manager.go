// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/glee-engine/internal/model"
	"github.com/jeranaias/glee-engine/internal/sidecar"
	"github.com/jeranaias/glee-engine/internal/tree"
)

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// Streamer is the slice of the sidecar client the manager consumes.
type Streamer interface {
	StreamChat(ctx context.Context, req sidecar.ChatRequest, onChunk func(sidecar.StreamChunk) error) error
}

// Prompt is a fully assembled generation request.
type Prompt struct {
	Messages []sidecar.ChatMessage
	Params   model.GenerationParams
	Stop     []string
}

// PromptBuilder assembles the prompt for one generation over the given
// conversation path (root first, streaming placeholder excluded).
type PromptBuilder func(conversationID string, path []*model.Message) (Prompt, error)

// =============================================================================
// MANAGER
// =============================================================================

// Manager runs generation sessions: one active session per conversation,
// any number of conversations concurrently. It owns the placeholder
// lifecycle in the tree store and the event fan-out to observers.
type Manager struct {
	store       *tree.Store
	nav         *tree.Navigator
	streamer    Streamer
	buildPrompt PromptBuilder
	bus         *Bus
	log         zerolog.Logger

	mu sync.Mutex
	// active holds sessions occupying their conversation's generation
	// slot; last keeps the most recent session per conversation for
	// state queries after it finished.
	active map[string]*Session
	last   map[string]*Session

	// wg tracks streaming goroutines for clean shutdown.
	wg sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(store *tree.Store, nav *tree.Navigator, streamer Streamer, buildPrompt PromptBuilder, log zerolog.Logger) *Manager {
	return &Manager{
		store:       store,
		nav:         nav,
		streamer:    streamer,
		buildPrompt: buildPrompt,
		bus:         NewBus(),
		log:         log.With().Str("component", "session").Logger(),
		active:      make(map[string]*Session),
		last:        make(map[string]*Session),
	}
}

// Subscribe registers an event handler; cancel the returned subscription to
// stop receiving events.
func (m *Manager) Subscribe(h Handler) *Subscription {
	return m.bus.Subscribe(h)
}

// StateOf returns the state of the conversation's current or most recent
// session, StateIdle when it never generated.
func (m *Manager) StateOf(conversationID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.active[conversationID]; ok {
		return sess.State()
	}
	if sess, ok := m.last[conversationID]; ok {
		return sess.State()
	}
	return StateIdle
}

// Wait blocks until every streaming goroutine has finished. Intended for
// shutdown after cancelling the sessions' contexts.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// Start begins a generation for the conversation's active leaf. Fails with
// ErrConflict while another session is active for the same conversation.
// The placeholder assistant node is appended under the active leaf and the
// branch pointer moves to it; tokens stream into the session buffer and
// commit at the terminal transition.
func (m *Manager) Start(ctx context.Context, conversationID string) (*Session, error) {
	sess, err := m.acquire(conversationID)
	if err != nil {
		return nil, err
	}

	path := m.nav.ActivePath(conversationID)
	parentID := ""
	if len(path) > 0 {
		parentID = path[len(path)-1].ID
	}

	return m.launch(ctx, sess, parentID, path)
}

// Regenerate starts a generation that replaces an existing assistant message
// with a fresh sibling: the placeholder is appended under the same parent
// and the original node is left untouched.
func (m *Manager) Regenerate(ctx context.Context, messageID string) (*Session, error) {
	msg, err := m.store.Get(messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, tree.ErrDeleted
	}
	if msg.Role != model.RoleAssistant {
		return nil, &SessionError{Type: ErrTypeInternal,
			Message: "only assistant messages can be regenerated"}
	}

	sess, err := m.acquire(msg.ConversationID)
	if err != nil {
		return nil, err
	}

	// The prompt covers the lineage up to the regenerated node's parent,
	// independent of where the branch pointers currently sit.
	path, err := m.lineage(msg.ParentID)
	if err != nil {
		m.release(sess)
		return nil, err
	}

	return m.launch(ctx, sess, msg.ParentID, path)
}

// Cancel requests cooperative cancellation of the conversation's active
// session. Idempotent: cancelling an idle or already-terminal conversation
// is a no-op. The stream's terminal event remains authoritative; partial
// content is committed flagged cancelled when the stream winds down.
func (m *Manager) Cancel(conversationID string) {
	m.mu.Lock()
	sess := m.active[conversationID]
	m.mu.Unlock()

	if sess == nil {
		return
	}
	if sess.requestCancel() {
		m.log.Debug().Str("conversation_id", conversationID).Msg("cancellation requested")
	}
}

// acquire claims the conversation's generation slot.
func (m *Manager) acquire(conversationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.active[conversationID]; existing != nil {
		return nil, ErrConflict
	}
	sess := newSession(conversationID)
	m.active[conversationID] = sess
	m.last[conversationID] = sess
	return sess, nil
}

// release frees the generation slot.
func (m *Manager) release(sess *Session) {
	m.mu.Lock()
	if m.active[sess.ConversationID] == sess {
		delete(m.active, sess.ConversationID)
	}
	m.mu.Unlock()
}

// lineage walks parent links from the given node up to the root and returns
// the chain root-first. An empty id yields an empty chain.
func (m *Manager) lineage(id string) ([]*model.Message, error) {
	var chain []*model.Message
	for id != "" {
		node, err := m.store.Get(id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, node)
		id = node.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// launch assembles the prompt, appends the placeholder and starts the
// streaming goroutine. On assembly failure the slot is released and no node
// is created.
func (m *Manager) launch(ctx context.Context, sess *Session, parentID string, path []*model.Message) (*Session, error) {
	prompt, err := m.buildPrompt(sess.ConversationID, path)
	if err != nil {
		m.release(sess)
		sess.finish(StateErrored)
		return nil, err
	}

	placeholder := model.NewMessage(sess.ConversationID, parentID, model.RoleAssistant, "")
	params := prompt.Params
	placeholder.Params = &params
	placeholder, err = m.store.Append(placeholder)
	if err != nil {
		m.release(sess)
		sess.finish(StateErrored)
		return nil, err
	}

	streamCtx, stop := context.WithCancel(ctx)
	sess.beginStreaming(placeholder.ID, stop)

	m.log.Info().
		Str("conversation_id", sess.ConversationID).
		Str("message_id", placeholder.ID).
		Int("prompt_messages", len(prompt.Messages)).
		Msg("generation started")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stop()
		m.run(streamCtx, sess, prompt)
	}()
	return sess, nil
}

// run drives the upstream stream and performs the terminal transition.
func (m *Manager) run(ctx context.Context, sess *Session, prompt Prompt) {
	req := sidecar.ChatRequest{
		Messages:    prompt.Messages,
		Temperature: prompt.Params.Temperature,
		TopP:        prompt.Params.TopP,
		MaxTokens:   prompt.Params.MaxTokens,
		Stop:        prompt.Stop,
	}

	var seq uint64
	streamErr := m.streamer.StreamChat(ctx, req, func(chunk sidecar.StreamChunk) error {
		if chunk.Content == "" {
			return nil
		}
		seq++
		if err := sess.applyChunk(seq, chunk.Content); err != nil {
			return err
		}
		m.bus.Publish(Event{
			Type:           EventToken,
			ConversationID: sess.ConversationID,
			MessageID:      sess.TargetID(),
			Content:        chunk.Content,
			Seq:            seq,
		})
		return nil
	})

	m.finalize(sess, streamErr)
}

// finalize commits the buffer and publishes the terminal event. The commit
// is the single tree write of the whole stream.
func (m *Manager) finalize(sess *Session, streamErr error) {
	defer m.release(sess)

	content := sess.Buffer()
	targetID := sess.TargetID()
	log := m.log.With().
		Str("conversation_id", sess.ConversationID).
		Str("message_id", targetID).
		Logger()

	cancelled := sess.cancelPending() || errors.Is(streamErr, context.Canceled)

	switch {
	case cancelled:
		sess.finish(StateCancelled)
		if err := m.store.CommitGenerated(targetID, content, true, false); err != nil {
			log.Error().Err(err).Msg("committing cancelled generation")
		}
		log.Info().Int("chars", len(content)).Msg("generation cancelled")
		m.bus.Publish(Event{
			Type:           EventCancelled,
			ConversationID: sess.ConversationID,
			MessageID:      targetID,
			Content:        content,
		})

	case streamErr == nil:
		sess.finish(StateCompleted)
		if err := m.store.CommitGenerated(targetID, content, false, false); err != nil {
			log.Error().Err(err).Msg("committing completed generation")
		}
		log.Info().Int("chars", len(content)).Msg("generation completed")
		m.bus.Publish(Event{
			Type:           EventCompleted,
			ConversationID: sess.ConversationID,
			MessageID:      targetID,
			Content:        content,
		})

	default:
		// Stream, upstream and timeout failures land here. The partial
		// node is retained flagged errored so nothing streamed is lost.
		classified := classify(streamErr)
		sess.finish(StateErrored)
		if err := m.store.CommitGenerated(targetID, content, false, true); err != nil {
			log.Error().Err(err).Msg("committing errored generation")
		}
		log.Warn().Err(classified).Int("chars", len(content)).Msg("generation failed")
		m.bus.Publish(Event{
			Type:           EventErrored,
			ConversationID: sess.ConversationID,
			MessageID:      targetID,
			Content:        content,
			Err:            classified,
		})
	}
}
