// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// =============================================================================
// SESSION STATE
// =============================================================================

// State is the lifecycle position of a generation session.
type State int

const (
	StateIdle State = iota
	StateAssembling
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAssembling:
		return "assembling"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateErrored, StateCancelled:
		return true
	}
	return false
}

// Active reports whether the session still occupies its conversation's
// generation slot.
func (s State) Active() bool {
	return s == StateAssembling || s == StateStreaming
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one generation run: a streaming buffer bound to a placeholder
// assistant node. The manager owns the lifecycle; the session owns the
// buffer, the sequence check and the state word.
type Session struct {
	ConversationID string

	mu sync.Mutex

	// TargetID is the placeholder node, set once assembly produced it.
	targetID string

	state State

	// buffer accumulates streamed tokens; committed to the tree only at
	// the terminal transition so cancellation stays atomic.
	buffer strings.Builder

	// lastSeq is the last applied chunk sequence. Sequences start at 1
	// and must increase by exactly one.
	lastSeq uint64

	cancelRequested bool

	// stop aborts the upstream stream. Set when streaming begins.
	stop context.CancelFunc
}

// newSession creates a session in the Assembling state.
func newSession(conversationID string) *Session {
	return &Session{
		ConversationID: conversationID,
		state:          StateAssembling,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TargetID returns the placeholder node id, empty until streaming begins.
func (s *Session) TargetID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetID
}

// Buffer returns the content streamed so far.
func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.String()
}

// beginStreaming binds the placeholder target and moves to Streaming.
func (s *Session) beginStreaming(targetID string, stop context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetID = targetID
	s.stop = stop
	s.state = StateStreaming
}

// applyChunk validates the chunk sequence and appends the delta to the
// buffer. Sequences must increase by exactly one; a duplicate or a gap is a
// protocol violation, never silently absorbed.
func (s *Session) applyChunk(seq uint64, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming {
		return &SessionError{Type: ErrTypeStream,
			Message: "chunk received in state " + s.state.String()}
	}
	if seq != s.lastSeq+1 {
		return &SessionError{Type: ErrTypeStream,
			Message: "chunk sequence violation: got " + strconv.FormatUint(seq, 10) +
				", expected " + strconv.FormatUint(s.lastSeq+1, 10)}
	}

	s.lastSeq = seq
	s.buffer.WriteString(delta)
	return nil
}

// requestCancel flags the session for cooperative cancellation and signals
// the upstream stream. Idempotent; returns whether the session was still
// active.
func (s *Session) requestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active() {
		return false
	}
	s.cancelRequested = true
	if s.stop != nil {
		s.stop()
	}
	return true
}

// cancelPending reports whether cancellation was requested.
func (s *Session) cancelPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// finish moves the session to a terminal state. The first terminal
// transition wins; later ones are ignored.
func (s *Session) finish(terminal State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return false
	}
	s.state = terminal
	return true
}
