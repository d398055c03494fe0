// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sync"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType identifies what a session event reports.
type EventType int

const (
	// EventToken: a token chunk was appended to the streaming buffer.
	EventToken EventType = iota

	// EventCompleted: the generation finished and was committed.
	EventCompleted

	// EventErrored: the generation failed; partial content is committed
	// flagged errored.
	EventErrored

	// EventCancelled: the generation was cancelled; partial content is
	// committed flagged cancelled.
	EventCancelled
)

// String returns the event name used in logs.
func (t EventType) String() string {
	switch t {
	case EventToken:
		return "token"
	case EventCompleted:
		return "complete"
	case EventErrored:
		return "error"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is one observation from an active generation session.
type Event struct {
	Type           EventType
	ConversationID string

	// MessageID is the streaming target node.
	MessageID string

	// Content is the token delta for EventToken and the full committed
	// text for terminal events.
	Content string

	// Seq is the chunk sequence number, token events only.
	Seq uint64

	// Err carries the failure for EventErrored.
	Err error
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Handler receives session events. Handlers run synchronously on the
// session's streaming goroutine; slow handlers slow the stream down.
type Handler func(Event)

// Subscription is the cancellation handle for a registered handler.
type Subscription struct {
	bus *Bus
	id  uint64

	// mu serializes handler invocation against cancellation, so Cancel
	// can guarantee the handler never runs afterwards.
	mu        sync.Mutex
	handler   Handler
	cancelled bool
}

// Cancel drops the handler. After Cancel returns, the handler is guaranteed
// not to be invoked again, including for events already being dispatched.
// Idempotent.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.handler = nil
	s.mu.Unlock()

	s.bus.drop(s.id)
}

// invoke runs the handler unless the subscription was cancelled.
func (s *Subscription) invoke(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.handler == nil {
		return
	}
	s.handler(e)
}

// =============================================================================
// EVENT BUS
// =============================================================================

// Bus fans session events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a handler and returns its cancellation handle.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID, handler: h}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every live subscription.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.invoke(e)
	}
}

// drop removes a subscription from the fan-out set.
func (b *Bus) drop(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
