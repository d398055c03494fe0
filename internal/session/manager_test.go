// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/jeranaias/glee-engine/internal/model"
	"github.com/jeranaias/glee-engine/internal/sidecar"
	"github.com/jeranaias/glee-engine/internal/tree"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FIXTURES
// =============================================================================

// fakeStreamer feeds chunks from a channel until it is closed, then returns
// its configured terminal error.
type fakeStreamer struct {
	chunks chan sidecar.StreamChunk
	err    error
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{chunks: make(chan sidecar.StreamChunk, 16)}
}

func (f *fakeStreamer) StreamChat(ctx context.Context, _ sidecar.ChatRequest, onChunk func(sidecar.StreamChunk) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-f.chunks:
			if !ok {
				return f.err
			}
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
	}
}

func (f *fakeStreamer) send(content string) {
	f.chunks <- sidecar.StreamChunk{Content: content}
}

// fixture wires a store, navigator and manager over the fake streamer, with
// a conversation seeded root + user message.
type fixture struct {
	store    *tree.Store
	nav      *tree.Navigator
	manager  *Manager
	streamer *fakeStreamer
	conv     string
	events   chan Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    tree.NewStore(),
		streamer: newFakeStreamer(),
		conv:     "conv-1",
		events:   make(chan Event, 64),
	}
	f.nav = tree.NewNavigator(f.store)

	builder := func(conversationID string, path []*model.Message) (Prompt, error) {
		msgs := make([]sidecar.ChatMessage, 0, len(path))
		for _, m := range path {
			msgs = append(msgs, sidecar.ChatMessage{Role: m.Role.String(), Content: m.Content})
		}
		return Prompt{
			Messages: msgs,
			Params:   model.GenerationParams{Temperature: 0.8, MaxTokens: 512, TopP: 0.9},
		}, nil
	}

	f.manager = NewManager(f.store, f.nav, f.streamer, builder, zerolog.Nop())
	sub := f.manager.Subscribe(func(e Event) { f.events <- e })
	t.Cleanup(func() {
		f.manager.Wait()
		sub.Cancel()
	})

	root, err := f.store.Append(model.NewMessage(f.conv, "", model.RoleAssistant, "Hello! How can I help?"))
	if err != nil {
		t.Fatalf("seeding root: %v", err)
	}
	if _, err := f.store.Append(model.NewMessage(f.conv, root.ID, model.RoleUser, "tell me a story")); err != nil {
		t.Fatalf("seeding user message: %v", err)
	}
	return f
}

// waitEvent blocks for the next event of the given type, failing the test on
// timeout.
func (f *fixture) waitEvent(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-f.events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s event", typ)
		}
	}
}

// =============================================================================
// COMPLETION TESTS
// =============================================================================

func TestManager_CompletedGeneration(t *testing.T) {
	f := newFixture(t)

	sess, err := f.manager.Start(context.Background(), f.conv)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.streamer.send("Once ")
	f.streamer.send("upon ")
	f.streamer.send("a time.")
	close(f.streamer.chunks)

	done := f.waitEvent(t, EventCompleted)
	if done.Content != "Once upon a time." {
		t.Errorf("Expected full content in terminal event, got %q", done.Content)
	}
	if sess.State() != StateCompleted {
		t.Errorf("Expected Completed state, got %s", sess.State())
	}

	// The committed node is the active leaf and carries the content.
	leaf := f.nav.ActiveLeaf(f.conv)
	if leaf == nil || leaf.ID != sess.TargetID() {
		t.Fatal("Expected branch pointer on the generated node")
	}
	if leaf.Content != "Once upon a time." {
		t.Errorf("Expected committed content, got %q", leaf.Content)
	}
	if leaf.Cancelled || leaf.Errored {
		t.Error("Completed node must not carry terminal flags")
	}
	if leaf.Params == nil || leaf.Params.Temperature != 0.8 {
		t.Error("Expected generation params stamped on the node")
	}
}

func TestManager_TokenEventsCarrySequence(t *testing.T) {
	f := newFixture(t)

	if _, err := f.manager.Start(context.Background(), f.conv); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.streamer.send("a")
	f.streamer.send("b")
	close(f.streamer.chunks)

	first := f.waitEvent(t, EventToken)
	second := f.waitEvent(t, EventToken)
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("Expected sequences 1,2 got %d,%d", first.Seq, second.Seq)
	}
	f.waitEvent(t, EventCompleted)
}

// =============================================================================
// CONFLICT TESTS
// =============================================================================

func TestManager_ConflictOnConcurrentStart(t *testing.T) {
	f := newFixture(t)

	if _, err := f.manager.Start(context.Background(), f.conv); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if _, err := f.manager.Start(context.Background(), f.conv); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}

	// The slot frees once the session terminates.
	close(f.streamer.chunks)
	f.waitEvent(t, EventCompleted)

	if state := f.manager.StateOf(f.conv); state != StateCompleted {
		t.Errorf("Expected Completed after terminal, got %s", state)
	}
}

func TestManager_IndependentConversations(t *testing.T) {
	f := newFixture(t)

	otherConv := "conv-2"
	if _, err := f.store.Append(model.NewMessage(otherConv, "", model.RoleUser, "hi")); err != nil {
		t.Fatalf("seeding second conversation: %v", err)
	}

	if _, err := f.manager.Start(context.Background(), f.conv); err != nil {
		t.Fatalf("Start conv-1 failed: %v", err)
	}
	if _, err := f.manager.Start(context.Background(), otherConv); err != nil {
		t.Errorf("Second conversation must generate concurrently, got %v", err)
	}

	close(f.streamer.chunks)
	f.waitEvent(t, EventCompleted)
	f.waitEvent(t, EventCompleted)
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

func TestManager_CancelCommitsPartial(t *testing.T) {
	f := newFixture(t)

	sess, err := f.manager.Start(context.Background(), f.conv)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.streamer.send("partial ")
	f.waitEvent(t, EventToken)

	f.manager.Cancel(f.conv)
	e := f.waitEvent(t, EventCancelled)
	if e.Content != "partial " {
		t.Errorf("Expected partial content in cancel event, got %q", e.Content)
	}
	if sess.State() != StateCancelled {
		t.Errorf("Expected Cancelled state, got %s", sess.State())
	}

	node, err := f.store.Get(sess.TargetID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !node.Cancelled || node.Errored {
		t.Errorf("Expected cancelled flag only, got cancelled=%v errored=%v", node.Cancelled, node.Errored)
	}
	if node.Content != "partial " {
		t.Errorf("Expected partial content committed, got %q", node.Content)
	}
}

func TestManager_CancelIsIdempotent(t *testing.T) {
	f := newFixture(t)

	// Cancelling an idle conversation is a no-op.
	f.manager.Cancel(f.conv)
	f.manager.Cancel("never-seen")

	if _, err := f.manager.Start(context.Background(), f.conv); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.manager.Cancel(f.conv)
	f.manager.Cancel(f.conv) // second request: no-op
	f.waitEvent(t, EventCancelled)

	// Cancelling after the terminal transition is a no-op too.
	f.manager.Cancel(f.conv)
	if state := f.manager.StateOf(f.conv); state != StateCancelled {
		t.Errorf("Expected state to stay Cancelled, got %s", state)
	}
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestManager_UpstreamFailureRetainsFlaggedPartial(t *testing.T) {
	f := newFixture(t)
	f.streamer.err = sidecar.ErrUpstream

	sess, err := f.manager.Start(context.Background(), f.conv)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.streamer.send("half a ")
	f.waitEvent(t, EventToken)
	close(f.streamer.chunks)

	e := f.waitEvent(t, EventErrored)
	if !errors.Is(e.Err, ErrUpstream) {
		t.Errorf("Expected upstream classification, got %v", e.Err)
	}
	if sess.State() != StateErrored {
		t.Errorf("Expected Errored state, got %s", sess.State())
	}

	node, err := f.store.Get(sess.TargetID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !node.Errored || node.Cancelled {
		t.Errorf("Expected errored flag only, got errored=%v cancelled=%v", node.Errored, node.Cancelled)
	}
	if node.Content != "half a " {
		t.Errorf("Expected partial content retained, got %q", node.Content)
	}
}

func TestManager_TimeoutClassification(t *testing.T) {
	f := newFixture(t)
	f.streamer.err = sidecar.ErrTimeout

	if _, err := f.manager.Start(context.Background(), f.conv); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	close(f.streamer.chunks)

	e := f.waitEvent(t, EventErrored)
	if !errors.Is(e.Err, ErrTimeout) {
		t.Errorf("Expected timeout classification, got %v", e.Err)
	}
}

func TestManager_BuilderFailureCreatesNoNode(t *testing.T) {
	store := tree.NewStore()
	nav := tree.NewNavigator(store)
	boom := errors.New("assembly exploded")
	m := NewManager(store, nav, newFakeStreamer(),
		func(string, []*model.Message) (Prompt, error) { return Prompt{}, boom },
		zerolog.Nop())

	seed, err := store.Append(model.NewMessage("conv-1", "", model.RoleUser, "hi"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := m.Start(context.Background(), "conv-1"); !errors.Is(err, boom) {
		t.Fatalf("Expected builder error surfaced, got %v", err)
	}

	// No placeholder was appended and the slot is free.
	if leaf := nav.ActiveLeaf("conv-1"); leaf == nil || leaf.ID != seed.ID {
		t.Error("Expected tree unchanged after assembly failure")
	}
	if _, err := m.Start(context.Background(), "conv-1"); errors.Is(err, ErrConflict) {
		t.Error("Expected slot released after assembly failure")
	}
	m.Wait()
}

// =============================================================================
// REGENERATION TESTS
// =============================================================================

func TestManager_RegenerateCreatesSibling(t *testing.T) {
	f := newFixture(t)

	// Produce a first assistant reply.
	if _, err := f.manager.Start(context.Background(), f.conv); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.streamer.send("first answer")
	close(f.streamer.chunks)
	first := f.waitEvent(t, EventCompleted)

	// Regenerate it.
	f.streamer = newFakeStreamer()
	f.manager.streamer = f.streamer
	sess, err := f.manager.Regenerate(context.Background(), first.MessageID)
	if err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	f.streamer.send("second answer")
	close(f.streamer.chunks)
	f.waitEvent(t, EventCompleted)

	original, err := f.store.Get(first.MessageID)
	if err != nil {
		t.Fatalf("Get original failed: %v", err)
	}
	replacement, err := f.store.Get(sess.TargetID())
	if err != nil {
		t.Fatalf("Get replacement failed: %v", err)
	}

	if original.Content != "first answer" {
		t.Errorf("Regeneration mutated the original: %q", original.Content)
	}
	if replacement.ParentID != original.ParentID {
		t.Error("Expected the regeneration to be a sibling of the original")
	}
	if replacement.BranchIndex <= original.BranchIndex {
		t.Errorf("Expected a later branch index, got %d vs %d",
			replacement.BranchIndex, original.BranchIndex)
	}
	if leaf := f.nav.ActiveLeaf(f.conv); leaf.ID != replacement.ID {
		t.Error("Expected branch pointer moved to the regeneration")
	}
}

func TestManager_RegenerateRejectsUserMessages(t *testing.T) {
	f := newFixture(t)

	leaf := f.nav.ActiveLeaf(f.conv) // the seeded user message
	if _, err := f.manager.Regenerate(context.Background(), leaf.ID); err == nil {
		t.Error("Expected regeneration of a user message to fail")
	}
	if _, err := f.manager.Regenerate(context.Background(), "missing"); !errors.Is(err, tree.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
