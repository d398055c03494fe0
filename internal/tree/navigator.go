// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"github.com/jeranaias/glee-engine/internal/model"
)

// =============================================================================
// NAVIGATOR TYPE
// =============================================================================

// Navigator computes sibling sets and the active path over a Store's branch
// pointers, and moves those pointers on navigation.
//
// Pointer repair: a pointer can go stale when its target is deleted or
// reparented away. The navigator never fails on a stale pointer - it falls
// back to the live sibling with the highest branch index and writes the
// repaired pointer back (an idempotent fix, safe to race).
type Navigator struct {
	store *Store
}

// NewNavigator creates a navigator over the given store.
func NewNavigator(store *Store) *Navigator {
	return &Navigator{store: store}
}

// =============================================================================
// SIBLINGS
// =============================================================================

// SiblingsOf returns the live sibling set containing the given message
// (its parent's children, the message itself included), ordered by branch
// index.
func (nav *Navigator) SiblingsOf(id string) ([]*model.Message, error) {
	s := nav.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.liveLocked(s.siblingIDsLocked(node.ConversationID, node.ParentID)), nil
}

// =============================================================================
// ACTIVE PATH
// =============================================================================

// ActivePath returns the messages on the conversation's active path, root
// first. Stale pointers encountered along the way are repaired before the
// final resolution, so every returned node is live.
//
// A conversation with no live nodes yields an empty path.
func (nav *Navigator) ActivePath(conversationID string) []*model.Message {
	s := nav.store

	s.mu.RLock()
	path, repairs := s.resolvePathLocked(conversationID)
	if len(repairs) == 0 {
		// Clone before releasing the lock; the arena nodes stay mutable
		// under concurrent commits and deletes.
		cloned := clonePath(path)
		s.mu.RUnlock()
		return cloned
	}
	s.mu.RUnlock()

	// Heal under the write lock and resolve again; the repair is
	// idempotent so racing navigators converge on the same pointers.
	s.mu.Lock()
	for parentID, childID := range repairs {
		s.setPointerLocked(conversationID, parentID, childID)
	}
	s.version++
	path, _ = s.resolvePathLocked(conversationID)
	cloned := clonePath(path)
	s.mu.Unlock()

	return cloned
}

// ActiveLeaf returns the last message on the active path, or nil for an
// empty conversation.
func (nav *Navigator) ActiveLeaf(conversationID string) *model.Message {
	path := nav.ActivePath(conversationID)
	if len(path) == 0 {
		return nil
	}
	return path[len(path)-1]
}

// resolvePathLocked walks pointers from the root selection to a leaf.
// It returns the nodes on the path plus the pointer entries that needed a
// fallback (parent id -> live child id to repair to).
func (s *Store) resolvePathLocked(conversationID string) ([]*model.Message, map[string]string) {
	var path []*model.Message
	repairs := make(map[string]string)

	parentID := ""
	for {
		ids := s.siblingIDsLocked(conversationID, parentID)
		selected := s.selectChildLocked(conversationID, parentID, ids)
		if selected == nil {
			break
		}
		if table := s.pointers[conversationID]; table == nil || table[parentID] != selected.ID {
			repairs[parentID] = selected.ID
		}
		path = append(path, selected)
		parentID = selected.ID
	}

	if len(repairs) == 0 {
		repairs = nil
	}
	return path, repairs
}

// selectChildLocked picks the active child in a sibling set: the pointer
// target when it is still a live member, otherwise the live sibling with
// the highest branch index. Returns nil when the set has no live members.
func (s *Store) selectChildLocked(conversationID, parentID string, ids []string) *model.Message {
	var pointed string
	if table := s.pointers[conversationID]; table != nil {
		pointed = table[parentID]
	}

	var fallback *model.Message
	for _, id := range ids {
		node := s.nodes[id]
		if node == nil || node.Deleted || node.ParentID != parentID {
			continue
		}
		if node.ID == pointed {
			return node
		}
		if fallback == nil || node.BranchIndex >= fallback.BranchIndex {
			fallback = node
		}
	}
	return fallback
}

func clonePath(path []*model.Message) []*model.Message {
	result := make([]*model.Message, len(path))
	for i, n := range path {
		result[i] = n.Clone()
	}
	return result
}

// =============================================================================
// BRANCH SWITCHING
// =============================================================================

// SwitchTo moves the branch pointer of the target's parent onto the target,
// making it the active selection in its sibling set. Recording the switch is
// O(1); only the portion of the active path below the parent changes.
func (nav *Navigator) SwitchTo(id string) error {
	s := nav.store
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if node.Deleted {
		return ErrDeleted
	}

	s.setPointerLocked(node.ConversationID, node.ParentID, node.ID)
	s.version++
	return nil
}

// Previous moves the active selection in the sibling set containing id to
// the sibling with the next-lower branch index. Returns false (and leaves
// pointers untouched) when the selection is already at the low end.
func (nav *Navigator) Previous(id string) (bool, error) {
	return nav.step(id, -1)
}

// Next moves the active selection in the sibling set containing id to the
// sibling with the next-higher branch index. Returns false at the high end.
func (nav *Navigator) Next(id string) (bool, error) {
	return nav.step(id, +1)
}

// step moves the active sibling selection by delta positions.
func (nav *Navigator) step(id string, delta int) (bool, error) {
	s := nav.store
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return false, ErrNotFound
	}

	ids := s.siblingIDsLocked(node.ConversationID, node.ParentID)
	active := s.selectChildLocked(node.ConversationID, node.ParentID, ids)
	if active == nil {
		return false, ErrNoSiblings
	}

	// Collect the live members in order and locate the active one.
	live := make([]*model.Message, 0, len(ids))
	activeIdx := -1
	for _, sibID := range ids {
		sib := s.nodes[sibID]
		if sib == nil || sib.Deleted || sib.ParentID != node.ParentID {
			continue
		}
		if sib.ID == active.ID {
			activeIdx = len(live)
		}
		live = append(live, sib)
	}

	target := activeIdx + delta
	if target < 0 || target >= len(live) {
		return false, nil
	}

	s.setPointerLocked(node.ConversationID, node.ParentID, live[target].ID)
	s.version++
	return true, nil
}
