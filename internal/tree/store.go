// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"sort"
	"sync"

	"github.com/jeranaias/glee-engine/internal/model"
)

// =============================================================================
// STORE TYPE
// =============================================================================

// Store is an arena of conversation message nodes plus the branch-pointer
// table. Nodes are owned by the store; every accessor returns clones so
// callers can never mutate committed history.
//
// The Store is safe for concurrent use. Writes are serialized through one
// lock, which gives the single-writer discipline the navigator and the
// generation sessions rely on; reads resolve under a read lock and observe
// a consistent snapshot.
type Store struct {
	mu sync.RWMutex

	// nodes is the arena: every node ever created, tombstones included.
	nodes map[string]*model.Message

	// roots holds the ordered root ids per conversation; children holds
	// the ordered child ids per parent node. Both keep tombstoned ids so
	// creation-time branch indices stay meaningful.
	roots    map[string][]string
	children map[string][]string

	// pointers maps conversation id -> parent id -> selected child id.
	// The empty parent id selects among conversation roots.
	pointers map[string]map[string]string

	// version increments on every mutation; used by callers that cache
	// resolved paths.
	version uint64
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{
		nodes:    make(map[string]*model.Message),
		roots:    make(map[string][]string),
		children: make(map[string][]string),
		pointers: make(map[string]map[string]string),
	}
}

// =============================================================================
// APPEND
// =============================================================================

// Append adds a prepared message node to the tree. The store assigns the
// branch index (one past the highest existing index among the siblings) and
// moves the parent's branch pointer to the new node, making it the active
// selection.
//
// The message's ParentID must be empty (a new conversation root) or refer to
// a live node of the same conversation; otherwise Append fails with
// ErrNotFound or ErrDeleted.
func (s *Store) Append(msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ParentID != "" {
		parent, ok := s.nodes[msg.ParentID]
		if !ok || parent.ConversationID != msg.ConversationID {
			return nil, ErrNotFound
		}
		if parent.Deleted {
			return nil, ErrDeleted
		}
	}

	node := msg.Clone()
	node.BranchIndex = s.nextBranchIndexLocked(node.ConversationID, node.ParentID)

	s.nodes[node.ID] = node
	s.insertChildLocked(node)
	s.setPointerLocked(node.ConversationID, node.ParentID, node.ID)
	s.version++

	return node.Clone(), nil
}

// nextBranchIndexLocked returns one past the highest branch index in the
// sibling set. Tombstones count: indices are creation-time positions and are
// never reused.
func (s *Store) nextBranchIndexLocked(conversationID, parentID string) int {
	next := 0
	for _, id := range s.siblingIDsLocked(conversationID, parentID) {
		if n := s.nodes[id]; n != nil && n.BranchIndex >= next {
			next = n.BranchIndex + 1
		}
	}
	return next
}

// insertChildLocked places the node id into its sibling list, keeping the
// list ordered by (branch index, creation time, id).
func (s *Store) insertChildLocked(node *model.Message) {
	ids := s.siblingIDsLocked(node.ConversationID, node.ParentID)
	ids = append(ids, node.ID)
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := s.nodes[ids[i]], s.nodes[ids[j]]
		if a.BranchIndex != b.BranchIndex {
			return a.BranchIndex < b.BranchIndex
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	s.setSiblingIDsLocked(node.ConversationID, node.ParentID, ids)
}

func (s *Store) siblingIDsLocked(conversationID, parentID string) []string {
	if parentID == "" {
		return s.roots[conversationID]
	}
	return s.children[parentID]
}

func (s *Store) setSiblingIDsLocked(conversationID, parentID string, ids []string) {
	if parentID == "" {
		s.roots[conversationID] = ids
	} else {
		s.children[parentID] = ids
	}
}

func (s *Store) setPointerLocked(conversationID, parentID, childID string) {
	table, ok := s.pointers[conversationID]
	if !ok {
		table = make(map[string]string)
		s.pointers[conversationID] = table
	}
	table[parentID] = childID
}

// =============================================================================
// RESTORE (load path from persistence)
// =============================================================================

// Restore inserts a node loaded from persistence without touching branch
// pointers or reassigning its branch index.
func (s *Store) Restore(msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := msg.Clone()
	s.nodes[node.ID] = node
	s.insertChildLocked(node)
	s.version++
}

// RestorePointer installs a persisted branch pointer. Pointers referring to
// ids that no longer resolve are healed lazily by the Navigator.
func (s *Store) RestorePointer(conversationID, parentID, childID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPointerLocked(conversationID, parentID, childID)
	s.version++
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Get returns the message with the given id, tombstones included.
func (s *Store) Get(id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return node.Clone(), nil
}

// ChildrenOf returns the live (non-deleted) children of a node, ordered by
// branch index.
func (s *Store) ChildrenOf(id string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[id]; !ok {
		return nil, ErrNotFound
	}
	return s.liveLocked(s.children[id]), nil
}

// Roots returns the live conversation roots, ordered by branch index.
func (s *Store) Roots(conversationID string) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveLocked(s.roots[conversationID])
}

// liveLocked clones the non-deleted nodes behind an ordered id list.
func (s *Store) liveLocked(ids []string) []*model.Message {
	result := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		if n := s.nodes[id]; n != nil && !n.Deleted {
			result = append(result, n.Clone())
		}
	}
	return result
}

// Version returns the mutation counter. It increases on every write, so two
// equal versions bracket an unchanged tree.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// =============================================================================
// DELETE
// =============================================================================

// Delete tombstones a node and reparents its children to the node's parent,
// preserving path continuity. The node stays in the arena; navigation skips
// it and pointer repair routes around it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if node.Deleted {
		return nil // idempotent
	}

	node.Deleted = true

	// Reparent children. They keep their creation-time branch indices;
	// ordering ties in the merged sibling set break on creation time.
	orphans := s.children[id]
	delete(s.children, id)
	for _, childID := range orphans {
		child := s.nodes[childID]
		if child == nil {
			continue
		}
		child.ParentID = node.ParentID
		s.insertChildLocked(child)
	}

	// The deleted node no longer selects among its (former) children.
	if table := s.pointers[node.ConversationID]; table != nil {
		delete(table, id)
	}

	s.version++
	return nil
}

// =============================================================================
// GENERATION COMMIT
// =============================================================================

// CommitGenerated finalizes a streaming placeholder node with the content
// that arrived, stamping terminal-state flags. This is the single write the
// generation session controller performs at the end of a stream; afterwards
// the node is as immutable as any other.
func (s *Store) CommitGenerated(id, content string, cancelled, errored bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}

	node.Content = content
	node.TokenCount = model.EstimateTokens(content)
	node.Cancelled = cancelled
	node.Errored = errored
	s.version++
	return nil
}

// =============================================================================
// PERSISTENCE SNAPSHOTS
// =============================================================================

// NodesOf returns every node of a conversation, tombstones included, in no
// particular order. Used by the persistence layer.
func (s *Store) NodesOf(conversationID string) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Message
	for _, n := range s.nodes {
		if n.ConversationID == conversationID {
			result = append(result, n.Clone())
		}
	}
	return result
}

// PointersOf returns a copy of the conversation's branch-pointer table.
func (s *Store) PointersOf(conversationID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]string, len(s.pointers[conversationID]))
	for parent, child := range s.pointers[conversationID] {
		result[parent] = child
	}
	return result
}
