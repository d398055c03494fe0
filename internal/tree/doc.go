// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tree stores conversation messages as branching trees and provides
// navigation over them.
//
// The Store is an arena of immutable nodes keyed by id, with a separate
// children index and a branch-pointer table. The pointer table maps each
// ancestor node to its currently selected child, which defines the "active
// path" from a conversation root to a leaf. Appending a child moves the
// pointer to the new node; switching branches rewrites a single pointer and
// leaves every node untouched.
//
// Deletes are tombstones: the node stays in the arena flagged deleted and
// its children are reparented to its parent so the surrounding path stays
// connected. Stale pointers left behind by deletes are repaired lazily by
// the Navigator (falling back to the highest remaining branch index), so
// repair is idempotent and safe under concurrent reads.
//
// All writes are serialized through a single store-level lock; reads resolve
// whole paths under a read lock and therefore observe a consistent snapshot.
package tree
