// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the core data structures of the chat engine:
// tree-structured conversation messages, characters, personas, and
// lorebooks.
//
// Messages form a forest keyed by conversation. Each message points at its
// parent; edits and regenerations create new siblings instead of mutating
// existing nodes, so the full history of every branch is preserved. The
// arena-style store and navigation over this structure live in package tree.
//
// All entities carry UUID identifiers and Unix-time creation stamps, and are
// designed to round-trip through the SQLite persistence layer in package
// storage.
package model
