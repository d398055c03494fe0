// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned when a message or conversation id does not exist
// in the store. Use errors.Is(err, tree.ErrNotFound) to check for it.
var ErrNotFound = &StoreError{Message: "message not found"}

// ErrDeleted is returned when an operation targets a tombstoned node that
// the operation cannot act on (e.g. appending under a deleted parent).
var ErrDeleted = &StoreError{Message: "message is deleted"}

// ErrNoSiblings is returned by sibling navigation when the target node is a
// conversation root with no sibling set to move within.
var ErrNoSiblings = &StoreError{Message: "message has no sibling set"}

// StoreError represents a tree store contract violation.
// It implements the error interface and can be compared using errors.Is.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
