// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"

	"github.com/jeranaias/glee-engine/internal/sidecar"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// SessionError represents a generation session failure.
type SessionError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *SessionError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Is matches session errors by type so wrapped errors compare against the
// sentinels with errors.Is.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// ErrorType categorizes session errors.
type ErrorType int

const (
	ErrTypeInternal ErrorType = iota

	// ErrTypeConflict: a generation is already active for the conversation.
	ErrTypeConflict

	// ErrTypeStream: malformed or out-of-order upstream events.
	ErrTypeStream

	// ErrTypeUpstream: the inference sidecar reported a failure.
	ErrTypeUpstream

	// ErrTypeTimeout: the sidecar went silent past its deadline.
	ErrTypeTimeout
)

// Sentinel errors for easy checking.
var (
	ErrConflict = &SessionError{Type: ErrTypeConflict, Message: "a generation is already active for this conversation"}
	ErrStream   = &SessionError{Type: ErrTypeStream, Message: "stream protocol violation"}
	ErrUpstream = &SessionError{Type: ErrTypeUpstream, Message: "inference sidecar failed"}
	ErrTimeout  = &SessionError{Type: ErrTypeTimeout, Message: "generation timed out"}
)

// classify maps a stream failure onto the session taxonomy. Context
// cancellation is not an error here (the caller turns it into the Cancelled
// state) and passes through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, sidecar.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &SessionError{Type: ErrTypeTimeout, Message: "generation timed out", Cause: err}
	case errors.Is(err, sidecar.ErrInvalidResponse):
		return &SessionError{Type: ErrTypeStream, Message: "malformed sidecar stream", Cause: err}
	case errors.Is(err, &SessionError{Type: ErrTypeStream}):
		return err
	default:
		return &SessionError{Type: ErrTypeUpstream, Message: "inference sidecar failed", Cause: err}
	}
}
