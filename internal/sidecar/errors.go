// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sidecar

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the sidecar client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches client errors by type, so wrapped errors still compare against
// the sentinels with errors.Is.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeUpstream
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	// ErrNotRunning means the sidecar process is not reachable.
	ErrNotRunning = &ClientError{Type: ErrTypeNotRunning, Message: "inference sidecar is not running"}

	// ErrTimeout covers both request deadlines and mid-stream stalls.
	ErrTimeout = &ClientError{Type: ErrTypeTimeout, Message: "sidecar request timed out"}

	// ErrUpstream means the sidecar reported a failure for the request.
	ErrUpstream = &ClientError{Type: ErrTypeUpstream, Message: "sidecar reported an error"}

	// ErrInvalidResponse means the stream carried data the client could
	// not parse.
	ErrInvalidResponse = &ClientError{Type: ErrTypeInvalidResponse, Message: "malformed sidecar response"}
)

// wrapError builds a typed error around a cause.
func wrapError(t ErrorType, message string, cause error) *ClientError {
	return &ClientError{Type: t, Message: message, Cause: cause}
}
