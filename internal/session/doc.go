// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs generation sessions against the inference sidecar and
// keeps the conversation tree consistent while tokens stream in.
//
// Each conversation has at most one active session, moving through
// Assembling -> Streaming -> {Completed, Errored, Cancelled}. The session
// buffers streamed tokens against a placeholder assistant node and commits
// the buffer to the tree exactly once, at the terminal transition: full
// content on completion, partial content flagged cancelled or errored
// otherwise. Inbound chunks carry strictly increasing sequence numbers;
// a gap or duplicate is a protocol violation that terminates the session.
//
// Observers subscribe to a per-manager event bus and receive token,
// completed, errored and cancelled events. Cancelling a subscription
// guarantees the handler is never invoked again, including for events
// already in flight.
package session
