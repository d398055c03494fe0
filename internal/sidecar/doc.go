// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sidecar manages the llama-server inference process and the HTTP
// client that talks to it.
//
// The Supervisor locates the llama-server binary, picks a free local port,
// spawns the process with model and context flags, and polls /health until
// the server reports ready. The Client speaks the OpenAI-compatible
// /v1/chat/completions endpoint with SSE streaming: data lines, a [DONE]
// terminal marker, and finish_reason on the closing chunk. A stall timeout
// guards streams that stop producing tokens without closing.
package sidecar
