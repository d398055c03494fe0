// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package assembler composes the bounded prompt sent to the inference
// sidecar.
//
// Assemble is a pure function over its inputs: character, persona, the active
// conversation path and the triggered lorebook entries go in, an ordered list
// of prompt segments plus token accounting comes out. Each context component
// draws from its own capped slot of the token budget; the response reserve is
// carved out before anything else. System prompt and persona truncate at
// token boundaries when they blow their caps, lore entries are included
// atomically or not at all, and history fills newest-first with whole
// messages. The single most recent message is always included even when it
// does not fit, with the overrun reported in the metadata instead of an
// error.
package assembler
