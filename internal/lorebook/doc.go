// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package lorebook matches keyword-triggered knowledge entries against recent
// conversation text.
//
// The matcher scans the last few messages of the active path (the scan
// window) for entry keywords. Matching is case-insensitive via Unicode case
// folding unless an entry opts into case sensitivity, and whole-word by
// default so short keywords do not fire inside longer words. Triggered
// entries come back ordered by priority, ready for the context assembler to
// spend the lore budget on.
package lorebook
