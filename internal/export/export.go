// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes the active branch of a conversation to disk in
// shareable formats. Only the currently selected path is exported; inactive
// siblings stay in the tree.
package export

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jeranaias/glee-engine/internal/model"
	"github.com/jeranaias/glee-engine/internal/util"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Transcript is the exportable view of a conversation: its metadata plus the
// active path from root to leaf.
type Transcript struct {
	Conversation *model.Conversation
	Character    *model.Character
	Persona      *model.Persona
	Path         []*model.Message
}

// Exporter renders a transcript into a target format.
type Exporter interface {
	Export(t *Transcript) ([]byte, error)
	FileExtension() string
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// OutputDir is where files are written. Default: current directory.
	OutputDir string

	// IncludeMetadata includes a metadata header (character, timestamps).
	IncludeMetadata bool

	// IncludeTimestamps includes per-message timestamps.
	IncludeTimestamps bool
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:         ".",
		IncludeMetadata:   true,
		IncludeTimestamps: true,
	}
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ToFile renders the transcript and writes it under opts.OutputDir. Returns
// the output path. The write is atomic so a crash never leaves a torn file.
func ToFile(t *Transcript, exporter Exporter, opts *Options) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	content, err := exporter.Export(t)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	title := "conversation"
	if t.Conversation != nil && t.Conversation.Title != "" {
		title = t.Conversation.Title
	}
	filename := fmt.Sprintf("%s_%s%s",
		sanitizeFilename(title),
		time.Now().Format("20060102_150405"),
		exporter.FileExtension())

	outputPath := filepath.Join(opts.OutputDir, filename)
	if err := util.AtomicWriteFile(outputPath, content, 0o644); err != nil {
		return "", fmt.Errorf("writing export: %w", err)
	}
	return outputPath, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	maxLen := 50
	runes := []rune(s)
	if len(runes) > maxLen {
		s = string(runes[:maxLen])
	}

	replacer := map[rune]rune{
		'/': '-', '\\': '-', ':': '-', '*': '-', '?': '-',
		'"': '-', '<': '-', '>': '-', '|': '-',
		' ': '_', '\t': '_', '\n': '_', '\r': '_',
	}

	result := make([]rune, 0, len(s))
	for _, r := range s {
		if replacement, found := replacer[r]; found {
			result = append(result, replacement)
		} else if r < 32 || r == 127 {
			result = append(result, '-')
		} else {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "conversation"
	}
	return string(result)
}

func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}
