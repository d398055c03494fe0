// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeranaias/glee-engine/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter renders the active path as a machine-readable document.
// JSON exports always include complete message data regardless of options,
// so the output is a faithful snapshot that tooling can re-import.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

type jsonDocument struct {
	Title      string           `json:"title"`
	Character  string           `json:"character,omitempty"`
	Persona    string           `json:"persona,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ExportedAt time.Time        `json:"exported_at"`
	Messages   []*model.Message `json:"messages"`
}

// Export converts a transcript to indented JSON.
func (e *JSONExporter) Export(t *Transcript) ([]byte, error) {
	if t == nil || t.Conversation == nil {
		return nil, fmt.Errorf("transcript is nil")
	}

	doc := jsonDocument{
		Title:      t.Conversation.Title,
		CreatedAt:  t.Conversation.CreatedAt,
		ExportedAt: time.Now(),
		Messages:   t.Path,
	}
	if t.Character != nil {
		doc.Character = t.Character.Name
	}
	if t.Persona != nil {
		doc.Persona = t.Persona.Name
	}
	return json.MarshalIndent(doc, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}
