package models

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileCatalog loads the model catalog from a JSON file, either a bare array
// of entries or {"models": [...]}. The file is typically synced by external
// tooling; absence is not an error.
type FileCatalog struct {
	path string
}

// NewFileCatalog creates a catalog source over a JSON file path.
func NewFileCatalog(path string) *FileCatalog {
	return &FileCatalog{path: path}
}

// LoadCatalog implements CatalogSource. A missing file yields the builtin
// snapshot so a fresh install still resolves models.
func (f *FileCatalog) LoadCatalog(_ context.Context) ([]CatalogEntry, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return DefaultCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}

	var entries []CatalogEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		return entries, nil
	}
	var wrapped struct {
		Models []CatalogEntry `json:"models"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", f.path, err)
	}
	return wrapped.Models, nil
}

// DefaultCatalog is the builtin model snapshot used when no catalog file is
// present. Kept deliberately small; the file catalog supersedes it.
func DefaultCatalog() []CatalogEntry {
	return []CatalogEntry{
		{Provider: "anthropic", ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Reasoning: true, ContextWindow: 200000},
		{Provider: "anthropic", ID: "claude-opus-4-5", DisplayName: "Claude Opus 4.5", Reasoning: true, ContextWindow: 200000},
		{Provider: "anthropic", ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", Reasoning: false, ContextWindow: 200000},
		{Provider: "openai", ID: "gpt-4o", DisplayName: "GPT-4o", Reasoning: false, ContextWindow: 128000},
		{Provider: "openai", ID: "o3-mini", DisplayName: "o3-mini", Reasoning: true, ContextWindow: 200000},
	}
}
