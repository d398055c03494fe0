// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the glee
// engine.
//
// Configuration comes from ~/.glee/config.toml with sensible defaults,
// GLEE_* environment variable overrides, and validation that clamps
// out-of-range values instead of failing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/glee-engine/internal/assembler"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete engine configuration.
type Config struct {
	Version string `toml:"version"`

	Model      ModelConfig      `toml:"model"`
	Generation GenerationConfig `toml:"generation"`
	Budget     BudgetConfig     `toml:"budget"`
	Lorebook   LorebookConfig   `toml:"lorebook"`
	Sidecar    SidecarConfig    `toml:"sidecar"`
	Storage    StorageConfig    `toml:"storage"`
	Log        LogConfig        `toml:"log"`
}

// ModelConfig describes the model the sidecar loads.
type ModelConfig struct {
	// Path is the GGUF model file.
	Path string `toml:"path"`
	// ContextSize is the model context window in tokens.
	ContextSize int `toml:"context_size"`
	// GPULayers is how many layers to offload to the GPU (0 = CPU only).
	GPULayers int `toml:"gpu_layers"`
}

// GenerationConfig holds the default sampling parameters.
type GenerationConfig struct {
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	TopP        float64 `toml:"top_p"`
}

// BudgetConfig allocates the context window across prompt components.
// The caps plus the response reserve are clamped to the model context size.
type BudgetConfig struct {
	ResponseReserved int `toml:"response_reserved"`
	SystemPrompt     int `toml:"system_prompt"`
	Persona          int `toml:"persona"`
	Lorebook         int `toml:"lorebook"`
	ExampleDialogues int `toml:"example_dialogues"`
}

// LorebookConfig tunes keyword matching.
type LorebookConfig struct {
	// ScanDepth is how many of the most recent messages are scanned for
	// entry keywords.
	ScanDepth int `toml:"scan_depth"`
}

// SidecarConfig controls the llama-server process.
type SidecarConfig struct {
	// BinaryPath overrides the llama-server search. Empty searches PATH
	// and common installation directories.
	BinaryPath string `toml:"binary_path"`
	// Host to bind; keep on loopback.
	Host string `toml:"host"`
	// Port to bind; 0 picks a free port.
	Port int `toml:"port"`
	// StartupTimeoutSecs bounds the wait for model load.
	StartupTimeoutSecs int `toml:"startup_timeout_secs"`
	// StallTimeoutSecs aborts a stream that stops producing tokens.
	StallTimeoutSecs int `toml:"stall_timeout_secs"`
}

// StorageConfig locates the conversation database.
type StorageConfig struct {
	// Path to the SQLite database (empty = ~/.glee/glee.db).
	Path string `toml:"path"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level: trace, debug, info, warn, error.
	Level string `toml:"level"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Model: ModelConfig{
			ContextSize: 8192,
			GPULayers:   0,
		},
		Generation: GenerationConfig{
			Temperature: 0.8,
			MaxTokens:   512,
			TopP:        0.9,
		},
		Budget: BudgetConfig{
			ResponseReserved: 512,
			SystemPrompt:     500,
			Persona:          200,
			Lorebook:         500,
			ExampleDialogues: 300,
		},
		Lorebook: LorebookConfig{
			ScanDepth: 5,
		},
		Sidecar: SidecarConfig{
			Host:               "127.0.0.1",
			StartupTimeoutSecs: 120,
			StallTimeoutSecs:   15,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ConfigDir returns the glee configuration directory (~/.glee).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".glee"), nil
}

// ConfigPath returns the TOML config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DatabasePath returns the configured database location, defaulting to
// ~/.glee/glee.db.
func (c *Config) DatabasePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "glee.db"), nil
}

// AssemblerBudget converts the budget section into the assembler's form,
// bound to the model context size.
func (c *Config) AssemblerBudget() assembler.Budget {
	return assembler.Budget{
		ContextSize:      c.Model.ContextSize,
		ResponseReserved: c.Budget.ResponseReserved,
		SystemPrompt:     c.Budget.SystemPrompt,
		Persona:          c.Budget.Persona,
		Lorebook:         c.Budget.Lorebook,
		ExampleDialogues: c.Budget.ExampleDialogues,
	}.Normalize()
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.glee/config.toml when present, falls back to the defaults,
// applies environment overrides and validates.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		cfg.Validate()
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file. A missing file
// is not an error; the defaults apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	cfg.Validate()
	return cfg, nil
}

// fillDefaults restores defaults wiped out by explicit zero values in the
// file.
func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Model.ContextSize <= 0 {
		cfg.Model.ContextSize = def.Model.ContextSize
	}
	if cfg.Generation.MaxTokens <= 0 {
		cfg.Generation.MaxTokens = def.Generation.MaxTokens
	}
	if cfg.Generation.Temperature <= 0 {
		cfg.Generation.Temperature = def.Generation.Temperature
	}
	if cfg.Generation.TopP <= 0 {
		cfg.Generation.TopP = def.Generation.TopP
	}
	if cfg.Budget.ResponseReserved <= 0 {
		cfg.Budget.ResponseReserved = def.Budget.ResponseReserved
	}
	if cfg.Lorebook.ScanDepth <= 0 {
		cfg.Lorebook.ScanDepth = def.Lorebook.ScanDepth
	}
	if cfg.Sidecar.Host == "" {
		cfg.Sidecar.Host = def.Sidecar.Host
	}
	if cfg.Sidecar.StartupTimeoutSecs <= 0 {
		cfg.Sidecar.StartupTimeoutSecs = def.Sidecar.StartupTimeoutSecs
	}
	if cfg.Sidecar.StallTimeoutSecs <= 0 {
		cfg.Sidecar.StallTimeoutSecs = def.Sidecar.StallTimeoutSecs
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - GLEE_MODEL: overrides model.path
//   - GLEE_CTX_SIZE: overrides model.context_size
//   - GLEE_GPU_LAYERS: overrides model.gpu_layers
//   - GLEE_SIDECAR_PORT: overrides sidecar.port
//   - GLEE_SIDECAR_BINARY: overrides sidecar.binary_path
//   - GLEE_DB_PATH: overrides storage.path
//   - GLEE_SCAN_DEPTH: overrides lorebook.scan_depth
//   - GLEE_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if model := os.Getenv("GLEE_MODEL"); model != "" {
		c.Model.Path = model
	}
	if v := os.Getenv("GLEE_CTX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Model.ContextSize = n
		}
	}
	if v := os.Getenv("GLEE_GPU_LAYERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Model.GPULayers = n
		}
	}
	if v := os.Getenv("GLEE_SIDECAR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Sidecar.Port = n
		}
	}
	if binary := os.Getenv("GLEE_SIDECAR_BINARY"); binary != "" {
		c.Sidecar.BinaryPath = binary
	}
	if path := os.Getenv("GLEE_DB_PATH"); path != "" {
		c.Storage.Path = path
	}
	if v := os.Getenv("GLEE_SCAN_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Lorebook.ScanDepth = n
		}
	}
	if level := os.Getenv("GLEE_LOG_LEVEL"); level != "" {
		c.Log.Level = strings.ToLower(level)
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate clamps out-of-range values to safe bounds. Configuration problems
// never abort startup; the clamped value wins.
func (c *Config) Validate() {
	// Sampling bounds.
	if c.Generation.Temperature < 0 {
		c.Generation.Temperature = 0
	}
	if c.Generation.Temperature > 2 {
		c.Generation.Temperature = 2
	}
	if c.Generation.TopP <= 0 || c.Generation.TopP > 1 {
		c.Generation.TopP = Default().Generation.TopP
	}
	if c.Generation.MaxTokens < 1 {
		c.Generation.MaxTokens = Default().Generation.MaxTokens
	}

	// Context window sanity.
	if c.Model.ContextSize < 512 {
		c.Model.ContextSize = 512
	}
	if c.Budget.ResponseReserved >= c.Model.ContextSize {
		c.Budget.ResponseReserved = c.Model.ContextSize / 2
	}
	if c.Generation.MaxTokens > c.Budget.ResponseReserved {
		c.Generation.MaxTokens = c.Budget.ResponseReserved
	}

	// Scan depth stays within a sane window.
	if c.Lorebook.ScanDepth < 1 {
		c.Lorebook.ScanDepth = 1
	}
	if c.Lorebook.ScanDepth > 50 {
		c.Lorebook.ScanDepth = 50
	}

	if !validLogLevel(c.Log.Level) {
		c.Log.Level = "info"
	}
}

func validLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to ~/.glee/config.toml, creating the
// directory if needed.
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}
