// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// glee is a local roleplay chat client: a branching conversation tree over a
// llama-server sidecar, driven from an interactive prompt.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/glee-engine/internal/config"
	"github.com/jeranaias/glee-engine/internal/engine"
	"github.com/jeranaias/glee-engine/internal/sidecar"
	"github.com/jeranaias/glee-engine/internal/storage"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "glee:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to config file (default ~/.glee/config.toml)")
		modelPath   = flag.String("model", "", "GGUF model path (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("glee", version)
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}

	log, closeLog, err := openLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	log.Info().Str("version", version).Msg("starting")

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return err
	}
	db, err := storage.Open(dbPath, log)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, shutdown, err := connectSidecar(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer shutdown()

	eng := engine.New(cfg, db, client, log)
	if props, err := client.Props(ctx); err == nil {
		eng.SetStopWords(props.StopWords)
		if props.ContextSize > 0 {
			cfg.Model.ContextSize = props.ContextSize
		}
	} else {
		log.Warn().Err(err).Msg("could not read server props")
	}

	// Live-reload generation settings when the config file changes.
	cfgFile := *configPath
	if cfgFile == "" {
		if p, pathErr := config.ConfigPath(); pathErr == nil {
			cfgFile = p
		}
	}
	if cfgFile != "" {
		if w, wErr := config.NewWatcher(cfgFile, 0, eng.UpdateConfig, log); wErr == nil {
			if wErr = w.Watch(); wErr == nil {
				defer w.Close()
			} else {
				w.Close()
				log.Warn().Err(wErr).Msg("config watch unavailable")
			}
		}
	}

	repl, err := newREPL(eng, db, cfg, log)
	if err != nil {
		return err
	}
	defer repl.Close()

	err = repl.Run(ctx)
	cancel()
	eng.Wait()
	return err
}

// loadConfig reads the config file, falling back to defaults when absent.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// openLogger writes structured logs to ~/.glee/glee.log so the REPL stays
// clean. Falls back to stderr when the directory is unavailable.
func openLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	dir, err := config.ConfigDir()
	if err != nil {
		log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		return log, func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "glee.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
	}
	log := zerolog.New(f).Level(level).With().Timestamp().Logger()
	return log, func() { f.Close() }, nil
}

// connectSidecar starts a llama-server when a model path is configured, or
// attaches to an already running server otherwise.
func connectSidecar(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*sidecar.Client, func(), error) {
	if cfg.Model.Path != "" {
		sup := sidecar.NewSupervisor(&sidecar.SupervisorConfig{
			BinaryPath:     cfg.Sidecar.BinaryPath,
			ModelPath:      cfg.Model.Path,
			ContextSize:    cfg.Model.ContextSize,
			GPULayers:      cfg.Model.GPULayers,
			Host:           cfg.Sidecar.Host,
			Port:           cfg.Sidecar.Port,
			StartupTimeout: time.Duration(cfg.Sidecar.StartupTimeoutSecs) * time.Second,
		}, log)

		fmt.Fprintln(os.Stderr, "Loading model, this can take a while...")
		client, err := sup.Start(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("starting llama-server: %w", err)
		}
		return client, func() { sup.Stop() }, nil
	}

	// Attach mode: no model configured, expect a server already listening.
	client := sidecar.NewClient(&sidecar.ClientConfig{
		BaseURL:      fmt.Sprintf("http://%s:%d", cfg.Sidecar.Host, cfg.Sidecar.Port),
		StallTimeout: time.Duration(cfg.Sidecar.StallTimeoutSecs) * time.Second,
	})
	if err := client.Health(ctx); err != nil {
		return nil, nil, fmt.Errorf(
			"no model configured and no llama-server at %s:%d (set model.path in the config or start one): %w",
			cfg.Sidecar.Host, cfg.Sidecar.Port, err)
	}
	return client, func() {}, nil
}
