// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/tether/lib/agentdriver"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/relay"
	"github.com/bureau-foundation/tether/lib/transcript"
)

// loadConfig loads and validates the configuration and creates its
// directories. local skips the bot credentials.
func loadConfig(path string, local bool, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{Path: path})
	if err != nil {
		return nil, err
	}
	for _, skipped := range cfg.Skipped {
		logger.Warn("ignoring local config", "reason", skipped)
	}
	validate := cfg.Validate
	if local {
		validate = cfg.ValidateLocal
	}
	if err := validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// workingDirectory is where agents run: the configured directory, or
// the current one.
func workingDirectory(cfg *config.Config) (string, error) {
	directory := cfg.WorkingDirectory
	if directory == "" {
		current, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		directory = current
	}
	info, err := os.Stat(directory)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", directory)
	}
	return directory, nil
}

// engineOptions maps one engine's configuration section onto driver
// options.
func engineOptions(cfg *config.Config, e engine.Engine) agentdriver.EngineOptions {
	switch e {
	case engine.Claude:
		claude := cfg.Engines.Claude
		return agentdriver.EngineOptions{
			Binary:                     claude.Binary,
			ExtraArgs:                  claude.ExtraArgs,
			Model:                      claude.Model,
			AllowedTools:               claude.AllowedTools,
			DangerouslySkipPermissions: claude.DangerouslySkipPermissions,
		}
	default:
		codex := cfg.Engines.Codex
		return agentdriver.EngineOptions{
			Binary:    codex.Binary,
			ExtraArgs: codex.ExtraArgs,
			Model:     codex.Model,
			Profile:   codex.Profile,
		}
	}
}

// relayConfig builds everything the relay needs from cfg except the
// transport.
func relayConfig(cfg *config.Config, directory string, logger *slog.Logger) (relay.Config, error) {
	drivers := make(map[engine.Engine]agentdriver.Driver, len(engine.All))
	for _, e := range engine.All {
		driver, err := agentdriver.ForEngine(e, engineOptions(cfg, e))
		if err != nil {
			return relay.Config{}, err
		}
		drivers[e] = driver
	}

	relayConfig := relay.Config{
		Runner: &agentdriver.Runner{
			Logger:          logger,
			GracePeriod:     cfg.Cancel.GracePeriod.Duration,
			ElapsedInterval: cfg.Progress.ElapsedInterval.Duration,
			EventBufferSize: cfg.Progress.EventBuffer,
			Timeout:         cfg.Run.Timeout.Duration,
		},
		Drivers:          drivers,
		WorkingDirectory: directory,
		FinalNotify:      cfg.FinalNotify,
		EditInterval:     cfg.Progress.EditInterval.Duration,
		MaxActions:       cfg.Progress.MaxActions,
		Logger:           logger,
	}

	if cfg.Transcript.Enabled {
		options, err := transcriptOptions(cfg)
		if err != nil {
			return relay.Config{}, err
		}
		relayConfig.Transcripts = options
	}
	return relayConfig, nil
}

func transcriptOptions(cfg *config.Config) (*transcript.Options, error) {
	compression, err := transcript.ParseCompression(cfg.Transcript.Compression)
	if err != nil {
		return nil, err
	}
	recipients, err := transcript.ParseRecipients(cfg.Transcript.Recipients)
	if err != nil {
		return nil, err
	}
	return &transcript.Options{
		Directory:   cfg.Transcript.Directory,
		Compression: compression,
		Recipients:  recipients,
	}, nil
}

func buttons(configured []config.Button) []relay.Button {
	if len(configured) == 0 {
		return nil
	}
	converted := make([]relay.Button, len(configured))
	for index, button := range configured {
		converted[index] = relay.Button{Text: button.Text, Data: button.Data}
	}
	return converted
}

// storeFile resolves the voice store file; a relative path lives in
// the working directory.
func storeFile(cfg *config.Config, directory string) string {
	path := cfg.Buttons.Voice.StoreFile
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(directory, path)
}
