// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tether/cmd/tether/cli"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/instancelock"
	"github.com/bureau-foundation/tether/lib/relay"
	"github.com/bureau-foundation/tether/lib/router"
	"github.com/bureau-foundation/tether/lib/telegram"
	"github.com/bureau-foundation/tether/lib/transcribe"
	"github.com/bureau-foundation/tether/lib/version"
)

// shutdownTimeout bounds how long serve waits for cancelled tasks to
// deliver their final messages.
const shutdownTimeout = 30 * time.Second

func serveCommand() *cli.Command {
	var params commonParams
	return &cli.Command{
		Name:    "serve",
		Summary: "Run the Telegram bot",
		Description: `Poll the configured bot for messages in the configured chat and run
each prompt with the selected engine. Tasks in the same chat topic run
one at a time in arrival order; different topics run concurrently.

On SIGINT or SIGTERM, running tasks are interrupted and every task
still gets its final message before tether exits.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			params.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return serve(ctx, params)
		},
	}
}

func serve(ctx context.Context, params commonParams) error {
	logger := cli.NewLogger(params.level(slog.LevelInfo))

	cfg, err := loadConfig(params.configPath, false, logger)
	if err != nil {
		return err
	}
	directory, err := workingDirectory(cfg)
	if err != nil {
		return err
	}

	lock, err := instancelock.Acquire(cfg.LockDir, cfg.BotToken)
	if err != nil {
		return err
	}
	defer lock.Release()

	client, err := telegram.NewClient(telegram.Config{Token: cfg.BotToken, Logger: logger})
	if err != nil {
		return err
	}
	me, err := client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("checking bot token: %w", err)
	}
	logger = logger.With("bot", me.Username, "chat_id", cfg.ChatID)

	transport := &relay.TelegramTransport{API: client}
	relayConfig, err := relayConfig(cfg, directory, logger)
	if err != nil {
		return err
	}
	relayConfig.Transport = transport
	tasks := relay.New(relayConfig)

	defaultEngine, err := engine.Parse(cfg.DefaultEngine)
	if err != nil {
		return err
	}
	botConfig := relay.BotConfig{
		API:            client,
		Transport:      transport,
		Relay:          tasks,
		Router:         &router.Router{DefaultEngine: defaultEngine, BotUsername: me.Username},
		ChatID:         cfg.ChatID,
		BotUserID:      me.ID,
		StartupButtons: buttons(cfg.Buttons.Startup),
		Logger:         logger,
	}
	if transcriber := voiceTranscriber(ctx, cfg, logger); transcriber != nil {
		botConfig.Transcriber = transcriber
	}
	if cfg.Buttons.Voice.Enabled {
		botConfig.VoiceOptions = buttons(cfg.Buttons.Voice.Options)
		botConfig.StoreFile = storeFile(cfg, directory)
	}
	bot := relay.NewBot(botConfig)

	logger.Info("tether started",
		"version", version.Info(),
		"default_engine", defaultEngine,
		"working_directory", directory,
		"config", cfg.Sources,
		"lock", lock.Path(),
	)
	if err := bot.Announce(ctx, startupMessage(defaultEngine, directory)); err != nil {
		logger.Warn("sending startup message", "error", err)
	}

	serveErr := bot.Serve(ctx)
	if errors.Is(serveErr, telegram.ErrConflict) {
		serveErr = fmt.Errorf("%w; is another tether (or bot client) polling this token?", serveErr)
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tasks.Close(shutdownContext); err != nil {
		logger.Warn("shutting down tasks", "error", err)
	}
	logger.Info("tether stopped")
	return serveErr
}

// voiceTranscriber returns a whisper transcriber, or nil when voice
// notes are disabled or whisper cannot run.
func voiceTranscriber(ctx context.Context, cfg *config.Config, logger *slog.Logger) relay.Transcriber {
	if !cfg.Whisper.Enabled {
		return nil
	}
	transcriber := transcribe.New(transcribe.Config{
		Binary:   cfg.Whisper.Binary,
		Model:    cfg.Whisper.Model,
		Language: cfg.Whisper.Language,
		Timeout:  cfg.Whisper.Timeout.Duration,
		Logger:   logger,
	})
	if !transcriber.Available(ctx) {
		logger.Warn("whisper is not available; voice notes are disabled", "binary", cfg.Whisper.Binary)
		return nil
	}
	return transcriber
}

func startupMessage(defaultEngine engine.Engine, directory string) string {
	return fmt.Sprintf("**tether** is ready\n\ndefault engine: `%s`\nworking directory: `%s`", defaultEngine, directory)
}
