// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tether/cmd/tether/cli"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/instancelock"
	"github.com/bureau-foundation/tether/lib/telegram"
	"github.com/bureau-foundation/tether/lib/transcribe"
	"github.com/bureau-foundation/tether/lib/transcript"
)

// checkTimeout bounds the network and whisper probes.
const checkTimeout = 20 * time.Second

type checkStatus string

const (
	checkPass checkStatus = "pass"
	checkFail checkStatus = "fail"
	checkWarn checkStatus = "warn"
	checkSkip checkStatus = "skip"
)

type checkResult struct {
	name    string
	status  checkStatus
	message string
}

func checkCommand() *cli.Command {
	var params commonParams
	var offline bool
	return &cli.Command{
		Name:    "check",
		Summary: "Validate the configuration and the agent binaries",
		Description: `Load and validate the configuration, then check that every engine
binary resolves, that whisper runs when voice notes are enabled, that
transcript recipients parse, and that the bot token is accepted.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("check", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.BoolVar(&offline, "offline", false, "skip the Telegram token check")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, err := config.Load(config.LoadOptions{Path: params.configPath})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			return printChecklist(os.Stdout, runChecks(ctx, cfg, !offline))
		},
	}
}

func runChecks(ctx context.Context, cfg *config.Config, online bool) []checkResult {
	results := []checkResult{checkValidation(cfg)}
	for _, skipped := range cfg.Skipped {
		results = append(results, checkResult{"local config", checkWarn, "ignored: " + skipped})
	}

	for _, e := range engine.All {
		binary := engineOptions(cfg, e).Binary
		if path, err := config.BinaryPath(binary); err != nil {
			results = append(results, checkResult{e.String(), checkWarn, err.Error()})
		} else {
			results = append(results, checkResult{e.String(), checkPass, path})
		}
	}

	if directory, err := workingDirectory(cfg); err != nil {
		results = append(results, checkResult{"working directory", checkFail, err.Error()})
	} else {
		results = append(results, checkResult{"working directory", checkPass, directory})
	}

	switch {
	case !cfg.Transcript.Enabled:
		results = append(results, checkResult{"transcripts", checkSkip, "disabled"})
	default:
		if _, err := transcript.ParseRecipients(cfg.Transcript.Recipients); err != nil {
			results = append(results, checkResult{"transcripts", checkFail, err.Error()})
		} else {
			message := fmt.Sprintf("%s, %s", cfg.Transcript.Directory, cfg.Transcript.Compression)
			if count := len(cfg.Transcript.Recipients); count > 0 {
				message += fmt.Sprintf(", encrypted to %d recipient(s)", count)
			}
			results = append(results, checkResult{"transcripts", checkPass, message})
		}
	}

	if !cfg.Whisper.Enabled {
		results = append(results, checkResult{"whisper", checkSkip, "voice notes disabled"})
	} else {
		transcriber := transcribe.New(transcribe.Config{Binary: cfg.Whisper.Binary, Model: cfg.Whisper.Model})
		if transcriber.Available(ctx) {
			results = append(results, checkResult{"whisper", checkPass, cfg.Whisper.Binary})
		} else {
			results = append(results, checkResult{"whisper", checkWarn, cfg.Whisper.Binary + " did not run; voice notes will be answered with a notice"})
		}
	}

	if cfg.BotToken != "" && cfg.LockDir != "" {
		lock, err := instancelock.Acquire(cfg.LockDir, cfg.BotToken)
		if err != nil {
			results = append(results, checkResult{"instance lock", checkWarn, err.Error()})
		} else {
			results = append(results, checkResult{"instance lock", checkPass, "free"})
			lock.Release()
		}
	}

	switch {
	case !online:
		results = append(results, checkResult{"bot token", checkSkip, "offline"})
	case cfg.BotToken == "":
		results = append(results, checkResult{"bot token", checkSkip, "not configured"})
	default:
		results = append(results, checkBotToken(ctx, cfg.BotToken))
	}
	return results
}

func checkValidation(cfg *config.Config) checkResult {
	if err := cfg.Validate(); err != nil {
		return checkResult{"config", checkFail, err.Error()}
	}
	return checkResult{"config", checkPass, strings.Join(cfg.Sources, ", ")}
}

func checkBotToken(ctx context.Context, token string) checkResult {
	client, err := telegram.NewClient(telegram.Config{Token: token, MaxRetries: -1})
	if err != nil {
		return checkResult{"bot token", checkFail, err.Error()}
	}
	me, err := client.GetMe(ctx)
	if err != nil {
		return checkResult{"bot token", checkFail, err.Error()}
	}
	return checkResult{"bot token", checkPass, "@" + me.Username}
}

// printChecklist writes one line per result and fails when any check
// failed. Warnings do not fail the check.
func printChecklist(w io.Writer, results []checkResult) error {
	failed := 0
	for _, result := range results {
		message := strings.ReplaceAll(result.message, "\n", "\n"+strings.Repeat(" ", 28))
		fmt.Fprintf(w, "[%-4s]  %-18s  %s\n", strings.ToUpper(string(result.status)), result.name, message)
		if result.status == checkFail {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(w, "\n%d check(s) failed.\n", failed)
		return &cli.ExitError{Code: 1}
	}
	return nil
}
