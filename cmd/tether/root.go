// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tether/cmd/tether/cli"
)

func root() *cli.Command {
	return &cli.Command{
		Name:    "tether",
		Summary: "Relay chat prompts to coding agent CLIs",
		Description: `Tether relays prompts from a Telegram chat to a coding agent CLI
(Codex or Claude Code) on this machine. Progress is streamed back as one
edited message and every answer ends with a resume token; replying to
the answer continues the same agent session.`,
		Subcommands: []*cli.Command{
			serveCommand(),
			runCommand(),
			checkCommand(),
			transcriptCommand(),
			versionCommand(),
		},
	}
}

// commonParams are the flags every config-reading command accepts.
type commonParams struct {
	configPath string
	debug      bool
}

func (params *commonParams) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&params.configPath, "config", "", "config file (default: ~/.tether/tether.toml merged with ./tether.toml)")
	flagSet.BoolVar(&params.debug, "debug", false, "log at debug level")
}

// level is the log level for a command whose normal level is
// standard.
func (params *commonParams) level(standard slog.Level) slog.Level {
	if params.debug {
		return slog.LevelDebug
	}
	return standard
}
