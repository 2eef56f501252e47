// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/tether/cmd/tether/cli"
	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/relay"
	"github.com/bureau-foundation/tether/lib/router"
	"github.com/bureau-foundation/tether/lib/scheduler"
)

type runParams struct {
	commonParams
	engine string
	resume string
}

func runCommand() *cli.Command {
	var params runParams
	return &cli.Command{
		Name:    "run",
		Summary: "Run one prompt with progress in the terminal",
		Description: `Run one prompt through the same relay the bot uses, rendering the
progress message in the terminal and replacing it with the final answer.
With no prompt arguments the prompt is read from stdin.

Ctrl-C cancels the agent; the final message still reports the outcome
and the resume token when a session was started. The exit code is 0
only when the agent completed.`,
		Usage: "tether run [flags] [PROMPT...]",
		Examples: []cli.Example{
			{Description: "Ask the default engine", Command: `tether run "why does the build fail?"`},
			{Description: "Continue a Claude session", Command: `tether run --resume "claude --resume 4f1c" "now add a test"`},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.StringVarP(&params.engine, "engine", "e", "", "engine to run ("+engine.Names()+"); default from config or the resume token")
			flagSet.StringVar(&params.resume, "resume", "", "resume token from an earlier answer")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading prompt: %w", err)
				}
				prompt = string(data)
			}
			return runLocal(ctx, params, prompt)
		},
	}
}

// localText assembles the router input for a terminal prompt: the
// engine command and the resume token become part of the text, exactly
// as they would in a chat message.
func localText(engineName, resumeToken, prompt string) (string, error) {
	text := strings.TrimSpace(prompt)
	if engineName != "" {
		selected, err := engine.Parse(engineName)
		if err != nil {
			return "", err
		}
		text = "/" + selected.String() + " " + text
	}
	if resumeToken != "" {
		text += "\n" + strings.TrimSpace(resumeToken)
	}
	return text, nil
}

func runLocal(ctx context.Context, params runParams, prompt string) error {
	logger := cli.NewLogger(params.level(slog.LevelWarn))

	cfg, err := loadConfig(params.configPath, true, logger)
	if err != nil {
		return err
	}
	directory, err := workingDirectory(cfg)
	if err != nil {
		return err
	}
	defaultEngine, err := engine.Parse(cfg.DefaultEngine)
	if err != nil {
		return err
	}

	text, err := localText(params.engine, params.resume, prompt)
	if err != nil {
		return err
	}
	routes := &router.Router{DefaultEngine: defaultEngine}
	submission, err := routes.Route(router.Inbound{Text: text})
	if errors.Is(err, router.ErrEmptyPrompt) {
		return fmt.Errorf("no prompt: pass it as arguments or on stdin")
	}
	if err != nil {
		return err
	}
	if params.resume != "" && submission.ResumeToken == "" {
		return fmt.Errorf("--resume %q is not a resume token", params.resume)
	}

	relayConfig, err := relayConfig(cfg, directory, logger)
	if err != nil {
		return err
	}
	finished := make(chan scheduler.Task, 1)
	relayConfig.Transport = relay.NewTerminalTransport(os.Stdout, relay.IsTerminal(os.Stdout))
	relayConfig.FinalNotify = false
	relayConfig.OnFinish = func(task scheduler.Task) { finished <- task }
	tasks := relay.New(relayConfig)
	defer func() {
		shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		tasks.Close(shutdownContext)
	}()

	task, err := tasks.Submit(ctx, relay.Request{Submission: submission})
	if err != nil {
		return err
	}

	var result scheduler.Task
	select {
	case result = <-finished:
	case <-ctx.Done():
		tasks.Cancel(task.ID)
		select {
		case result = <-finished:
		case <-time.After(relayConfig.Runner.GracePeriod + shutdownTimeout):
			return fmt.Errorf("task %s did not stop after cancellation", task.ID)
		}
	}

	if result.Status != scheduler.StatusCompleted {
		return &cli.ExitError{Code: 1}
	}
	return nil
}
