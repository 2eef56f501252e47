// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/bureau-foundation/tether/lib/engine"
)

// ClaudeDriver implements Driver for Claude Code in print mode with
// stream-json output.
type ClaudeDriver struct {
	Options EngineOptions
}

// Engine returns engine.Claude.
func (driver *ClaudeDriver) Engine() engine.Engine { return engine.Claude }

// Arguments returns the argv (without the binary) for one invocation.
// The prompt follows "--" so a prompt that starts with a dash is never
// read as a flag.
func (driver *ClaudeDriver) Arguments(config DriverConfig) []string {
	arguments := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
	}
	if driver.Options.Model != "" {
		arguments = append(arguments, "--model", driver.Options.Model)
	}
	if len(driver.Options.AllowedTools) > 0 {
		arguments = append(arguments, "--allowedTools", strings.Join(driver.Options.AllowedTools, ","))
	}
	if driver.Options.DangerouslySkipPermissions {
		arguments = append(arguments, "--dangerously-skip-permissions")
	}
	arguments = append(arguments, driver.Options.ExtraArgs...)
	if config.Resume != nil {
		arguments = append(arguments, "--resume", config.Resume.SessionID)
	}
	return append(arguments, "--", config.Prompt)
}

// Start spawns a Claude Code process.
func (driver *ClaudeDriver) Start(ctx context.Context, config DriverConfig) (Process, io.ReadCloser, error) {
	binary := binaryOrDefault(driver.Options, engine.Claude)
	return startCommand(engine.Claude, binary, driver.Arguments(config), config, nil)
}

// NewParser returns a stream-json parser.
func (driver *ClaudeDriver) NewParser() LineParser {
	return &claudeParser{pending: make(map[string]Event)}
}

// Interrupt sends SIGINT, which makes Claude Code finish the current
// tool call and exit.
func (driver *ClaudeDriver) Interrupt(process Process) error {
	return process.Signal(syscall.SIGINT)
}

// claudeParser parses Claude Code stream-json. Each line is a JSON
// object with a "type" field:
//
//   - system/init: carries session_id
//   - assistant: message.content blocks (text, thinking, tool_use)
//   - user: message.content tool_result blocks completing tool_use
//   - result: the trailing marker with the final answer and usage
type claudeParser struct {
	// pending holds the started event for each open tool_use id, so
	// the matching tool_result completes an event of the same kind.
	pending map[string]Event
}

type claudeLine struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	Message   *claudeMessage `json:"message"`

	// result fields
	Result     string  `json:"result"`
	IsError    bool    `json:"is_error"`
	TotalCost  float64 `json:"total_cost_usd"`
	NumTurns   int64   `json:"num_turns"`
	DurationMS int64   `json:"duration_ms"`
	Usage      struct {
		InputTokens          int64 `json:"input_tokens"`
		OutputTokens         int64 `json:"output_tokens"`
		CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

type claudeMessage struct {
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text"`

	// tool_use
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error"`
}

func (parser *claudeParser) ParseLine(line []byte) (Parsed, error) {
	var decoded claudeLine
	if err := json.Unmarshal(line, &decoded); err != nil {
		return Parsed{}, fmt.Errorf("parsing stream-json line: %w", err)
	}

	parsed := Parsed{SessionID: decoded.SessionID}

	switch decoded.Type {
	case "system":
		// init and compaction notices carry nothing to show.

	case "assistant":
		if decoded.Message == nil {
			break
		}
		for _, block := range decoded.Message.Content {
			switch block.Type {
			case "text":
				if text := strings.TrimSpace(block.Text); text != "" {
					parsed.Events = append(parsed.Events, noteEvent(text))
				}
			case "tool_use":
				event := claudeToolEvent(block)
				parser.pending[block.ID] = event
				parsed.Events = append(parsed.Events, event)
			}
		}

	case "user":
		if decoded.Message == nil {
			break
		}
		for _, block := range decoded.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			started, ok := parser.pending[block.ToolUseID]
			if !ok {
				continue
			}
			delete(parser.pending, block.ToolUseID)
			parsed.Events = append(parsed.Events, completeEvent(started, block.IsError))
		}

	case "result":
		parsed.Final = &Final{
			Text:    decoded.Result,
			IsError: decoded.IsError || (decoded.Subtype != "" && decoded.Subtype != "success"),
			Usage: Usage{
				InputTokens:       decoded.Usage.InputTokens,
				CachedInputTokens: decoded.Usage.CacheReadInputTokens,
				OutputTokens:      decoded.Usage.OutputTokens,
				CostUSD:           decoded.TotalCost,
				Turns:             decoded.NumTurns,
			},
		}
		if parsed.Final.IsError && parsed.Final.Text == "" {
			parsed.Final.Text = decoded.Subtype
		}

	default:
		return Parsed{}, fmt.Errorf("unknown stream-json type %q", decoded.Type)
	}

	return parsed, nil
}

// claudeToolEvent classifies a tool_use block. Bash is a command, the
// editing tools are file changes, everything else is a generic tool.
func claudeToolEvent(block claudeContentBlock) Event {
	var input struct {
		Command      string `json:"command"`
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
		Path         string `json:"path"`
		Pattern      string `json:"pattern"`
		URL          string `json:"url"`
		Query        string `json:"query"`
		Description  string `json:"description"`
	}
	// A malformed input object leaves the fields empty; the tool name
	// alone still renders.
	_ = json.Unmarshal(block.Input, &input)

	event := Event{ID: block.ID, Phase: PhaseStarted}
	switch block.Name {
	case "Bash":
		event.Kind = EventKindCommand
		event.Command = &CommandEvent{Command: input.Command}
	case "Edit", "MultiEdit", "Write", "NotebookEdit":
		path := firstNonEmpty(input.FilePath, input.NotebookPath)
		kind := "update"
		if block.Name == "Write" {
			kind = "add"
		}
		event.Kind = EventKindFileChange
		event.FileChange = &FileChangeEvent{Changes: []FileChange{{Path: path, Kind: kind}}}
	default:
		event.Kind = EventKindToolUse
		event.ToolUse = &ToolUseEvent{
			Name:   block.Name,
			Detail: firstNonEmpty(input.FilePath, input.Path, input.Pattern, input.URL, input.Query, input.Description),
		}
	}
	return event
}

// completeEvent derives the completed event for an action from its
// started event.
func completeEvent(started Event, failed bool) Event {
	completed := started
	completed.Phase = PhaseCompleted
	completed.Sequence = 0
	switch {
	case started.Command != nil:
		command := *started.Command
		command.Failed = failed
		completed.Command = &command
	case started.ToolUse != nil:
		toolUse := *started.ToolUse
		toolUse.Failed = failed
		completed.ToolUse = &toolUse
	}
	return completed
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
