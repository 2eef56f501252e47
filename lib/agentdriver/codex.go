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

// CodexDriver implements Driver for the Codex CLI in exec mode with
// JSONL output. The prompt is written to stdin ("-" argument) so it is
// never subject to argv length limits or flag parsing.
type CodexDriver struct {
	Options EngineOptions
}

// Engine returns engine.Codex.
func (driver *CodexDriver) Engine() engine.Engine { return engine.Codex }

// Arguments returns the argv (without the binary) for one invocation.
func (driver *CodexDriver) Arguments(config DriverConfig) []string {
	arguments := []string{"exec", "--json"}
	if driver.Options.Profile != "" {
		arguments = append(arguments, "--profile", driver.Options.Profile)
	}
	if driver.Options.Model != "" {
		arguments = append(arguments, "--model", driver.Options.Model)
	}
	arguments = append(arguments, driver.Options.ExtraArgs...)
	if config.Resume != nil {
		arguments = append(arguments, "resume", config.Resume.SessionID)
	}
	return append(arguments, "-")
}

// Start spawns a Codex process with the prompt on stdin.
func (driver *CodexDriver) Start(ctx context.Context, config DriverConfig) (Process, io.ReadCloser, error) {
	binary := binaryOrDefault(driver.Options, engine.Codex)
	return startCommand(engine.Codex, binary, driver.Arguments(config), config, strings.NewReader(config.Prompt))
}

// NewParser returns an exec --json parser.
func (driver *CodexDriver) NewParser() LineParser {
	return &codexParser{}
}

// Interrupt sends SIGTERM; Codex exec treats it like Ctrl-C and aborts
// the turn.
func (driver *CodexDriver) Interrupt(process Process) error {
	return process.Signal(syscall.SIGTERM)
}

// codexParser parses "codex exec --json" output:
//
//   - thread.started: carries thread_id, the resumable session id
//   - item.started / item.updated / item.completed: one item each
//     (command_execution, file_change, mcp_tool_call, web_search,
//     reasoning, agent_message, todo_list, error)
//   - turn.completed: the trailing marker, with usage
//   - turn.failed / error: the turn failed
//
// The final answer is the text of the last agent_message item.
type codexParser struct {
	lastAgentMessage string
	lastError        string
}

type codexLine struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id"`
	Item     *codexItem `json:"item"`
	Message  string     `json:"message"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
	Usage *struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage"`
}

type codexItem struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	Command  string `json:"command"`
	ExitCode *int   `json:"exit_code"`
	Status   string `json:"status"`
	Changes  []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes"`
	Server  string `json:"server"`
	Tool    string `json:"tool"`
	Query   string `json:"query"`
	Message string `json:"message"`
	Items   []struct {
		Text      string `json:"text"`
		Completed bool   `json:"completed"`
	} `json:"items"`
}

func (parser *codexParser) ParseLine(line []byte) (Parsed, error) {
	var decoded codexLine
	if err := json.Unmarshal(line, &decoded); err != nil {
		return Parsed{}, fmt.Errorf("parsing codex json line: %w", err)
	}

	var parsed Parsed
	switch decoded.Type {
	case "thread.started":
		parsed.SessionID = decoded.ThreadID

	case "turn.started":

	case "item.started", "item.updated", "item.completed":
		if decoded.Item == nil {
			break
		}
		phase := PhaseStarted
		if decoded.Type == "item.completed" {
			phase = PhaseCompleted
		}
		if event, ok := parser.itemEvent(*decoded.Item, phase); ok {
			parsed.Events = append(parsed.Events, event)
		}

	case "turn.completed":
		final := &Final{Text: parser.lastAgentMessage}
		if decoded.Usage != nil {
			final.Usage = Usage{
				InputTokens:       decoded.Usage.InputTokens,
				CachedInputTokens: decoded.Usage.CachedInputTokens,
				OutputTokens:      decoded.Usage.OutputTokens,
			}
		}
		parsed.Final = final

	case "turn.failed":
		message := parser.lastError
		if decoded.Error != nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
		if message == "" {
			message = "turn failed"
		}
		parsed.Final = &Final{Text: message, IsError: true}

	case "error":
		// Stream-level errors include transient reconnect notices; they
		// only fail the run if a turn.failed follows.
		if decoded.Message != "" {
			parser.lastError = decoded.Message
			parsed.Events = append(parsed.Events, noteEvent(decoded.Message))
		}

	default:
		return Parsed{}, fmt.Errorf("unknown codex event type %q", decoded.Type)
	}
	return parsed, nil
}

// itemEvent maps one item to a progress event. Agent messages produce
// no event; they become the final answer.
func (parser *codexParser) itemEvent(item codexItem, phase Phase) (Event, bool) {
	event := Event{ID: item.ID, Phase: phase}
	failed := item.Status == "failed" || item.Status == "declined"

	switch item.Type {
	case "agent_message":
		if phase == PhaseCompleted {
			parser.lastAgentMessage = item.Text
		}
		return Event{}, false

	case "reasoning":
		text := strings.TrimSpace(item.Text)
		if phase != PhaseCompleted || text == "" {
			return Event{}, false
		}
		return noteEvent(text), true

	case "command_execution":
		event.Kind = EventKindCommand
		event.Command = &CommandEvent{Command: item.Command}
		if phase == PhaseCompleted {
			event.Command.ExitCode = item.ExitCode
			event.Command.Failed = failed || (item.ExitCode != nil && *item.ExitCode != 0)
		}

	case "file_change":
		event.Kind = EventKindFileChange
		changes := make([]FileChange, 0, len(item.Changes))
		for _, change := range item.Changes {
			changes = append(changes, FileChange{Path: change.Path, Kind: change.Kind})
		}
		event.FileChange = &FileChangeEvent{Changes: changes}

	case "mcp_tool_call":
		event.Kind = EventKindToolUse
		name := item.Tool
		if item.Server != "" {
			name = item.Server + "/" + item.Tool
		}
		event.ToolUse = &ToolUseEvent{Name: name, Failed: phase == PhaseCompleted && failed}

	case "web_search":
		event.Kind = EventKindToolUse
		event.ToolUse = &ToolUseEvent{Name: "web_search", Detail: item.Query}

	case "todo_list":
		if len(item.Items) == 0 {
			return Event{}, false
		}
		done := 0
		for _, entry := range item.Items {
			if entry.Completed {
				done++
			}
		}
		return noteEvent(fmt.Sprintf("plan: %d/%d done", done, len(item.Items))), true

	case "error":
		text := firstNonEmpty(item.Message, item.Text)
		if text == "" {
			return Event{}, false
		}
		parser.lastError = text
		return noteEvent(text), true

	default:
		return Event{}, false
	}
	return event, true
}
