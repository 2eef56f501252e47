// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"slices"
	"testing"

	"github.com/bureau-foundation/tether/lib/resume"
)

func TestCodexArguments(t *testing.T) {
	t.Parallel()

	driver := &CodexDriver{Options: EngineOptions{Profile: "work", ExtraArgs: []string{"--skip-git-repo-check"}}}

	fresh := driver.Arguments(DriverConfig{Prompt: "ignored: prompt goes to stdin"})
	want := []string{"exec", "--json", "--profile", "work", "--skip-git-repo-check", "-"}
	if !slices.Equal(fresh, want) {
		t.Errorf("fresh arguments:\n got %q\nwant %q", fresh, want)
	}

	resumed := driver.Arguments(DriverConfig{Resume: &resume.Context{SessionID: "th-1"}})
	wantResumed := []string{"exec", "--json", "--profile", "work", "--skip-git-repo-check", "resume", "th-1", "-"}
	if !slices.Equal(resumed, wantResumed) {
		t.Errorf("resumed arguments:\n got %q\nwant %q", resumed, wantResumed)
	}
}

func TestCodexParserTurn(t *testing.T) {
	t.Parallel()

	parser := (&CodexDriver{}).NewParser()
	parse := func(line string) Parsed {
		t.Helper()
		parsed, err := parser.ParseLine([]byte(line))
		if err != nil {
			t.Fatalf("ParseLine(%s): %v", line, err)
		}
		return parsed
	}

	if got := parse(`{"type":"thread.started","thread_id":"0199-th"}`); got.SessionID != "0199-th" {
		t.Errorf("thread.started session = %q", got.SessionID)
	}
	parse(`{"type":"turn.started"}`)

	reasoning := parse(`{"type":"item.completed","item":{"id":"item_0","type":"reasoning","text":"**Scanning repo**"}}`)
	if len(reasoning.Events) != 1 || reasoning.Events[0].Kind != EventKindNote {
		t.Errorf("reasoning events = %+v", reasoning.Events)
	}

	started := parse(`{"type":"item.started","item":{"id":"item_1","type":"command_execution","command":"bash -lc ls","exit_code":null,"status":"in_progress"}}`)
	if len(started.Events) != 1 || started.Events[0].Phase != PhaseStarted || started.Events[0].Command.Command != "bash -lc ls" {
		t.Fatalf("command started = %+v", started.Events)
	}
	completed := parse(`{"type":"item.completed","item":{"id":"item_1","type":"command_execution","command":"bash -lc ls","exit_code":2,"status":"failed"}}`)
	command := completed.Events[0].Command
	if completed.Events[0].ID != "item_1" || command.ExitCode == nil || *command.ExitCode != 2 || !command.Failed {
		t.Errorf("command completed = %+v", completed.Events[0])
	}

	files := parse(`{"type":"item.completed","item":{"id":"item_2","type":"file_change","changes":[{"path":"a.go","kind":"add"},{"path":"b.go","kind":"delete"}],"status":"completed"}}`)
	if changes := files.Events[0].FileChange.Changes; len(changes) != 2 || changes[1].Path != "b.go" || changes[1].Kind != "delete" {
		t.Errorf("file changes = %+v", files.Events[0].FileChange)
	}

	tool := parse(`{"type":"item.started","item":{"id":"item_3","type":"mcp_tool_call","server":"github","tool":"search","status":"in_progress"}}`)
	if tool.Events[0].ToolUse.Name != "github/search" {
		t.Errorf("mcp tool = %+v", tool.Events[0].ToolUse)
	}

	if message := parse(`{"type":"item.completed","item":{"id":"item_4","type":"agent_message","text":"first"}}`); len(message.Events) != 0 {
		t.Errorf("agent_message produced events %+v", message.Events)
	}
	parse(`{"type":"item.completed","item":{"id":"item_5","type":"agent_message","text":"Done: 3 files."}}`)

	end := parse(`{"type":"turn.completed","usage":{"input_tokens":500,"cached_input_tokens":100,"output_tokens":50}}`)
	if end.Final == nil || end.Final.IsError || end.Final.Text != "Done: 3 files." {
		t.Fatalf("final = %+v", end.Final)
	}
	if end.Final.Usage.CachedInputTokens != 100 || end.Final.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v", end.Final.Usage)
	}
}

func TestCodexParserTurnFailed(t *testing.T) {
	t.Parallel()

	parser := (&CodexDriver{}).NewParser()
	if _, err := parser.ParseLine([]byte(`{"type":"error","message":"stream disconnected"}`)); err != nil {
		t.Fatal(err)
	}
	parsed, err := parser.ParseLine([]byte(`{"type":"turn.failed","error":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Final == nil || !parsed.Final.IsError || parsed.Final.Text != "stream disconnected" {
		t.Errorf("final = %+v", parsed.Final)
	}
}
