// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/resume"
	"github.com/bureau-foundation/tether/lib/testutil"
)

// Fake agent CLIs are /bin/sh scripts that print canned stream lines.
// Each test gets its own script directory, so scripts can leave marker
// files next to themselves.

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func claudeScript(t *testing.T, body string) *ClaudeDriver {
	t.Helper()
	return &ClaudeDriver{Options: EngineOptions{Binary: testutil.WriteScript(t, "claude", body)}}
}

// collectEvents returns an onEvent callback and the channel it feeds.
func collectEvents() (func(Event), chan Event) {
	events := make(chan Event, 1024)
	return func(event Event) { events <- event }, events
}

func drain(events chan Event) []Event {
	var drained []Event
	for {
		select {
		case event := <-events:
			drained = append(drained, event)
		default:
			return drained
		}
	}
}

func TestRunClaudeCompleted(t *testing.T) {
	t.Parallel()

	driver := claudeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"s-1"}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}]}}'
printf '{"type":"user","message":{"content":[{"type":"tool_result",'
printf '"tool_use_id":"tu-1","content":"a.go"}]}}\n'
echo '{"type":"result","subtype":"success","result":"Listed the files.","session_id":"s-1"}'
`)

	runner := &Runner{Logger: quietLogger()}
	onEvent, events := collectEvents()
	result := runner.Run(context.Background(), RunRequest{Driver: driver, Prompt: "list files"}, onEvent)

	if result.Status != StatusCompleted || result.Err != nil {
		t.Fatalf("Run = %s (%v), want completed", result.Status, result.Err)
	}
	if result.FinalText != "Listed the files." {
		t.Errorf("FinalText = %q", result.FinalText)
	}
	if result.ResumeToken != "claude --resume s-1" || result.SessionID != "s-1" {
		t.Errorf("ResumeToken = %q SessionID = %q", result.ResumeToken, result.SessionID)
	}
	if result.Engine != engine.Claude || result.ExitCode != 0 {
		t.Errorf("Engine = %s ExitCode = %d", result.Engine, result.ExitCode)
	}

	var commandPhases []Phase
	var lastSequence uint64
	for _, event := range drain(events) {
		if event.Sequence <= lastSequence {
			t.Errorf("sequence %d after %d is not increasing", event.Sequence, lastSequence)
		}
		lastSequence = event.Sequence
		if event.Kind == EventKindCommand {
			commandPhases = append(commandPhases, event.Phase)
		}
	}
	if len(commandPhases) != 2 || commandPhases[0] != PhaseStarted || commandPhases[1] != PhaseCompleted {
		t.Errorf("command phases = %v, want [started completed]", commandPhases)
	}
}

func TestRunCodexPromptOnStdinAndResume(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "codex", `
dir=$(dirname "$0")
cat > "$dir/stdin.txt"
echo "$@" > "$dir/args.txt"
echo '{"type":"thread.started","thread_id":"th-9"}'
echo '{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"resumed ok"}}'
echo '{"type":"turn.completed","usage":{"input_tokens":1,"output_tokens":1}}'
`)
	driver := &CodexDriver{Options: EngineOptions{Binary: script}}

	runner := &Runner{Logger: quietLogger()}
	result := runner.Run(context.Background(), RunRequest{
		Driver:      driver,
		Prompt:      "--not-a-flag and more",
		ResumeToken: "`codex resume th-9`",
	}, nil)

	if result.Status != StatusCompleted {
		t.Fatalf("Run = %s (%v)", result.Status, result.Err)
	}
	if result.FinalText != "resumed ok" || result.ResumeToken != "codex resume th-9" {
		t.Errorf("FinalText = %q ResumeToken = %q", result.FinalText, result.ResumeToken)
	}

	dir := filepath.Dir(script)
	stdin, err := os.ReadFile(filepath.Join(dir, "stdin.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(stdin) != "--not-a-flag and more" {
		t.Errorf("stdin = %q", stdin)
	}
	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(args)) != "exec --json resume th-9 -" {
		t.Errorf("args = %q", args)
	}
}

func TestRunForeignTokenNeverSpawns(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", `touch "$(dirname "$0")/spawned"`)
	driver := &ClaudeDriver{Options: EngineOptions{Binary: script}}

	runner := &Runner{Logger: quietLogger()}
	result := runner.Run(context.Background(), RunRequest{
		Driver:      driver,
		Prompt:      "hi",
		ResumeToken: "codex resume th-1",
	}, nil)

	if result.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", result.Status)
	}
	var decodeError *resume.DecodeError
	if !errors.As(result.Err, &decodeError) {
		t.Fatalf("Err = %v, want *resume.DecodeError", result.Err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(script), "spawned")); !os.IsNotExist(err) {
		t.Error("agent was spawned despite a foreign resume token")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	driver := claudeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"s-2"}'
echo 'rate limited, giving up' >&2
exit 3
`)

	result := (&Runner{Logger: quietLogger()}).Run(context.Background(), RunRequest{Driver: driver, Prompt: "x"}, nil)

	if result.Status != StatusFailed || result.ExitCode != 3 {
		t.Fatalf("Run = %s exit %d, want failed exit 3", result.Status, result.ExitCode)
	}
	var exitError *ExitError
	if !errors.As(result.Err, &exitError) {
		t.Fatalf("Err = %v, want *ExitError", result.Err)
	}
	if !strings.Contains(exitError.StderrTail, "rate limited") {
		t.Errorf("StderrTail = %q", exitError.StderrTail)
	}
	if !strings.Contains(result.FinalText, "rate limited") {
		t.Errorf("FinalText should fall back to stderr, got %q", result.FinalText)
	}
	if result.ResumeToken != "claude --resume s-2" {
		t.Errorf("failed run should still issue a token, got %q", result.ResumeToken)
	}
}

func TestRunMissingResultMarker(t *testing.T) {
	t.Parallel()

	driver := claudeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial thought"}]}}'
echo 'plain text banner'
echo '{"broken json'
`)

	onEvent, events := collectEvents()
	result := (&Runner{Logger: quietLogger()}).Run(context.Background(), RunRequest{Driver: driver, Prompt: "x"}, onEvent)

	if result.Status != StatusFailed || !errors.Is(result.Err, ErrMissingResult) {
		t.Fatalf("Run = %s (%v), want failed with ErrMissingResult", result.Status, result.Err)
	}
	if result.FinalText != "plain text banner" {
		t.Errorf("FinalText = %q, want the last note", result.FinalText)
	}
	notes := 0
	for _, event := range drain(events) {
		if event.Kind == EventKindNote {
			notes++
		}
	}
	if notes != 2 {
		t.Errorf("got %d notes, want 2 (malformed JSON is skipped)", notes)
	}
}

func TestRunSpawnError(t *testing.T) {
	t.Parallel()

	driver := &ClaudeDriver{Options: EngineOptions{Binary: filepath.Join(t.TempDir(), "missing")}}
	result := (&Runner{Logger: quietLogger()}).Run(context.Background(), RunRequest{Driver: driver, Prompt: "x"}, nil)

	var spawnError *SpawnError
	if result.Status != StatusFailed || !errors.As(result.Err, &spawnError) {
		t.Fatalf("Run = %s (%v), want failed with *SpawnError", result.Status, result.Err)
	}
}

func TestRunCancelInterruptsGracefully(t *testing.T) {
	t.Parallel()

	driver := claudeScript(t, `
trap 'echo "{\"type\":\"result\",\"subtype\":\"error_during_execution\",\"is_error\":true}"; exit 130' INT
echo '{"type":"system","subtype":"init","session_id":"s-c"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
while :; do sleep 0.05; done
`)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	onEvent, events := collectEvents()
	results := make(chan RunResult, 1)
	go func() {
		runner := &Runner{Logger: quietLogger(), GracePeriod: time.Minute}
		results <- runner.Run(ctx, RunRequest{Driver: driver, Prompt: "x"}, onEvent)
	}()

	testutil.RequireReceive(t, events, 10*time.Second, "waiting for the agent to start")
	cancel(ErrCancelRequested)

	result := testutil.RequireReceive(t, results, 10*time.Second, "waiting for cancelled run")
	if result.Status != StatusCancelled || !errors.Is(result.Err, ErrCancelRequested) {
		t.Fatalf("Run = %s (%v), want cancelled", result.Status, result.Err)
	}
	if result.ExitCode != 130 {
		t.Errorf("ExitCode = %d, want 130 from the trap", result.ExitCode)
	}
	if result.ResumeToken != "claude --resume s-c" {
		t.Errorf("cancelled run should still issue a token, got %q", result.ResumeToken)
	}
}

func TestRunCancelEscalatesToKill(t *testing.T) {
	t.Parallel()

	driver := claudeScript(t, `
trap '' INT
echo '{"type":"system","subtype":"init","session_id":"s-k"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"ignoring SIGINT"}]}}'
while :; do sleep 0.05; done
`)

	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	onEvent, events := collectEvents()
	results := make(chan RunResult, 1)
	go func() {
		runner := &Runner{
			Clock:           fakeClock,
			Logger:          quietLogger(),
			GracePeriod:     10 * time.Second,
			ElapsedInterval: time.Hour,
		}
		results <- runner.Run(ctx, RunRequest{Driver: driver, Prompt: "x"}, onEvent)
	}()

	testutil.RequireReceive(t, events, 10*time.Second, "waiting for the agent to start")
	cancel(ErrCancelRequested)

	// The elapsed ticker plus the grace deadline.
	fakeClock.WaitForTimers(2)
	select {
	case result := <-results:
		t.Fatalf("run finished before the grace period expired: %+v", result)
	case <-time.After(100 * time.Millisecond):
	}
	fakeClock.Advance(10 * time.Second)

	result := testutil.RequireReceive(t, results, 10*time.Second, "waiting for killed run")
	if result.Status != StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", result.Status)
	}
	if result.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1 (killed by signal)", result.ExitCode)
	}
}

// killRecordedChild kills the process whose pid a fake agent wrote to
// path, once the test ends.
func killRecordedChild(t *testing.T, path string) {
	t.Helper()
	t.Cleanup(func() {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
			syscall.Kill(pid, syscall.SIGKILL)
		}
	})
}

func TestRunBackgroundChildDoesNotHoldRun(t *testing.T) {
	t.Parallel()

	// The agent finishes cleanly but leaves a child that inherited its
	// stdout.
	driver := claudeScript(t, `
sleep 30 &
echo $! > "$(dirname "$0")/child.pid"
echo '{"type":"system","subtype":"init","session_id":"s-bg"}'
echo '{"type":"result","subtype":"success","result":"Started the watcher.","session_id":"s-bg"}'
exit 0
`)
	killRecordedChild(t, filepath.Join(filepath.Dir(driver.Options.Binary), "child.pid"))

	results := make(chan RunResult, 1)
	go func() {
		runner := &Runner{Logger: quietLogger()}
		results <- runner.Run(context.Background(), RunRequest{Driver: driver, Prompt: "x"}, nil)
	}()

	result := testutil.RequireReceive(t, results, 10*time.Second, "waiting for run with a lingering child")
	if result.Status != StatusCompleted || result.Err != nil {
		t.Fatalf("Run = %s (%v), want completed", result.Status, result.Err)
	}
	if result.FinalText != "Started the watcher." || result.ExitCode != 0 {
		t.Errorf("FinalText = %q ExitCode = %d", result.FinalText, result.ExitCode)
	}
}

func TestRunCancelWithEscapedChildReleases(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skipf("setsid not available: %v", err)
	}

	// The child leaves the process group, so the group kill cannot
	// reach it, and it keeps stdout open.
	driver := claudeScript(t, `
setsid sleep 30 &
echo $! > "$(dirname "$0")/child.pid"
echo '{"type":"system","subtype":"init","session_id":"s-esc"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
sleep 30
`)
	killRecordedChild(t, filepath.Join(filepath.Dir(driver.Options.Binary), "child.pid"))

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	onEvent, events := collectEvents()
	results := make(chan RunResult, 1)
	go func() {
		runner := &Runner{Logger: quietLogger(), GracePeriod: 200 * time.Millisecond}
		results <- runner.Run(ctx, RunRequest{Driver: driver, Prompt: "x"}, onEvent)
	}()

	testutil.RequireReceive(t, events, 10*time.Second, "waiting for the agent to start")
	cancel(ErrCancelRequested)

	result := testutil.RequireReceive(t, results, 10*time.Second, "waiting for cancelled run with an escaped child")
	if result.Status != StatusCancelled || !errors.Is(result.Err, ErrCancelRequested) {
		t.Fatalf("Run = %s (%v), want cancelled", result.Status, result.Err)
	}
	if result.ResumeToken != "claude --resume s-esc" {
		t.Errorf("ResumeToken = %q", result.ResumeToken)
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	driver := claudeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"s-t"}'
while :; do sleep 0.05; done
`)

	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	results := make(chan RunResult, 1)
	go func() {
		runner := &Runner{
			Clock:           fakeClock,
			Logger:          quietLogger(),
			Timeout:         time.Minute,
			ElapsedInterval: time.Hour,
		}
		results <- runner.Run(context.Background(), RunRequest{Driver: driver, Prompt: "x"}, nil)
	}()

	// The elapsed ticker plus the timeout.
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(time.Minute)

	result := testutil.RequireReceive(t, results, 10*time.Second, "waiting for timed-out run")
	if result.Status != StatusFailed || !errors.Is(result.Err, ErrRunTimeout) {
		t.Fatalf("Run = %s (%v), want failed with ErrRunTimeout", result.Status, result.Err)
	}
}

func TestRunElapsedTicks(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", `
dir=$(dirname "$0")
echo '{"type":"system","subtype":"init","session_id":"s-e"}'
while [ ! -f "$dir/go" ]; do sleep 0.02; done
echo '{"type":"result","subtype":"success","result":"done"}'
`)
	driver := &ClaudeDriver{Options: EngineOptions{Binary: script}}

	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	onEvent, events := collectEvents()
	results := make(chan RunResult, 1)
	go func() {
		runner := &Runner{Clock: fakeClock, Logger: quietLogger(), ElapsedInterval: 5 * time.Second}
		results <- runner.Run(context.Background(), RunRequest{Driver: driver, Prompt: "x"}, onEvent)
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(5 * time.Second)

	tick := testutil.RequireReceive(t, events, 10*time.Second, "waiting for elapsed tick")
	if tick.Kind != EventKindElapsed || tick.Elapsed.Elapsed != 5*time.Second {
		t.Errorf("tick = %+v, want elapsed 5s", tick)
	}

	if err := os.WriteFile(filepath.Join(filepath.Dir(script), "go"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	result := testutil.RequireReceive(t, results, 10*time.Second, "waiting for run")
	if result.Status != StatusCompleted || result.FinalText != "done" {
		t.Errorf("Run = %s %q", result.Status, result.FinalText)
	}
}

func TestRunAlreadyCancelledContext(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", `touch "$(dirname "$0")/spawned"`)
	driver := &ClaudeDriver{Options: EngineOptions{Binary: script}}

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrCancelRequested)

	result := (&Runner{Logger: quietLogger()}).Run(ctx, RunRequest{Driver: driver, Prompt: "x"}, nil)
	if result.Status != StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", result.Status)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(script), "spawned")); !os.IsNotExist(err) {
		t.Error("agent spawned for an already-cancelled context")
	}
}
