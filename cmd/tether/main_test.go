// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/bureau-foundation/tether/cmd/tether/cli"
	"github.com/bureau-foundation/tether/lib/agentdriver"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/router"
	"github.com/bureau-foundation/tether/lib/transcript"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BotToken = "123:abc"
	cfg.ChatID = -100
	cfg.LockDir = filepath.Join(t.TempDir(), "locks")
	cfg.Transcript.Directory = filepath.Join(t.TempDir(), "transcripts")
	cfg.Whisper.Enabled = false
	return cfg
}

func TestLocalTextRoutesLikeChat(t *testing.T) {
	text, err := localText("Claude", "`claude --resume s-4`", "  add a test  ")
	if err != nil {
		t.Fatalf("localText: %v", err)
	}
	routes := &router.Router{DefaultEngine: engine.Codex}
	submission, err := routes.Route(router.Inbound{Text: text})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if submission.Engine != engine.Claude || !submission.ExplicitEngine {
		t.Errorf("engine = %s (explicit %v)", submission.Engine, submission.ExplicitEngine)
	}
	if submission.Prompt != "add a test" || submission.ResumeToken != "claude --resume s-4" {
		t.Errorf("submission = %+v", submission)
	}

	if _, err := localText("gemini", "", "hi"); err == nil {
		t.Error("an unknown engine should fail")
	}
}

func TestRelayConfigFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.FinalNotify = false
	cfg.Cancel.GracePeriod = config.Duration{Duration: 3 * time.Second}
	cfg.Engines.Claude.Model = "opus"
	cfg.Engines.Claude.AllowedTools = []string{"Read"}
	cfg.Transcript.Enabled = true
	cfg.Transcript.Compression = "lz4"

	relayConfig, err := relayConfig(cfg, "/work", nil)
	if err != nil {
		t.Fatalf("relayConfig: %v", err)
	}
	if relayConfig.FinalNotify || relayConfig.WorkingDirectory != "/work" {
		t.Errorf("relay config = %+v", relayConfig)
	}
	if relayConfig.Runner.GracePeriod != 3*time.Second {
		t.Errorf("grace period = %s", relayConfig.Runner.GracePeriod)
	}
	claude, ok := relayConfig.Drivers[engine.Claude].(*agentdriver.ClaudeDriver)
	if !ok || claude.Options.Model != "opus" || len(claude.Options.AllowedTools) != 1 {
		t.Errorf("claude driver = %#v", relayConfig.Drivers[engine.Claude])
	}
	if _, ok := relayConfig.Drivers[engine.Codex].(*agentdriver.CodexDriver); !ok {
		t.Errorf("codex driver = %#v", relayConfig.Drivers[engine.Codex])
	}
	if relayConfig.Transcripts == nil || relayConfig.Transcripts.Compression != transcript.CompressionLZ4 {
		t.Errorf("transcripts = %+v", relayConfig.Transcripts)
	}

	cfg.Transcript.Recipients = []string{"not-a-key"}
	if _, err := relayConfig(cfg, "/work", nil); err == nil {
		t.Error("a bad recipient should fail")
	}
}

func TestStoreFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buttons.Voice.StoreFile = "notes/inbox.md"
	if got := storeFile(cfg, "/work"); got != "/work/notes/inbox.md" {
		t.Errorf("relative store file = %s", got)
	}
	cfg.Buttons.Voice.StoreFile = "/var/notes.md"
	if got := storeFile(cfg, "/work"); got != "/var/notes.md" {
		t.Errorf("absolute store file = %s", got)
	}
}

func TestButtons(t *testing.T) {
	if buttons(nil) != nil {
		t.Error("no buttons should stay nil")
	}
	converted := buttons([]config.Button{{Text: "Status", Data: "git status"}})
	if len(converted) != 1 || converted[0].Text != "Status" || converted[0].Data != "git status" {
		t.Errorf("buttons = %+v", converted)
	}
}

func TestPrintChecklist(t *testing.T) {
	var output bytes.Buffer
	err := printChecklist(&output, []checkResult{
		{"config", checkPass, "/home/user/.tether/tether.toml"},
		{"claude", checkWarn, "claude not found in PATH"},
	})
	if err != nil {
		t.Errorf("warnings should not fail: %v", err)
	}
	if !strings.Contains(output.String(), "[WARN]  claude") {
		t.Errorf("checklist:\n%s", output.String())
	}

	output.Reset()
	err = printChecklist(&output, []checkResult{{"bot token", checkFail, "unauthorized"}})
	var exitError *cli.ExitError
	if !errors.As(err, &exitError) || exitError.Code != 1 {
		t.Errorf("failure = %v, want exit code 1", err)
	}
	if !strings.Contains(output.String(), "1 check(s) failed.") {
		t.Errorf("checklist:\n%s", output.String())
	}
}

func TestRunChecksOffline(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkingDirectory = t.TempDir()
	cfg.Engines.Codex.Binary = "/nonexistent/codex"

	results := runChecks(context.Background(), cfg, false)
	statuses := make(map[string]checkStatus)
	for _, result := range results {
		statuses[result.name] = result.status
	}
	want := map[string]checkStatus{
		"config":            checkPass,
		"codex":             checkWarn,
		"working directory": checkPass,
		"transcripts":       checkSkip,
		"whisper":           checkSkip,
		"instance lock":     checkPass,
		"bot token":         checkSkip,
	}
	for name, status := range want {
		if statuses[name] != status {
			t.Errorf("%s = %q, want %q", name, statuses[name], status)
		}
	}
}

func writeTestTranscript(t *testing.T, options transcript.Options, taskID, prompt string, started time.Time) string {
	t.Helper()
	writer, err := transcript.Create(options, transcript.Header{
		TaskID:    taskID,
		ThreadID:  "-100/0",
		Engine:    "codex",
		Prompt:    prompt,
		CreatedAt: started,
		StartedAt: started,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := writer.Event(agentdriver.Event{
		Sequence:  1,
		Kind:      agentdriver.EventKindNote,
		Phase:     agentdriver.PhaseCompleted,
		Timestamp: started.Add(time.Second),
		Note:      &agentdriver.NoteEvent{Text: "looking around"},
	}); err != nil {
		t.Fatalf("Event: %v", err)
	}
	summary, err := writer.Finish(transcript.Result{Status: "completed", FinalText: "done", Duration: 2 * time.Second})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return summary.Path
}

func TestShowTranscript(t *testing.T) {
	directory := t.TempDir()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	path := writeTestTranscript(t, transcript.Options{Directory: directory, Compression: transcript.CompressionZstd}, "task-1", "explain the scheduler", started)

	var output bytes.Buffer
	if err := showTranscript(&output, path, nil, false); err != nil {
		t.Fatalf("showTranscript: %v", err)
	}
	for _, want := range []string{"digest", "task-1", "> explain the scheduler", "looking around"} {
		if !strings.Contains(output.String(), want) {
			t.Errorf("output missing %q:\n%s", want, output.String())
		}
	}

	output.Reset()
	if err := showTranscript(&output, path, nil, true); err != nil {
		t.Fatalf("showTranscript --diagnostic: %v", err)
	}
	if !strings.Contains(output.String(), `"task_id"`) {
		t.Errorf("diagnostic output:\n%s", output.String())
	}
}

func TestShowEncryptedTranscriptNeedsIdentity(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	options := transcript.Options{
		Directory:   t.TempDir(),
		Compression: transcript.CompressionNone,
		Recipients:  []age.Recipient{identity.Recipient()},
	}
	path := writeTestTranscript(t, options, "task-2", "secret plans", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	err = showTranscript(&bytes.Buffer{}, path, nil, false)
	if !errors.Is(err, transcript.ErrEncrypted) || !strings.Contains(err.Error(), "--identity") {
		t.Errorf("error = %v", err)
	}

	var output bytes.Buffer
	if err := showTranscript(&output, path, []age.Identity{identity}, false); err != nil {
		t.Fatalf("showTranscript with identity: %v", err)
	}
	if !strings.Contains(output.String(), "secret plans") {
		t.Errorf("output:\n%s", output.String())
	}
}

func TestListTranscripts(t *testing.T) {
	directory := t.TempDir()
	options := transcript.Options{Directory: directory, Compression: transcript.CompressionZstd}
	early := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	writeTestTranscript(t, options, "task-early", "first prompt", early)
	writeTestTranscript(t, options, "task-late", "second prompt\nwith detail", early.Add(time.Hour))

	var output bytes.Buffer
	if err := listTranscripts(&output, directory, nil); err != nil {
		t.Fatalf("listTranscripts: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("listing:\n%s", output.String())
	}
	if !strings.Contains(lines[1], "second prompt") || strings.Contains(lines[1], "with detail") {
		t.Errorf("newest first, first line only: %q", lines[1])
	}
	if !strings.Contains(lines[2], "first prompt") || !strings.Contains(lines[2], "completed") {
		t.Errorf("older entry: %q", lines[2])
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("  short\nrest", 10); got != "short" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("abcdefghijkl", 5); got != "abcd…" {
		t.Errorf("firstLine = %q", got)
	}
}
