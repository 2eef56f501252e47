// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/lib/agentdriver"
	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/router"
	"github.com/bureau-foundation/tether/lib/scheduler"
	"github.com/bureau-foundation/tether/lib/testutil"
	"github.com/bureau-foundation/tether/lib/transcript"
)

const waitTimeout = 10 * time.Second

// claudeCompletes is a fake claude CLI that records its prompt and
// arguments next to itself and finishes one tool call.
const claudeCompletes = `
dir=$(dirname "$0")
echo "$@" > "$dir/args.txt"
for last; do :; done
printf '%s' "$last" > "$dir/prompt.txt"
echo '{"type":"system","subtype":"init","session_id":"s-1"}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"go test ./..."}}]}}'
echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu-1","content":"ok"}]}}'
echo '{"type":"result","subtype":"success","result":"All tests pass.","session_id":"s-1"}'
`

// claudeBlocks starts a session and then waits to be cancelled.
const claudeBlocks = `
echo '{"type":"system","subtype":"init","session_id":"s-2"}'
touch "$(dirname "$0")/started"
sleep 30
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	kind    string
	to      Conversation
	ref     MessageRef
	message Outgoing
}

// fakeTransport records every call. Sends get sequential message ids
// starting at 1.
type fakeTransport struct {
	mutex     sync.Mutex
	next      int64
	calls     []call
	failSends int
}

func (transport *fakeTransport) Send(_ context.Context, to Conversation, message Outgoing) (MessageRef, error) {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	if transport.failSends > 0 {
		transport.failSends--
		transport.calls = append(transport.calls, call{kind: "send-failed", to: to, message: message})
		return MessageRef{}, errors.New("too many requests")
	}
	transport.next++
	ref := MessageRef{Conversation: to, MessageID: transport.next}
	transport.calls = append(transport.calls, call{kind: "send", to: to, ref: ref, message: message})
	return ref, nil
}

func (transport *fakeTransport) Edit(_ context.Context, ref MessageRef, message Outgoing) error {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	transport.calls = append(transport.calls, call{kind: "edit", to: ref.Conversation, ref: ref, message: message})
	return nil
}

func (transport *fakeTransport) Delete(_ context.Context, ref MessageRef) error {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	transport.calls = append(transport.calls, call{kind: "delete", to: ref.Conversation, ref: ref})
	return nil
}

func (transport *fakeTransport) snapshot() []call {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	return append([]call(nil), transport.calls...)
}

func (transport *fakeTransport) find(kind, substring string) (call, bool) {
	for _, recorded := range transport.snapshot() {
		if recorded.kind == kind && strings.Contains(recorded.message.Text, substring) {
			return recorded, true
		}
	}
	return call{}, false
}

// nth returns the index-th recorded call of kind.
func (transport *fakeTransport) nth(kind string, index int) (call, bool) {
	for _, recorded := range transport.snapshot() {
		if recorded.kind != kind {
			continue
		}
		if index == 0 {
			return recorded, true
		}
		index--
	}
	return call{}, false
}

func (transport *fakeTransport) count(kind string) int {
	count := 0
	for _, recorded := range transport.snapshot() {
		if recorded.kind == kind {
			count++
		}
	}
	return count
}

// waitForCall waits until a call of kind whose text contains substring
// has been recorded.
func waitForCall(t *testing.T, transport *fakeTransport, kind, substring string) call {
	t.Helper()
	testutil.RequireEventually(t, waitTimeout, func() bool {
		_, ok := transport.find(kind, substring)
		return ok
	}, "no %s call containing %q", kind, substring)
	found, _ := transport.find(kind, substring)
	return found
}

func claudeDrivers(binary string) map[engine.Engine]agentdriver.Driver {
	return map[engine.Engine]agentdriver.Driver{
		engine.Claude: &agentdriver.ClaudeDriver{Options: agentdriver.EngineOptions{Binary: binary}},
	}
}

func newTestRelay(t *testing.T, config Config) *Relay {
	t.Helper()
	if config.Logger == nil {
		config.Logger = quietLogger()
	}
	if config.Runner == nil {
		config.Runner = &agentdriver.Runner{Logger: config.Logger, GracePeriod: 500 * time.Millisecond}
	}
	relay := New(config)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		relay.Close(ctx)
	})
	return relay
}

func claudeRequest(threadID, prompt string) Request {
	return Request{
		Conversation: Conversation{ChatID: 7, TopicID: 3},
		ReplyTo:      100,
		Submission:   router.Submission{ThreadID: threadID, Prompt: prompt, Engine: engine.Claude},
	}
}

func readPrompt(t *testing.T, script string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(filepath.Dir(script), "prompt.txt"))
	if err != nil {
		t.Fatalf("reading recorded prompt: %v", err)
	}
	return string(data)
}

func TestRelayDeliversFinalAnswer(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", claudeCompletes)
	transport := &fakeTransport{}
	relay := newTestRelay(t, Config{Transport: transport, Drivers: claudeDrivers(script), FinalNotify: true})

	task, err := relay.Submit(context.Background(), claudeRequest("7/3", "run the tests"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForCall(t, transport, "send", "All tests pass.")
	deleted := waitForCall(t, transport, "delete", "")

	queued := transport.snapshot()[0]
	if queued.kind != "send" || !strings.HasPrefix(queued.message.Text, "queued · claude") {
		t.Fatalf("first call = %+v, want the queued progress message", queued)
	}
	if queued.to != (Conversation{ChatID: 7, TopicID: 3}) || queued.message.ReplyTo != 100 || !queued.message.Silent {
		t.Errorf("queued message = %+v", queued)
	}
	if len(queued.message.Buttons) != 1 || queued.message.Buttons[0].Data != "cancel:"+task.ID {
		t.Errorf("queued buttons = %+v", queued.message.Buttons)
	}

	if final.message.ReplyTo != 100 || final.message.Silent || len(final.message.Buttons) != 0 {
		t.Errorf("final message = %+v", final.message)
	}
	if !strings.HasPrefix(final.message.Text, "done · claude") {
		t.Errorf("final status line: %q", final.message.Text)
	}
	lines := strings.Split(final.message.Text, "\n")
	if last := lines[len(lines)-1]; last != "`claude --resume s-1`" {
		t.Errorf("final message ends with %q, want the resume line", last)
	}
	if deleted.ref != queued.ref {
		t.Errorf("deleted %v, want the progress message %v", deleted.ref, queued.ref)
	}
	if transport.count("send") != 2 {
		t.Errorf("sent %d messages, want 2", transport.count("send"))
	}

	testutil.RequireEventually(t, waitTimeout, func() bool {
		thread, ok := relay.Thread("7/3")
		return ok && thread.LastResumeToken == "claude --resume s-1"
	}, "thread resume token not updated")
	if prompt := readPrompt(t, script); prompt != "run the tests" {
		t.Errorf("agent prompt = %q", prompt)
	}
}

func TestRelayOnFinishAfterDelivery(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", claudeCompletes)
	transport := &fakeTransport{}
	finished := make(chan scheduler.Task, 1)
	var sentBeforeFinish int
	relay := newTestRelay(t, Config{
		Transport: transport,
		Drivers:   claudeDrivers(script),
		OnFinish: func(task scheduler.Task) {
			sentBeforeFinish = transport.count("send")
			finished <- task
		},
	})

	submitted, err := relay.Submit(context.Background(), claudeRequest("7/3", "run the tests"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task := testutil.RequireReceive(t, finished, waitTimeout, "OnFinish not called")
	if task.ID != submitted.ID || task.Status != scheduler.StatusCompleted {
		t.Errorf("finished task = %s %s", task.ID, task.Status)
	}
	if _, ok := transport.find("edit", "All tests pass."); !ok || sentBeforeFinish != 1 {
		t.Errorf("final message not delivered before OnFinish: %+v", transport.snapshot())
	}
}

func TestRelayEditsProgressIntoFinal(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", claudeCompletes)
	transport := &fakeTransport{}
	relay := newTestRelay(t, Config{Transport: transport, Drivers: claudeDrivers(script)})

	if _, err := relay.Submit(context.Background(), claudeRequest("7/3", "run the tests")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForCall(t, transport, "edit", "All tests pass.")
	if final.ref.MessageID != 1 {
		t.Errorf("final edit targets %v, want the progress message", final.ref)
	}
	if len(final.message.Buttons) != 0 {
		t.Errorf("final edit keeps buttons: %+v", final.message.Buttons)
	}
	if transport.count("send") != 1 || transport.count("delete") != 0 {
		t.Errorf("calls = %+v, want one send and no delete", transport.snapshot())
	}
}

func TestRelayThrottlesProgressEdits(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", claudeCompletes)
	transport := &fakeTransport{}
	// The relay's clock never moves, so only the forced edit at start
	// is inside the interval budget.
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	relay := newTestRelay(t, Config{
		Transport:   transport,
		Drivers:     claudeDrivers(script),
		FinalNotify: true,
		Clock:       fakeClock,
	})

	if _, err := relay.Submit(context.Background(), claudeRequest("t", "run the tests")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForCall(t, transport, "send", "All tests pass.")

	if edits := transport.count("edit"); edits != 1 {
		t.Fatalf("%d progress edits, want 1: %+v", edits, transport.snapshot())
	}
	edit, _ := transport.find("edit", "")
	if !strings.HasPrefix(edit.message.Text, "working · claude") {
		t.Errorf("progress edit = %q", edit.message.Text)
	}
	if len(edit.message.Buttons) != 1 {
		t.Errorf("progress edit dropped the cancel button")
	}
}

func TestRelayCancelQueuedAndRunning(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", claudeBlocks)
	transport := &fakeTransport{}
	relay := newTestRelay(t, Config{Transport: transport, Drivers: claudeDrivers(script), FinalNotify: true})

	first, err := relay.Submit(context.Background(), claudeRequest("t", "long job"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := relay.Submit(context.Background(), claudeRequest("t", "next job"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.RequireEventually(t, waitTimeout, func() bool {
		_, err := os.Stat(filepath.Join(filepath.Dir(script), "started"))
		return err == nil
	}, "agent for the first task never started")

	secondProgress, ok := transport.nth("send", 1)
	if !ok {
		t.Fatalf("no progress message for the second task: %+v", transport.snapshot())
	}
	if outcome := relay.CancelMessage(secondProgress.ref); outcome != scheduler.CancelledQueued {
		t.Fatalf("CancelMessage(queued) = %s", outcome)
	}
	if outcome := relay.Cancel(first.ID); outcome != scheduler.CancelledRunning {
		t.Fatalf("Cancel(running) = %s", outcome)
	}
	waitForCall(t, transport, "edit", "cancelling · claude")

	firstFinal := waitForCall(t, transport, "send", "claude --resume s-2")
	if !strings.HasPrefix(firstFinal.message.Text, "cancelled · claude") {
		t.Errorf("running task final = %q", firstFinal.message.Text)
	}
	secondFinal := waitForCall(t, transport, "send", "cancelled before it started")
	if !strings.HasPrefix(secondFinal.message.Text, "cancelled") {
		t.Errorf("queued task final = %q", secondFinal.message.Text)
	}

	testutil.RequireEventually(t, waitTimeout, func() bool {
		task, _ := relay.Task(second.ID)
		return task.Status == scheduler.StatusCancelled
	}, "second task not cancelled")
	if outcome := relay.Cancel(first.ID); outcome != scheduler.AlreadyTerminal {
		t.Errorf("Cancel(finished) = %s", outcome)
	}
	if outcome := relay.CancelMessage(MessageRef{MessageID: 999}); outcome != scheduler.NotFound {
		t.Errorf("CancelMessage(unknown) = %s", outcome)
	}
}

// stallingTransport holds the first Edit until release is closed.
type stallingTransport struct {
	fakeTransport
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (transport *stallingTransport) Edit(ctx context.Context, ref MessageRef, message Outgoing) error {
	transport.once.Do(func() {
		close(transport.entered)
		<-transport.release
	})
	return transport.fakeTransport.Edit(ctx, ref, message)
}

func TestRelayCancelDoesNotWaitForEdit(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", claudeBlocks)
	transport := &stallingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	relay := newTestRelay(t, Config{Transport: transport, Drivers: claudeDrivers(script)})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(transport.release) }) }
	t.Cleanup(release)

	task, err := relay.Submit(context.Background(), claudeRequest("t", "long job"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.RequireClosed(t, transport.entered, waitTimeout, "progress edit never started")

	outcomes := make(chan scheduler.CancelOutcome, 1)
	go func() { outcomes <- relay.Cancel(task.ID) }()
	outcome := testutil.RequireReceive(t, outcomes, 2*time.Second, "Cancel waited for the stalled edit")
	if outcome != scheduler.CancelledRunning {
		t.Fatalf("Cancel = %s, want %s", outcome, scheduler.CancelledRunning)
	}

	release()
	waitForCall(t, &transport.fakeTransport, "edit", "cancelled · claude")

	// Whatever order the cancelling edit took, nothing lands on top of
	// the final text.
	var last call
	for _, recorded := range transport.snapshot() {
		if recorded.kind == "edit" {
			last = recorded
		}
	}
	if !strings.HasPrefix(last.message.Text, "cancelled · claude") {
		t.Errorf("last edit = %q, want the final message", last.message.Text)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(script), "started")); err == nil {
		t.Error("agent spawned for a task cancelled before its run began")
	}
}

func TestRelayUnconfiguredEngine(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	relay := newTestRelay(t, Config{Transport: transport, FinalNotify: true})

	request := claudeRequest("t", "hello")
	request.Submission.Engine = engine.Codex
	if _, err := relay.Submit(context.Background(), request); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForCall(t, transport, "send", "not configured")
	if !strings.HasPrefix(final.message.Text, "error · codex") {
		t.Errorf("final = %q", final.message.Text)
	}
}

func TestRelayProgressSendFailure(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", claudeCompletes)
	transport := &fakeTransport{failSends: 1}
	relay := newTestRelay(t, Config{Transport: transport, Drivers: claudeDrivers(script)})

	if _, err := relay.Submit(context.Background(), claudeRequest("t", "run the tests")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// With no progress message to edit, the final answer is sent fresh.
	final := waitForCall(t, transport, "send", "All tests pass.")
	if final.message.ReplyTo != 100 {
		t.Errorf("final ReplyTo = %d", final.message.ReplyTo)
	}
	if transport.count("edit") != 0 || transport.count("delete") != 0 {
		t.Errorf("calls = %+v, want no edits or deletes", transport.snapshot())
	}
}

func TestRelayWritesTranscript(t *testing.T) {
	t.Parallel()

	script := testutil.WriteScript(t, "claude", claudeCompletes)
	directory := t.TempDir()
	transport := &fakeTransport{}
	relay := newTestRelay(t, Config{
		Transport:   transport,
		Drivers:     claudeDrivers(script),
		FinalNotify: true,
		Transcripts: &transcript.Options{Directory: directory, Compression: transcript.CompressionZstd},
	})

	task, err := relay.Submit(context.Background(), claudeRequest("7/3", "run the tests"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForCall(t, transport, "send", "All tests pass.")

	matches, err := filepath.Glob(filepath.Join(directory, "*"+transcript.Extension))
	if err != nil || len(matches) != 1 {
		t.Fatalf("transcripts = %v (%v), want one", matches, err)
	}
	got, err := transcript.Read(matches[0])
	if err != nil {
		t.Fatalf("transcript.Read: %v", err)
	}
	if got.Header.TaskID != task.ID || got.Header.Prompt != "run the tests" || got.Header.Engine != "claude" {
		t.Errorf("header = %+v", got.Header)
	}
	if len(got.Events) == 0 {
		t.Error("transcript has no events")
	}
	if got.Result == nil || got.Result.Status != "completed" || got.Result.ResumeToken != "claude --resume s-1" {
		t.Errorf("result = %+v", got.Result)
	}
}

func TestRelaySubmitAfterClose(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	relay := newTestRelay(t, Config{Transport: transport})
	if err := relay.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := relay.Submit(context.Background(), claudeRequest("t", "late")); !errors.Is(err, scheduler.ErrClosed) {
		t.Fatalf("Submit after Close = %v, want ErrClosed", err)
	}
	// The announcement is withdrawn.
	if transport.count("delete") != 1 {
		t.Errorf("calls = %+v, want the queued message deleted", transport.snapshot())
	}
}

func TestParseCancelData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		data   string
		taskID string
		ok     bool
	}{
		{"cancel:7d1c0b9e", "7d1c0b9e", true},
		{"cancel:", "", false},
		{"voice:1:0", "", false},
		{"summarize the repo", "", false},
	}
	for _, test := range tests {
		taskID, ok := ParseCancelData(test.data)
		if taskID != test.taskID || ok != test.ok {
			t.Errorf("ParseCancelData(%q) = %q, %v", test.data, taskID, ok)
		}
	}
	if data := cancelButtons("7d1c0b9e-4c59-4c41-9a53-6f0e7b3c2a10")[0].Data; len(data) > 64 {
		t.Errorf("cancel callback data is %d bytes, over Telegram's 64", len(data))
	}
}
