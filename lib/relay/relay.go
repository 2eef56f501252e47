// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tether/lib/agentdriver"
	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/progress"
	"github.com/bureau-foundation/tether/lib/router"
	"github.com/bureau-foundation/tether/lib/scheduler"
	"github.com/bureau-foundation/tether/lib/transcript"
)

const (
	// DefaultEditInterval is the minimum time between progress edits
	// of one message.
	DefaultEditInterval = 2 * time.Second

	// deliveryTimeout bounds one transport call.
	deliveryTimeout = 30 * time.Second

	// cancelPrefix starts the callback data of a progress message's
	// cancel button.
	cancelPrefix = "cancel:"
)

// Config configures a Relay.
type Config struct {
	// Transport delivers progress and final messages. Required.
	Transport Transport

	// Runner runs agents. Nil uses a zero Runner.
	Runner *agentdriver.Runner

	// Drivers maps each engine the relay accepts to its driver. A task
	// for an engine with no driver fails without spawning anything.
	Drivers map[engine.Engine]agentdriver.Driver

	// WorkingDirectory is where agents run.
	WorkingDirectory string

	// FinalNotify selects delivery: true sends the final answer as a new
	// message and deletes the progress message; false edits the
	// progress message into the final answer.
	FinalNotify bool

	// EditInterval throttles progress edits. Zero uses
	// DefaultEditInterval.
	EditInterval time.Duration

	// MaxActions bounds the actions shown in a progress message. Zero
	// uses progress.DefaultMaxActions.
	MaxActions int

	// Transcripts, when non-nil, records every run.
	Transcripts *transcript.Options

	// OnFinish, when set, is called with each terminal task after its
	// final message has been delivered.
	OnFinish func(task scheduler.Task)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Request is one routed prompt.
type Request struct {
	Conversation Conversation

	// ReplyTo is the user's message; the progress and final messages
	// answer it.
	ReplyTo int64

	Submission router.Submission
}

// Relay connects the scheduler to a chat transport: it announces every
// task with a progress message, keeps that message current while the
// agent runs, and delivers exactly one final message per task.
type Relay struct {
	transport        Transport
	runner           *agentdriver.Runner
	drivers          map[engine.Engine]agentdriver.Driver
	workingDirectory string
	finalNotify      bool
	editInterval     time.Duration
	maxActions       int
	transcripts      *transcript.Options
	onFinish         func(task scheduler.Task)
	clock            clock.Clock
	logger           *slog.Logger

	scheduler *scheduler.Scheduler

	mutex sync.Mutex
	// runs holds the relay-side state of every unfinished task.
	runs map[string]*run
	// byMessage maps a progress message to its task for /cancel.
	byMessage map[messageKey]string
}

type messageKey struct {
	chatID    int64
	messageID int64
}

// run is the relay-side state of one task.
type run struct {
	taskID       string
	engine       engine.Engine
	conversation Conversation
	replyTo      int64
	progress     MessageRef

	// editMutex serializes transport calls on the progress message and
	// is held across them. mutex is never held while waiting for it.
	editMutex sync.Mutex

	// mutex guards the fields below.
	mutex      sync.Mutex
	snapshot   progress.Snapshot
	lastText   string
	lastEdit   time.Time
	shownText  string
	cancelling bool
	finished   bool
}

// New creates a Relay and its scheduler. It panics if config.Transport
// is nil.
func New(config Config) *Relay {
	if config.Transport == nil {
		panic("relay: Config.Transport is required")
	}
	if config.Runner == nil {
		config.Runner = &agentdriver.Runner{}
	}
	if config.EditInterval <= 0 {
		config.EditInterval = DefaultEditInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	relay := &Relay{
		transport:        config.Transport,
		runner:           config.Runner,
		drivers:          config.Drivers,
		workingDirectory: config.WorkingDirectory,
		finalNotify:      config.FinalNotify,
		editInterval:     config.EditInterval,
		maxActions:       config.MaxActions,
		transcripts:      config.Transcripts,
		onFinish:         config.OnFinish,
		clock:            config.Clock,
		logger:           config.Logger,
		runs:             make(map[string]*run),
		byMessage:        make(map[messageKey]string),
	}
	relay.scheduler = scheduler.New(scheduler.Config{
		Executor: relay.execute,
		OnFinish: relay.finish,
		Clock:    config.Clock,
		Logger:   config.Logger,
	})
	return relay
}

// Submit announces a task with a "queued" progress message and
// enqueues it. A failed announcement is logged; the task still runs and
// its final message is sent fresh. Submit fails only when the relay is
// closed.
func (relay *Relay) Submit(ctx context.Context, request Request) (scheduler.Task, error) {
	submission := request.Submission
	state := &run{
		taskID:       uuid.NewString(),
		engine:       submission.Engine,
		conversation: request.Conversation,
		replyTo:      request.ReplyTo,
	}
	logger := relay.logger.With("task_id", state.taskID, "thread_id", submission.ThreadID)

	text := progress.Render(progress.Snapshot{}, progress.Header{
		Label:         progress.LabelQueued,
		Engine:        submission.Engine,
		QueuePosition: relay.positionForNewTask(submission.ThreadID),
	})
	deliveryContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	ref, err := relay.transport.Send(deliveryContext, request.Conversation, Outgoing{
		Text:    text,
		ReplyTo: request.ReplyTo,
		Silent:  true,
		Buttons: cancelButtons(state.taskID),
	})
	cancel()
	if err != nil {
		logger.Warn("sending progress message", "error", err)
	}
	state.progress = ref
	state.lastText = text
	state.lastEdit = relay.clock.Now()

	relay.track(state)
	task, err := relay.scheduler.Enqueue(scheduler.Task{
		ID:          state.taskID,
		ThreadID:    submission.ThreadID,
		Prompt:      submission.Prompt,
		Engine:      submission.Engine,
		ResumeToken: submission.ResumeToken,
		Reference:   state,
	})
	if err != nil {
		relay.untrack(state)
		if !ref.IsZero() {
			relay.deliver(logger, "deleting progress message", func(ctx context.Context) error {
				return relay.transport.Delete(ctx, ref)
			})
		}
		return scheduler.Task{}, fmt.Errorf("submitting task: %w", err)
	}
	return task, nil
}

// positionForNewTask is the queue position a task submitted now would
// have: 0 when the thread is idle.
func (relay *Relay) positionForNewTask(threadID string) int {
	snapshot, ok := relay.scheduler.Thread(threadID)
	if !ok || (snapshot.Running == nil && len(snapshot.Queued) == 0) {
		return 0
	}
	return len(snapshot.Queued) + 1
}

// Cancel cancels a task by id without waiting on the transport. A
// running task's progress message switches to "cancelling".
func (relay *Relay) Cancel(taskID string) scheduler.CancelOutcome {
	outcome := relay.scheduler.Cancel(taskID)
	relay.logger.Info("cancel requested", "task_id", taskID, "outcome", outcome)
	if outcome != scheduler.CancelledRunning {
		return outcome
	}

	relay.mutex.Lock()
	state := relay.runs[taskID]
	relay.mutex.Unlock()
	if state == nil {
		return outcome
	}
	state.mutex.Lock()
	state.cancelling = true
	snapshot := state.snapshot
	state.mutex.Unlock()
	if !relay.stageProgress(state, snapshot, true) {
		return outcome
	}
	// The edit goes out in the background so a slow transport never
	// stalls the caller. Holding the edit lock from here orders it
	// before the final message; when an edit is already in flight the
	// newest staged text is sent once that one returns.
	if state.editMutex.TryLock() {
		go relay.pushProgress(state)
	} else {
		go func() {
			state.editMutex.Lock()
			relay.pushProgress(state)
		}()
	}
	return outcome
}

// CancelMessage cancels the task whose progress message is ref.
func (relay *Relay) CancelMessage(ref MessageRef) scheduler.CancelOutcome {
	relay.mutex.Lock()
	taskID, ok := relay.byMessage[messageKey{chatID: ref.ChatID, messageID: ref.MessageID}]
	relay.mutex.Unlock()
	if !ok {
		return scheduler.NotFound
	}
	return relay.Cancel(taskID)
}

// Task returns a snapshot of a task.
func (relay *Relay) Task(taskID string) (scheduler.Task, bool) {
	return relay.scheduler.Task(taskID)
}

// Thread returns a snapshot of a thread, including its most recent
// resume token.
func (relay *Relay) Thread(threadID string) (scheduler.ThreadSnapshot, bool) {
	return relay.scheduler.Thread(threadID)
}

// Close stops accepting tasks, cancels everything in flight, and waits
// for every final message to be delivered or for ctx to end.
func (relay *Relay) Close(ctx context.Context) error {
	return relay.scheduler.Close(ctx)
}

func (relay *Relay) track(state *run) {
	relay.mutex.Lock()
	defer relay.mutex.Unlock()
	relay.runs[state.taskID] = state
	if !state.progress.IsZero() {
		relay.byMessage[messageKey{chatID: state.progress.ChatID, messageID: state.progress.MessageID}] = state.taskID
	}
}

func (relay *Relay) untrack(state *run) {
	relay.mutex.Lock()
	defer relay.mutex.Unlock()
	delete(relay.runs, state.taskID)
	delete(relay.byMessage, messageKey{chatID: state.progress.ChatID, messageID: state.progress.MessageID})
}

// deliver runs one transport call with its own deadline, detached from
// any run context, and logs a failure.
func (relay *Relay) deliver(logger *slog.Logger, action string, call func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	err := call(ctx)
	if err != nil {
		logger.Warn(action, "error", err)
	}
	return err
}

// ParseCancelData returns the task id from a cancel button's callback
// data.
func ParseCancelData(data string) (string, bool) {
	if len(data) <= len(cancelPrefix) || data[:len(cancelPrefix)] != cancelPrefix {
		return "", false
	}
	return data[len(cancelPrefix):], true
}

func cancelButtons(taskID string) []Button {
	return []Button{{Text: "cancel", Data: cancelPrefix + taskID}}
}
