// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"time"

	"github.com/bureau-foundation/tether/lib/engine"
)

// Status is a task's lifecycle state.
//
//	queued → running → completed | failed | cancelled
//	queued → cancelled (never run)
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is one submitted unit of work. Tasks handed out by the scheduler
// (to executors, hooks, and queries) are copies; mutating them has no
// effect on scheduling.
type Task struct {
	// ID is assigned at Enqueue when empty.
	ID string

	// ThreadID is the serialization key: tasks with the same ThreadID
	// run one at a time, in enqueue order.
	ThreadID string

	Prompt string
	Engine engine.Engine

	// ResumeToken is the raw inbound token, or empty. The scheduler
	// never decodes it.
	ResumeToken string

	// CreatedAt is set at Enqueue when zero.
	CreatedAt time.Time

	// Reference is opaque caller data carried with the task (the relay
	// keeps the chat message refs here).
	Reference any

	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time

	// Outcome is set once the task is terminal.
	Outcome Outcome
}

// Outcome is what an executor reports for one task.
type Outcome struct {
	// Status must be terminal. Anything else is recorded as failed.
	Status Status

	// Err explains a failure or cancellation.
	Err error

	// ResumeToken, when non-empty, becomes the thread's most recent
	// token.
	ResumeToken string

	// Result is opaque executor data passed through to OnFinish.
	Result any
}

// Executor runs one task. ctx is cancelled when the task is cancelled
// (cause agentdriver.ErrCancelRequested) or the scheduler closes. The
// executor must return promptly after ctx is done.
type Executor func(ctx context.Context, task *Task) Outcome

// CancelOutcome reports what Cancel did.
type CancelOutcome string

const (
	// CancelledRunning means the running task's context was cancelled;
	// the task finishes as cancelled once its executor returns.
	CancelledRunning CancelOutcome = "cancelled-running"

	// CancelledQueued means the task will never run.
	CancelledQueued CancelOutcome = "cancelled-queued"

	// AlreadyTerminal means the task had already finished.
	AlreadyTerminal CancelOutcome = "already-terminal"

	// NotFound means no task with that id is known.
	NotFound CancelOutcome = "not-found"
)

// ThreadSnapshot is a point-in-time view of one thread.
type ThreadSnapshot struct {
	ID string

	// Running is the running task, or nil.
	Running *Task

	// Queued are the waiting tasks in run order. Tasks cancelled while
	// queued are omitted.
	Queued []Task

	// LastResumeToken is the most recent token any task on this thread
	// produced.
	LastResumeToken string
}
