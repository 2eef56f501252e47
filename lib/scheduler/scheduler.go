// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs tasks one at a time per thread and
// concurrently across threads.
//
// Each thread owns a FIFO queue. The first Enqueue on an idle thread
// starts a worker goroutine for it; the worker runs tasks in order and
// exits when the queue drains, so an idle thread costs nothing but its
// map entry. A per-thread mutex guards each thread's queue and running
// slot; the scheduler's own mutex guards only the thread and task
// indexes, so busy threads never contend with each other.
//
// Completion order within a thread equals enqueue order, including for
// tasks cancelled while queued: such a task flips to cancelled
// immediately (it can never run) but its OnFinish fires when the
// worker reaches it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tether/lib/clock"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("scheduler closed")

	// ErrShutdown is the context cause for runs cancelled by Close.
	ErrShutdown = errors.New("scheduler shutting down")
)

// DefaultRetainFinished is how many terminal tasks stay queryable.
const DefaultRetainFinished = 1024

// Config configures a Scheduler.
type Config struct {
	// Executor runs each task. Required.
	Executor Executor

	// OnFinish is called exactly once per task, after it reaches a
	// terminal state, from that thread's worker goroutine. Calls for
	// one thread are sequential and in enqueue order. Optional.
	OnFinish func(task Task)

	// Clock stamps CreatedAt, StartedAt, and FinishedAt. Nil uses the
	// real clock.
	Clock clock.Clock

	// Logger receives task lifecycle logs. Nil uses slog.Default().
	Logger *slog.Logger

	// RetainFinished bounds how many terminal tasks remain visible to
	// Task and Cancel. Zero uses DefaultRetainFinished.
	RetainFinished int
}

// Scheduler is the per-thread task scheduler. Create with New.
type Scheduler struct {
	executor       Executor
	onFinish       func(Task)
	clock          clock.Clock
	logger         *slog.Logger
	retainFinished int

	// runContext is the parent of every run context; Close cancels it.
	runContext context.Context
	stopRuns   context.CancelCauseFunc

	workers sync.WaitGroup

	// mutex guards the fields below. Lock order: mutex before any
	// thread.mutex, never the reverse.
	mutex    sync.Mutex
	closed   bool
	threads  map[string]*thread
	tasks    map[string]*taskEntry
	finished []string
}

// thread is one serialization domain.
type thread struct {
	id string

	mutex           sync.Mutex
	queue           []*taskState
	running         *taskState
	lastResumeToken string

	// active is true while a worker goroutine owns this thread.
	active bool
}

// taskState is the mutable record of one task, guarded by its
// thread's mutex.
type taskState struct {
	task            Task
	cancel          context.CancelCauseFunc
	cancelRequested bool
}

type taskEntry struct {
	thread *thread
	state  *taskState
}

// New returns a Scheduler. It panics if config.Executor is nil.
func New(config Config) *Scheduler {
	if config.Executor == nil {
		panic("scheduler: Config.Executor is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RetainFinished <= 0 {
		config.RetainFinished = DefaultRetainFinished
	}
	runContext, stopRuns := context.WithCancelCause(context.Background())
	return &Scheduler{
		executor:       config.Executor,
		onFinish:       config.OnFinish,
		clock:          config.Clock,
		logger:         config.Logger,
		retainFinished: config.RetainFinished,
		runContext:     runContext,
		stopRuns:       stopRuns,
		threads:        make(map[string]*thread),
		tasks:          make(map[string]*taskEntry),
	}
}

// Enqueue admits task to the tail of its thread's queue and returns the
// accepted copy (with ID, CreatedAt, and Status filled in). It never
// blocks on running work and fails only after Close.
func (s *Scheduler) Enqueue(task Task) (Task, error) {
	if task.ThreadID == "" {
		return Task{}, fmt.Errorf("enqueue: task has no thread id")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.clock.Now()
	}
	task.Status = StatusQueued
	task.Outcome = Outcome{}
	state := &taskState{task: task}

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return Task{}, ErrClosed
	}
	if _, exists := s.tasks[task.ID]; exists {
		s.mutex.Unlock()
		return Task{}, fmt.Errorf("enqueue: duplicate task id %q", task.ID)
	}
	th, ok := s.threads[task.ThreadID]
	if !ok {
		th = &thread{id: task.ThreadID}
		s.threads[task.ThreadID] = th
	}
	s.tasks[task.ID] = &taskEntry{thread: th, state: state}

	th.mutex.Lock()
	th.queue = append(th.queue, state)
	position := len(th.queue)
	startWorker := !th.active
	th.active = true
	th.mutex.Unlock()

	// Add happens under s.mutex so it cannot race Close's Wait.
	if startWorker {
		s.workers.Add(1)
	}
	s.mutex.Unlock()

	if startWorker {
		go s.work(th)
	}

	s.logger.Debug("task enqueued",
		"task_id", task.ID,
		"thread_id", task.ThreadID,
		"engine", task.Engine,
		"queue_position", position,
	)
	return task, nil
}

// work drains one thread's queue. Exactly one work goroutine runs per
// active thread.
func (s *Scheduler) work(th *thread) {
	defer s.workers.Done()
	for {
		th.mutex.Lock()
		if len(th.queue) == 0 {
			th.active = false
			th.mutex.Unlock()
			return
		}
		state := th.queue[0]
		th.queue[0] = nil
		th.queue = th.queue[1:]

		if state.task.Status == StatusCancelled {
			state.task.FinishedAt = s.clock.Now()
			snapshot := state.task
			th.mutex.Unlock()
			s.finish(snapshot)
			continue
		}

		runContext, cancel := context.WithCancelCause(s.runContext)
		state.cancel = cancel
		state.task.Status = StatusRunning
		state.task.StartedAt = s.clock.Now()
		th.running = state
		snapshot := state.task
		th.mutex.Unlock()

		s.logger.Info("task started", "task_id", snapshot.ID, "thread_id", th.id, "engine", snapshot.Engine)
		outcome := s.execute(runContext, &snapshot)
		shutdown := s.runContext.Err() != nil
		cancel(nil)

		th.mutex.Lock()
		switch {
		case state.cancelRequested, shutdown && outcome.Status != StatusFailed:
			// A cancelled task never reports completed, even if the
			// executor finished its work before noticing.
			if outcome.Status != StatusCancelled {
				outcome.Status = StatusCancelled
				if outcome.Err == nil {
					outcome.Err = context.Cause(runContext)
				}
			}
		case !outcome.Status.Terminal():
			outcome = Outcome{
				Status:      StatusFailed,
				Err:         fmt.Errorf("executor returned non-terminal status %q", outcome.Status),
				ResumeToken: outcome.ResumeToken,
				Result:      outcome.Result,
			}
		}
		state.task.Status = outcome.Status
		state.task.Outcome = outcome
		state.task.FinishedAt = s.clock.Now()
		state.cancel = nil
		th.running = nil
		if outcome.ResumeToken != "" {
			th.lastResumeToken = outcome.ResumeToken
		}
		snapshot = state.task
		th.mutex.Unlock()

		s.logger.Info("task finished",
			"task_id", snapshot.ID,
			"thread_id", th.id,
			"status", snapshot.Status,
			"duration", snapshot.FinishedAt.Sub(snapshot.StartedAt),
			"error", outcome.Err,
		)
		s.finish(snapshot)
	}
}

// execute calls the executor, converting a panic into a failed
// outcome so the thread's queue keeps moving.
func (s *Scheduler) execute(ctx context.Context, task *Task) (outcome Outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("executor panicked",
				"task_id", task.ID,
				"thread_id", task.ThreadID,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			outcome = Outcome{Status: StatusFailed, Err: fmt.Errorf("executor panic: %v", recovered)}
		}
	}()
	return s.executor(ctx, task)
}

// finish delivers OnFinish and retires the task from the index once
// enough newer tasks have finished.
func (s *Scheduler) finish(task Task) {
	if s.onFinish != nil {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					s.logger.Error("OnFinish panicked", "task_id", task.ID, "panic", recovered)
				}
			}()
			s.onFinish(task)
		}()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.finished = append(s.finished, task.ID)
	for len(s.finished) > s.retainFinished {
		delete(s.tasks, s.finished[0])
		s.finished = s.finished[1:]
	}
}

// Task returns a snapshot of the task with the given id.
func (s *Scheduler) Task(id string) (Task, bool) {
	s.mutex.Lock()
	entry, ok := s.tasks[id]
	s.mutex.Unlock()
	if !ok {
		return Task{}, false
	}
	entry.thread.mutex.Lock()
	defer entry.thread.mutex.Unlock()
	return entry.state.task, true
}

// Thread returns a snapshot of the thread with the given id.
func (s *Scheduler) Thread(id string) (ThreadSnapshot, bool) {
	s.mutex.Lock()
	th, ok := s.threads[id]
	s.mutex.Unlock()
	if !ok {
		return ThreadSnapshot{}, false
	}

	th.mutex.Lock()
	defer th.mutex.Unlock()
	snapshot := ThreadSnapshot{ID: th.id, LastResumeToken: th.lastResumeToken}
	if th.running != nil {
		running := th.running.task
		snapshot.Running = &running
	}
	for _, state := range th.queue {
		if state.task.Status == StatusQueued {
			snapshot.Queued = append(snapshot.Queued, state.task)
		}
	}
	return snapshot, true
}

// QueuePosition returns the 1-based position of a queued task among the
// tasks still waiting on its thread, or 0 if it is not queued.
func (s *Scheduler) QueuePosition(id string) int {
	s.mutex.Lock()
	entry, ok := s.tasks[id]
	s.mutex.Unlock()
	if !ok {
		return 0
	}
	entry.thread.mutex.Lock()
	defer entry.thread.mutex.Unlock()
	position := 0
	for _, state := range entry.thread.queue {
		if state.task.Status != StatusQueued {
			continue
		}
		position++
		if state == entry.state {
			return position
		}
	}
	return 0
}

// Close stops admission, cancels queued and running tasks, and waits
// for every worker to finish or for ctx to end. OnFinish still fires
// for every task. Close is idempotent.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mutex.Lock()
	s.closed = true
	threads := make([]*thread, 0, len(s.threads))
	for _, th := range s.threads {
		threads = append(threads, th)
	}
	s.mutex.Unlock()

	for _, th := range threads {
		th.mutex.Lock()
		for _, state := range th.queue {
			if state.task.Status == StatusQueued {
				state.task.Status = StatusCancelled
				state.cancelRequested = true
				state.task.Outcome = Outcome{Status: StatusCancelled, Err: ErrShutdown}
			}
		}
		th.mutex.Unlock()
	}
	s.stopRuns(ErrShutdown)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tasks: %w", ctx.Err())
	}
}
