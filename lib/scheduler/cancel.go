// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import "github.com/bureau-foundation/tether/lib/agentdriver"

// Cancel requests cancellation of one task. It never blocks on the
// task's executor and never fails:
//
//   - queued: the task becomes cancelled at once and will never run.
//   - running: the task's context is cancelled with cause
//     agentdriver.ErrCancelRequested. The executor (via the Runner)
//     interrupts the agent, then kills it after the grace period; the
//     task finishes as cancelled when the executor returns.
//   - terminal: nothing happens.
//
// Repeating Cancel on a running task is harmless.
func (s *Scheduler) Cancel(taskID string) CancelOutcome {
	s.mutex.Lock()
	entry, ok := s.tasks[taskID]
	s.mutex.Unlock()
	if !ok {
		return NotFound
	}

	th := entry.thread
	state := entry.state

	th.mutex.Lock()
	defer th.mutex.Unlock()

	switch state.task.Status {
	case StatusQueued:
		state.task.Status = StatusCancelled
		state.cancelRequested = true
		state.task.Outcome = Outcome{Status: StatusCancelled, Err: agentdriver.ErrCancelRequested}
		s.logger.Info("queued task cancelled", "task_id", taskID, "thread_id", th.id)
		return CancelledQueued

	case StatusRunning:
		if !state.cancelRequested {
			state.cancelRequested = true
			state.cancel(agentdriver.ErrCancelRequested)
			s.logger.Info("running task cancel requested", "task_id", taskID, "thread_id", th.id)
		}
		return CancelledRunning

	default:
		return AlreadyTerminal
	}
}
