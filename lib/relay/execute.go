// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/tether/lib/agentdriver"
	"github.com/bureau-foundation/tether/lib/progress"
	"github.com/bureau-foundation/tether/lib/resume"
	"github.com/bureau-foundation/tether/lib/scheduler"
	"github.com/bureau-foundation/tether/lib/transcript"
)

// execute is the scheduler's Executor: one agent run with live
// progress.
func (relay *Relay) execute(ctx context.Context, task *scheduler.Task) scheduler.Outcome {
	state := runOf(task)
	logger := relay.logger.With("task_id", task.ID, "thread_id", task.ThreadID, "engine", task.Engine)

	driver, ok := relay.drivers[task.Engine]
	if !ok {
		return scheduler.Outcome{
			Status: scheduler.StatusFailed,
			Err:    fmt.Errorf("engine %q is not configured", task.Engine),
		}
	}

	recorder := relay.startTranscript(task, logger)
	aggregator := progress.NewAggregator(progress.Options{MaxActions: relay.maxActions})
	relay.updateProgress(state, progress.Snapshot{}, true)

	result := relay.runner.Run(ctx, agentdriver.RunRequest{
		Driver:           driver,
		Prompt:           task.Prompt,
		ResumeToken:      task.ResumeToken,
		WorkingDirectory: relay.workingDirectory,
	}, func(event agentdriver.Event) {
		if recorder != nil {
			if err := recorder.Event(event); err != nil {
				logger.Warn("recording transcript event", "error", err)
			}
		}
		aggregator.Apply(event)
		relay.updateProgress(state, aggregator.Snapshot(), false)
	})

	state.mutex.Lock()
	state.snapshot = aggregator.Snapshot()
	state.mutex.Unlock()

	if recorder != nil {
		summary, err := recorder.Finish(transcript.ResultFrom(result))
		if err != nil {
			logger.Warn("finishing transcript", "error", err)
		} else {
			logger.Info("transcript written",
				"path", summary.Path,
				"digest", summary.Digest.String(),
				"events", summary.Events,
				"size", summary.Size,
			)
		}
	}

	return scheduler.Outcome{
		Status:      schedulerStatus(result.Status),
		Err:         result.Err,
		ResumeToken: result.ResumeToken,
		Result:      result,
	}
}

func (relay *Relay) startTranscript(task *scheduler.Task, logger *slog.Logger) *transcript.Writer {
	if relay.transcripts == nil {
		return nil
	}
	writer, err := transcript.Create(*relay.transcripts, transcript.Header{
		TaskID:      task.ID,
		ThreadID:    task.ThreadID,
		Engine:      task.Engine.String(),
		Prompt:      task.Prompt,
		ResumeToken: task.ResumeToken,
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
	})
	if err != nil {
		logger.Warn("starting transcript", "error", err)
		return nil
	}
	return writer
}

// updateProgress edits the progress message to show snapshot. Unless
// force is set, edits closer together than the edit interval are
// skipped; an edit that would not change the text is always skipped.
func (relay *Relay) updateProgress(state *run, snapshot progress.Snapshot, force bool) {
	if !relay.stageProgress(state, snapshot, force) {
		return
	}
	state.editMutex.Lock()
	relay.pushProgress(state)
}

// stageProgress records snapshot and renders it, reporting whether an
// edit is due. It never touches the transport.
func (relay *Relay) stageProgress(state *run, snapshot progress.Snapshot, force bool) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	state.snapshot = snapshot
	if state.finished || state.progress.IsZero() {
		return false
	}
	label := progress.LabelWorking
	if state.cancelling {
		label = progress.LabelCancelling
	}
	text := progress.Render(snapshot, progress.Header{Label: label, Engine: state.engine})
	now := relay.clock.Now()
	if text == state.lastText {
		return false
	}
	if !force && now.Sub(state.lastEdit) < relay.editInterval {
		return false
	}
	state.lastText = text
	state.lastEdit = now
	return true
}

// pushProgress sends the latest staged text unless the task finished
// or that text is already shown. The caller holds state.editMutex;
// pushProgress releases it.
func (relay *Relay) pushProgress(state *run) {
	defer state.editMutex.Unlock()

	state.mutex.Lock()
	text := state.lastText
	due := !state.finished && text != state.shownText
	if due {
		state.shownText = text
	}
	state.mutex.Unlock()
	if !due {
		return
	}

	logger := relay.logger.With("task_id", state.taskID)
	relay.deliver(logger, "editing progress message", func(ctx context.Context) error {
		return relay.transport.Edit(ctx, state.progress, Outgoing{Text: text, Buttons: cancelButtons(state.taskID)})
	})
}

// finish is the scheduler's OnFinish: it delivers the task's one final
// message, whatever its status.
func (relay *Relay) finish(task scheduler.Task) {
	state := runOf(&task)
	if relay.onFinish != nil {
		defer relay.onFinish(task)
	}
	defer relay.untrack(state)
	logger := relay.logger.With("task_id", task.ID, "thread_id", task.ThreadID, "status", task.Status)

	state.mutex.Lock()
	state.finished = true
	snapshot := state.snapshot
	state.mutex.Unlock()

	// Wait out an in-flight progress edit; any edit still queued sees
	// finished and drops itself.
	state.editMutex.Lock()
	defer state.editMutex.Unlock()

	view := progress.FinalView{
		Status:      runStatus(task.Status),
		Engine:      task.Engine,
		Files:       snapshot.Files,
		ElidedFiles: snapshot.ElidedFiles,
		ResumeToken: task.Outcome.ResumeToken,
	}
	if result, ok := task.Outcome.Result.(agentdriver.RunResult); ok {
		view.Answer = result.FinalText
		view.Elapsed = result.Duration
		view.Usage = result.Usage
	} else if !task.StartedAt.IsZero() {
		view.Elapsed = task.FinishedAt.Sub(task.StartedAt)
	}
	if task.StartedAt.IsZero() && view.ResumeToken == "" {
		// Never started: hand back the token it arrived with so the
		// conversation can carry on from a reply to this message.
		view.ResumeToken = task.ResumeToken
	}
	if task.Outcome.Err != nil {
		view.Error = describeFailure(task)
	}
	text := progress.RenderFinal(view)

	if relay.finalNotify || state.progress.IsZero() {
		err := relay.deliver(logger, "sending final message", func(ctx context.Context) error {
			_, err := relay.transport.Send(ctx, state.conversation, Outgoing{Text: text, ReplyTo: state.replyTo})
			return err
		})
		if err == nil && !state.progress.IsZero() {
			relay.deliver(logger, "deleting progress message", func(ctx context.Context) error {
				return relay.transport.Delete(ctx, state.progress)
			})
		}
		return
	}

	err := relay.deliver(logger, "editing progress message into final", func(ctx context.Context) error {
		return relay.transport.Edit(ctx, state.progress, Outgoing{Text: text})
	})
	if err != nil {
		relay.deliver(logger, "sending final message", func(ctx context.Context) error {
			_, err := relay.transport.Send(ctx, state.conversation, Outgoing{Text: text, ReplyTo: state.replyTo})
			return err
		})
	}
}

// describeFailure is the user-facing explanation of a failed or
// cancelled task.
func describeFailure(task scheduler.Task) string {
	err := task.Outcome.Err
	var decodeError *resume.DecodeError
	var spawnError *agentdriver.SpawnError
	switch {
	case errors.Is(err, scheduler.ErrShutdown):
		return "cancelled: tether is shutting down"
	case errors.Is(err, agentdriver.ErrCancelRequested) && task.StartedAt.IsZero():
		return "cancelled before it started"
	case errors.Is(err, agentdriver.ErrCancelRequested):
		return "cancelled"
	case errors.Is(err, agentdriver.ErrRunTimeout):
		return "timed out: " + err.Error()
	case errors.As(err, &decodeError):
		return "resume token rejected: " + decodeError.Error()
	case errors.As(err, &spawnError):
		return "could not start the agent: " + spawnError.Error()
	default:
		return err.Error()
	}
}

func runOf(task *scheduler.Task) *run {
	if state, ok := task.Reference.(*run); ok {
		return state
	}
	// Tasks always come through Submit; this keeps a foreign task from
	// panicking the worker.
	return &run{taskID: task.ID, engine: task.Engine}
}

func schedulerStatus(status agentdriver.Status) scheduler.Status {
	switch status {
	case agentdriver.StatusCompleted:
		return scheduler.StatusCompleted
	case agentdriver.StatusCancelled:
		return scheduler.StatusCancelled
	default:
		return scheduler.StatusFailed
	}
}

func runStatus(status scheduler.Status) agentdriver.Status {
	switch status {
	case scheduler.StatusCompleted:
		return agentdriver.StatusCompleted
	case scheduler.StatusCancelled:
		return agentdriver.StatusCancelled
	default:
		return agentdriver.StatusFailed
	}
}
