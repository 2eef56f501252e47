// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/resume"
)

const (
	// DefaultElapsedInterval is how often the Runner synthesizes an
	// elapsed event while the agent runs.
	DefaultElapsedInterval = 5 * time.Second

	// stderrTailSize is how much of stderr is kept for failure reports.
	stderrTailSize = 4 * 1024

	// readChunkSize is the stdout read size. Lines may span chunks.
	readChunkSize = 32 * 1024
)

// Status is the terminal state of one run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Runner runs agent invocations. The zero value is usable: it runs on
// the real clock with default intervals and no timeout.
type Runner struct {
	// Clock drives elapsed ticks, the grace period, and the timeout.
	// Nil uses the real clock.
	Clock clock.Clock

	// Logger receives run lifecycle and stream anomaly logs. Nil uses
	// slog.Default().
	Logger *slog.Logger

	// GracePeriod is the wait between Interrupt and SIGKILL. Zero uses
	// DefaultGracePeriod.
	GracePeriod time.Duration

	// ElapsedInterval is the elapsed tick period. Zero uses
	// DefaultElapsedInterval.
	ElapsedInterval time.Duration

	// EventBufferSize bounds buffered progress events. Zero uses
	// DefaultEventBufferSize.
	EventBufferSize int

	// Timeout bounds one run. Zero means no limit.
	Timeout time.Duration
}

// RunRequest describes one invocation.
type RunRequest struct {
	// Driver selects the engine.
	Driver Driver

	// Prompt is the user's prompt.
	Prompt string

	// ResumeToken is the raw inbound token, or empty for a fresh
	// session. It is decoded for Driver.Engine(); a token issued by a
	// different engine fails the run with *resume.DecodeError before
	// anything is spawned.
	ResumeToken string

	// WorkingDirectory is where the agent runs. Empty means the
	// current directory.
	WorkingDirectory string

	// ExtraEnv is passed through to the process.
	ExtraEnv []string
}

// RunResult is the terminal outcome of one run.
type RunResult struct {
	Status Status
	Engine engine.Engine

	// FinalText is the agent's final answer on success and best-effort
	// output (the engine's error text, the last note, or the stderr
	// tail) otherwise.
	FinalText string

	// ResumeToken is the wire-form token for continuing this session.
	// Set whenever the engine revealed a session id, including on
	// failure and cancellation.
	ResumeToken string

	// SessionID is the engine's session or thread id.
	SessionID string

	// ExitCode is the process exit status; -1 when killed by a signal
	// or never started.
	ExitCode int

	// Err explains a failed or cancelled run. Nil on success.
	Err error

	// DroppedEvents counts progress events discarded by the EventBuffer.
	DroppedEvents uint64

	// Duration is the wall time of the run on the Runner's clock.
	Duration time.Duration

	// Usage is the engine's accounting from its final result.
	Usage Usage
}

// streamOutcome is what the stdout reader learned.
type streamOutcome struct {
	sessionID string
	final     *Final
	lastNote  string
	anomalies int
	readError error
}

// Run executes one agent invocation to completion. onEvent receives
// progress events in sequence order from a single goroutine; it may be
// nil. A slow onEvent never blocks the agent: events buffer up to
// EventBufferSize and then the oldest are dropped. Run returns only
// after onEvent has seen every event it will see.
//
// Cancelling ctx terminates the agent: Driver.Interrupt, then SIGKILL
// to the process group after GracePeriod. The result is
// StatusCancelled unless the context cause is a deadline, which maps
// to StatusFailed with ErrRunTimeout.
func (runner *Runner) Run(ctx context.Context, request RunRequest, onEvent func(Event)) RunResult {
	clk := runner.clock()
	driver := request.Driver
	agentEngine := driver.Engine()
	logger := runner.logger().With("engine", agentEngine)
	started := clk.Now()

	finish := func(result RunResult) RunResult {
		result.Engine = agentEngine
		result.Duration = clk.Now().Sub(started)
		return result
	}

	var resumeContext *resume.Context
	if request.ResumeToken != "" {
		decoded, err := resume.DecodeFor(agentEngine, request.ResumeToken)
		if err != nil {
			logger.Warn("rejecting resume token", "error", err)
			return finish(RunResult{Status: StatusFailed, ExitCode: -1, Err: err})
		}
		resumeContext = &decoded
	}

	if ctx.Err() != nil {
		status, err := classifyTermination(context.Cause(ctx))
		return finish(RunResult{Status: status, ExitCode: -1, Err: err})
	}

	stderr := newTailBuffer(stderrTailSize)
	process, stdout, err := driver.Start(ctx, DriverConfig{
		Prompt:           request.Prompt,
		Resume:           resumeContext,
		WorkingDirectory: request.WorkingDirectory,
		ExtraEnv:         request.ExtraEnv,
		Stderr:           stderr,
	})
	if err != nil {
		logger.Error("starting agent", "error", err)
		return finish(RunResult{Status: StatusFailed, ExitCode: -1, Err: err})
	}
	defer stdout.Close()
	logger.Info("agent started", "resumed", resumeContext != nil)

	buffer := NewEventBuffer(runner.EventBufferSize)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			event, ok := buffer.Next()
			if !ok {
				return
			}
			if onEvent != nil {
				onEvent(event)
			}
		}
	}()

	type exitReport struct {
		stream    streamOutcome
		waitError error
	}
	// Wait runs on its own so the process exit is noticed even while a
	// descendant keeps stdout open; Wait then ends the stream.
	waited := make(chan error, 1)
	go func() {
		waited <- process.Wait()
	}()
	exited := make(chan exitReport, 1)
	go func() {
		stream := runner.readStream(stdout, driver.NewParser(), buffer, clk, logger)
		exited <- exitReport{stream: stream, waitError: <-waited}
	}()

	term := &terminator{
		driver:      driver,
		process:     process,
		clock:       clk,
		gracePeriod: runner.gracePeriod(),
		logger:      logger,
	}

	ticker := clk.NewTicker(runner.elapsedInterval())
	defer ticker.Stop()

	var timeout <-chan time.Time
	if runner.Timeout > 0 {
		timeout = clk.After(runner.Timeout)
	}

	done := ctx.Done()
	var terminationCause error
	var report exitReport

supervise:
	for {
		select {
		case report = <-exited:
			break supervise

		case now := <-ticker.C:
			buffer.Push(Event{
				Kind:      EventKindElapsed,
				Phase:     PhaseCompleted,
				Timestamp: now,
				Elapsed:   &ElapsedEvent{Elapsed: now.Sub(started)},
			})

		case <-done:
			done = nil
			if terminationCause == nil {
				terminationCause = context.Cause(ctx)
			}
			term.begin("cancelled")

		case <-timeout:
			timeout = nil
			if terminationCause == nil {
				terminationCause = ErrRunTimeout
			}
			term.begin("timeout")

		case <-term.deadline:
			term.expire()
		}
	}

	buffer.Close()
	<-consumerDone

	if errors.Is(report.waitError, exec.ErrWaitDelay) {
		logger.Warn("agent exited but a descendant kept its output open; stopped reading",
			"drain_delay", pipeDrainDelay)
		report.waitError = nil
	}

	stream := report.stream
	result := RunResult{
		SessionID:     stream.sessionID,
		ExitCode:      exitCode(report.waitError),
		DroppedEvents: buffer.Dropped(),
	}
	if stream.final != nil {
		result.Usage = stream.final.Usage
	}

	switch {
	case stream.sessionID != "":
		token, encodeError := resume.Encode(agentEngine, resume.Context{SessionID: stream.sessionID})
		if encodeError != nil {
			logger.Warn("engine reported an unusable session id", "session_id", stream.sessionID, "error", encodeError)
		} else {
			result.ResumeToken = token.String()
		}
	case resumeContext != nil:
		// The engine did not echo its session id, but a resumed run
		// continues the session it was given.
		result.SessionID = resumeContext.SessionID
		result.ResumeToken = request.ResumeToken
		if token, err := resume.Decode(request.ResumeToken); err == nil {
			result.ResumeToken = token.String()
		}
	}

	switch {
	case terminationCause != nil:
		result.Status, result.Err = classifyTermination(terminationCause)
		if stream.final != nil {
			result.FinalText = stream.final.Text
		}

	case report.waitError == nil && stream.final != nil && !stream.final.IsError:
		result.Status = StatusCompleted
		result.FinalText = stream.final.Text

	default:
		result.Status = StatusFailed
		tail := stderr.String()
		switch {
		case stream.final != nil && stream.final.Text != "":
			result.FinalText = stream.final.Text
		case stream.lastNote != "":
			result.FinalText = stream.lastNote
		default:
			result.FinalText = tail
		}
		switch {
		case report.waitError != nil:
			exitError := &ExitError{ExitCode: result.ExitCode, StderrTail: tail, Err: report.waitError}
			if stream.final != nil && stream.final.IsError {
				exitError.Message = stream.final.Text
			}
			result.Err = exitError
		case stream.final == nil:
			result.Err = ErrMissingResult
		default:
			result.Err = &ExitError{ExitCode: result.ExitCode, Message: stream.final.Text, StderrTail: tail}
		}
	}

	result = finish(result)
	logger.Info("agent run finished",
		"status", result.Status,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
		"session_id", result.SessionID,
		"dropped_events", result.DroppedEvents,
		"stream_anomalies", stream.anomalies,
	)
	if stream.readError != nil {
		logger.Warn("reading agent stdout", "error", stream.readError)
	}
	return result
}

// readStream reads stdout to EOF, feeding complete lines to parser and
// progress events to buffer.
func (runner *Runner) readStream(stdout io.Reader, parser LineParser, buffer *EventBuffer, clk clock.Clock, logger *slog.Logger) streamOutcome {
	var outcome streamOutcome
	var splitter lineSplitter

	handle := func(line []byte) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return
		}
		parsed, err := parser.ParseLine(line)
		if err != nil {
			if line[0] != '{' && line[0] != '[' {
				// Plain text (a CLI warning, a banner) is still useful
				// progress.
				text := string(line)
				outcome.lastNote = text
				event := noteEvent(text)
				event.Timestamp = clk.Now()
				buffer.Push(event)
				return
			}
			outcome.anomalies++
			logger.Debug("skipping unrecognized agent output", "error", err, "line", truncateForLog(line))
			return
		}
		if parsed.SessionID != "" {
			outcome.sessionID = parsed.SessionID
		}
		if parsed.Final != nil {
			outcome.final = parsed.Final
		}
		for _, event := range parsed.Events {
			if event.Note != nil {
				outcome.lastNote = event.Note.Text
			}
			event.Timestamp = clk.Now()
			buffer.Push(event)
		}
	}

	chunk := make([]byte, readChunkSize)
	for {
		count, err := stdout.Read(chunk)
		if count > 0 {
			splitter.write(chunk[:count], handle)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				outcome.readError = err
			}
			break
		}
	}
	splitter.flush(handle)
	outcome.anomalies += splitter.oversized
	return outcome
}

// classifyTermination maps a context cause to a terminal status. Only
// deadlines are failures; every other cause is a cancellation.
func classifyTermination(cause error) (Status, error) {
	switch {
	case errors.Is(cause, ErrRunTimeout), errors.Is(cause, context.DeadlineExceeded):
		return StatusFailed, ErrRunTimeout
	case cause == nil, errors.Is(cause, context.Canceled):
		return StatusCancelled, ErrCancelRequested
	default:
		return StatusCancelled, cause
	}
}

func exitCode(waitError error) int {
	if waitError == nil {
		return 0
	}
	var exitError *exec.ExitError
	if errors.As(waitError, &exitError) {
		return exitError.ExitCode()
	}
	return -1
}

func truncateForLog(line []byte) string {
	const limit = 200
	if len(line) > limit {
		return string(line[:limit]) + "..."
	}
	return string(line)
}

func (runner *Runner) clock() clock.Clock {
	if runner.Clock != nil {
		return runner.Clock
	}
	return clock.Real()
}

func (runner *Runner) logger() *slog.Logger {
	if runner.Logger != nil {
		return runner.Logger
	}
	return slog.Default()
}

func (runner *Runner) gracePeriod() time.Duration {
	if runner.GracePeriod > 0 {
		return runner.GracePeriod
	}
	return DefaultGracePeriod
}

func (runner *Runner) elapsedInterval() time.Duration {
	if runner.ElapsedInterval > 0 {
		return runner.ElapsedInterval
	}
	return DefaultElapsedInterval
}
