// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/tether/lib/engine"
)

var (
	// ErrCancelRequested is the context cause for a user-requested
	// cancellation. A run whose context carries this cause (or any
	// cause other than a deadline) finishes with StatusCancelled.
	ErrCancelRequested = errors.New("cancel requested")

	// ErrRunTimeout is reported when a run exceeds Runner.Timeout.
	ErrRunTimeout = errors.New("run timed out")

	// ErrMissingResult is reported when the agent exited cleanly but
	// never printed its trailing result marker.
	ErrMissingResult = errors.New("agent exited without a final result")
)

// SpawnError reports that the agent process could not be started:
// binary missing, not executable, or the working directory is gone.
type SpawnError struct {
	Engine engine.Engine
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting %s (%s): %v", e.Engine, e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit (or an engine-reported failure)
// together with the tail of stderr.
type ExitError struct {
	// ExitCode is the process exit status; -1 when the process was
	// killed by a signal.
	ExitCode int

	// Message is the engine's own error text when it reported one.
	Message string

	// StderrTail is the last few KiB of stderr.
	StderrTail string

	Err error
}

func (e *ExitError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "agent exited with status %d", e.ExitCode)
	if e.Message != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Message)
	} else if tail := lastLine(e.StderrTail); tail != "" {
		builder.WriteString(": ")
		builder.WriteString(tail)
	}
	return builder.String()
}

func (e *ExitError) Unwrap() error { return e.Err }

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if index := strings.LastIndexByte(text, '\n'); index >= 0 {
		return strings.TrimSpace(text[index+1:])
	}
	return text
}
