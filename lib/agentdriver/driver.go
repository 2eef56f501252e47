// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/resume"
)

// Process represents a running agent process. Driver implementations
// return this from Start.
type Process interface {
	// Wait blocks until the process exits and returns its exit error.
	// Returns nil if the process exited with status 0. The Runner calls
	// Wait concurrently with reading stdout. Once Wait returns, stdout
	// must reach EOF even if a descendant still holds the pipe.
	Wait() error

	// Signal sends an OS signal to the process and every process in
	// its process group.
	Signal(signal os.Signal) error
}

// DriverConfig holds the per-invocation configuration passed to
// Driver.Start.
type DriverConfig struct {
	// Prompt is the user's prompt text.
	Prompt string

	// Resume, when non-nil, continues a prior session instead of
	// starting a fresh one.
	Resume *resume.Context

	// WorkingDirectory is the directory the agent process starts in.
	// Empty means the current directory.
	WorkingDirectory string

	// ExtraEnv is additional environment variables in "KEY=VALUE" form.
	ExtraEnv []string

	// Stderr receives the process's stderr. Nil discards it.
	Stderr io.Writer
}

// Final is the engine's trailing result marker, parsed from the last
// meaningful line of a run.
type Final struct {
	// Text is the final answer, or the error message when IsError.
	Text string

	// IsError is true when the engine itself reported the turn failed.
	IsError bool

	// Usage is the engine's accounting, when reported.
	Usage Usage
}

// Parsed is what a LineParser extracts from one complete line.
type Parsed struct {
	// Events are the progress events the line produced, in order.
	Events []Event

	// SessionID is set when the line reveals the engine's session or
	// thread id. Later values replace earlier ones.
	SessionID string

	// Final is set when the line is the trailing result marker.
	Final *Final
}

// LineParser parses one engine's stdout grammar. A parser is stateful
// (it correlates started and completed actions) and is used by exactly
// one run from one goroutine.
type LineParser interface {
	// ParseLine parses one complete line without its trailing newline.
	// It returns an error only for lines that are not part of the
	// grammar at all; the Runner logs and skips those.
	ParseLine(line []byte) (Parsed, error)
}

// Driver is the abstraction boundary between the Runner and one agent
// CLI.
type Driver interface {
	// Engine returns the engine this driver runs. Resume tokens are
	// decoded for this engine.
	Engine() engine.Engine

	// Start spawns the agent process. Returns a Process handle and the
	// process's stdout reader. Start must not tie the process lifetime
	// to ctx: termination is the Runner's job so it can be graceful.
	Start(ctx context.Context, config DriverConfig) (Process, io.ReadCloser, error)

	// NewParser returns a fresh parser for one run's stdout.
	NewParser() LineParser

	// Interrupt asks the agent to stop gracefully.
	Interrupt(process Process) error
}

// EngineOptions configures how a driver invokes its CLI.
type EngineOptions struct {
	// Binary is the executable path or name. Empty uses the engine
	// name looked up on PATH.
	Binary string

	// ExtraArgs are appended after the driver's own flags and before
	// the prompt and resume arguments.
	ExtraArgs []string

	// Model selects a model when non-empty.
	Model string

	// Profile selects a Codex config profile.
	Profile string

	// AllowedTools restricts Claude's tool set (--allowedTools).
	AllowedTools []string

	// DangerouslySkipPermissions passes Claude's permission bypass flag.
	DangerouslySkipPermissions bool
}

// ForEngine returns the driver for e. The engine set is closed; an
// unknown engine is an error, never a fallback.
func ForEngine(e engine.Engine, options EngineOptions) (Driver, error) {
	switch e {
	case engine.Claude:
		return &ClaudeDriver{Options: options}, nil
	case engine.Codex:
		return &CodexDriver{Options: options}, nil
	default:
		return nil, fmt.Errorf("no driver for engine %q", e)
	}
}

// pipeDrainDelay bounds how long Wait keeps copying output after the
// process exits, when a descendant still holds stdout or stderr open.
// Wait then returns exec.ErrWaitDelay if the exit was otherwise clean.
const pipeDrainDelay = 2 * time.Second

// commandProcess implements Process for an exec.Cmd started in its own
// process group.
type commandProcess struct {
	command *exec.Cmd

	// stdout is the write end the command's copy goroutine feeds.
	// Closing it after Wait gives the reader EOF.
	stdout *io.PipeWriter
}

func (process *commandProcess) Wait() error {
	err := process.command.Wait()
	process.stdout.Close()
	return err
}

// Signal delivers signal to the whole process group. The agent CLIs run
// shells and language servers as children; signalling only the leader
// would orphan them.
func (process *commandProcess) Signal(signal os.Signal) error {
	if process.command.Process == nil {
		return fmt.Errorf("process not started")
	}
	number, ok := signal.(syscall.Signal)
	if !ok {
		return process.command.Process.Signal(signal)
	}
	err := unix.Kill(-process.command.Process.Pid, number)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// startCommand spawns binary with arguments in a new process group.
// stdin may be nil.
//
// Stdout goes through an io.Pipe so WaitDelay bounds its copy: Wait
// returns, and the reader sees EOF, even when a background child keeps
// the descriptor open after the agent exits.
func startCommand(e engine.Engine, binary string, arguments []string, config DriverConfig, stdin io.Reader) (*commandProcess, io.ReadCloser, error) {
	command := exec.Command(binary, arguments...)
	command.Dir = config.WorkingDirectory
	command.Env = append(os.Environ(), config.ExtraEnv...)
	command.Stdin = stdin
	command.Stderr = config.Stderr
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	command.WaitDelay = pipeDrainDelay

	reader, writer := io.Pipe()
	command.Stdout = writer
	if err := command.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, nil, &SpawnError{Engine: e, Binary: binary, Err: err}
	}
	return &commandProcess{command: command, stdout: writer}, reader, nil
}

func binaryOrDefault(options EngineOptions, e engine.Engine) string {
	if options.Binary != "" {
		return options.Binary
	}
	return e.DefaultBinary()
}
