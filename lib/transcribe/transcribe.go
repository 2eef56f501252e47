// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcribe turns voice notes into text with the local
// whisper CLI (openai-whisper). The audio is written to a private
// temporary directory, whisper writes a .txt next to it, and the text
// is returned trimmed.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultTimeout bounds one transcription.
	DefaultTimeout = 2 * time.Minute

	// DefaultModel is whisper's "base" model.
	DefaultModel = "base"

	availabilityTimeout = 5 * time.Second
	inputName           = "voice.ogg"
	stderrTailSize      = 2048
)

// ErrNoOutput is returned when whisper exits cleanly without writing
// a transcript.
var ErrNoOutput = errors.New("transcribe: whisper produced no output")

// ErrTimeout is returned when whisper runs past the timeout.
var ErrTimeout = errors.New("transcribe: whisper timed out")

// Error is a failed whisper invocation.
type Error struct {
	// Stderr is the tail of whisper's stderr.
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	message := "transcribe: whisper failed: " + e.Err.Error()
	if e.Stderr != "" {
		message += ": " + lastLine(e.Stderr)
	}
	return message
}

func (e *Error) Unwrap() error { return e.Err }

// Config configures a Transcriber.
type Config struct {
	// Binary is the whisper executable. Empty means "whisper" on PATH.
	Binary string

	// Model is the whisper model name. Empty uses DefaultModel.
	Model string

	// Language is an optional language code ("en", "fr"). Empty lets
	// whisper detect it.
	Language string

	// Timeout bounds one run. Zero uses DefaultTimeout.
	Timeout time.Duration

	// Logger is used for structured logging. Nil uses slog.Default().
	Logger *slog.Logger
}

// Transcriber runs whisper. Safe for concurrent use; each call gets
// its own temporary directory.
type Transcriber struct {
	binary   string
	model    string
	language string
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Transcriber.
func New(config Config) *Transcriber {
	transcriber := &Transcriber{
		binary:   config.Binary,
		model:    config.Model,
		language: config.Language,
		timeout:  config.Timeout,
		logger:   config.Logger,
	}
	if transcriber.binary == "" {
		transcriber.binary = "whisper"
	}
	if transcriber.model == "" {
		transcriber.model = DefaultModel
	}
	if transcriber.timeout <= 0 {
		transcriber.timeout = DefaultTimeout
	}
	if transcriber.logger == nil {
		transcriber.logger = slog.Default()
	}
	return transcriber
}

// Arguments returns the whisper command line for input, writing into
// outputDir.
func (t *Transcriber) Arguments(input, outputDir string) []string {
	arguments := []string{
		input,
		"--model", t.model,
		"--output_dir", outputDir,
		"--output_format", "txt",
	}
	if t.language != "" {
		arguments = append(arguments, "--language", t.language)
	}
	return arguments
}

// Transcribe converts audio (Telegram's OGG/Opus voice format) to text.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	directory, err := os.MkdirTemp("", "tether-voice-")
	if err != nil {
		return "", fmt.Errorf("transcribe: creating work directory: %w", err)
	}
	defer os.RemoveAll(directory)

	input := filepath.Join(directory, inputName)
	if err := os.WriteFile(input, audio, 0o600); err != nil {
		return "", fmt.Errorf("transcribe: writing audio: %w", err)
	}

	runContext, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var stderr bytes.Buffer
	command := t.command(runContext, t.Arguments(input, directory)...)
	command.Dir = directory
	command.Stderr = &stderr

	started := time.Now()
	t.logger.Debug("running whisper", "binary", t.binary, "model", t.model, "audio_bytes", len(audio))
	if err := command.Run(); err != nil {
		if errors.Is(runContext.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &Error{Stderr: tail(stderr.String(), stderrTailSize), Err: err}
	}

	output, err := findOutput(directory)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(output)
	if err != nil {
		return "", fmt.Errorf("transcribe: reading output: %w", err)
	}
	text := strings.TrimSpace(string(data))
	t.logger.Info("voice note transcribed",
		"duration", time.Since(started).Round(time.Millisecond),
		"characters", len(text),
	)
	return text, nil
}

// Available reports whether the whisper binary runs.
func (t *Transcriber) Available(ctx context.Context) bool {
	checkContext, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()
	return t.command(checkContext, "--help").Run() == nil
}

// command builds a whisper invocation in its own process group, killed
// as a group when ctx ends. whisper forks ffmpeg; killing only the
// leader would leave ffmpeg holding the pipes.
func (t *Transcriber) command(ctx context.Context, arguments ...string) *exec.Cmd {
	command := exec.CommandContext(ctx, t.binary, arguments...)
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	command.Cancel = func() error {
		err := unix.Kill(-command.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	command.WaitDelay = time.Second
	return command
}

// findOutput returns whisper's transcript. whisper names it after the
// input ("voice.txt"); older releases varied, so any .txt is accepted.
func findOutput(directory string) (string, error) {
	expected := filepath.Join(directory, strings.TrimSuffix(inputName, filepath.Ext(inputName))+".txt")
	if _, err := os.Stat(expected); err == nil {
		return expected, nil
	}
	matches, err := filepath.Glob(filepath.Join(directory, "*.txt"))
	if err != nil || len(matches) == 0 {
		return "", ErrNoOutput
	}
	return matches[0], nil
}

func tail(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[len(text)-limit:]
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
