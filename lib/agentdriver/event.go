// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import "time"

// EventKind classifies progress events.
type EventKind string

const (
	// EventKindCommand is a shell command the agent ran.
	EventKindCommand EventKind = "command"

	// EventKindToolUse is a non-shell tool invocation (read, search,
	// web fetch, MCP call).
	EventKindToolUse EventKind = "tool_use"

	// EventKindNote is free text from the agent: interim commentary,
	// reasoning summaries, or plain-text output lines.
	EventKindNote EventKind = "note"

	// EventKindFileChange records files the agent created, modified, or
	// deleted.
	EventKindFileChange EventKind = "file_change"

	// EventKindElapsed is synthesized by the Runner from the clock; it
	// never comes from the agent.
	EventKindElapsed EventKind = "elapsed"
)

// Phase distinguishes the start of an action from its completion.
// Notes and elapsed ticks are always PhaseCompleted.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
)

// Event is one structured progress event. Exactly one payload pointer
// is set, matching Kind. Events serialize as JSON for debugging and as
// CBOR for transcripts (the CBOR encoder honors the json tags).
type Event struct {
	// Sequence is assigned by the EventBuffer in arrival order and is
	// strictly increasing within one run. Gaps mean events were dropped.
	Sequence uint64 `json:"seq"`

	// Kind classifies the event.
	Kind EventKind `json:"kind"`

	// Phase is started or completed.
	Phase Phase `json:"phase"`

	// ID correlates the started and completed events of one action. It
	// is the engine's own item or tool-use id when available.
	ID string `json:"id,omitempty"`

	// Timestamp is when the Runner received the line, from its clock.
	Timestamp time.Time `json:"timestamp"`

	Command    *CommandEvent    `json:"command,omitempty"`
	ToolUse    *ToolUseEvent    `json:"tool_use,omitempty"`
	Note       *NoteEvent       `json:"note,omitempty"`
	FileChange *FileChangeEvent `json:"file_change,omitempty"`
	Elapsed    *ElapsedEvent    `json:"elapsed,omitempty"`
}

// CommandEvent is the payload of EventKindCommand.
type CommandEvent struct {
	// Command is the command line as the agent reported it.
	Command string `json:"command"`

	// ExitCode is set on completion when the engine reports it.
	ExitCode *int `json:"exit_code,omitempty"`

	// Failed is true when the command completed with an error.
	Failed bool `json:"failed,omitempty"`
}

// ToolUseEvent is the payload of EventKindToolUse.
type ToolUseEvent struct {
	// Name is the tool name ("Read", "Grep", "github/search_issues").
	Name string `json:"name"`

	// Detail is a short human-readable argument summary, typically a
	// path, pattern, or URL. Empty when nothing useful was found.
	Detail string `json:"detail,omitempty"`

	// Failed is true when the tool reported an error on completion.
	Failed bool `json:"failed,omitempty"`
}

// NoteEvent is the payload of EventKindNote.
type NoteEvent struct {
	Text string `json:"text"`
}

// FileChangeEvent is the payload of EventKindFileChange.
type FileChangeEvent struct {
	Changes []FileChange `json:"changes"`
}

// FileChange is one file touched by the agent.
type FileChange struct {
	Path string `json:"path"`

	// Kind is "add", "update", or "delete".
	Kind string `json:"kind"`
}

// ElapsedEvent is the payload of EventKindElapsed.
type ElapsedEvent struct {
	Elapsed time.Duration `json:"elapsed"`
}

// Usage is the token and cost accounting an engine reports with its
// final result. Fields the engine does not report stay zero.
type Usage struct {
	InputTokens       int64   `json:"input_tokens,omitempty"`
	CachedInputTokens int64   `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64   `json:"output_tokens,omitempty"`
	CostUSD           float64 `json:"cost_usd,omitempty"`
	Turns             int64   `json:"turns,omitempty"`
}

func noteEvent(text string) Event {
	return Event{
		Kind:  EventKindNote,
		Phase: PhaseCompleted,
		Note:  &NoteEvent{Text: text},
	}
}
