// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package progress folds a run's event stream into a compact snapshot
// and renders it as chat markdown.
//
// Aggregator is the only stateful piece. Render and RenderFinal are
// pure functions of their inputs: the same Snapshot and Header always
// produce byte-identical text, so a transport can retry an edit or
// skip one whose text did not change.
package progress

import (
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/tether/lib/agentdriver"
)

const (
	// DefaultMaxActions is how many recent actions a snapshot keeps.
	DefaultMaxActions = 5

	// DefaultMaxNotes is how many recent notes a snapshot keeps.
	DefaultMaxNotes = 3

	// DefaultMaxFiles is how many distinct changed files a snapshot
	// lists before summarizing the rest as a count.
	DefaultMaxFiles = 10

	maxTitleLength = 80
	maxNoteLength  = 240
)

// Options bounds what a snapshot retains. Zero fields use the defaults.
type Options struct {
	MaxActions int
	MaxNotes   int
	MaxFiles   int
}

// Action is one command, tool use, or file edit in the progress view.
type Action struct {
	ID     string
	Kind   agentdriver.EventKind
	Title  string
	Done   bool
	Failed bool
}

// Snapshot is the renderable state of a run at one point in its event
// stream. Snapshots are values: Aggregator.Snapshot returns a copy that
// later Apply calls do not modify.
type Snapshot struct {
	// Actions are the most recent actions in start order.
	Actions []Action

	// ElidedActions counts older actions no longer in Actions.
	ElidedActions int

	// Notes are the most recent notes, oldest first.
	Notes []string

	// Files lists changed files in first-seen order, each with its most
	// recent change kind.
	Files []agentdriver.FileChange

	// ElidedFiles counts distinct files beyond the Files cap.
	ElidedFiles int

	// CurrentAction is the title of the most recently started action
	// that has not completed, or empty.
	CurrentAction string

	// Elapsed is the latest elapsed tick.
	Elapsed time.Duration

	// Step counts actions started so far.
	Step int

	// Dropped counts events lost to buffer overflow, inferred from
	// sequence gaps.
	Dropped uint64

	// LastSequence is the sequence number of the last applied event.
	LastSequence uint64
}

// Aggregator folds events into a Snapshot. It is used from a single
// goroutine (the Runner's event consumer).
type Aggregator struct {
	options  Options
	snapshot Snapshot

	// fileIndex maps a path to its position in snapshot.Files.
	fileIndex map[string]int

	// started holds the id of every action started so far, including
	// those already elided from snapshot.Actions.
	started map[string]struct{}
}

// NewAggregator returns an empty aggregator.
func NewAggregator(options Options) *Aggregator {
	if options.MaxActions <= 0 {
		options.MaxActions = DefaultMaxActions
	}
	if options.MaxNotes <= 0 {
		options.MaxNotes = DefaultMaxNotes
	}
	if options.MaxFiles <= 0 {
		options.MaxFiles = DefaultMaxFiles
	}
	return &Aggregator{
		options:   options,
		fileIndex: make(map[string]int),
		started:   make(map[string]struct{}),
	}
}

// Apply folds one event into the snapshot. Events must arrive in
// sequence order; an event at or below the last applied sequence is
// ignored so a replayed prefix does not double-count.
func (aggregator *Aggregator) Apply(event agentdriver.Event) {
	state := &aggregator.snapshot
	if event.Sequence != 0 {
		if event.Sequence <= state.LastSequence {
			return
		}
		if gap := event.Sequence - state.LastSequence - 1; gap > 0 {
			state.Dropped += gap
		}
		state.LastSequence = event.Sequence
	}

	switch event.Kind {
	case agentdriver.EventKindElapsed:
		if event.Elapsed != nil {
			state.Elapsed = event.Elapsed.Elapsed
		}

	case agentdriver.EventKindNote:
		if event.Note == nil {
			return
		}
		text := collapse(event.Note.Text, maxNoteLength)
		if text == "" {
			return
		}
		state.Notes = append(state.Notes, text)
		if overflow := len(state.Notes) - aggregator.options.MaxNotes; overflow > 0 {
			state.Notes = append([]string(nil), state.Notes[overflow:]...)
		}

	case agentdriver.EventKindCommand, agentdriver.EventKindToolUse, agentdriver.EventKindFileChange:
		if event.FileChange != nil {
			aggregator.recordFiles(event.FileChange.Changes)
		}
		aggregator.recordAction(event)
	}
}

func (aggregator *Aggregator) recordAction(event agentdriver.Event) {
	state := &aggregator.snapshot
	failed := (event.Command != nil && event.Command.Failed) || (event.ToolUse != nil && event.ToolUse.Failed)

	if event.Phase == agentdriver.PhaseCompleted && event.ID != "" {
		for index := range state.Actions {
			if state.Actions[index].ID == event.ID {
				state.Actions[index].Done = true
				state.Actions[index].Failed = failed
				aggregator.refreshCurrent()
				return
			}
		}
		if _, ok := aggregator.started[event.ID]; ok {
			// Its start was elided; the step is already counted.
			return
		}
	}
	if event.ID != "" {
		aggregator.started[event.ID] = struct{}{}
	}

	state.Step++
	state.Actions = append(state.Actions, Action{
		ID:     event.ID,
		Kind:   event.Kind,
		Title:  Title(event),
		Done:   event.Phase == agentdriver.PhaseCompleted,
		Failed: failed,
	})
	if overflow := len(state.Actions) - aggregator.options.MaxActions; overflow > 0 {
		state.Actions = append([]Action(nil), state.Actions[overflow:]...)
		state.ElidedActions += overflow
	}
	aggregator.refreshCurrent()
}

func (aggregator *Aggregator) refreshCurrent() {
	state := &aggregator.snapshot
	state.CurrentAction = ""
	for index := len(state.Actions) - 1; index >= 0; index-- {
		if !state.Actions[index].Done {
			state.CurrentAction = state.Actions[index].Title
			return
		}
	}
}

func (aggregator *Aggregator) recordFiles(changes []agentdriver.FileChange) {
	state := &aggregator.snapshot
	for _, change := range changes {
		if change.Path == "" {
			continue
		}
		if index, ok := aggregator.fileIndex[change.Path]; ok {
			if index >= 0 {
				state.Files[index].Kind = change.Kind
			}
			continue
		}
		if len(state.Files) >= aggregator.options.MaxFiles {
			aggregator.fileIndex[change.Path] = -1
			state.ElidedFiles++
			continue
		}
		aggregator.fileIndex[change.Path] = len(state.Files)
		state.Files = append(state.Files, change)
	}
}

// Snapshot returns a copy of the current state.
func (aggregator *Aggregator) Snapshot() Snapshot {
	snapshot := aggregator.snapshot
	snapshot.Actions = append([]Action(nil), snapshot.Actions...)
	snapshot.Notes = append([]string(nil), snapshot.Notes...)
	snapshot.Files = append([]agentdriver.FileChange(nil), snapshot.Files...)
	return snapshot
}

// Title is the one-line label for an action event.
func Title(event agentdriver.Event) string {
	switch {
	case event.Command != nil:
		return collapse(event.Command.Command, maxTitleLength)
	case event.ToolUse != nil:
		if event.ToolUse.Detail == "" {
			return event.ToolUse.Name
		}
		return collapse(event.ToolUse.Name+" "+event.ToolUse.Detail, maxTitleLength)
	case event.FileChange != nil:
		changes := event.FileChange.Changes
		if len(changes) == 0 {
			return "edit files"
		}
		title := changeVerb(changes[0].Kind) + " " + changes[0].Path
		if len(changes) > 1 {
			title += " (+" + strconv.Itoa(len(changes)-1) + " more)"
		}
		return collapse(title, maxTitleLength)
	default:
		return string(event.Kind)
	}
}

func changeVerb(kind string) string {
	switch kind {
	case "add":
		return "add"
	case "delete":
		return "delete"
	default:
		return "edit"
	}
}

// collapse flattens whitespace to single spaces and truncates to limit
// runes with an ellipsis.
func collapse(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
