// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/tether/lib/agentdriver"
	"github.com/bureau-foundation/tether/lib/engine"
)

// Phase labels for Header.Label.
const (
	LabelQueued     = "queued"
	LabelWorking    = "working"
	LabelCancelling = "cancelling"
)

// Header is the first line of a progress message.
type Header struct {
	// Label is the run phase: LabelQueued, LabelWorking, or
	// LabelCancelling.
	Label string

	Engine engine.Engine

	// QueuePosition is shown for queued tasks when positive: 1 means
	// next to run.
	QueuePosition int
}

// Render formats a snapshot as markdown. It is a pure function.
//
//	working · codex · 1m 05s · step 4
//
//	✓ `go test ./...`
//	▸ Read lib/run.go
//
//	_Checking the failing test._
func Render(snapshot Snapshot, header Header) string {
	var builder strings.Builder

	builder.WriteString(header.Label)
	if header.Engine != "" {
		builder.WriteString(" · ")
		builder.WriteString(header.Engine.String())
	}
	if header.Label == LabelQueued {
		if header.QueuePosition > 0 {
			fmt.Fprintf(&builder, " · #%d in line", header.QueuePosition)
		}
		return builder.String()
	}
	builder.WriteString(" · ")
	builder.WriteString(FormatElapsed(snapshot.Elapsed))
	if snapshot.Step > 0 {
		fmt.Fprintf(&builder, " · step %d", snapshot.Step)
	}

	if snapshot.ElidedActions > 0 || len(snapshot.Actions) > 0 {
		builder.WriteString("\n")
		if snapshot.ElidedActions > 0 {
			fmt.Fprintf(&builder, "\n… %d earlier", snapshot.ElidedActions)
		}
		for _, action := range snapshot.Actions {
			builder.WriteString("\n")
			builder.WriteString(actionMarker(action))
			builder.WriteString(" ")
			builder.WriteString(actionText(action))
		}
	}

	if len(snapshot.Notes) > 0 {
		builder.WriteString("\n")
		for _, note := range snapshot.Notes {
			builder.WriteString("\n_")
			builder.WriteString(escapeEmphasis(note))
			builder.WriteString("_")
		}
	}

	if snapshot.Dropped > 0 {
		fmt.Fprintf(&builder, "\n\n(%d updates skipped)", snapshot.Dropped)
	}
	return builder.String()
}

// FinalView is everything the final message shows.
type FinalView struct {
	Status  agentdriver.Status
	Engine  engine.Engine
	Elapsed time.Duration

	// Answer is the agent's final text, or best-effort output for a
	// failed run.
	Answer string

	// Error explains a failure or cancellation. Ignored on success.
	Error string

	// Files is the snapshot's changed-file list at the end of the run.
	Files       []agentdriver.FileChange
	ElidedFiles int

	Usage agentdriver.Usage

	// ResumeToken is the wire-form token. When set it is always the
	// last line, in backticks, so it can be found again by
	// resume.Extract and copied into a terminal.
	ResumeToken string
}

// RenderFinal formats the final message. It is a pure function.
//
//	done · claude · 42s · $0.12
//
//	All tests pass.
//
//	`claude --resume 4f1c0a52-...`
func RenderFinal(view FinalView) string {
	var builder strings.Builder

	builder.WriteString(statusLabel(view.Status))
	if view.Engine != "" {
		builder.WriteString(" · ")
		builder.WriteString(view.Engine.String())
	}
	builder.WriteString(" · ")
	builder.WriteString(FormatElapsed(view.Elapsed))
	if view.Usage.CostUSD > 0 {
		fmt.Fprintf(&builder, " · $%.2f", view.Usage.CostUSD)
	}

	if view.Status != agentdriver.StatusCompleted && view.Error != "" {
		builder.WriteString("\n\n")
		builder.WriteString(view.Error)
	}

	if answer := strings.TrimSpace(view.Answer); answer != "" {
		builder.WriteString("\n\n")
		builder.WriteString(answer)
	}

	if len(view.Files) > 0 {
		builder.WriteString("\n\nfiles:")
		for _, file := range view.Files {
			builder.WriteString(" `")
			builder.WriteString(file.Path)
			builder.WriteString("`")
			builder.WriteString(changeSymbol(file.Kind))
		}
		if view.ElidedFiles > 0 {
			fmt.Fprintf(&builder, " and %d more", view.ElidedFiles)
		}
	}

	if view.ResumeToken != "" {
		builder.WriteString("\n\n`")
		builder.WriteString(view.ResumeToken)
		builder.WriteString("`")
	}
	return builder.String()
}

// FormatElapsed renders a duration compactly: 42s, 3m 07s, 1h 02m.
func FormatElapsed(elapsed time.Duration) string {
	seconds := int(elapsed / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %02ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %02dm", seconds/3600, (seconds%3600)/60)
	}
}

func statusLabel(status agentdriver.Status) string {
	switch status {
	case agentdriver.StatusCompleted:
		return "done"
	case agentdriver.StatusCancelled:
		return "cancelled"
	case agentdriver.StatusFailed:
		return "error"
	default:
		return string(status)
	}
}

func actionMarker(action Action) string {
	switch {
	case !action.Done:
		return "▸"
	case action.Failed:
		return "✗"
	default:
		return "✓"
	}
}

// actionText wraps commands in inline code; other titles are plain.
func actionText(action Action) string {
	if action.Kind == agentdriver.EventKindCommand {
		return "`" + strings.ReplaceAll(action.Title, "`", "'") + "`"
	}
	return action.Title
}

func changeSymbol(kind string) string {
	switch kind {
	case "add":
		return " (+)"
	case "delete":
		return " (−)"
	default:
		return ""
	}
}

// escapeEmphasis keeps a note from closing its own italics early.
func escapeEmphasis(text string) string {
	return strings.ReplaceAll(text, "_", `\_`)
}
