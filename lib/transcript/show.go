// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bureau-foundation/tether/lib/agentdriver"
	"github.com/bureau-foundation/tether/lib/codec"
)

// Render writes a human-readable listing of a transcript.
func Render(w io.Writer, transcript Transcript) error {
	header := transcript.Header
	var b strings.Builder

	fmt.Fprintf(&b, "task      %s\n", header.TaskID)
	fmt.Fprintf(&b, "thread    %s\n", header.ThreadID)
	fmt.Fprintf(&b, "engine    %s\n", header.Engine)
	fmt.Fprintf(&b, "started   %s\n", header.StartedAt.UTC().Format(time.RFC3339))
	if header.ResumeToken != "" {
		fmt.Fprintf(&b, "resumed   %s\n", header.ResumeToken)
	}
	encoding := transcript.Compression.String()
	if transcript.Encrypted {
		encoding += ", age encrypted"
	}
	fmt.Fprintf(&b, "encoding  %s\n", encoding)
	fmt.Fprintf(&b, "\n%s\n\n", indent(header.Prompt, "> "))

	for _, event := range transcript.Events {
		offset := event.Timestamp.Sub(header.StartedAt).Truncate(time.Millisecond)
		fmt.Fprintf(&b, "%10s  #%-4d %s\n", offset, event.Sequence, describeEvent(event))
	}

	b.WriteString("\n")
	if result := transcript.Result; result != nil {
		fmt.Fprintf(&b, "status    %s (exit %d, %s)\n", result.Status, result.ExitCode, result.Duration.Truncate(time.Millisecond))
		if result.Error != "" {
			fmt.Fprintf(&b, "error     %s\n", result.Error)
		}
		if result.DroppedEvents > 0 {
			fmt.Fprintf(&b, "dropped   %d progress events\n", result.DroppedEvents)
		}
		if usage := result.Usage; usage.InputTokens+usage.OutputTokens > 0 {
			fmt.Fprintf(&b, "usage     %d in (%d cached), %d out", usage.InputTokens, usage.CachedInputTokens, usage.OutputTokens)
			if usage.CostUSD > 0 {
				fmt.Fprintf(&b, ", $%.4f", usage.CostUSD)
			}
			b.WriteString("\n")
		}
		if result.ResumeToken != "" {
			fmt.Fprintf(&b, "resume    %s\n", result.ResumeToken)
		}
		if result.FinalText != "" {
			fmt.Fprintf(&b, "\n%s\n", result.FinalText)
		}
	} else {
		b.WriteString("status    unfinished (no result record)\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func describeEvent(event agentdriver.Event) string {
	phase := ""
	if event.Phase == agentdriver.PhaseStarted {
		phase = " started"
	}
	switch {
	case event.Command != nil:
		status := ""
		if event.Command.ExitCode != nil {
			status = fmt.Sprintf(" (exit %d)", *event.Command.ExitCode)
		}
		return fmt.Sprintf("command%s: %s%s", phase, event.Command.Command, status)
	case event.ToolUse != nil:
		detail := event.ToolUse.Name
		if event.ToolUse.Detail != "" {
			detail += " " + event.ToolUse.Detail
		}
		if event.ToolUse.Failed {
			detail += " (failed)"
		}
		return fmt.Sprintf("tool%s: %s", phase, detail)
	case event.Note != nil:
		return "note: " + firstLine(event.Note.Text)
	case event.FileChange != nil:
		paths := make([]string, 0, len(event.FileChange.Changes))
		for _, change := range event.FileChange.Changes {
			paths = append(paths, change.Kind+" "+change.Path)
		}
		return "files: " + strings.Join(paths, ", ")
	case event.Elapsed != nil:
		return "elapsed " + event.Elapsed.Elapsed.Truncate(time.Second).String()
	default:
		return string(event.Kind)
	}
}

// Diagnostic writes the body in CBOR diagnostic notation, one record
// per line.
func Diagnostic(w io.Writer, reader *Reader) error {
	body, err := reader.Body()
	if err != nil {
		return err
	}
	for len(body) > 0 {
		notation, rest, err := codec.DiagnoseFirst(body)
		if err != nil {
			return fmt.Errorf("transcript: diagnosing record: %w", err)
		}
		if _, err := fmt.Fprintln(w, notation); err != nil {
			return err
		}
		body = rest
	}
	return nil
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for index, line := range lines {
		lines[index] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if index := strings.IndexByte(text, '\n'); index >= 0 {
		return text[:index] + " …"
	}
	return text
}
