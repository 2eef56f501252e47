// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// TerminalTransport echoes messages to a terminal for local runs. On an
// interactive terminal the most recent message is redrawn in place when
// edited; otherwise output is append-only and an edit prints only the
// lines that were not printed before.
type TerminalTransport struct {
	mutex       sync.Mutex
	output      *termenv.Output
	interactive bool
	width       int

	header lipgloss.Style
	muted  lipgloss.Style

	nextID int64

	// live is the message currently at the bottom of the screen and
	// liveLines how many screen lines it occupies.
	live      int64
	liveLines int

	// printed tracks lines already written per message for
	// append-only edits.
	printed map[int64]map[string]bool
}

var _ Transport = (*TerminalTransport)(nil)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

// NewTerminalTransport writes to w. interactive enables in-place
// redraws; pass IsTerminal(w) unless the caller knows better.
func NewTerminalTransport(w io.Writer, interactive bool) *TerminalTransport {
	renderer := lipgloss.NewRenderer(w)
	transport := &TerminalTransport{
		output:      termenv.NewOutput(w),
		interactive: interactive,
		header:      renderer.NewStyle().Bold(true),
		muted:       renderer.NewStyle().Faint(true),
		printed:     make(map[int64]map[string]bool),
	}
	if file, ok := w.(*os.File); ok && interactive {
		if width, _, err := term.GetSize(int(file.Fd())); err == nil {
			transport.width = width
		}
	}
	return transport
}

// Send implements Transport.
func (transport *TerminalTransport) Send(_ context.Context, to Conversation, message Outgoing) (MessageRef, error) {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	transport.nextID++
	id := transport.nextID
	if err := transport.draw(id, message); err != nil {
		return MessageRef{}, err
	}
	return MessageRef{Conversation: to, MessageID: id}, nil
}

// Edit implements Transport.
func (transport *TerminalTransport) Edit(_ context.Context, ref MessageRef, message Outgoing) error {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	if transport.interactive {
		if ref.MessageID == transport.live && transport.liveLines > 0 {
			transport.output.ClearLines(transport.liveLines)
		}
		return transport.draw(ref.MessageID, message)
	}

	seen := transport.printed[ref.MessageID]
	if seen == nil {
		return transport.draw(ref.MessageID, message)
	}
	var fresh []string
	for _, line := range strings.Split(strings.TrimRight(message.Text, "\n"), "\n") {
		if !seen[line] {
			fresh = append(fresh, line)
			seen[line] = true
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	_, err := io.WriteString(transport.output, strings.Join(fresh, "\n")+"\n")
	return err
}

// Delete implements Transport. Only the live message can be erased;
// anything older has scrolled into the terminal's history.
func (transport *TerminalTransport) Delete(_ context.Context, ref MessageRef) error {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	delete(transport.printed, ref.MessageID)
	if transport.interactive && ref.MessageID == transport.live && transport.liveLines > 0 {
		transport.output.ClearLines(transport.liveLines)
		transport.live = 0
		transport.liveLines = 0
	}
	return nil
}

// draw prints a whole message and makes it the live one. Called with
// the mutex held.
func (transport *TerminalTransport) draw(id int64, message Outgoing) error {
	text := strings.TrimRight(message.Text, "\n")
	lines := strings.Split(text, "\n")

	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		seen[line] = true
	}
	transport.printed[id] = seen

	var block strings.Builder
	for index, line := range lines {
		switch {
		case index == 0:
			block.WriteString(transport.header.Render(line))
		case strings.HasPrefix(line, "_") && strings.HasSuffix(line, "_") && len(line) > 1:
			block.WriteString(transport.muted.Render(line))
		default:
			block.WriteString(line)
		}
		block.WriteString("\n")
	}
	if len(message.Buttons) > 0 {
		labels := make([]string, len(message.Buttons))
		for index, button := range message.Buttons {
			labels[index] = "[" + button.Text + "]"
		}
		block.WriteString(transport.muted.Render(strings.Join(labels, " ")))
		block.WriteString("\n")
		lines = append(lines, strings.Join(labels, " "))
	}

	if _, err := io.WriteString(transport.output, block.String()); err != nil {
		return fmt.Errorf("writing to terminal: %w", err)
	}
	transport.live = id
	transport.liveLines = transport.screenLines(lines)
	return nil
}

// screenLines counts terminal rows, including soft wraps when the
// width is known.
func (transport *TerminalTransport) screenLines(lines []string) int {
	count := 0
	for _, line := range lines {
		width := ansi.StringWidth(line)
		if transport.width > 0 && width > transport.width {
			count += (width + transport.width - 1) / transport.width
			continue
		}
		count++
	}
	return count
}
