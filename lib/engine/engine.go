// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine names the closed set of agent CLI backends tether can
// drive. Every other package that branches on the backend switches over
// these constants; there is no runtime registration.
package engine

import (
	"fmt"
	"strings"
)

// Engine identifies an agent CLI backend.
type Engine string

const (
	// Codex is the OpenAI Codex CLI, driven through "codex exec --json".
	Codex Engine = "codex"

	// Claude is Claude Code, driven through "claude -p --output-format
	// stream-json".
	Claude Engine = "claude"
)

// All lists every supported engine in a stable order.
var All = []Engine{Codex, Claude}

// Valid reports whether e is a member of the closed set.
func (e Engine) Valid() bool {
	switch e {
	case Codex, Claude:
		return true
	default:
		return false
	}
}

// String returns the engine name.
func (e Engine) String() string { return string(e) }

// DefaultBinary is the executable name looked up on PATH when the
// configuration does not override it.
func (e Engine) DefaultBinary() string {
	return string(e)
}

// Parse converts a user-supplied name (case-insensitive, surrounding
// whitespace ignored) into an Engine.
func Parse(name string) (Engine, error) {
	candidate := Engine(strings.ToLower(strings.TrimSpace(name)))
	if !candidate.Valid() {
		return "", fmt.Errorf("unknown engine %q (supported: %s)", name, Names())
	}
	return candidate, nil
}

// Names returns the supported engine names joined for error messages.
func Names() string {
	names := make([]string, len(All))
	for index, e := range All {
		names[index] = string(e)
	}
	return strings.Join(names, ", ")
}
