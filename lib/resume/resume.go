// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resume encodes and decodes resume tokens: the opaque strings
// that let a new agent invocation continue a prior session without any
// server-side session table.
//
// The wire form of a token is the engine's own terminal resume command,
// so a user can paste it straight into a shell:
//
//	codex resume 0199a213-81c0-7800-8aa1-bbab2a035a53
//	claude --resume 4f1c0a52-3d35-4bd4-9d55-1d5c1f0e7d3a
//
// The command word selects the engine and the argument is the
// continuation context. Decoding fails closed: anything that is not
// exactly one of the recognized shapes is a *DecodeError, and a token
// for one engine presented to another engine is a *DecodeError rather
// than a silent fallback to a fresh session.
//
// Only this package and lib/agentdriver look inside a token. Everyone
// else carries the raw string.
package resume

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/tether/lib/engine"
)

// maxSessionIDLength bounds the continuation context. Both engines use
// UUID-shaped ids; the headroom tolerates future formats.
const maxSessionIDLength = 128

// Context is the continuation context carried by a token.
type Context struct {
	// SessionID is the engine's own session (Claude) or thread (Codex)
	// identifier. The engine stores the conversation state under this
	// id on disk; tether never does.
	SessionID string
}

// Token is a decoded resume token. Token is an immutable value type;
// the zero value is not valid.
type Token struct {
	engine  engine.Engine
	context Context
}

// Engine returns the engine the token was issued for.
func (token Token) Engine() engine.Engine { return token.engine }

// Context returns the continuation context.
func (token Token) Context() Context { return token.context }

// IsZero reports whether the token is the zero value.
func (token Token) IsZero() bool { return token.engine == "" }

// String returns the wire form.
func (token Token) String() string {
	switch token.engine {
	case engine.Codex:
		return "codex resume " + token.context.SessionID
	case engine.Claude:
		return "claude --resume " + token.context.SessionID
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (token Token) MarshalText() ([]byte, error) {
	if token.IsZero() {
		return nil, nil
	}
	return []byte(token.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero token.
func (token *Token) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*token = Token{}
		return nil
	}
	decoded, err := Decode(string(data))
	if err != nil {
		return err
	}
	*token = decoded
	return nil
}

// DecodeError reports a malformed token or a token presented to the
// wrong engine.
type DecodeError struct {
	// Token is the raw input, trimmed.
	Token string
	// Reason describes what was wrong.
	Reason string
	// Expected is set when the token was decoded for a specific engine.
	Expected engine.Engine
	// Found is the engine the token names, when it could be determined.
	Found engine.Engine
}

func (e *DecodeError) Error() string {
	if e.Expected != "" && e.Found != "" && e.Expected != e.Found {
		return fmt.Sprintf("resume token %q was issued by %s, cannot resume it with %s", e.Token, e.Found, e.Expected)
	}
	return fmt.Sprintf("invalid resume token %q: %s", e.Token, e.Reason)
}

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var decodeError *DecodeError
	return errors.As(err, &decodeError)
}

// Encode builds a token for e with the given continuation context.
func Encode(e engine.Engine, context Context) (Token, error) {
	if !e.Valid() {
		return Token{}, fmt.Errorf("encoding resume token: unknown engine %q", e)
	}
	if err := validateSessionID(context.SessionID); err != nil {
		return Token{}, fmt.Errorf("encoding resume token for %s: %w", e, err)
	}
	return Token{engine: e, context: context}, nil
}

// Decode parses a wire-form token. Surrounding whitespace and a single
// pair of backticks are ignored, since final messages render the token
// as inline code.
func Decode(raw string) (Token, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(trimmed, "`"), "`"))
	fields := strings.Fields(trimmed)

	fail := func(found engine.Engine, reason string) (Token, error) {
		return Token{}, &DecodeError{Token: trimmed, Reason: reason, Found: found}
	}

	if len(fields) == 0 {
		return fail("", "empty")
	}

	var sessionID string
	found := engine.Engine(fields[0])
	switch found {
	case engine.Codex:
		// "codex resume <id>" is the terminal form; "codex exec resume
		// <id>" is what the driver itself runs and users sometimes
		// paste back.
		switch {
		case len(fields) == 3 && fields[1] == "resume":
			sessionID = fields[2]
		case len(fields) == 4 && fields[1] == "exec" && fields[2] == "resume":
			sessionID = fields[3]
		default:
			return fail(found, "expected \"codex resume <id>\"")
		}
	case engine.Claude:
		if len(fields) != 3 || (fields[1] != "--resume" && fields[1] != "-r") {
			return fail(found, "expected \"claude --resume <id>\"")
		}
		sessionID = fields[2]
	default:
		return fail("", fmt.Sprintf("unknown engine command %q", fields[0]))
	}

	if err := validateSessionID(sessionID); err != nil {
		return fail(found, err.Error())
	}
	return Token{engine: found, context: Context{SessionID: sessionID}}, nil
}

// DecodeFor decodes raw and requires it to belong to expected.
func DecodeFor(expected engine.Engine, raw string) (Context, error) {
	token, err := Decode(raw)
	if err != nil {
		var decodeError *DecodeError
		if errors.As(err, &decodeError) {
			decodeError.Expected = expected
		}
		return Context{}, err
	}
	if token.engine != expected {
		return Context{}, &DecodeError{
			Token:    strings.TrimSpace(raw),
			Reason:   "engine mismatch",
			Expected: expected,
			Found:    token.engine,
		}
	}
	return token.context, nil
}

// Extract finds the last line of text that is a well-formed token. It
// is used on final-answer messages, which carry the token on their last
// line, and on user prompts that paste one in.
func Extract(text string) (Token, bool) {
	lines := strings.Split(text, "\n")
	for index := len(lines) - 1; index >= 0; index-- {
		if token, err := Decode(lines[index]); err == nil {
			return token, true
		}
	}
	return Token{}, false
}

// Strip removes every line of text that decodes as a token and returns
// the remaining text along with the last token found.
func Strip(text string) (string, Token, bool) {
	var kept []string
	var last Token
	found := false
	for _, line := range strings.Split(text, "\n") {
		if token, err := Decode(line); err == nil {
			last = token
			found = true
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), last, found
}

// validateSessionID restricts session ids to characters that are safe
// as a single shell word and as a single argv element.
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("empty session id")
	}
	if len(sessionID) > maxSessionIDLength {
		return fmt.Errorf("session id is %d bytes, maximum is %d", len(sessionID), maxSessionIDLength)
	}
	if sessionID[0] == '-' {
		return fmt.Errorf("session id %q must not start with '-'", sessionID)
	}
	for index := 0; index < len(sessionID); index++ {
		character := sessionID[index]
		switch {
		case character >= 'a' && character <= 'z':
		case character >= 'A' && character <= 'Z':
		case character >= '0' && character <= '9':
		case character == '-' || character == '_' || character == '.' || character == ':':
		default:
			return fmt.Errorf("session id %q contains invalid character %q", sessionID, character)
		}
	}
	return nil
}
