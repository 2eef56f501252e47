// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resume

import (
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/tether/lib/engine"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	sessionIDs := []string{
		"0199a213-81c0-7800-8aa1-bbab2a035a53",
		"abc",
		"session_01.alpha:beta",
	}
	for _, e := range engine.All {
		for _, sessionID := range sessionIDs {
			token, err := Encode(e, Context{SessionID: sessionID})
			if err != nil {
				t.Fatalf("Encode(%s, %q): %v", e, sessionID, err)
			}
			decoded, err := Decode(token.String())
			if err != nil {
				t.Fatalf("Decode(%q): %v", token.String(), err)
			}
			if decoded.Engine() != e {
				t.Errorf("Decode(%q).Engine() = %s, want %s", token, decoded.Engine(), e)
			}
			if decoded.Context() != (Context{SessionID: sessionID}) {
				t.Errorf("Decode(%q).Context() = %+v, want session %q", token, decoded.Context(), sessionID)
			}
			context, err := DecodeFor(e, token.String())
			if err != nil {
				t.Fatalf("DecodeFor(%s, %q): %v", e, token, err)
			}
			if context.SessionID != sessionID {
				t.Errorf("DecodeFor session = %q, want %q", context.SessionID, sessionID)
			}
		}
	}
}

func TestWireForms(t *testing.T) {
	t.Parallel()

	codex, err := Encode(engine.Codex, Context{SessionID: "t-1"})
	if err != nil {
		t.Fatal(err)
	}
	if codex.String() != "codex resume t-1" {
		t.Errorf("codex wire form = %q", codex.String())
	}
	claude, err := Encode(engine.Claude, Context{SessionID: "s-1"})
	if err != nil {
		t.Fatal(err)
	}
	if claude.String() != "claude --resume s-1" {
		t.Errorf("claude wire form = %q", claude.String())
	}
}

func TestDecodeForeignEngine(t *testing.T) {
	t.Parallel()

	token, err := Encode(engine.Codex, Context{SessionID: "thread-1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = DecodeFor(engine.Claude, token.String())
	if err == nil {
		t.Fatal("DecodeFor(claude, codex token) succeeded, want DecodeError")
	}
	var decodeError *DecodeError
	if !errors.As(err, &decodeError) {
		t.Fatalf("error %v is not a *DecodeError", err)
	}
	if decodeError.Expected != engine.Claude || decodeError.Found != engine.Codex {
		t.Errorf("DecodeError expected/found = %s/%s, want claude/codex", decodeError.Expected, decodeError.Found)
	}
	if !strings.Contains(err.Error(), "issued by codex") {
		t.Errorf("error message %q should name the issuing engine", err)
	}
}

func TestDecodeAcceptsVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		engine  engine.Engine
		session string
	}{
		{"`codex resume abc`", engine.Codex, "abc"},
		{"  codex exec resume abc  ", engine.Codex, "abc"},
		{"claude -r s1", engine.Claude, "s1"},
		{"`claude --resume s1`\n", engine.Claude, "s1"},
	}
	for _, test := range tests {
		token, err := Decode(test.input)
		if err != nil {
			t.Errorf("Decode(%q): %v", test.input, err)
			continue
		}
		if token.Engine() != test.engine || token.Context().SessionID != test.session {
			t.Errorf("Decode(%q) = %s/%s, want %s/%s", test.input,
				token.Engine(), token.Context().SessionID, test.engine, test.session)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"",
		"codex",
		"codex resume",
		"codex resume a b",
		"codex continue abc",
		"claude --resume",
		"claude --continue abc",
		"gemini --resume abc",
		"claude --resume abc;rm",
		"claude --resume --dangerously-skip-permissions",
		"codex resume $(whoami)",
		"codex resume " + strings.Repeat("a", maxSessionIDLength+1),
	}
	for _, input := range inputs {
		if token, err := Decode(input); err == nil {
			t.Errorf("Decode(%q) = %v, want error", input, token)
		} else if !IsDecodeError(err) {
			t.Errorf("Decode(%q) error %v is not a DecodeError", input, err)
		}
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	t.Parallel()

	if _, err := Encode("gemini", Context{SessionID: "x"}); err == nil {
		t.Error("Encode with unknown engine should fail")
	}
	if _, err := Encode(engine.Codex, Context{}); err == nil {
		t.Error("Encode with empty session should fail")
	}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	message := "done · codex · 42s\n\nAll tests pass.\n\n`codex resume 0199-aa`"
	token, ok := Extract(message)
	if !ok {
		t.Fatal("Extract found no token")
	}
	if token.Engine() != engine.Codex || token.Context().SessionID != "0199-aa" {
		t.Errorf("Extract = %s/%s", token.Engine(), token.Context().SessionID)
	}

	if _, ok := Extract("no token here\njust prose"); ok {
		t.Error("Extract found a token in plain prose")
	}
}

func TestStrip(t *testing.T) {
	t.Parallel()

	prompt := "claude --resume s-9\nnow add tests for the parser"
	remaining, token, found := Strip(prompt)
	if !found {
		t.Fatal("Strip found no token")
	}
	if remaining != "now add tests for the parser" {
		t.Errorf("remaining = %q", remaining)
	}
	if token.String() != "claude --resume s-9" {
		t.Errorf("token = %q", token.String())
	}
}

func TestTextMarshaling(t *testing.T) {
	t.Parallel()

	token, err := Encode(engine.Claude, Context{SessionID: "s-2"})
	if err != nil {
		t.Fatal(err)
	}
	text, err := token.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var decoded Token
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if decoded != token {
		t.Errorf("UnmarshalText = %+v, want %+v", decoded, token)
	}

	var zero Token
	if err := zero.UnmarshalText(nil); err != nil || !zero.IsZero() {
		t.Errorf("empty UnmarshalText: err=%v zero=%v", err, zero.IsZero())
	}
}
