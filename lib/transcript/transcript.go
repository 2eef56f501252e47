// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript records agent runs to disk.
//
// A transcript file is a short plaintext preamble followed by a body:
//
//	"TETHERTX" | version (1 byte) | compression (1 byte) | flags (1 byte) | body
//
// The body is a CBOR sequence of [Record] values: one header, the
// run's progress events in order, and one result. The sequence is
// compressed (zstd, lz4 frames, or not at all) and, when recipients are
// configured, encrypted with age to every recipient. The preamble stays
// in the clear so a reader can say "encrypted, need an identity"
// instead of failing with a decode error.
//
// Files are written under a temporary name and renamed when the run
// finishes, so a crash never leaves a truncated transcript under a
// final name. File names are derived from a keyed hash of the task id.
package transcript

import (
	"errors"
	"fmt"
	"time"

	"filippo.io/age"

	"github.com/bureau-foundation/tether/lib/agentdriver"
)

const (
	magic         = "TETHERTX"
	formatVersion = 1
	preambleSize  = len(magic) + 3

	flagEncrypted = 1 << 0

	// Extension is the transcript file extension.
	Extension = ".ttx"
)

// ErrEncrypted is returned when opening an encrypted transcript
// without an identity that can decrypt it.
var ErrEncrypted = errors.New("transcript is encrypted; an age identity is required")

// ErrNotTranscript is returned for files without the transcript
// preamble.
var ErrNotTranscript = errors.New("not a tether transcript")

// Compression is the body compression. Values are stored in the
// preamble; changing them breaks existing files.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the configuration name of a compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd", "":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown transcript compression %q", name)
	}
}

// Header opens every transcript.
type Header struct {
	TaskID      string    `cbor:"task_id"`
	ThreadID    string    `cbor:"thread_id"`
	Engine      string    `cbor:"engine"`
	Prompt      string    `cbor:"prompt"`
	ResumeToken string    `cbor:"resume_token,omitempty"`
	CreatedAt   time.Time `cbor:"created_at"`
	StartedAt   time.Time `cbor:"started_at"`
}

// Result closes every transcript.
type Result struct {
	Status        string            `cbor:"status"`
	FinalText     string            `cbor:"final_text,omitempty"`
	ResumeToken   string            `cbor:"resume_token,omitempty"`
	SessionID     string            `cbor:"session_id,omitempty"`
	Error         string            `cbor:"error,omitempty"`
	ExitCode      int               `cbor:"exit_code"`
	Duration      time.Duration     `cbor:"duration"`
	DroppedEvents uint64            `cbor:"dropped_events,omitempty"`
	Usage         agentdriver.Usage `cbor:"usage"`
}

// ResultFrom converts a Runner result.
func ResultFrom(result agentdriver.RunResult) Result {
	converted := Result{
		Status:        string(result.Status),
		FinalText:     result.FinalText,
		ResumeToken:   result.ResumeToken,
		SessionID:     result.SessionID,
		ExitCode:      result.ExitCode,
		Duration:      result.Duration,
		DroppedEvents: result.DroppedEvents,
		Usage:         result.Usage,
	}
	if result.Err != nil {
		converted.Error = result.Err.Error()
	}
	return converted
}

// Record is one item of the body sequence. Exactly one field is set.
type Record struct {
	Header *Header            `cbor:"header,omitempty"`
	Event  *agentdriver.Event `cbor:"event,omitempty"`
	Result *Result            `cbor:"result,omitempty"`
}

// Transcript is a fully read transcript. Result is nil when the run
// did not finish cleanly.
type Transcript struct {
	Path        string
	Compression Compression
	Encrypted   bool
	Header      Header
	Events      []agentdriver.Event
	Result      *Result
}

// ParseRecipients parses age X25519 public keys ("age1...").
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing transcript recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}
