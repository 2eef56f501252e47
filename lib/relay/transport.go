// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
)

// Conversation identifies where messages go: a chat, and a forum topic
// within it when TopicID is non-zero.
type Conversation struct {
	ChatID  int64
	TopicID int64
}

// MessageRef identifies one delivered message.
type MessageRef struct {
	Conversation
	MessageID int64
}

// IsZero reports whether the ref names no message (delivery failed or
// never happened).
func (ref MessageRef) IsZero() bool { return ref.MessageID == 0 }

func (ref MessageRef) String() string {
	return fmt.Sprintf("%d/%d#%d", ref.ChatID, ref.TopicID, ref.MessageID)
}

// Button is an inline button. Data is returned verbatim when the button
// is pressed.
type Button struct {
	Text string
	Data string
}

// Outgoing is one message to deliver. Text is markdown; the transport
// converts it to whatever its surface renders.
type Outgoing struct {
	Text string

	// ReplyTo is the message this one answers, or zero.
	ReplyTo int64

	// Silent suppresses the notification where the surface supports it.
	Silent bool

	// Buttons are attached below the message. An edit without buttons
	// removes any the message had.
	Buttons []Button
}

// Transport delivers messages to a chat surface. Implementations must
// be safe for concurrent use. Errors are reported to the caller, which
// logs them: a failed delivery never changes task state.
type Transport interface {
	// Send delivers a new message and returns its ref. Text longer than
	// one message is split; the returned ref is the last piece, which
	// carries the buttons.
	Send(ctx context.Context, to Conversation, message Outgoing) (MessageRef, error)

	// Edit replaces a message's content. Text that no longer fits is
	// continued in new messages.
	Edit(ctx context.Context, ref MessageRef, message Outgoing) error

	// Delete removes a message.
	Delete(ctx context.Context, ref MessageRef) error
}
