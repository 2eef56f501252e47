// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/tether/lib/chatmarkup"
	"github.com/bureau-foundation/tether/lib/telegram"
)

// MessageAPI is the part of the Bot API the Telegram transport uses.
// *telegram.Client implements it.
type MessageAPI interface {
	SendMessage(ctx context.Context, request telegram.SendMessageRequest) (telegram.Message, error)
	EditMessageText(ctx context.Context, request telegram.EditMessageTextRequest) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// TelegramTransport renders markdown to Telegram HTML and delivers it
// through the Bot API.
type TelegramTransport struct {
	API MessageAPI

	// Limit is the per-message length. Zero uses
	// chatmarkup.MaxMessageLength.
	Limit int
}

var _ Transport = (*TelegramTransport)(nil)

var errEmptyMessage = errors.New("relay: message has no text")

// Send implements Transport.
func (transport *TelegramTransport) Send(ctx context.Context, to Conversation, message Outgoing) (MessageRef, error) {
	pieces := chatmarkup.Split(message.Text, transport.Limit)
	if len(pieces) == 0 {
		return MessageRef{}, errEmptyMessage
	}
	return transport.sendPieces(ctx, to, pieces, message)
}

// Edit implements Transport. The first piece replaces the message;
// the rest follow as new messages, and the buttons go on the last one.
func (transport *TelegramTransport) Edit(ctx context.Context, ref MessageRef, message Outgoing) error {
	pieces := chatmarkup.Split(message.Text, transport.Limit)
	if len(pieces) == 0 {
		return errEmptyMessage
	}

	request := telegram.EditMessageTextRequest{
		ChatID:             ref.ChatID,
		MessageID:          ref.MessageID,
		Text:               pieces[0],
		ParseMode:          telegram.ParseModeHTML,
		LinkPreviewOptions: &telegram.LinkPreviewOptions{IsDisabled: true},
	}
	if len(pieces) == 1 {
		request.ReplyMarkup = keyboard(message.Buttons)
	}
	if err := transport.API.EditMessageText(ctx, request); err != nil {
		return fmt.Errorf("editing message %d: %w", ref.MessageID, err)
	}
	if len(pieces) == 1 {
		return nil
	}

	continuation := message
	continuation.ReplyTo = ref.MessageID
	_, err := transport.sendPieces(ctx, ref.Conversation, pieces[1:], continuation)
	return err
}

// Delete implements Transport.
func (transport *TelegramTransport) Delete(ctx context.Context, ref MessageRef) error {
	if err := transport.API.DeleteMessage(ctx, ref.ChatID, ref.MessageID); err != nil {
		return fmt.Errorf("deleting message %d: %w", ref.MessageID, err)
	}
	return nil
}

func (transport *TelegramTransport) sendPieces(ctx context.Context, to Conversation, pieces []string, message Outgoing) (MessageRef, error) {
	var last MessageRef
	for index, piece := range pieces {
		request := telegram.SendMessageRequest{
			ChatID:              to.ChatID,
			MessageThreadID:     to.TopicID,
			Text:                piece,
			ParseMode:           telegram.ParseModeHTML,
			DisableNotification: message.Silent,
			LinkPreviewOptions:  &telegram.LinkPreviewOptions{IsDisabled: true},
		}
		if index == 0 && message.ReplyTo != 0 {
			request.ReplyParameters = &telegram.ReplyParameters{
				MessageID:                message.ReplyTo,
				AllowSendingWithoutReply: true,
			}
		}
		if index == len(pieces)-1 {
			request.ReplyMarkup = keyboard(message.Buttons)
		}
		sent, err := transport.API.SendMessage(ctx, request)
		if err != nil {
			return last, fmt.Errorf("sending message piece %d/%d: %w", index+1, len(pieces), err)
		}
		last = MessageRef{Conversation: to, MessageID: sent.MessageID}
	}
	return last, nil
}

func keyboard(buttons []Button) *telegram.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	inline := make([]telegram.InlineKeyboardButton, len(buttons))
	for index, button := range buttons {
		inline[index] = telegram.InlineKeyboardButton{Text: button.Text, CallbackData: button.Data}
	}
	return telegram.Keyboard(inline, telegram.DefaultKeyboardColumns)
}
