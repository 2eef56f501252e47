// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

// Only the fields tether reads are declared. The Bot API sends many
// more; encoding/json ignores them.

// Update is one entry from getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	EditedMessage *Message       `json:"edited_message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies the chat a message belongs to.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// Message is a chat message.
type Message struct {
	MessageID int64 `json:"message_id"`

	// MessageThreadID is the forum topic, when IsTopicMessage is set.
	MessageThreadID int64 `json:"message_thread_id,omitempty"`
	IsTopicMessage  bool  `json:"is_topic_message,omitempty"`

	From           *User    `json:"from,omitempty"`
	Chat           Chat     `json:"chat"`
	Date           int64    `json:"date"`
	Text           string   `json:"text,omitempty"`
	Caption        string   `json:"caption,omitempty"`
	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
	Voice          *Voice   `json:"voice,omitempty"`
}

// TopicID returns the forum topic the message belongs to, or zero.
func (message *Message) TopicID() int64 {
	if message.IsTopicMessage {
		return message.MessageThreadID
	}
	return 0
}

// Voice is a voice note attachment.
type Voice struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Duration     int    `json:"duration"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// CallbackQuery is an inline keyboard button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// File is the result of getFile.
type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// InlineKeyboardMarkup is an inline keyboard attached to a message.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton is one callback button.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// DefaultKeyboardColumns is how many buttons Keyboard puts on a row.
const DefaultKeyboardColumns = 3

// Keyboard lays buttons out in rows of columns buttons
// (DefaultKeyboardColumns when columns <= 0). It returns nil for no
// buttons, which omits the keyboard.
func Keyboard(buttons []InlineKeyboardButton, columns int) *InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	if columns <= 0 {
		columns = DefaultKeyboardColumns
	}
	markup := &InlineKeyboardMarkup{}
	for start := 0; start < len(buttons); start += columns {
		end := min(start+columns, len(buttons))
		row := make([]InlineKeyboardButton, end-start)
		copy(row, buttons[start:end])
		markup.InlineKeyboard = append(markup.InlineKeyboard, row)
	}
	return markup
}

// ParseModeHTML selects Telegram's HTML formatting.
const ParseModeHTML = "HTML"

// SendMessageRequest is the body of sendMessage.
type SendMessageRequest struct {
	ChatID              int64                 `json:"chat_id"`
	MessageThreadID     int64                 `json:"message_thread_id,omitempty"`
	Text                string                `json:"text"`
	ParseMode           string                `json:"parse_mode,omitempty"`
	DisableNotification bool                  `json:"disable_notification,omitempty"`
	ReplyParameters     *ReplyParameters      `json:"reply_parameters,omitempty"`
	ReplyMarkup         *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	LinkPreviewOptions  *LinkPreviewOptions   `json:"link_preview_options,omitempty"`
}

// ReplyParameters makes a sent message a reply.
type ReplyParameters struct {
	MessageID int64 `json:"message_id"`

	// AllowSendingWithoutReply keeps the send from failing when the
	// replied-to message was deleted.
	AllowSendingWithoutReply bool `json:"allow_sending_without_reply,omitempty"`
}

// LinkPreviewOptions controls link previews.
type LinkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled,omitempty"`
}

// EditMessageTextRequest is the body of editMessageText.
type EditMessageTextRequest struct {
	ChatID             int64                 `json:"chat_id"`
	MessageID          int64                 `json:"message_id"`
	Text               string                `json:"text"`
	ParseMode          string                `json:"parse_mode,omitempty"`
	ReplyMarkup        *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	LinkPreviewOptions *LinkPreviewOptions   `json:"link_preview_options,omitempty"`
}
