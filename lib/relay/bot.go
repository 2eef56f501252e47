// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/router"
	"github.com/bureau-foundation/tether/lib/scheduler"
	"github.com/bureau-foundation/tether/lib/telegram"
)

// BotAPI is the part of the Bot API the chat front end uses.
// *telegram.Client implements it.
type BotAPI interface {
	telegram.UpdateSource
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error
	GetFile(ctx context.Context, fileID string) (telegram.File, error)
	DownloadFile(ctx context.Context, file telegram.File) ([]byte, error)
}

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// BotConfig configures a Bot.
type BotConfig struct {
	API       BotAPI
	Transport Transport
	Relay     *Relay
	Router    *router.Router

	// ChatID is the only chat the bot answers. Updates from anywhere
	// else are ignored.
	ChatID int64

	// BotUserID identifies the bot's own messages, so only replies to
	// them are searched for resume tokens. Zero trusts any bot author.
	BotUserID int64

	// StartupButtons are attached to the startup message; pressing one
	// submits its data as a prompt.
	StartupButtons []Button

	// Transcriber enables voice notes. Nil answers them with a notice.
	Transcriber Transcriber

	// VoiceOptions, when non-empty, are offered under each transcript
	// instead of submitting it directly.
	VoiceOptions []Button

	// StoreFile receives transcripts for the "store" voice option.
	StoreFile string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Bot is the Telegram front end: it turns updates into relay
// submissions and cancellations.
type Bot struct {
	api            BotAPI
	transport      Transport
	relay          *Relay
	router         *router.Router
	chatID         int64
	botUserID      int64
	startupButtons []Button
	transcriber    Transcriber
	voiceOptions   []Button
	storeFile      string
	clock          clock.Clock
	logger         *slog.Logger

	voice voiceInbox

	// background tracks voice notes being transcribed.
	background sync.WaitGroup
}

// NewBot creates a Bot.
func NewBot(config BotConfig) *Bot {
	if config.Router == nil {
		config.Router = &router.Router{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Bot{
		api:            config.API,
		transport:      config.Transport,
		relay:          config.Relay,
		router:         config.Router,
		chatID:         config.ChatID,
		botUserID:      config.BotUserID,
		startupButtons: config.StartupButtons,
		transcriber:    config.Transcriber,
		voiceOptions:   config.VoiceOptions,
		storeFile:      config.StoreFile,
		clock:          config.Clock,
		logger:         config.Logger,
		voice:          voiceInbox{pending: make(map[string]pendingVoice)},
	}
}

// Serve polls for updates until ctx ends or another consumer takes
// over the bot (telegram.ErrConflict), then waits for voice notes in
// progress.
func (bot *Bot) Serve(ctx context.Context) error {
	poller := &telegram.Poller{Source: bot.api, Clock: bot.clock, Logger: bot.logger}
	err := poller.Run(ctx, bot.HandleUpdate)
	bot.background.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Announce sends the startup message with the configured buttons.
func (bot *Bot) Announce(ctx context.Context, text string) error {
	_, err := bot.transport.Send(ctx, Conversation{ChatID: bot.chatID}, Outgoing{
		Text:    text,
		Silent:  true,
		Buttons: bot.startupButtons,
	})
	return err
}

// HandleUpdate processes one update. It returns once the update is
// handled, except for voice notes, which are transcribed in the
// background.
func (bot *Bot) HandleUpdate(ctx context.Context, update telegram.Update) {
	switch {
	case update.CallbackQuery != nil:
		bot.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		bot.handleMessage(ctx, update.Message)
	}
}

func (bot *Bot) handleMessage(ctx context.Context, message *telegram.Message) {
	logger := bot.logger.With("chat_id", message.Chat.ID, "message_id", message.MessageID)
	if message.Chat.ID != bot.chatID {
		logger.Debug("ignoring message from another chat")
		return
	}
	if message.From != nil && message.From.IsBot {
		return
	}
	conversation := Conversation{ChatID: message.Chat.ID, TopicID: message.TopicID()}

	if message.Voice != nil {
		bot.handleVoice(ctx, message)
		return
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}
	if bot.router.ParseCommand(text) == router.CommandCancel {
		bot.handleCancelCommand(ctx, message, conversation)
		return
	}
	bot.submit(ctx, bot.inbound(message, text))
}

// inbound converts a Telegram message into router input.
func (bot *Bot) inbound(message *telegram.Message, text string) router.Inbound {
	inbound := router.Inbound{
		ChatID:    message.Chat.ID,
		TopicID:   message.TopicID(),
		MessageID: message.MessageID,
		Text:      text,
	}
	if reply := message.ReplyToMessage; reply != nil {
		inbound.ReplyTo = &router.Reply{
			MessageID: reply.MessageID,
			Text:      reply.Text,
			FromBot:   bot.authoredByBot(reply),
		}
	}
	return inbound
}

func (bot *Bot) authoredByBot(message *telegram.Message) bool {
	if message.From == nil {
		return false
	}
	if bot.botUserID != 0 {
		return message.From.ID == bot.botUserID
	}
	return message.From.IsBot
}

// submit routes inbound and hands it to the relay. Routing problems are
// answered in the chat.
func (bot *Bot) submit(ctx context.Context, inbound router.Inbound) {
	conversation := Conversation{ChatID: inbound.ChatID, TopicID: inbound.TopicID}
	submission, err := bot.router.Route(inbound)
	if errors.Is(err, router.ErrEmptyPrompt) {
		bot.reply(ctx, conversation, inbound.MessageID, "nothing to do: the message has no prompt")
		return
	}
	if err != nil {
		bot.reply(ctx, conversation, inbound.MessageID, "could not route the message: "+err.Error())
		return
	}
	task, err := bot.relay.Submit(ctx, Request{
		Conversation: conversation,
		ReplyTo:      inbound.MessageID,
		Submission:   submission,
	})
	if err != nil {
		bot.logger.Warn("submitting task", "thread_id", submission.ThreadID, "error", err)
		return
	}
	bot.logger.Info("task submitted",
		"task_id", task.ID,
		"thread_id", task.ThreadID,
		"engine", task.Engine,
		"resumed", task.ResumeToken != "",
	)
}

func (bot *Bot) handleCancelCommand(ctx context.Context, message *telegram.Message, conversation Conversation) {
	if message.ReplyToMessage == nil {
		bot.reply(ctx, conversation, message.MessageID, "reply to a progress message with /cancel")
		return
	}
	outcome := bot.relay.CancelMessage(MessageRef{
		Conversation: conversation,
		MessageID:    message.ReplyToMessage.MessageID,
	})
	switch outcome {
	case scheduler.NotFound:
		bot.reply(ctx, conversation, message.MessageID, "nothing to cancel there")
	case scheduler.AlreadyTerminal:
		bot.reply(ctx, conversation, message.MessageID, "that task already finished")
	}
}

func (bot *Bot) handleCallback(ctx context.Context, query *telegram.CallbackQuery) {
	logger := bot.logger.With("callback_id", query.ID)
	if query.Message == nil || query.Message.Chat.ID != bot.chatID {
		logger.Debug("ignoring callback from another chat")
		bot.answer(ctx, query, "")
		return
	}

	if taskID, ok := ParseCancelData(query.Data); ok {
		bot.answer(ctx, query, cancelNotice(bot.relay.Cancel(taskID)))
		return
	}
	if id, index, ok := parseVoiceData(query.Data); ok {
		bot.handleVoiceChoice(ctx, query, id, index)
		return
	}

	// A startup button: its data is the prompt.
	bot.answer(ctx, query, "")
	inbound := bot.inbound(query.Message, query.Data)
	inbound.ReplyTo = nil
	bot.submit(ctx, inbound)
}

func cancelNotice(outcome scheduler.CancelOutcome) string {
	switch outcome {
	case scheduler.CancelledRunning:
		return "cancelling"
	case scheduler.CancelledQueued:
		return "cancelled"
	case scheduler.AlreadyTerminal:
		return "already finished"
	default:
		return "unknown task"
	}
}

func (bot *Bot) answer(ctx context.Context, query *telegram.CallbackQuery, text string) {
	if err := bot.api.AnswerCallbackQuery(ctx, query.ID, text); err != nil {
		bot.logger.Debug("answering callback", "callback_id", query.ID, "error", err)
	}
}

func (bot *Bot) reply(ctx context.Context, conversation Conversation, messageID int64, text string) {
	if _, err := bot.transport.Send(ctx, conversation, Outgoing{Text: text, ReplyTo: messageID}); err != nil {
		bot.logger.Warn("sending reply", "chat_id", conversation.ChatID, "error", err)
	}
}

// quote renders text as a markdown blockquote.
func quote(text string) string {
	lines := strings.Split(text, "\n")
	for index, line := range lines {
		lines[index] = "> " + line
	}
	return strings.Join(lines, "\n")
}
