// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router turns one inbound chat message into a scheduler
// submission: which thread it belongs to, which engine runs it, the
// prompt text, and an attached resume token if there is one.
//
// The router never decodes a token beyond recognizing its shape. A
// token for the wrong engine is passed through unchanged so the run
// fails with a typed decode error instead of silently starting a fresh
// session.
package router

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bureau-foundation/tether/lib/engine"
	"github.com/bureau-foundation/tether/lib/resume"
)

// ErrEmptyPrompt is returned when nothing is left to send the agent
// after the engine prefix and resume token are removed.
var ErrEmptyPrompt = errors.New("message has no prompt text")

// Inbound is a chat message as the router sees it.
type Inbound struct {
	ChatID int64

	// TopicID is the forum topic, or zero for chats without topics.
	TopicID int64

	MessageID int64
	Text      string

	// ReplyTo is the message this one replies to, or nil.
	ReplyTo *Reply
}

// Reply describes a replied-to message.
type Reply struct {
	MessageID int64
	Text      string

	// FromBot is true when the bot itself authored the message. Only
	// such messages are trusted as a source of resume tokens.
	FromBot bool
}

// Submission is a routed message, ready to become a scheduler task.
type Submission struct {
	ThreadID string
	Prompt   string
	Engine   engine.Engine

	// ResumeToken is the wire-form token, or empty.
	ResumeToken string

	// ExplicitEngine is true when the message named its engine with a
	// command prefix.
	ExplicitEngine bool
}

// Router routes inbound messages. The zero value routes everything to
// engine.Codex unless a prefix or token says otherwise.
type Router struct {
	// DefaultEngine is used when neither a command prefix nor a token
	// names an engine.
	DefaultEngine engine.Engine

	// BotUsername, when set, lets "/claude@<BotUsername>" address this
	// bot in group chats. Commands addressed to other bots are left in
	// the prompt.
	BotUsername string
}

// ThreadID returns the serialization key for a chat and optional
// forum topic: "<chat>" or "<chat>/<topic>".
func ThreadID(chatID, topicID int64) string {
	id := strconv.FormatInt(chatID, 10)
	if topicID != 0 {
		id += "/" + strconv.FormatInt(topicID, 10)
	}
	return id
}

// Route resolves one inbound message.
//
// Engine priority: an explicit "/codex" or "/claude" prefix, then the
// engine of the attached resume token, then DefaultEngine. The token
// comes from the replied-to message when the bot wrote it, otherwise
// from the prompt text itself.
func (router *Router) Route(message Inbound) (Submission, error) {
	submission := Submission{ThreadID: ThreadID(message.ChatID, message.TopicID)}

	text := strings.TrimSpace(message.Text)
	if selected, rest, ok := router.engineCommand(text); ok {
		submission.Engine = selected
		submission.ExplicitEngine = true
		text = rest
	}

	var token resume.Token
	if message.ReplyTo != nil && message.ReplyTo.FromBot {
		if found, ok := resume.Extract(message.ReplyTo.Text); ok {
			token = found
		}
	}
	// A token pasted into the prompt is always removed from the text,
	// even when the replied-to message already supplied one.
	if stripped, found, ok := resume.Strip(text); ok {
		text = stripped
		if token.IsZero() {
			token = found
		}
	}
	if !token.IsZero() {
		submission.ResumeToken = token.String()
		if submission.Engine == "" {
			submission.Engine = token.Engine()
		}
	}

	if submission.Engine == "" {
		submission.Engine = router.defaultEngine()
	}

	submission.Prompt = strings.TrimSpace(text)
	if submission.Prompt == "" {
		return submission, ErrEmptyPrompt
	}
	return submission, nil
}

// engineCommand recognizes a leading "/codex" or "/claude" command,
// optionally addressed as "/claude@botname".
func (router *Router) engineCommand(text string) (engine.Engine, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", text, false
	}
	command, rest, _ := strings.Cut(text[1:], " ")
	if newline := strings.IndexByte(command, '\n'); newline >= 0 {
		rest = command[newline+1:] + " " + rest
		command = command[:newline]
	}
	name, addressee, addressed := strings.Cut(command, "@")
	if addressed && (router.BotUsername == "" || !strings.EqualFold(addressee, router.BotUsername)) {
		return "", text, false
	}
	selected, err := engine.Parse(name)
	if err != nil {
		return "", text, false
	}
	return selected, strings.TrimSpace(rest), true
}

func (router *Router) defaultEngine() engine.Engine {
	if router.DefaultEngine.Valid() {
		return router.DefaultEngine
	}
	return engine.Codex
}

// Command is a control command recognized in a message.
type Command string

const (
	// CommandNone means the message is a prompt.
	CommandNone Command = ""

	// CommandCancel asks to cancel the task the message replies to.
	CommandCancel Command = "cancel"
)

// ParseCommand reports whether text is a bare control command such as
// "/cancel" or "/cancel@botname".
func (router *Router) ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || strings.ContainsAny(text, " \n") {
		return CommandNone
	}
	name, addressee, addressed := strings.Cut(text[1:], "@")
	if addressed && (router.BotUsername == "" || !strings.EqualFold(addressee, router.BotUsername)) {
		return CommandNone
	}
	if strings.EqualFold(name, string(CommandCancel)) {
		return CommandCancel
	}
	return CommandNone
}
