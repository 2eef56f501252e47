// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/tether/lib/router"
	"github.com/bureau-foundation/tether/lib/telegram"
)

// Voice option data with built-in meaning. Any other option's data is
// prepended to the transcript as an instruction.
const (
	// VoiceStore appends the transcript to the store file.
	VoiceStore = "store"

	// VoiceSend submits the transcript unchanged.
	VoiceSend = "send"
)

const (
	voicePrefix = "voice:"

	// maxPendingVoice bounds transcripts waiting for a button press;
	// the oldest is forgotten first.
	maxPendingVoice = 64
)

type pendingVoice struct {
	text    string
	inbound router.Inbound
	message MessageRef
}

// voiceInbox holds transcripts offered with option buttons.
type voiceInbox struct {
	mutex   sync.Mutex
	next    uint64
	order   []string
	pending map[string]pendingVoice
}

func (inbox *voiceInbox) add(voice pendingVoice) string {
	inbox.mutex.Lock()
	defer inbox.mutex.Unlock()
	inbox.next++
	id := strconv.FormatUint(inbox.next, 10)
	inbox.pending[id] = voice
	inbox.order = append(inbox.order, id)
	for len(inbox.order) > maxPendingVoice {
		delete(inbox.pending, inbox.order[0])
		inbox.order = inbox.order[1:]
	}
	return id
}

func (inbox *voiceInbox) setMessage(id string, ref MessageRef) {
	inbox.mutex.Lock()
	defer inbox.mutex.Unlock()
	if voice, ok := inbox.pending[id]; ok {
		voice.message = ref
		inbox.pending[id] = voice
	}
}

// take removes and returns a pending transcript. A transcript is acted
// on at most once.
func (inbox *voiceInbox) take(id string) (pendingVoice, bool) {
	inbox.mutex.Lock()
	defer inbox.mutex.Unlock()
	voice, ok := inbox.pending[id]
	if !ok {
		return pendingVoice{}, false
	}
	delete(inbox.pending, id)
	for index, queued := range inbox.order {
		if queued == id {
			inbox.order = append(inbox.order[:index], inbox.order[index+1:]...)
			break
		}
	}
	return voice, true
}

// restore puts back a transcript whose option failed, so the user can
// press again.
func (inbox *voiceInbox) restore(id string, voice pendingVoice) {
	inbox.mutex.Lock()
	defer inbox.mutex.Unlock()
	inbox.pending[id] = voice
	inbox.order = append(inbox.order, id)
}

func voiceData(id string, index int) string {
	return voicePrefix + id + ":" + strconv.Itoa(index)
}

func parseVoiceData(data string) (string, int, bool) {
	rest, ok := strings.CutPrefix(data, voicePrefix)
	if !ok {
		return "", 0, false
	}
	id, indexText, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return "", 0, false
	}
	index, err := strconv.Atoi(indexText)
	if err != nil || index < 0 {
		return "", 0, false
	}
	return id, index, true
}

// handleVoice downloads and transcribes a voice note in the background,
// then submits the transcript or offers it with the option buttons.
func (bot *Bot) handleVoice(ctx context.Context, message *telegram.Message) {
	conversation := Conversation{ChatID: message.Chat.ID, TopicID: message.TopicID()}
	if bot.transcriber == nil {
		bot.reply(ctx, conversation, message.MessageID, "voice notes are disabled")
		return
	}

	inbound := bot.inbound(message, "")
	fileID := message.Voice.FileID
	logger := bot.logger.With("message_id", message.MessageID, "duration_seconds", message.Voice.Duration)

	bot.background.Add(1)
	go func() {
		defer bot.background.Done()

		text, err := bot.transcribe(ctx, fileID)
		if err != nil {
			logger.Warn("transcribing voice note", "error", err)
			bot.reply(ctx, conversation, message.MessageID, "could not transcribe the voice note: "+err.Error())
			return
		}
		if text == "" {
			bot.reply(ctx, conversation, message.MessageID, "the voice note had no speech in it")
			return
		}

		if len(bot.voiceOptions) == 0 {
			if _, err := bot.transport.Send(ctx, conversation, Outgoing{
				Text:    quote(text),
				ReplyTo: message.MessageID,
				Silent:  true,
			}); err != nil {
				logger.Warn("echoing transcript", "error", err)
			}
			inbound.Text = text
			bot.submit(ctx, inbound)
			return
		}

		id := bot.voice.add(pendingVoice{text: text, inbound: inbound})
		buttons := make([]Button, len(bot.voiceOptions))
		for index, option := range bot.voiceOptions {
			buttons[index] = Button{Text: option.Text, Data: voiceData(id, index)}
		}
		ref, err := bot.transport.Send(ctx, conversation, Outgoing{
			Text:    quote(text),
			ReplyTo: message.MessageID,
			Buttons: buttons,
		})
		if err != nil {
			logger.Warn("offering transcript", "error", err)
			bot.voice.take(id)
			return
		}
		bot.voice.setMessage(id, ref)
	}()
}

func (bot *Bot) transcribe(ctx context.Context, fileID string) (string, error) {
	file, err := bot.api.GetFile(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("looking up voice file: %w", err)
	}
	audio, err := bot.api.DownloadFile(ctx, file)
	if err != nil {
		return "", fmt.Errorf("downloading voice file: %w", err)
	}
	return bot.transcriber.Transcribe(ctx, audio)
}

func (bot *Bot) handleVoiceChoice(ctx context.Context, query *telegram.CallbackQuery, id string, index int) {
	voice, ok := bot.voice.take(id)
	if !ok || index >= len(bot.voiceOptions) {
		bot.answer(ctx, query, "this voice note has expired")
		return
	}
	option := bot.voiceOptions[index]
	logger := bot.logger.With("voice_id", id, "option", option.Data)

	if option.Data == VoiceStore {
		if err := appendToStore(bot.storeFile, bot.clock.Now(), voice.text); err != nil {
			logger.Warn("storing transcript", "error", err)
			bot.answer(ctx, query, "could not store the transcript")
			bot.voice.restore(id, voice)
			return
		}
		bot.answer(ctx, query, "stored")
		bot.settleVoiceMessage(ctx, voice, "stored in `"+filepath.Base(bot.storeFile)+"`")
		return
	}

	bot.answer(ctx, query, "")
	bot.settleVoiceMessage(ctx, voice, "")
	inbound := voice.inbound
	if option.Data == VoiceSend {
		inbound.Text = voice.text
	} else {
		inbound.Text = option.Data + "\n\n" + voice.text
	}
	bot.submit(ctx, inbound)
}

// settleVoiceMessage removes the option buttons from an offered
// transcript, adding a note when there is one.
func (bot *Bot) settleVoiceMessage(ctx context.Context, voice pendingVoice, note string) {
	if voice.message.IsZero() {
		return
	}
	text := quote(voice.text)
	if note != "" {
		text += "\n\n" + note
	}
	if err := bot.transport.Edit(ctx, voice.message, Outgoing{Text: text}); err != nil {
		bot.logger.Debug("removing voice buttons", "error", err)
	}
}

// appendToStore appends a dated transcript entry to path.
func appendToStore(path string, now time.Time, text string) error {
	if path == "" {
		return fmt.Errorf("no store file configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("opening store file: %w", err)
	}
	entry := fmt.Sprintf("## %s\n\n%s\n\n", now.Format("2006-01-02 15:04"), text)
	if _, err := file.WriteString(entry); err != nil {
		file.Close()
		return fmt.Errorf("writing store file: %w", err)
	}
	return file.Close()
}
