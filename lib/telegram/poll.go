// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
)

const (
	// DefaultPollTimeout is the server-side long-poll duration.
	DefaultPollTimeout = 30 * time.Second

	initialPollBackoff = time.Second
	maxPollBackoff     = 30 * time.Second
)

// ErrConflict means another process is polling the same bot token.
// Telegram allows one getUpdates consumer per bot; the poller stops
// instead of fighting over the update offset.
var ErrConflict = errors.New("telegram: another instance is polling this bot")

// UpdateSource is the part of Client the poller needs.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Poller long-polls for updates and hands them to a handler in order.
type Poller struct {
	Source UpdateSource

	// Timeout is the long-poll duration. Zero uses DefaultPollTimeout.
	Timeout time.Duration

	// Offset is the first update id to request. Zero starts with
	// whatever Telegram has pending.
	Offset int64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Run polls until ctx is done, calling handle for each update in
// update_id order. Transient errors are logged and retried with
// exponential backoff. Run returns ctx's error on shutdown, or
// ErrConflict when another consumer holds the bot.
func (poller *Poller) Run(ctx context.Context, handle func(context.Context, Update)) error {
	timeout := poller.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	clk := poller.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := poller.Logger
	if logger == nil {
		logger = slog.Default()
	}

	offset := poller.Offset
	backoff := initialPollBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pollContext, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
		updates, err := poller.Source.GetUpdates(pollContext, offset, timeout)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var apiError *APIError
			if errors.As(err, &apiError) && apiError.Code == http.StatusConflict {
				return fmt.Errorf("%w: %s", ErrConflict, apiError.Description)
			}
			logger.Warn("polling for updates failed", "error", err, "retry_in", backoff)
			select {
			case <-clk.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, maxPollBackoff)
			continue
		}
		backoff = initialPollBackoff

		for _, update := range updates {
			if update.UpdateID < offset {
				continue
			}
			offset = update.UpdateID + 1
			handle(ctx, update)
		}
	}
}
