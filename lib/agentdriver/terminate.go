// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"log/slog"
	"syscall"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
)

// DefaultGracePeriod is how long the Runner waits after Interrupt
// before killing the process group.
const DefaultGracePeriod = 10 * time.Second

// terminator escalates from a graceful interrupt to SIGKILL. It is
// driven from the Runner's supervisor loop and is not safe for
// concurrent use.
type terminator struct {
	driver      Driver
	process     Process
	clock       clock.Clock
	gracePeriod time.Duration
	logger      *slog.Logger

	interrupted bool
	killed      bool

	// deadline fires when the grace period expires. Nil until begin.
	deadline <-chan time.Time
}

// begin sends the driver's interrupt and arms the grace timer. Calls
// after the first are no-ops: a second cancel does not restart the
// grace period.
func (term *terminator) begin(reason string) {
	if term.interrupted {
		return
	}
	term.interrupted = true

	term.logger.Info("interrupting agent", "reason", reason, "grace_period", term.gracePeriod)
	if err := term.driver.Interrupt(term.process); err != nil {
		term.logger.Warn("interrupting agent failed, killing", "error", err)
		term.kill()
		return
	}
	if term.gracePeriod <= 0 {
		term.kill()
		return
	}
	term.deadline = term.clock.After(term.gracePeriod)
}

// expire is called when the grace deadline fires.
func (term *terminator) expire() {
	term.deadline = nil
	if term.killed {
		return
	}
	term.logger.Warn("agent did not exit within grace period, killing process group",
		"grace_period", term.gracePeriod)
	term.kill()
}

func (term *terminator) kill() {
	term.killed = true
	term.deadline = nil
	if err := term.process.Signal(syscall.SIGKILL); err != nil {
		term.logger.Warn("killing agent process group", "error", err)
	}
}
