// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay connects chat surfaces to agent runs.
//
// A [Relay] owns the per-thread scheduler. [Relay.Submit] announces a
// task with a "queued" progress message carrying a cancel button, then
// enqueues it. While the agent runs, the progress message is edited at
// most once per edit interval, and only when its rendered text
// changes. When the task reaches a terminal status, exactly one final
// message is delivered: the answer, the failure, or the cancellation,
// followed by the resume line.
//
// Delivery goes through a [Transport]. [TelegramTransport] renders
// markdown as Telegram HTML and splits long text; [TerminalTransport]
// echoes to a terminal for local runs. Transport failures are logged
// and never change task state.
//
// [Bot] is the Telegram front end: it filters updates to one chat,
// routes prompts, handles /cancel replies and button presses, and
// transcribes voice notes.
package relay
