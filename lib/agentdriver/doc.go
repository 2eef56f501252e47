// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentdriver runs one agent CLI invocation and turns its output
// stream into structured progress.
//
// The package has three layers:
//
//   - Driver: the engine-specific boundary. A Driver knows how to build
//     the command line for its CLI (including how to pass a resume
//     context), how to parse its stdout line grammar (NewParser), and
//     how to ask it to stop (Interrupt). ClaudeDriver and CodexDriver
//     are the two implementations; ForEngine picks one.
//
//   - EventBuffer: a bounded drop-oldest ring between the stdout reader
//     and the progress consumer, so a slow consumer never stalls the
//     agent's pipe.
//
//   - Runner: the lifecycle. Run spawns the process in its own process
//     group, reads stdout in chunks with partial-line buffering, feeds
//     complete lines to the parser, synthesizes elapsed ticks, and on
//     exit maps the outcome to a RunResult carrying the final answer
//     and a fresh resume token. Cancellation of the run context
//     interrupts the agent, waits out a grace period, then kills the
//     whole process group.
//
// Nothing in this package knows about chats, threads, or queues.
package agentdriver
