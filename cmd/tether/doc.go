// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tether relays prompts from a Telegram chat to a coding agent CLI
// (Codex or Claude Code) running on this machine, streams the agent's
// progress back as one continuously edited message, and answers with
// the agent's final reply plus a resume token. Replying to that answer
// continues the same agent session.
//
// Commands:
//
//	tether serve                 run the bot for the configured chat
//	tether run [--engine] PROMPT run one prompt with progress in the terminal
//	tether check                 validate the configuration and binaries
//	tether transcript show FILE  print a recorded run
//	tether version               print build information
//
// Configuration is read from ~/.tether/tether.toml, merged with a
// tether.toml (or .tether/tether.toml) in the current directory.
// TETHER_CONFIG names an explicit file instead, and TETHER_BOT_TOKEN
// and TETHER_CHAT_ID override the bot credentials.
//
// Only one serve process may poll a given bot token; a second one
// exits with an error naming the holder of the instance lock.
package main
