// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads tether's configuration.
//
// TOML is the primary format. Discovery, in order:
//
//   - an explicit path (the --config flag),
//   - the TETHER_CONFIG environment variable,
//   - the global file ~/.tether/tether.toml, which is required, deep
//     merged with the first local ./tether.toml or ./.tether/tether.toml
//     found in the working directory.
//
// Explicit paths may also be YAML (.yaml, .yml) or JSON with comments
// (.json, .jsonc). Every format is decoded to a generic map first, so
// the deep merge and unknown-key detection behave the same for all of
// them.
//
// TETHER_BOT_TOKEN and TETHER_CHAT_ID override the file values. They
// are the only environment overrides; everything else comes from the
// file. Path fields expand ~, ${HOME}, and ${VAR:-default} after
// loading.
//
// Key exports:
//
//   - [Config] -- the full configuration tree
//   - [Default] -- a Config with every default applied
//   - [Load] and [LoadFile] -- discovery and explicit loading
//   - [ConfigError] -- every problem found by loading or [Config.Validate]
//
// This package depends only on lib/engine.
package config
