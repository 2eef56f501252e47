// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds tether's CBOR configuration.
//
// JSON is what the agent CLIs speak and what the Telegram API accepts.
// CBOR is what tether writes to disk: run transcripts are a CBOR
// sequence of records. Every package that touches CBOR goes through
// this one so they all encode identically.
//
// For whole values:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For sequences:
//
//	encoder := codec.NewEncoder(file)
//	decoder := codec.NewDecoder(file)
//
// Types shared with JSON (agentdriver.Event) carry only `json` tags;
// fxamacker/cbor falls back to them when `cbor` tags are absent. Types
// that only ever live on disk use `cbor` tags. Never put both on one
// field.
package codec
