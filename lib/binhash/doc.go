// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash provides domain-separated BLAKE3 hashing.
//
// Tether derives file names from secrets and identifiers it must not
// write in the clear: the instance lock is named after the hash of the
// bot token, and transcripts are named after the hash of their task id
// so a directory listing does not reveal thread structure. Each use has
// its own [Domain] key.
//
// The API surface:
//
//   - [Sum] and [HashReader] -- keyed digests of bytes or a stream
//   - [HashFile] -- the content digest of a file, logged when a
//     transcript is finished so it can be checked later
//   - [Digest.String] and [ParseDigest] -- the canonical hex form
//
// This package has no dependencies on other tether packages.
package binhash
