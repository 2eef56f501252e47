// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for tether packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so a broken test fails instead of hanging. They are the
// only place tests use real wall-clock timeouts; everything else runs
// on lib/clock's FakeClock.
//
// [WriteScript] drops an executable /bin/sh script into a temporary
// directory. Runner and relay tests use it as a stand-in agent CLI
// that prints canned stream output and exits with a chosen code.
//
// All helpers call t.Fatalf on failure.
package testutil
