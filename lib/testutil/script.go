// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteScript writes body as an executable /bin/sh script named name
// inside a fresh temporary directory and returns its absolute path.
//
//	agent := testutil.WriteScript(t, "claude", `
//	echo '{"type":"system","subtype":"init","session_id":"s-1"}'
//	exit 0
//	`)
func WriteScript(t *testing.T, name, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("/bin/sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), name)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing script %s: %v", path, err)
	}
	return path
}
