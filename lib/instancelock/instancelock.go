// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package instancelock ensures one tether process per bot token.
//
// Telegram delivers each update to exactly one getUpdates consumer, so
// two processes polling the same bot would split the conversation
// between them. [Acquire] takes an advisory flock(2) on
// <dir>/<blake3(token)>.lock. The kernel drops the lock when the
// process dies, so a crash never leaves a stale lock behind. The file
// name is a keyed hash so the token never appears on disk.
package instancelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/tether/lib/binhash"
)

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("instancelock: another tether instance is running for this bot")

// Lock is a held instance lock.
type Lock struct {
	path string
	file *os.File
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// PathFor returns the lock file path for token under dir.
func PathFor(dir, token string) string {
	digest := binhash.Sum(binhash.LockDomain, []byte(token))
	return filepath.Join(dir, digest.Short(32)+".lock")
}

// Acquire takes the lock for token, creating dir if needed. It never
// blocks: if the lock is held it returns an error wrapping ErrHeld that
// names the holder's pid when known.
func Acquire(dir, token string) (*Lock, error) {
	if token == "" {
		return nil, fmt.Errorf("instancelock: empty token")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("instancelock: creating %s: %w", dir, err)
	}

	path := PathFor(dir, token)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("instancelock: opening %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readHolder(file)
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if holder > 0 {
				return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrHeld, holder, path)
			}
			return nil, fmt.Errorf("%w (lock %s)", ErrHeld, path)
		}
		return nil, fmt.Errorf("instancelock: locking %s: %w", path, err)
	}

	// Record our pid for the error message a second instance prints.
	if err := file.Truncate(0); err == nil {
		file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, file: file}, nil
}

// Release drops the lock. The file stays; removing it would race with
// a new instance that already opened it. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	file.Truncate(0)
	unlockErr := unix.Flock(int(file.Fd()), unix.LOCK_UN)
	closeErr := file.Close()
	if unlockErr != nil {
		return fmt.Errorf("instancelock: unlocking %s: %w", l.path, unlockErr)
	}
	return closeErr
}

func readHolder(file *os.File) int {
	buffer := make([]byte, 32)
	n, _ := file.ReadAt(buffer, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buffer[:n])))
	if err != nil {
		return 0
	}
	return pid
}
