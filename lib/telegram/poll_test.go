// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/testutil"
)

// scriptedSource replays canned getUpdates results, then blocks until
// the poll context ends.
type scriptedSource struct {
	mutex   sync.Mutex
	results []sourceResult
	offsets []int64
}

type sourceResult struct {
	updates []Update
	err     error
}

func (source *scriptedSource) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	source.mutex.Lock()
	source.offsets = append(source.offsets, offset)
	if len(source.results) > 0 {
		next := source.results[0]
		source.results = source.results[1:]
		source.mutex.Unlock()
		return next.updates, next.err
	}
	source.mutex.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (source *scriptedSource) seenOffsets() []int64 {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return append([]int64(nil), source.offsets...)
}

func TestPollerAdvancesOffset(t *testing.T) {
	t.Parallel()

	source := &scriptedSource{results: []sourceResult{
		{updates: []Update{{UpdateID: 5}, {UpdateID: 6}}},
		{updates: []Update{{UpdateID: 6}, {UpdateID: 7}}},
	}}
	handled := make(chan int64, 10)
	poller := &Poller{Source: source, Logger: quietLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- poller.Run(ctx, func(_ context.Context, update Update) { handled <- update.UpdateID })
	}()

	for _, want := range []int64{5, 6, 7} {
		if got := testutil.RequireReceive(t, handled, 5*time.Second, "waiting for update"); got != want {
			t.Fatalf("handled %d, want %d (duplicates must be skipped)", got, want)
		}
	}
	testutil.RequireEventually(t, 5*time.Second, func() bool { return len(source.seenOffsets()) == 3 },
		"poller should issue a third poll")
	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Run"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	offsets := source.seenOffsets()
	if offsets[0] != 0 || offsets[1] != 7 || offsets[2] != 8 {
		t.Errorf("offsets = %v, want [0 7 8]", offsets)
	}
}

func TestPollerBacksOffOnError(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	source := &scriptedSource{results: []sourceResult{
		{err: errors.New("connection reset")},
		{updates: []Update{{UpdateID: 1}}},
	}}
	handled := make(chan int64, 1)
	poller := &Poller{Source: source, Clock: fakeClock, Logger: quietLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx, func(_ context.Context, update Update) { handled <- update.UpdateID })

	fakeClock.WaitForTimers(1)
	select {
	case <-handled:
		t.Fatal("poller retried before the backoff elapsed")
	case <-time.After(50 * time.Millisecond):
	}
	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, handled, 5*time.Second, "waiting for update after backoff")
}

func TestPollerStopsOnConflict(t *testing.T) {
	t.Parallel()

	source := &scriptedSource{results: []sourceResult{
		{err: &APIError{Method: "getUpdates", Code: 409, Description: "Conflict: terminated by other getUpdates request"}},
	}}
	poller := &Poller{Source: source, Logger: quietLogger()}
	err := poller.Run(context.Background(), func(context.Context, Update) {})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Run = %v, want ErrConflict", err)
	}
}
