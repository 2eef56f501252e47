// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that wait (the runner's cancellation grace period and
// elapsed ticks, the relay's progress edit throttle) take a Clock
// instead of calling the time package directly. Production code uses
// Real(); tests use Fake() and move time forward explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go runner.Run(ctx, request, onEvent)
//	fake.WaitForTimers(1)
//	fake.Advance(10 * time.Second)
//
// WaitForTimers blocks until the goroutine under test has registered
// its timer, so Advance never races timer registration.
package clock
