// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"bytes"
	"sync"
)

// maxLineLength bounds one stdout line. Claude tool results can embed
// whole files; anything past this is an anomaly and is skipped.
const maxLineLength = 8 * 1024 * 1024

// lineSplitter turns arbitrary stdout chunks into complete lines. A
// line split across reads is held until its newline arrives.
type lineSplitter struct {
	pending []byte

	// discarding is set while skipping the remainder of an over-long
	// line.
	discarding bool

	// oversized counts lines skipped for exceeding maxLineLength.
	oversized int
}

// write consumes chunk and calls emit for every complete line, without
// the newline. The slice passed to emit is only valid during the call.
func (splitter *lineSplitter) write(chunk []byte, emit func(line []byte)) {
	for len(chunk) > 0 {
		newline := bytes.IndexByte(chunk, '\n')
		if newline < 0 {
			if !splitter.discarding {
				splitter.pending = append(splitter.pending, chunk...)
				if len(splitter.pending) > maxLineLength {
					splitter.pending = splitter.pending[:0]
					splitter.discarding = true
					splitter.oversized++
				}
			}
			return
		}

		segment := chunk[:newline]
		chunk = chunk[newline+1:]
		if splitter.discarding {
			splitter.discarding = false
			continue
		}
		if len(splitter.pending) > 0 {
			splitter.pending = append(splitter.pending, segment...)
			segment = splitter.pending
		}
		emit(bytes.TrimSuffix(segment, []byte{'\r'}))
		splitter.pending = splitter.pending[:0]
	}
}

// flush emits a final unterminated line, if any.
func (splitter *lineSplitter) flush(emit func(line []byte)) {
	if len(splitter.pending) > 0 && !splitter.discarding {
		emit(splitter.pending)
	}
	splitter.pending = nil
	splitter.discarding = false
}

// tailBuffer is an io.Writer that keeps only the last limit bytes
// written. Stderr goes here so a chatty agent cannot grow memory.
type tailBuffer struct {
	mutex sync.Mutex
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (tail *tailBuffer) Write(p []byte) (int, error) {
	tail.mutex.Lock()
	defer tail.mutex.Unlock()
	if len(p) >= tail.limit {
		tail.data = append(tail.data[:0], p[len(p)-tail.limit:]...)
		return len(p), nil
	}
	tail.data = append(tail.data, p...)
	if overflow := len(tail.data) - tail.limit; overflow > 0 {
		tail.data = append(tail.data[:0], tail.data[overflow:]...)
	}
	return len(p), nil
}

func (tail *tailBuffer) String() string {
	tail.mutex.Lock()
	defer tail.mutex.Unlock()
	return string(tail.data)
}
