// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import "sync"

// DefaultEventBufferSize is the EventBuffer capacity when none is
// configured.
const DefaultEventBufferSize = 256

// EventBuffer is a bounded FIFO ring of progress events with one
// producer side (Push, never blocks) and one consumer (Next, blocks).
// When the ring is full, Push drops the oldest buffered event and
// counts it. Progress is lossy by nature; the final result never goes
// through the ring.
type EventBuffer struct {
	mutex    sync.Mutex
	ring     []Event
	head     int
	count    int
	sequence uint64
	dropped  uint64
	closed   bool

	// notify has capacity 1: one pending wakeup is enough for a single
	// consumer that re-checks state under the mutex.
	notify chan struct{}
}

// NewEventBuffer returns a buffer holding at most capacity events.
// capacity <= 0 uses DefaultEventBufferSize.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultEventBufferSize
	}
	return &EventBuffer{
		ring:   make([]Event, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends event, assigning its Sequence. Returns false if an older
// event was dropped to make room. Push after Close is ignored.
func (buffer *EventBuffer) Push(event Event) bool {
	buffer.mutex.Lock()
	if buffer.closed {
		buffer.mutex.Unlock()
		return true
	}
	buffer.sequence++
	event.Sequence = buffer.sequence

	kept := true
	capacity := len(buffer.ring)
	if buffer.count == capacity {
		buffer.head = (buffer.head + 1) % capacity
		buffer.count--
		buffer.dropped++
		kept = false
	}
	buffer.ring[(buffer.head+buffer.count)%capacity] = event
	buffer.count++
	buffer.mutex.Unlock()

	buffer.wake()
	return kept
}

// Next blocks until an event is available and returns it. After Close,
// Next drains the remaining events and then returns false.
func (buffer *EventBuffer) Next() (Event, bool) {
	for {
		buffer.mutex.Lock()
		if buffer.count > 0 {
			event := buffer.ring[buffer.head]
			buffer.ring[buffer.head] = Event{}
			buffer.head = (buffer.head + 1) % len(buffer.ring)
			buffer.count--
			buffer.mutex.Unlock()
			return event, true
		}
		if buffer.closed {
			buffer.mutex.Unlock()
			return Event{}, false
		}
		buffer.mutex.Unlock()
		<-buffer.notify
	}
}

// Close marks the end of the stream. Buffered events remain readable.
func (buffer *EventBuffer) Close() {
	buffer.mutex.Lock()
	buffer.closed = true
	buffer.mutex.Unlock()
	buffer.wake()
}

// Dropped returns how many events were discarded because the ring was
// full.
func (buffer *EventBuffer) Dropped() uint64 {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.dropped
}

// Len returns the number of buffered events.
func (buffer *EventBuffer) Len() int {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.count
}

func (buffer *EventBuffer) wake() {
	select {
	case buffer.notify <- struct{}{}:
	default:
	}
}
