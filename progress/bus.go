// Copyright 2025 The analyzer Authors
// This file is part of the analyzer library.
//
// The analyzer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The analyzer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the analyzer library. If not, see <http://www.gnu.org/licenses/>.

// Package progress implements the job progress bus: publish/subscribe of
// progress and terminal events, decoupled from the worker loop so slow
// subscribers never back-pressure job execution. Delivery is at-least-once
// across the redis bridge; in-process subscribers with full buffers drop
// non-terminal events rather than block the publisher.
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventKind discriminates bus events.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one progress bus message. Terminal events (completed/failed)
// are published after the job record's terminal state is committed.
type Event struct {
	JobID      string          `json:"jobId"`
	Queue      string          `json:"queue"`
	Kind       EventKind       `json:"kind"`
	Value      int             `json:"value,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"durationMs,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Terminal reports whether the event ends an attempt.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// Filter restricts a subscription. Zero fields match everything.
type Filter struct {
	JobID string
	Queue string
}

func (f Filter) matches(e Event) bool {
	if f.JobID != "" && f.JobID != e.JobID {
		return false
	}
	if f.Queue != "" && f.Queue != e.Queue {
		return false
	}
	return true
}

// Bus is the publish side used by the queue runtime and the subscribe
// side used by the HTTP boundary and the similarity barrier.
type Bus interface {
	Publish(ctx context.Context, ev Event)
	Subscribe(filter Filter, buffer int) *Subscription
}

// Subscription delivers matching events on C until Unsubscribe.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	filter Filter
	bus    *LocalBus
	once   sync.Once
}

// Unsubscribe detaches the subscription and closes C.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s) })
}

// LocalBus fans events out to in-process subscribers. The payload type
// is fixed, so plain channel fanout is enough.
type LocalBus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dropped uint64
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[*Subscription]struct{})}
}

func (b *LocalBus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *LocalBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber. Terminal events get a
// short grace period on a full buffer; progress events are dropped so the
// worker never blocks on a stalled observer.
func (b *LocalBus) Publish(_ context.Context, ev Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.filter.matches(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		if !ev.Terminal() {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- ev:
		case <-time.After(time.Second):
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		}
	}
}

// Dropped returns the number of events discarded due to full buffers.
func (b *LocalBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Progress builds a progress event.
func Progress(jobID, queue string, value int) Event {
	return Event{JobID: jobID, Queue: queue, Kind: EventProgress, Value: value, Timestamp: time.Now().UTC()}
}

// Completed builds a terminal success event carrying the result payload.
func Completed(jobID, queue string, result json.RawMessage, duration time.Duration) Event {
	return Event{
		JobID: jobID, Queue: queue, Kind: EventCompleted, Value: 100,
		Payload: result, DurationMS: duration.Milliseconds(), Timestamp: time.Now().UTC(),
	}
}

// Failed builds a terminal failure event.
func Failed(jobID, queue, cause string) Event {
	return Event{JobID: jobID, Queue: queue, Kind: EventFailed, Error: cause, Timestamp: time.Now().UTC()}
}
