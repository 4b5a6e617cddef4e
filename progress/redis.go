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

package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "an:progress:"

// RedisBus layers cross-process delivery over a LocalBus. Publishes go to
// both the local subscribers and a redis channel per queue; Run consumes
// the redis side and replays events from other processes locally. Events
// published by this process are tagged with its origin id and skipped on
// replay, so local subscribers see them once per hop at most.
type RedisBus struct {
	local  *LocalBus
	rdb    *redis.Client
	origin string
	log    *zap.SugaredLogger
}

type wireEvent struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// NewRedisBus wraps a local bus with a redis bridge. The origin id must be
// unique per process; the daemon uses a random token.
func NewRedisBus(local *LocalBus, rdb *redis.Client, origin string, log *zap.SugaredLogger) *RedisBus {
	return &RedisBus{local: local, rdb: rdb, origin: origin, log: log.With("component", "progress-bridge")}
}

func (b *RedisBus) Subscribe(filter Filter, buffer int) *Subscription {
	return b.local.Subscribe(filter, buffer)
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) {
	b.local.Publish(ctx, ev)
	raw, err := json.Marshal(wireEvent{Origin: b.origin, Event: ev})
	if err != nil {
		b.log.Errorw("encode progress event", "job", ev.JobID, "err", err)
		return
	}
	if err := b.rdb.Publish(ctx, channelPrefix+ev.Queue, raw).Err(); err != nil {
		// Best effort: local delivery already happened, the job record
		// remains the source of truth for remote observers.
		b.log.Warnw("publish progress event to redis", "job", ev.JobID, "err", err)
	}
}

// Run consumes the redis side of the bridge until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context, queues []string) error {
	channels := make([]string, len(queues))
	for i, q := range queues {
		channels[i] = channelPrefix + q
	}
	sub := b.rdb.Subscribe(ctx, channels...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				b.log.Warnw("decode progress event", "err", err)
				continue
			}
			if we.Origin == b.origin {
				continue
			}
			b.local.Publish(ctx, we.Event)
		}
	}
}

// WaitTerminal blocks until a terminal event for jobID arrives or the
// deadline passes. Callers that cannot rely on at-least-once delivery
// (similarity barrier) poll the job store instead.
func WaitTerminal(ctx context.Context, bus Bus, jobID string, timeout time.Duration) (Event, bool) {
	sub := bus.Subscribe(Filter{JobID: jobID}, 16)
	defer sub.Unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-timer.C:
			return Event{}, false
		case ev, ok := <-sub.C:
			if !ok {
				return Event{}, false
			}
			if ev.Terminal() {
				return ev, true
			}
		}
	}
}
