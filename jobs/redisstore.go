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

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	an:job:{id}           hash with the job record
//	an:job:{id}:children  list of child job ids
//	an:q:{queue}:wait     list of queued ids (LPUSH/RPOP, FIFO)
//	an:q:{queue}:delayed  zset scored by not-before unix ms
//	an:q:{queue}:active   zset scored by lease expiry unix ms
const keyPrefix = "an:"

func jobKey(id string) string        { return keyPrefix + "job:" + id }
func childrenKey(id string) string   { return keyPrefix + "job:" + id + ":children" }
func waitKey(queue string) string    { return keyPrefix + "q:" + queue + ":wait" }
func delayedKey(queue string) string { return keyPrefix + "q:" + queue + ":delayed" }
func activeKey(queue string) string  { return keyPrefix + "q:" + queue + ":active" }

// RedisStore is the cluster-visible Store. Every transition runs as a Lua
// script so concurrent workers across processes observe atomic state
// swaps, matching the FSM's claim-by-atomic-swap requirement.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

// SetClock overrides the store clock; tests use it together with
// miniredis time control.
func (s *RedisStore) SetClock(now func() time.Time) { s.now = now }

var submitScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state and state ~= 'dead' then return 0 end
redis.call('DEL', KEYS[1], KEYS[4])
local f = cjson.decode(ARGV[1])
for k, v in pairs(f) do redis.call('HSET', KEYS[1], k, v) end
if tonumber(f['not_before']) > tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], 'state', 'delayed')
	redis.call('ZADD', KEYS[3], tonumber(f['not_before']), f['id'])
else
	redis.call('HSET', KEYS[1], 'state', 'queued')
	redis.call('LPUSH', KEYS[2], f['id'])
end
return 1
`)

var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HSET', ARGV[4]..id, 'state', 'queued')
	redis.call('LPUSH', KEYS[1], id)
end
while true do
	local id = redis.call('RPOP', KEYS[1])
	if not id then return false end
	local key = ARGV[4]..id
	if redis.call('HGET', key, 'state') == 'queued' then
		local lease = tonumber(ARGV[1]) + tonumber(ARGV[2])
		redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('HSET', key, 'state', 'active', 'owner', ARGV[3], 'progress', 0, 'lease_until', lease)
		redis.call('HSETNX', key, 'started_at', ARGV[1])
		redis.call('ZADD', KEYS[3], lease, id)
		return id
	end
end
`)

var heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'lease_until', ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), redis.call('HGET', KEYS[1], 'id'))
return 1
`)

var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
	return 0
end
local v = tonumber(ARGV[2])
if v > 100 then v = 100 end
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
if v > cur then redis.call('HSET', KEYS[1], 'progress', v) end
return 1
`)

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'progress', 100, 'result', ARGV[2], 'finished_at', ARGV[3], 'owner', '')
redis.call('ZREM', KEYS[2], redis.call('HGET', KEYS[1], 'id'))
return 1
`)

var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
	return 0
end
local id = redis.call('HGET', KEYS[1], 'id')
redis.call('HSET', KEYS[1], 'error_kind', ARGV[2], 'error', ARGV[3], 'owner', '', 'progress', 0)
redis.call('ZREM', KEYS[2], id)
if ARGV[4] == '1' then
	redis.call('HSET', KEYS[1], 'state', 'dead', 'finished_at', ARGV[5])
else
	redis.call('HSET', KEYS[1], 'state', 'delayed', 'not_before', ARGV[6])
	redis.call('ZADD', KEYS[3], tonumber(ARGV[6]), id)
end
return 1
`)

var cancelScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state == 'completed' or state == 'dead' then return state end
local id = redis.call('HGET', KEYS[1], 'id')
if state == 'active' then
	redis.call('HSET', KEYS[1], 'cancelled', 1, 'error', ARGV[1], 'error_kind', 'cancelled')
	return 'flagged'
end
redis.call('HSET', KEYS[1], 'state', 'dead', 'error', ARGV[1], 'error_kind', 'cancelled', 'finished_at', ARGV[2])
redis.call('LREM', KEYS[2], 0, id)
redis.call('ZREM', KEYS[3], id)
return 'dead'
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local key = ARGV[2]..id
	if redis.call('HGET', key, 'state') == 'active' then
		n = n + 1
		redis.call('HSET', key, 'owner', '', 'progress', 0)
		local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
		local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
		if attempts >= max then
			redis.call('HSET', key, 'state', 'dead', 'error_kind', 'timeout', 'error', 'visibility timeout expired with no attempts left', 'finished_at', ARGV[1])
		else
			redis.call('HSET', key, 'state', 'queued')
			redis.call('LPUSH', KEYS[2], id)
		end
	end
end
return n
`)

var appendChildScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	if id == ARGV[1] then return 0 end
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

func (s *RedisStore) Submit(ctx context.Context, job *Job, opts SubmitOptions) (*Job, bool, error) {
	now := s.now()
	j := job.Clone()
	j.CreatedAt = now
	j.ParentID = opts.ParentID
	if opts.MaxAttempts > 0 {
		j.MaxAttempts = opts.MaxAttempts
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 1
	}
	j.NotBefore = now.Add(opts.Delay)

	fields := map[string]any{
		"id":           j.ID,
		"queue":        j.Queue,
		"kind":         string(j.Kind),
		"payload":      string(j.Payload),
		"attempts":     0,
		"max_attempts": j.MaxAttempts,
		"progress":     0,
		"created_at":   now.UnixMilli(),
		"not_before":   j.NotBefore.UnixMilli(),
		"parent":       j.ParentID,
		"cancelled":    0,
	}
	blob, err := json.Marshal(fields)
	if err != nil {
		return nil, false, err
	}
	created, err := submitScript.Run(ctx, s.rdb,
		[]string{jobKey(j.ID), waitKey(j.Queue), delayedKey(j.Queue), childrenKey(j.ID)},
		string(blob), now.UnixMilli()).Int()
	if err != nil {
		return nil, false, fmt.Errorf("jobs: submit: %w", err)
	}
	if created == 0 {
		existing, err := s.Get(ctx, j.ID)
		return existing, false, err
	}
	out, err := s.Get(ctx, j.ID)
	return out, true, err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	vals, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	j, err := jobFromHash(vals)
	if err != nil {
		return nil, err
	}
	children, err := s.rdb.LRange(ctx, childrenKey(id), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	j.ChildrenIDs = children
	return j, nil
}

func (s *RedisStore) ClaimNext(ctx context.Context, queue, token string, lease time.Duration) (*Job, error) {
	id, err := claimScript.Run(ctx, s.rdb,
		[]string{waitKey(queue), delayedKey(queue), activeKey(queue)},
		s.now().UnixMilli(), lease.Milliseconds(), token, keyPrefix+"job:").Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Heartbeat(ctx context.Context, id, token string, lease time.Duration) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	ok, err := heartbeatScript.Run(ctx, s.rdb,
		[]string{jobKey(id), activeKey(j.Queue)},
		token, s.now().Add(lease).UnixMilli()).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) SetProgress(ctx context.Context, id, token string, value int) error {
	ok, err := progressScript.Run(ctx, s.rdb, []string{jobKey(id)}, token, value).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, id, token string, result json.RawMessage) (*Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := completeScript.Run(ctx, s.rdb,
		[]string{jobKey(id), activeKey(j.Queue)},
		token, string(result), s.now().UnixMilli()).Int()
	if err != nil {
		return nil, err
	}
	if ok == 0 {
		return nil, ErrNotOwner
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Fail(ctx context.Context, id, token string, kind ErrorKind, msg string, retryIn time.Duration, toDead bool) (*Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	dead := "0"
	if toDead {
		dead = "1"
	}
	ok, err := failScript.Run(ctx, s.rdb,
		[]string{jobKey(id), activeKey(j.Queue), delayedKey(j.Queue)},
		token, string(kind), msg, dead, now.UnixMilli(), now.Add(retryIn).UnixMilli()).Int()
	if err != nil {
		return nil, err
	}
	if ok == 0 {
		return nil, ErrNotOwner
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) AppendChild(ctx context.Context, parentID, childID string) error {
	exists, err := s.rdb.Exists(ctx, jobKey(parentID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return appendChildScript.Run(ctx, s.rdb, []string{childrenKey(parentID)}, childID).Err()
}

func (s *RedisStore) ListChildren(ctx context.Context, parentID string) ([]*Job, error) {
	exists, err := s.rdb.Exists(ctx, jobKey(parentID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	ids, err := s.rdb.LRange(ctx, childrenKey(parentID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *RedisStore) Cancel(ctx context.Context, id, cause string) (*Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	_, err = cancelScript.Run(ctx, s.rdb,
		[]string{jobKey(id), waitKey(j.Queue), delayedKey(j.Queue)},
		cause, s.now().UnixMilli()).Text()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	v, err := s.rdb.HGet(ctx, jobKey(id), "cancelled").Result()
	if err == redis.Nil {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (s *RedisStore) RequeueExpired(ctx context.Context, queue string) (int, error) {
	n, err := requeueScript.Run(ctx, s.rdb,
		[]string{activeKey(queue), waitKey(queue)},
		s.now().UnixMilli(), keyPrefix+"job:").Int()
	if err != nil {
		return 0, fmt.Errorf("jobs: requeue expired: %w", err)
	}
	return n, nil
}

func jobFromHash(vals map[string]string) (*Job, error) {
	j := &Job{
		ID:         vals["id"],
		Queue:      vals["queue"],
		Kind:       Kind(vals["kind"]),
		State:      State(vals["state"]),
		OwnerToken: vals["owner"],
		ParentID:   vals["parent"],
		Error:      vals["error"],
		ErrorKind:  ErrorKind(vals["error_kind"]),
		Cancelled:  vals["cancelled"] == "1",
	}
	if p := vals["payload"]; p != "" {
		j.Payload = json.RawMessage(p)
	}
	if r := vals["result"]; r != "" {
		j.Result = json.RawMessage(r)
	}
	var err error
	if j.Attempts, err = atoi(vals["attempts"]); err != nil {
		return nil, err
	}
	if j.MaxAttempts, err = atoi(vals["max_attempts"]); err != nil {
		return nil, err
	}
	if j.Progress, err = atoi(vals["progress"]); err != nil {
		return nil, err
	}
	j.CreatedAt = msTime(vals["created_at"])
	j.NotBefore = msTime(vals["not_before"])
	j.LeaseUntil = msTime(vals["lease_until"])
	if t := msTime(vals["started_at"]); !t.IsZero() {
		j.StartedAt = &t
	}
	if t := msTime(vals["finished_at"]); !t.IsZero() {
		j.FinishedAt = &t
	}
	return j, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func msTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
