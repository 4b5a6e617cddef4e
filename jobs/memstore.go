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
	"sync"
	"time"
)

// MemStore is a process-local Store used in tests and single-node runs.
// It implements the same claim/lease protocol as the redis store behind a
// single mutex.
type MemStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	ready map[string][]string // queue -> queued job ids, FIFO
	now   func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:  make(map[string]*Job),
		ready: make(map[string][]string),
		now:   time.Now,
	}
}

// SetClock overrides the store clock; tests use it to step time.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemStore) Submit(_ context.Context, job *Job, opts SubmitOptions) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && existing.State != StateDead {
		return existing.Clone(), false, nil
	}

	now := s.now()
	j := job.Clone()
	j.CreatedAt = now
	j.Attempts = 0
	j.Progress = 0
	j.ParentID = opts.ParentID
	if opts.MaxAttempts > 0 {
		j.MaxAttempts = opts.MaxAttempts
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 1
	}
	if opts.Delay > 0 {
		j.State = StateDelayed
		j.NotBefore = now.Add(opts.Delay)
	} else {
		j.State = StateQueued
		j.NotBefore = now
		s.ready[j.Queue] = append(s.ready[j.Queue], j.ID)
	}
	s.jobs[j.ID] = j
	return j.Clone(), true, nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// promoteDelayedLocked moves due delayed jobs into the ready list.
func (s *MemStore) promoteDelayedLocked(queue string, now time.Time) {
	for _, j := range s.jobs {
		if j.Queue == queue && j.State == StateDelayed && !j.NotBefore.After(now) {
			j.State = StateQueued
			s.ready[queue] = append(s.ready[queue], j.ID)
		}
	}
}

func (s *MemStore) ClaimNext(_ context.Context, queue, token string, lease time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.promoteDelayedLocked(queue, now)

	ids := s.ready[queue]
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		j, ok := s.jobs[id]
		if !ok || j.State != StateQueued {
			continue // cancelled or replaced while queued
		}
		s.ready[queue] = ids
		j.State = StateActive
		j.Attempts++
		j.Progress = 0
		j.OwnerToken = token
		j.LeaseUntil = now.Add(lease)
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
		return j.Clone(), nil
	}
	s.ready[queue] = ids
	return nil, nil
}

func (s *MemStore) owned(id, token string) (*Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != StateActive || j.OwnerToken != token {
		return nil, ErrNotOwner
	}
	return j, nil
}

func (s *MemStore) Heartbeat(_ context.Context, id, token string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	j.LeaseUntil = s.now().Add(lease)
	return nil
}

func (s *MemStore) SetProgress(_ context.Context, id, token string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	if value > j.Progress {
		if value > 100 {
			value = 100
		}
		j.Progress = value
	}
	return nil
}

func (s *MemStore) Complete(_ context.Context, id, token string, result json.RawMessage) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	j.State = StateCompleted
	j.Progress = 100
	j.Result = append(json.RawMessage(nil), result...)
	j.FinishedAt = &now
	j.OwnerToken = ""
	return j.Clone(), nil
}

func (s *MemStore) Fail(_ context.Context, id, token string, kind ErrorKind, msg string, retryIn time.Duration, toDead bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	j.ErrorKind = kind
	j.Error = msg
	j.OwnerToken = ""
	j.Progress = 0
	if toDead {
		j.State = StateDead
		j.FinishedAt = &now
	} else {
		j.State = StateDelayed
		j.NotBefore = now.Add(retryIn)
	}
	return j.Clone(), nil
}

func (s *MemStore) AppendChild(_ context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.jobs[parentID]
	if !ok {
		return ErrNotFound
	}
	for _, id := range p.ChildrenIDs {
		if id == childID {
			return nil
		}
	}
	p.ChildrenIDs = append(p.ChildrenIDs, childID)
	return nil
}

func (s *MemStore) ListChildren(_ context.Context, parentID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.jobs[parentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Job, 0, len(p.ChildrenIDs))
	for _, id := range p.ChildrenIDs {
		if c, ok := s.jobs[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *MemStore) Cancel(_ context.Context, id, cause string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch j.State {
	case StateCompleted, StateDead:
		// already terminal, nothing to remove
	case StateActive:
		j.Cancelled = true
		j.Error = cause
		j.ErrorKind = KindCancelled
	default: // queued, delayed, failed
		now := s.now()
		j.State = StateDead
		j.Error = cause
		j.ErrorKind = KindCancelled
		j.FinishedAt = &now
	}
	return j.Clone(), nil
}

func (s *MemStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	return j.Cancelled, nil
}

func (s *MemStore) RequeueExpired(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, j := range s.jobs {
		if j.Queue != queue || j.State != StateActive || j.LeaseUntil.After(now) {
			continue
		}
		n++
		j.OwnerToken = ""
		j.Progress = 0
		if j.Attempts >= j.MaxAttempts {
			j.State = StateDead
			j.ErrorKind = KindTimeout
			j.Error = "visibility timeout expired with no attempts left"
			t := now
			j.FinishedAt = &t
		} else {
			j.State = StateQueued
			s.ready[queue] = append(s.ready[queue], j.ID)
		}
	}
	return n, nil
}
