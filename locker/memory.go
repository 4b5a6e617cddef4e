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

package locker

import (
	"context"
	"sync"
	"time"
)

type memLock struct {
	token     string
	expiresAt time.Time
}

// MemLocker is a process-local Locker for tests and single-node runs.
type MemLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
	now   func() time.Time
}

// NewMemLocker creates an empty in-memory locker.
func NewMemLocker() *MemLocker {
	return &MemLocker{locks: make(map[string]memLock), now: time.Now}
}

// SetClock overrides the locker clock; tests use it to expire locks.
func (l *MemLocker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemLocker) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.locks[key]; ok && cur.expiresAt.After(now) {
		return false, nil
	}
	l.locks[key] = memLock{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.locks[key]
	if !ok || cur.token != token || !cur.expiresAt.After(l.now()) {
		return false, nil
	}
	delete(l.locks, key)
	return true, nil
}

func (l *MemLocker) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.locks[key]
	if !ok || cur.token != token || !cur.expiresAt.After(now) {
		return false, nil
	}
	l.locks[key] = memLock{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemLocker) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.locks[key]
	return ok && cur.expiresAt.After(l.now()), nil
}
