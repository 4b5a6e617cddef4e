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

// Package locker provides advisory per-key mutual exclusion with ownership
// tokens and TTL, used to enforce at-most-one active sync or analysis per
// wallet across the cluster.
package locker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Locker is the distributed lock contract. Locks are advisory: a holder
// must finish or Extend before its TTL lapses. Release and Extend are
// token-guarded so an expired holder cannot release a successor's lock.
type Locker interface {
	// Acquire creates the lock record if absent. It returns true only when
	// a new record was created for this token.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release deletes the record only when the stored token matches.
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend refreshes the expiry while the token still owns the key.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Held reports whether any token currently owns the key. Used by the
	// HTTP boundary to reject submissions with 503 before queueing.
	Held(ctx context.Context, key string) (bool, error)
}

// NewToken returns a fresh ownership token.
func NewToken() string { return uuid.NewString() }

// Lock keys used by the core. One key per wallet per concern.
func SyncKey(addr string) string      { return "wallet:" + addr + ":sync" }
func PNLKey(addr string) string       { return "wallet:" + addr + ":pnl" }
func BehaviorKey(addr string) string  { return "wallet:" + addr + ":behavior" }
func DashboardKey(addr string) string { return "wallet:" + addr + ":dashboard-analysis" }
