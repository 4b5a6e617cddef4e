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
	"errors"
	"time"
)

// ErrNotFound is returned for lookups of unknown job ids.
var ErrNotFound = errors.New("jobs: job not found")

// ErrNotOwner is returned when a mutation carries a stale owner token,
// i.e. the job's lease expired and another worker claimed it.
var ErrNotOwner = errors.New("jobs: not the lease owner")

// SubmitOptions carries the optional parts of a submission.
type SubmitOptions struct {
	ParentID    string
	Delay       time.Duration
	MaxAttempts int // 0 means the queue default decided by the runtime
}

// Store persists job records and implements the claim/lease protocol the
// queue runtime drives. All mutations are atomic with respect to
// concurrent workers, in-process or across processes.
//
// Submit is idempotent on the deterministic id: if a record with that id
// exists and is not dead, the existing record is returned with created ==
// false. A dead record is replaced by a fresh submission.
type Store interface {
	Submit(ctx context.Context, job *Job, opts SubmitOptions) (out *Job, created bool, err error)
	Get(ctx context.Context, id string) (*Job, error)

	// ClaimNext atomically promotes due delayed jobs and claims the oldest
	// queued job of the queue for the given worker token. It returns nil
	// with no error when the queue is empty.
	ClaimNext(ctx context.Context, queue, token string, lease time.Duration) (*Job, error)

	// Heartbeat extends the claim lease; it fails with ErrNotOwner when the
	// token no longer owns the job.
	Heartbeat(ctx context.Context, id, token string, lease time.Duration) error

	// SetProgress records a progress value for the current attempt. Values
	// below the stored one are ignored, keeping progress monotonic within
	// an attempt.
	SetProgress(ctx context.Context, id, token string, value int) error

	// Complete transitions active -> completed, forcing progress to 100.
	Complete(ctx context.Context, id, token string, result json.RawMessage) (*Job, error)

	// Fail terminates the current attempt. With toDead the job transitions
	// to dead; otherwise it is delayed for retryIn and requeued, with
	// progress reset for the next attempt.
	Fail(ctx context.Context, id, token string, kind ErrorKind, msg string, retryIn time.Duration, toDead bool) (*Job, error)

	AppendChild(ctx context.Context, parentID, childID string) error
	ListChildren(ctx context.Context, parentID string) ([]*Job, error)

	// Cancel removes a non-terminal job: queued/delayed jobs go straight to
	// dead, active jobs get a cancellation flag their worker observes at
	// the next checkpoint. Terminal jobs are returned unchanged.
	Cancel(ctx context.Context, id, cause string) (*Job, error)
	CancelRequested(ctx context.Context, id string) (bool, error)

	// RequeueExpired returns active jobs whose lease lapsed to the queue
	// (attempts were already counted at claim time); jobs that already
	// consumed all attempts go to dead. It returns the number touched.
	RequeueExpired(ctx context.Context, queue string) (int, error)
}
