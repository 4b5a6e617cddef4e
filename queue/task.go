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

package queue

import (
	"context"
	"encoding/json"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/progress"
)

// Task is the handler-side view of one claimed attempt. Its methods are
// the worker's checkpoints: they persist progress, extend the lease and
// surface cancellation, so handlers call them between suspension points.
type Task struct {
	Job *jobs.Job

	rt    *Runtime
	qcfg  params.QueueConfig
	token string
}

// Progress records a checkpoint value, publishes it and extends the
// claim lease. It returns a cancellation or deadline error when the
// attempt should stop.
func (t *Task) Progress(ctx context.Context, value int) error {
	if err := t.Checkpoint(ctx); err != nil {
		return err
	}
	if err := t.rt.store.SetProgress(ctx, t.Job.ID, t.token, value); err != nil {
		return err
	}
	if err := t.rt.store.Heartbeat(ctx, t.Job.ID, t.token, t.qcfg.VisibilityTimeout); err != nil {
		return err
	}
	t.rt.bus.Publish(ctx, progress.Progress(t.Job.ID, t.Job.Queue, value))
	return nil
}

// Checkpoint reports whether the attempt may continue.
func (t *Task) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return jobs.NewError(jobs.KindTimeout, "attempt deadline exceeded")
		}
		return jobs.NewError(jobs.KindCancelled, "attempt cancelled")
	}
	cancelled, err := t.rt.store.CancelRequested(ctx, t.Job.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return jobs.NewError(jobs.KindCancelled, "attempt cancelled")
	}
	return nil
}

// SubmitChild enqueues a dependent job and links it to this task's job.
func (t *Task) SubmitChild(ctx context.Context, kind jobs.Kind, key, requestID string, payload any) (*jobs.Job, error) {
	return t.rt.Submit(ctx, kind, key, requestID, payload, jobs.SubmitOptions{ParentID: t.Job.ID})
}

// Children lists the current state of this job's children.
func (t *Task) Children(ctx context.Context) ([]*jobs.Job, error) {
	return t.rt.store.ListChildren(ctx, t.Job.ID)
}

// CancelChild removes one child, used when a parent gives up on it.
func (t *Task) CancelChild(ctx context.Context, childID, cause string) error {
	return t.rt.Cancel(ctx, childID, cause)
}

// Unmarshal decodes the job payload into v.
func (t *Task) Unmarshal(v any) error {
	if len(t.Job.Payload) == 0 {
		return jobs.NewError(jobs.KindValidation, "job %s has no payload", t.Job.ID)
	}
	if err := json.Unmarshal(t.Job.Payload, v); err != nil {
		return jobs.WrapError(jobs.KindValidation, err, "decode payload of %s", t.Job.ID)
	}
	return nil
}
