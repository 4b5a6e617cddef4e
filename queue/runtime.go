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

// Package queue implements the queue runtime: bounded worker pools per
// named queue, the retry/backoff policy, the visibility-timeout reaper and
// the cancellation cascade. Workers raise classified errors; the runtime
// alone decides retry versus dead-letter.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/progress"
)

// Handler executes one job attempt and returns the result payload. A nil
// error completes the job; a classified error lets the runtime decide the
// retry. Handlers must honor ctx and check the task's checkpoints between
// suspension points.
type Handler func(ctx context.Context, task *Task) (json.RawMessage, error)

// Runtime owns the worker pools of all named queues.
type Runtime struct {
	store    jobs.Store
	bus      progress.Bus
	cfg      *params.Config
	log      *zap.SugaredLogger
	handlers map[jobs.Kind]Handler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a runtime. Handlers are registered before Start.
func New(store jobs.Store, bus progress.Bus, cfg *params.Config, log *zap.SugaredLogger) *Runtime {
	return &Runtime{
		store:    store,
		bus:      bus,
		cfg:      cfg,
		log:      log.With("component", "queue"),
		handlers: make(map[jobs.Kind]Handler),
	}
}

// Register binds a handler to a job kind. Not safe after Start.
func (r *Runtime) Register(kind jobs.Kind, h Handler) {
	r.handlers[kind] = h
}

// Store exposes the job store for read paths (HTTP job reads, barriers).
func (r *Runtime) Store() jobs.Store { return r.store }

// Bus exposes the progress bus for subscribers.
func (r *Runtime) Bus() progress.Bus { return r.bus }

// Submit creates (or dedups onto) the deterministic job for the given
// tuple and enqueues it. The payload is JSON-encoded unless already raw.
func (r *Runtime) Submit(ctx context.Context, kind jobs.Kind, key, requestID string, payload any, opts jobs.SubmitOptions) (*jobs.Job, error) {
	queueName := jobs.QueueFor(kind)
	qcfg := r.cfg.Queue(queueName)
	if qcfg == nil {
		return nil, jobs.NewError(jobs.KindValidation, "unknown queue for kind %s", kind)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, jobs.WrapError(jobs.KindValidation, err, "encode payload for %s", kind)
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = qcfg.MaxAttempts
	}
	job := &jobs.Job{
		ID:      jobs.DeterministicID(kind, key, requestID),
		Queue:   queueName,
		Kind:    kind,
		Payload: raw,
	}
	out, created, err := r.store.Submit(ctx, job, opts)
	if err != nil {
		return nil, err
	}
	if created {
		r.log.Debugw("job submitted", "id", out.ID, "kind", kind, "queue", queueName)
	} else {
		r.log.Debugw("job submission deduplicated", "id", out.ID, "kind", kind, "state", out.State)
	}
	if opts.ParentID != "" {
		if err := r.store.AppendChild(ctx, opts.ParentID, out.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Cancel removes a job and cascades to its children, depth first.
func (r *Runtime) Cancel(ctx context.Context, id, cause string) error {
	children, err := r.store.ListChildren(ctx, id)
	if err != nil && err != jobs.ErrNotFound {
		return err
	}
	for _, child := range children {
		if child.State.Terminal() {
			continue
		}
		if err := r.Cancel(ctx, child.ID, "parent cancelled: "+cause); err != nil {
			return err
		}
	}
	_, err = r.store.Cancel(ctx, id, cause)
	return err
}

// Start launches the worker pools and reapers for every configured queue.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)

	for i := range r.cfg.Queues {
		qcfg := r.cfg.Queues[i]
		for w := 0; w < qcfg.Concurrency; w++ {
			r.wg.Add(1)
			go func(id int) {
				defer r.wg.Done()
				r.workerLoop(ctx, qcfg, id)
			}(w)
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.reaperLoop(ctx, qcfg)
		}()
	}
	r.log.Infow("queue runtime started", "queues", len(r.cfg.Queues))
}

// Stop cancels the loops and waits for in-flight attempts to drain.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runtime) workerLoop(ctx context.Context, qcfg params.QueueConfig, id int) {
	token := fmt.Sprintf("%s-w%d-%06x", qcfg.Name, id, rand.Int31())
	ticker := time.NewTicker(qcfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Drain the queue before going back to sleep.
		for {
			job, err := r.store.ClaimNext(ctx, qcfg.Name, token, qcfg.VisibilityTimeout)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Errorw("claim failed", "queue", qcfg.Name, "err", err)
				}
				break
			}
			if job == nil {
				break
			}
			r.execute(ctx, qcfg, token, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (r *Runtime) reaperLoop(ctx context.Context, qcfg params.QueueConfig) {
	interval := qcfg.VisibilityTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.RequeueExpired(ctx, qcfg.Name)
			if err != nil {
				r.log.Errorw("reaper failed", "queue", qcfg.Name, "err", err)
				continue
			}
			if n > 0 {
				leaseExpirations.WithLabelValues(qcfg.Name).Add(float64(n))
				r.log.Warnw("requeued expired leases", "queue", qcfg.Name, "count", n)
			}
		}
	}
}

// execute runs one attempt: handler under a per-kind timeout, with a
// watcher that turns a store-side cancellation flag into ctx cancellation.
func (r *Runtime) execute(ctx context.Context, qcfg params.QueueConfig, token string, job *jobs.Job) {
	started := time.Now()
	timeout := r.timeoutFor(job.Kind)
	attemptCtx, cancelAttempt := context.WithTimeout(ctx, timeout)
	defer cancelAttempt()

	watchDone := make(chan struct{})
	go r.watchCancellation(attemptCtx, job.ID, cancelAttempt, watchDone)

	task := &Task{rt: r, qcfg: qcfg, token: token, Job: job}
	result, err := r.runHandler(attemptCtx, task)
	cancelAttempt()
	<-watchDone

	duration := time.Since(started)
	jobDuration.WithLabelValues(qcfg.Name, string(job.Kind)).Observe(duration.Seconds())

	if err == nil {
		done, cerr := r.store.Complete(ctx, job.ID, token, result)
		if cerr != nil {
			r.log.Errorw("commit completion", "id", job.ID, "err", cerr)
			return
		}
		jobsProcessed.WithLabelValues(qcfg.Name, "completed").Inc()
		// Terminal event only after the record is committed.
		r.bus.Publish(ctx, progress.Completed(done.ID, done.Queue, done.Result, duration))
		r.log.Infow("job completed", "id", job.ID, "kind", job.Kind, "duration", duration)
		return
	}

	err = r.normalizeAttemptError(attemptCtx, job, err, timeout)
	kind := jobs.KindOf(err)
	retriable := kind.Retriable() && job.Attempts < job.MaxAttempts
	if retriable {
		delay := backoff(qcfg, job.Attempts)
		if _, ferr := r.store.Fail(ctx, job.ID, token, kind, err.Error(), delay, false); ferr != nil {
			r.log.Errorw("commit retry", "id", job.ID, "err", ferr)
			return
		}
		jobRetries.WithLabelValues(qcfg.Name).Inc()
		r.bus.Publish(ctx, progress.Failed(job.ID, job.Queue, err.Error()))
		r.log.Warnw("job attempt failed, retrying", "id", job.ID, "kind", job.Kind,
			"errorKind", kind, "attempt", job.Attempts, "maxAttempts", job.MaxAttempts, "retryIn", delay, "err", err)
		return
	}

	if _, ferr := r.store.Fail(ctx, job.ID, token, kind, err.Error(), 0, true); ferr != nil {
		r.log.Errorw("commit dead-letter", "id", job.ID, "err", ferr)
		return
	}
	jobsProcessed.WithLabelValues(qcfg.Name, "dead").Inc()
	// A dying parent takes its still-running children with it.
	if cerr := r.cancelChildren(ctx, job.ID, "parent failed: "+err.Error()); cerr != nil {
		r.log.Errorw("cancel children of dead job", "id", job.ID, "err", cerr)
	}
	r.bus.Publish(ctx, progress.Failed(job.ID, job.Queue, err.Error()))
	r.log.Errorw("job dead-lettered", "id", job.ID, "kind", job.Kind, "errorKind", kind, "attempts", job.Attempts, "err", err)
}

func (r *Runtime) cancelChildren(ctx context.Context, id, cause string) error {
	children, err := r.store.ListChildren(ctx, id)
	if err != nil {
		if err == jobs.ErrNotFound {
			return nil
		}
		return err
	}
	for _, child := range children {
		if child.State.Terminal() {
			continue
		}
		if err := r.Cancel(ctx, child.ID, cause); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) runHandler(ctx context.Context, task *Task) (result json.RawMessage, err error) {
	handler, ok := r.handlers[task.Job.Kind]
	if !ok {
		return nil, jobs.NewError(jobs.KindValidation, "no handler registered for kind %s", task.Job.Kind)
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorw("handler panicked", "id", task.Job.ID, "panic", rec, "stack", string(debug.Stack()))
			err = jobs.NewError(jobs.KindInternal, "handler panic: %v", rec)
		}
	}()
	return handler(ctx, task)
}

// normalizeAttemptError maps context termination onto the error taxonomy:
// deadline -> timeout, store-side cancel flag -> cancelled.
func (r *Runtime) normalizeAttemptError(attemptCtx context.Context, job *jobs.Job, err error, timeout time.Duration) error {
	if cancelled, cerr := r.store.CancelRequested(context.WithoutCancel(attemptCtx), job.ID); cerr == nil && cancelled {
		return jobs.NewError(jobs.KindCancelled, "attempt cancelled")
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return jobs.WrapError(jobs.KindTimeout, err, "attempt exceeded %s", timeout)
	}
	return err
}

func (r *Runtime) watchCancellation(ctx context.Context, id string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := r.store.CancelRequested(ctx, id)
			if err == nil && cancelled {
				cancel()
				return
			}
		}
	}
}

func (r *Runtime) timeoutFor(kind jobs.Kind) time.Duration {
	t := r.cfg.Timeouts
	switch kind {
	case jobs.KindSyncWallet:
		return t.Sync
	case jobs.KindFetchBalance:
		return t.Balance
	case jobs.KindAnalyzePNL:
		return t.PNL
	case jobs.KindAnalyzeBehavior:
		return t.Behavior
	case jobs.KindDashboardAnalysis:
		return t.Dashboard
	case jobs.KindSimilarityFlow:
		return t.Similarity
	case jobs.KindEnrichTokenBalances:
		return t.Enrichment
	default:
		return time.Minute
	}
}

// backoff computes the retry delay for the next attempt with +-10% jitter
// to avoid thundering herds on a shared upstream.
func backoff(qcfg params.QueueConfig, attempt int) time.Duration {
	base := qcfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	d := base
	if qcfg.Backoff == params.BackoffExponential {
		d = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	}
	if qcfg.BackoffMax > 0 && d > qcfg.BackoffMax {
		d = qcfg.BackoffMax
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * 0.1 * float64(d))
	if d += jitter; d < base {
		d = base
	}
	return d
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
