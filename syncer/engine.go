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

// Package syncer brings a wallet's local transaction history to a target
// depth from the upstream provider. All wallet state mutation happens
// under the wallet's sync lock; state advancement is monotonic (newest
// bound only moves forward, oldest bound only backward).
package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/locker"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/provider"
	"github.com/nydiokar/analyzer/storage"
)

// Repository is the slice of the storage layer the engine writes through.
type Repository interface {
	GetWallet(ctx context.Context, addr string) (*storage.Wallet, error)
	EnsureWallet(ctx context.Context, addr string) error
	AdvanceSyncState(ctx context.Context, addr, newestSig string, newestTS, oldestTS int64) error
	InsertTransactions(ctx context.Context, addr string, txs []provider.Transaction) (int64, error)
	CountTransactions(ctx context.Context, addr string) (int, error)
}

// TxIterator pages a wallet's history newest-first; nil page means done.
type TxIterator interface {
	NextPage(ctx context.Context) ([]provider.Transaction, error)
}

// TxSource opens history iterations.
type TxSource interface {
	Transactions(addr string, opts provider.IterOptions) TxIterator
}

// ProviderSource adapts provider.Client to TxSource.
type ProviderSource struct {
	Client *provider.Client
}

func (s ProviderSource) Transactions(addr string, opts provider.IterOptions) TxIterator {
	return s.Client.Transactions(addr, opts)
}

// Options tune one sync run.
type Options struct {
	BatchSize     int  `json:"batchSize,omitempty"`
	FetchAll      bool `json:"fetchAll,omitempty"`
	SkipAPI       bool `json:"skipApi,omitempty"`
	FetchOlder    bool `json:"fetchOlder,omitempty"`
	MaxSignatures int  `json:"maxSignatures,omitempty"`
	SmartFetch    bool `json:"smartFetch,omitempty"`
	ForceRefresh  bool `json:"forceRefresh,omitempty"`

	// Checkpoint is invoked between upstream pages; a non-nil return
	// aborts the run. The queue layer uses it to heartbeat and to
	// observe cancellation.
	Checkpoint func(ctx context.Context) error `json:"-"`
}

// Sync outcome statuses.
const (
	StatusSynced         = "synced"
	StatusAlreadyCurrent = "already-current"
	StatusSkippedAPI     = "skipped-api"
)

// Result summarizes one sync run.
type Result struct {
	Status  string `json:"status"`
	NewRows int64  `json:"newRows"`
	Pages   int    `json:"pages"`
}

// Engine executes sync runs.
type Engine struct {
	repo    Repository
	src     TxSource
	locks   locker.Locker
	cfg     params.SyncConfig
	lockTTL time.Duration
	log     *zap.SugaredLogger
	now     func() time.Time
}

// New wires an engine. lockTTL should exceed the sync job timeout.
func New(repo Repository, src TxSource, locks locker.Locker, cfg params.SyncConfig, lockTTL time.Duration, log *zap.SugaredLogger) *Engine {
	return &Engine{
		repo:    repo,
		src:     src,
		locks:   locks,
		cfg:     cfg,
		lockTTL: lockTTL,
		log:     log.With("component", "syncer"),
		now:     time.Now,
	}
}

// SetClock overrides the engine clock for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Sync runs one synchronization of addr under the wallet's sync lock.
// Another holder fails the run with a lock-contention error so the queue
// retries it with backoff.
func (e *Engine) Sync(ctx context.Context, addr string, opts Options) (*Result, error) {
	if opts.SkipAPI {
		return &Result{Status: StatusSkippedAPI}, nil
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = e.cfg.BatchSize
	}
	if opts.MaxSignatures <= 0 {
		opts.MaxSignatures = e.cfg.MaxSignatures
	}
	if opts.Checkpoint == nil {
		opts.Checkpoint = func(context.Context) error { return nil }
	}

	token := locker.NewToken()
	key := locker.SyncKey(addr)
	ok, err := e.locks.Acquire(ctx, key, token, e.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, jobs.NewError(jobs.KindLockContention, "sync lock held for wallet %s", addr)
	}
	defer func() {
		if _, rerr := e.locks.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			e.log.Warnw("release sync lock", "wallet", addr, "err", rerr)
		}
	}()

	if err := e.repo.EnsureWallet(ctx, addr); err != nil {
		return nil, err
	}
	wallet, err := e.repo.GetWallet(ctx, addr)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, jobs.NewError(jobs.KindDataInvariant, "wallet %s missing after ensure", addr)
	}

	if !opts.ForceRefresh && !opts.FetchOlder && !opts.FetchAll &&
		wallet.LastSuccessfulFetchAt.Valid &&
		e.now().Sub(time.Unix(wallet.LastSuccessfulFetchAt.Int64, 0)) < params.SyncStalenessAge {
		e.log.Debugw("sync skipped, wallet fresh", "wallet", addr)
		return &Result{Status: StatusAlreadyCurrent}, nil
	}

	var res *Result
	if opts.SmartFetch {
		res, err = e.smartFetch(ctx, addr, wallet, opts)
	} else {
		res, err = e.standardFetch(ctx, addr, wallet, opts)
	}
	if err != nil {
		return nil, err
	}
	e.log.Infow("sync finished", "wallet", addr, "status", res.Status, "newRows", res.NewRows, "pages", res.Pages)
	return res, nil
}

// window aggregates one iterator drain.
type window struct {
	newestSig string
	newestTS  int64
	oldestTS  int64
	rows      int64
	pages     int
}

// drain persists every page of it in batches and returns the window
// boundaries. Pages arrive newest-first, so the first row of the first
// page is the window's newest and the last row seen is its oldest.
func (e *Engine) drain(ctx context.Context, addr string, it TxIterator, opts Options) (*window, error) {
	w := &window{}
	for {
		if err := opts.Checkpoint(ctx); err != nil {
			return nil, err
		}
		page, err := it.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if page == nil {
			return w, nil
		}
		w.pages++
		if w.newestSig == "" {
			w.newestSig = page[0].Signature
			w.newestTS = page[0].BlockTime
		}
		w.oldestTS = page[len(page)-1].BlockTime
		for start := 0; start < len(page); start += opts.BatchSize {
			end := start + opts.BatchSize
			if end > len(page) {
				end = len(page)
			}
			n, err := e.repo.InsertTransactions(ctx, addr, page[start:end])
			if err != nil {
				return nil, err
			}
			w.rows += n
		}
	}
}

// commit advances wallet state from a drained window. Empty windows still
// touch last_successful_fetch_at so staleness reflects the attempt.
func (e *Engine) commit(ctx context.Context, addr string, w *window) error {
	return e.repo.AdvanceSyncState(ctx, addr, w.newestSig, w.newestTS, w.oldestTS)
}

// standardFetch is the single-phase strategy: a capped full fetch for new
// wallets (or explicit older/full fetches), otherwise incremental down to
// the already-processed boundary.
func (e *Engine) standardFetch(ctx context.Context, addr string, wallet *storage.Wallet, opts Options) (*Result, error) {
	iterOpts := provider.IterOptions{
		PageSize:      opts.BatchSize,
		MaxSignatures: opts.MaxSignatures,
	}
	isNew := !wallet.NewestProcessedSignature.Valid
	switch {
	case isNew || opts.FetchAll:
		// Capped fetch from the top of the history.
	case opts.FetchOlder:
		if wallet.OldestProcessedTimestamp.Valid {
			iterOpts.UntilOlderThanTS = wallet.OldestProcessedTimestamp.Int64
		}
	default:
		iterOpts.StopAtSignature = wallet.NewestProcessedSignature.String
		iterOpts.NewestTS = wallet.NewestProcessedTimestamp.Int64
	}

	w, err := e.drain(ctx, addr, e.src.Transactions(addr, iterOpts), opts)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, addr, w); err != nil {
		return nil, err
	}
	return &Result{Status: StatusSynced, NewRows: w.rows, Pages: w.pages}, nil
}

// smartFetch fills the local store toward opts.MaxSignatures in two
// phases: newer history first, then older history only if the newer phase
// left the store below the fill ratio of the target.
func (e *Engine) smartFetch(ctx context.Context, addr string, wallet *storage.Wallet, opts Options) (*Result, error) {
	count, err := e.repo.CountTransactions(ctx, addr)
	if err != nil {
		return nil, err
	}
	if count >= opts.MaxSignatures {
		return &Result{Status: StatusAlreadyCurrent}, nil
	}

	// Phase A: newer than the processed window.
	iterA := provider.IterOptions{
		PageSize:        opts.BatchSize,
		MaxSignatures:   opts.MaxSignatures,
		StopAtSignature: wallet.NewestProcessedSignature.String,
		NewestTS:        wallet.NewestProcessedTimestamp.Int64,
	}
	wa, err := e.drain(ctx, addr, e.src.Transactions(addr, iterA), opts)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, addr, wa); err != nil {
		return nil, err
	}
	res := &Result{Status: StatusSynced, NewRows: wa.rows, Pages: wa.pages}

	count, err = e.repo.CountTransactions(ctx, addr)
	if err != nil {
		return nil, err
	}
	// Exactly at the fill ratio still proceeds to phase B.
	if float64(count) > params.SmartFetchFillRatio*float64(opts.MaxSignatures) {
		return res, nil
	}

	// Phase B: extend backwards with only the remaining budget.
	wallet, err = e.repo.GetWallet(ctx, addr)
	if err != nil {
		return nil, err
	}
	need := opts.MaxSignatures - count
	iterB := provider.IterOptions{
		PageSize:      opts.BatchSize,
		MaxSignatures: need,
	}
	if wallet.OldestProcessedTimestamp.Valid {
		iterB.UntilOlderThanTS = wallet.OldestProcessedTimestamp.Int64
	}
	wb, err := e.drain(ctx, addr, e.src.Transactions(addr, iterB), opts)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, addr, wb); err != nil {
		return nil, err
	}
	res.NewRows += wb.rows
	res.Pages += wb.pages
	return res, nil
}
