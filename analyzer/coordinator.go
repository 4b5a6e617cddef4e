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

// Package analyzer orchestrates per-wallet analysis: the single-step PNL
// and behavior jobs, the composite dashboard flow (sync and balance fetch
// in parallel, then PNL, then behavior, then a detached enrichment child)
// and the staleness policy deciding what can be skipped. Per-wallet
// mutual exclusion comes from the lock service; PNL and behavior run
// sequentially in a flow because both read-modify-write the wallet's
// analysis rows.
package analyzer

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/locker"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/provider"
	"github.com/nydiokar/analyzer/queue"
	"github.com/nydiokar/analyzer/storage"
	"github.com/nydiokar/analyzer/syncer"
)

// lockMargin pads lock TTLs past the job timeout so a slow commit does
// not lose ownership mid-write.
const lockMargin = 30 * time.Second

// balanceWait bounds how long the enrichment step waits for the balance
// fetch launched in parallel at the start of the flow.
const balanceWait = 2 * time.Second

// Repository is the slice of the storage layer analysis reads and writes.
type Repository interface {
	GetWallet(ctx context.Context, addr string) (*storage.Wallet, error)
	SetLastAnalyzed(ctx context.Context, addr string, ts int64) error
	Transactions(ctx context.Context, addr string, fromTS, toTS int64) ([]storage.TxRecord, error)
	SavePNLResults(ctx context.Context, addr string, rows []storage.PNLRow) error
	PNLResults(ctx context.Context, addr string) ([]storage.PNLRow, error)
	SaveBehaviorResult(ctx context.Context, row storage.BehaviorRow) error
	TokenAddresses(ctx context.Context, addr string) ([]string, error)
	UpsertTokenMetadata(ctx context.Context, metas []provider.TokenMeta) error
}

// BalanceFetcher fetches the current token balance snapshot.
type BalanceFetcher interface {
	Balances(ctx context.Context, addr string) ([]provider.TokenBalance, error)
}

// MetaFetcher resolves token metadata for enrichment.
type MetaFetcher interface {
	TokenMetadata(ctx context.Context, mints []string) ([]provider.TokenMeta, error)
}

// TimeRange bounds an analysis window; zero bounds are open.
type TimeRange struct {
	FromTS int64 `json:"fromTs,omitempty"`
	ToTS   int64 `json:"toTs,omitempty"`
}

// Job payloads. RequestID is carried in the payload as well as in the
// deterministic ID so workers can derive child IDs.
type (
	SyncPayload struct {
		WalletAddress string         `json:"walletAddress"`
		Options       syncer.Options `json:"options"`
		RequestID     string         `json:"requestId"`
	}
	BalancePayload struct {
		WalletAddress string `json:"walletAddress"`
		RequestID     string `json:"requestId"`
	}
	PNLPayload struct {
		WalletAddress string `json:"walletAddress"`
		ForceRefresh  bool   `json:"forceRefresh,omitempty"`
		RequestID     string `json:"requestId"`
	}
	BehaviorPayload struct {
		WalletAddress string     `json:"walletAddress"`
		TimeRange     *TimeRange `json:"timeRange,omitempty"`
		ExcludeMints  []string   `json:"excludeMints,omitempty"`
		RequestID     string     `json:"requestId"`
	}
	DashboardPayload struct {
		WalletAddress  string `json:"walletAddress"`
		ForceRefresh   bool   `json:"forceRefresh,omitempty"`
		EnrichMetadata bool   `json:"enrichMetadata,omitempty"`
		RequestID      string `json:"requestId"`
	}
	EnrichPayload struct {
		WalletAddress  string   `json:"walletAddress"`
		TokenAddresses []string `json:"tokenAddresses"`
		RequestID      string   `json:"requestId"`
	}
)

// DashboardResult is the composite flow's result payload.
type DashboardResult struct {
	WalletAddress   string `json:"walletAddress"`
	SyncStatus      string `json:"syncStatus"`
	PNLSkipped      bool   `json:"pnlSkipped"`
	PNLTokens       int    `json:"pnlTokens"`
	TradingStyle    string `json:"tradingStyle"`
	EnrichmentJobID string `json:"enrichmentJobId,omitempty"`
	DurationMS      int64  `json:"durationMs"`
}

// Coordinator owns the analysis job handlers.
type Coordinator struct {
	repo     Repository
	engine   *syncer.Engine
	balances BalanceFetcher
	meta     MetaFetcher
	locks    locker.Locker
	cfg      *params.Config
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewCoordinator wires the coordinator.
func NewCoordinator(repo Repository, engine *syncer.Engine, balances BalanceFetcher, meta MetaFetcher, locks locker.Locker, cfg *params.Config, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		repo:     repo,
		engine:   engine,
		balances: balances,
		meta:     meta,
		locks:    locks,
		cfg:      cfg,
		log:      log.With("component", "analyzer"),
		now:      time.Now,
	}
}

// SetClock overrides the coordinator clock for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Register binds every analysis kind to the runtime.
func (c *Coordinator) Register(rt *queue.Runtime) {
	rt.Register(jobs.KindSyncWallet, c.handleSync)
	rt.Register(jobs.KindFetchBalance, c.handleFetchBalance)
	rt.Register(jobs.KindAnalyzePNL, c.handlePNL)
	rt.Register(jobs.KindAnalyzeBehavior, c.handleBehavior)
	rt.Register(jobs.KindDashboardAnalysis, c.handleDashboard)
	rt.Register(jobs.KindEnrichTokenBalances, c.handleEnrich)
}

func (c *Coordinator) handleSync(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	var p SyncPayload
	if err := task.Unmarshal(&p); err != nil {
		return nil, err
	}
	if err := task.Progress(ctx, 10); err != nil {
		return nil, err
	}
	opts := p.Options
	opts.Checkpoint = task.Checkpoint
	res, err := c.engine.Sync(ctx, p.WalletAddress, opts)
	if err != nil {
		return nil, err
	}
	if err := task.Progress(ctx, 90); err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (c *Coordinator) handleFetchBalance(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	var p BalancePayload
	if err := task.Unmarshal(&p); err != nil {
		return nil, err
	}
	balances, err := c.balances.Balances(ctx, p.WalletAddress)
	if err != nil {
		return nil, err
	}
	return json.Marshal(balances)
}

func (c *Coordinator) handlePNL(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	var p PNLPayload
	if err := task.Unmarshal(&p); err != nil {
		return nil, err
	}
	skipped, tokens, err := c.runPNL(ctx, p.WalletAddress, p.ForceRefresh, singleStepReporter(ctx, task))
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"skipped": skipped, "tokens": tokens})
}

func (c *Coordinator) handleBehavior(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	var p BehaviorPayload
	if err := task.Unmarshal(&p); err != nil {
		return nil, err
	}
	row, err := c.runBehavior(ctx, p.WalletAddress, p.TimeRange, p.ExcludeMints, singleStepReporter(ctx, task))
	if err != nil {
		return nil, err
	}
	return json.Marshal(row)
}

// singleStepReporter maps the unit progress of one analysis step onto the
// documented single-step anchors 5, 20, 40, 90. The steps report fractions
// 0, 0.3, 0.6 and 1; each lands on its own anchor.
func singleStepReporter(ctx context.Context, task *queue.Task) func(float64) error {
	return func(frac float64) error {
		anchor := 5
		switch {
		case frac >= 1:
			anchor = 90
		case frac >= 0.6:
			anchor = 40
		case frac >= 0.3:
			anchor = 20
		}
		return task.Progress(ctx, anchor)
	}
}

// runPNL executes the PNL step under the wallet's pnl lock. report is
// called with step fractions in [0,1].
func (c *Coordinator) runPNL(ctx context.Context, addr string, force bool, report func(float64) error) (skipped bool, tokens int, err error) {
	token := locker.NewToken()
	key := locker.PNLKey(addr)
	ok, err := c.locks.Acquire(ctx, key, token, c.cfg.Timeouts.PNL+lockMargin)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, jobs.NewError(jobs.KindLockContention, "pnl lock held for wallet %s", addr)
	}
	defer c.release(ctx, key, token)

	if err := report(0); err != nil {
		return false, 0, err
	}
	wallet, err := c.repo.GetWallet(ctx, addr)
	if err != nil {
		return false, 0, err
	}
	if !ShouldRunPNL(wallet, c.now(), force) {
		c.log.Debugw("pnl skipped, analysis fresh", "wallet", addr)
		return true, 0, nil
	}
	if err := report(0.3); err != nil {
		return false, 0, err
	}
	txs, err := c.repo.Transactions(ctx, addr, 0, 0)
	if err != nil {
		return false, 0, err
	}
	if err := report(0.6); err != nil {
		return false, 0, err
	}
	now := c.now()
	rows := ComputePNL(addr, txs, now.Unix())
	if err := c.repo.SavePNLResults(ctx, addr, rows); err != nil {
		return false, 0, err
	}
	if err := c.repo.SetLastAnalyzed(ctx, addr, now.Unix()); err != nil {
		return false, 0, err
	}
	if err := report(1); err != nil {
		return false, 0, err
	}
	return false, len(rows), nil
}

// runBehavior executes the behavior step under the wallet's behavior
// lock. Behavior always recomputes; its cost is amortized.
func (c *Coordinator) runBehavior(ctx context.Context, addr string, tr *TimeRange, excludeMints []string, report func(float64) error) (storage.BehaviorRow, error) {
	var zero storage.BehaviorRow
	token := locker.NewToken()
	key := locker.BehaviorKey(addr)
	ok, err := c.locks.Acquire(ctx, key, token, c.cfg.Timeouts.Behavior+lockMargin)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, jobs.NewError(jobs.KindLockContention, "behavior lock held for wallet %s", addr)
	}
	defer c.release(ctx, key, token)

	if err := report(0); err != nil {
		return zero, err
	}
	var fromTS, toTS int64
	if tr != nil {
		fromTS, toTS = tr.FromTS, tr.ToTS
	}
	txs, err := c.repo.Transactions(ctx, addr, fromTS, toTS)
	if err != nil {
		return zero, err
	}
	if len(excludeMints) > 0 {
		excluded := mapset.NewThreadUnsafeSet(excludeMints...)
		kept := txs[:0]
		for _, tx := range txs {
			if !excluded.Contains(tx.TokenAddress) {
				kept = append(kept, tx)
			}
		}
		txs = kept
	}
	if err := report(0.6); err != nil {
		return zero, err
	}
	row := ComputeBehavior(addr, txs, c.now().Unix())
	if err := c.repo.SaveBehaviorResult(ctx, row); err != nil {
		return zero, err
	}
	if err := report(1); err != nil {
		return zero, err
	}
	return row, nil
}

// handleDashboard is the composite flow. Progress anchors: 5 lock, 10
// staleness, 15 parallel launch, 25 sync awaited, 40-80 PNL then
// behavior, 85 enrichment submitted, 100 done.
func (c *Coordinator) handleDashboard(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	started := c.now()
	var p DashboardPayload
	if err := task.Unmarshal(&p); err != nil {
		return nil, err
	}
	addr := p.WalletAddress

	token := locker.NewToken()
	key := locker.DashboardKey(addr)
	ok, err := c.locks.Acquire(ctx, key, token, c.cfg.Timeouts.Dashboard+lockMargin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, jobs.NewError(jobs.KindLockContention, "dashboard lock held for wallet %s", addr)
	}
	defer c.release(ctx, key, token)
	if err := task.Progress(ctx, 5); err != nil {
		return nil, err
	}

	wallet, err := c.repo.GetWallet(ctx, addr)
	if err != nil {
		return nil, err
	}
	planSync := ShouldSync(wallet, c.now(), p.ForceRefresh)
	if err := task.Progress(ctx, 10); err != nil {
		return nil, err
	}

	// Parallel launch: sync is awaited, the balance snapshot is consumed
	// later only if it arrives within the bounded wait.
	balCh := make(chan balanceOut, 1)
	go func() {
		balances, berr := c.balances.Balances(ctx, addr)
		balCh <- balanceOut{balances, berr}
	}()

	syncCh := make(chan error, 1)
	result := DashboardResult{WalletAddress: addr, SyncStatus: syncer.StatusAlreadyCurrent}
	if planSync {
		go func() {
			res, serr := c.engine.Sync(ctx, addr, syncer.Options{
				SmartFetch:   true,
				ForceRefresh: p.ForceRefresh,
				Checkpoint:   task.Checkpoint,
			})
			if serr == nil {
				result.SyncStatus = res.Status
			}
			syncCh <- serr
		}()
	} else {
		syncCh <- nil
	}
	if err := task.Progress(ctx, 15); err != nil {
		return nil, err
	}

	// Sync completion is required before any analysis read.
	select {
	case serr := <-syncCh:
		if serr != nil {
			return nil, serr
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := task.Progress(ctx, 25); err != nil {
		return nil, err
	}

	// PNL then behavior, sequentially: both write the wallet's analysis
	// rows and must not interleave.
	pnlReport := func(frac float64) error { return task.Progress(ctx, 40+int(frac*20)) }
	skipped, tokens, err := c.runPNL(ctx, addr, p.ForceRefresh, pnlReport)
	if err != nil {
		return nil, err
	}
	result.PNLSkipped = skipped
	result.PNLTokens = tokens

	behaviorReport := func(frac float64) error { return task.Progress(ctx, 60+int(frac*20)) }
	row, err := c.runBehavior(ctx, addr, nil, nil, behaviorReport)
	if err != nil {
		return nil, err
	}
	result.TradingStyle = row.TradingStyle

	if p.EnrichMetadata {
		tokens, err := c.enrichmentTokens(ctx, addr, balCh)
		if err != nil {
			return nil, err
		}
		if len(tokens) > 0 {
			child, err := task.SubmitChild(ctx, jobs.KindEnrichTokenBalances, addr, p.RequestID, EnrichPayload{
				WalletAddress:  addr,
				TokenAddresses: tokens,
				RequestID:      p.RequestID,
			})
			if err != nil {
				return nil, err
			}
			result.EnrichmentJobID = child.ID
		}
	}
	if err := task.Progress(ctx, 85); err != nil {
		return nil, err
	}

	result.DurationMS = c.now().Sub(started).Milliseconds()
	if err := task.Progress(ctx, 100); err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

type balanceOut struct {
	balances []provider.TokenBalance
	err      error
}

// enrichmentTokens unions the balance snapshot (when it arrived in time)
// with the tokens in the just-written analysis rows.
func (c *Coordinator) enrichmentTokens(ctx context.Context, addr string, balCh <-chan balanceOut) ([]string, error) {
	set := mapset.NewThreadUnsafeSet[string]()

	analyzed, err := c.repo.TokenAddresses(ctx, addr)
	if err != nil {
		return nil, err
	}
	set.Append(analyzed...)

	select {
	case out := <-balCh:
		if out.err != nil {
			c.log.Warnw("balance fetch unavailable for enrichment", "wallet", addr, "err", out.err)
		} else {
			for _, b := range out.balances {
				set.Add(b.TokenAddress)
			}
		}
	case <-time.After(balanceWait):
		c.log.Debugw("balance fetch not ready, enriching from analysis tokens", "wallet", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tokens := set.ToSlice()
	sort.Strings(tokens)
	return tokens, nil
}

func (c *Coordinator) release(ctx context.Context, key, token string) {
	if _, err := c.locks.Release(context.WithoutCancel(ctx), key, token); err != nil {
		c.log.Warnw("release analysis lock", "key", key, "err", err)
	}
}
