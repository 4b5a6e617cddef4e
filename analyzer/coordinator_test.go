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

package analyzer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/locker"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/progress"
	"github.com/nydiokar/analyzer/provider"
	"github.com/nydiokar/analyzer/queue"
	"github.com/nydiokar/analyzer/storage"
	"github.com/nydiokar/analyzer/syncer"
)

// memRepo backs both the sync engine and the coordinator in tests.
type memRepo struct {
	mu       sync.Mutex
	wallet   *storage.Wallet
	txs      map[string]storage.TxRecord
	pnl      map[string][]storage.PNLRow
	behavior map[string]storage.BehaviorRow
	metadata map[string]provider.TokenMeta
}

func newMemRepo() *memRepo {
	return &memRepo{
		txs:      make(map[string]storage.TxRecord),
		pnl:      make(map[string][]storage.PNLRow),
		behavior: make(map[string]storage.BehaviorRow),
		metadata: make(map[string]provider.TokenMeta),
	}
}

func (r *memRepo) GetWallet(ctx context.Context, addr string) (*storage.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wallet == nil {
		return nil, nil
	}
	cp := *r.wallet
	return &cp, nil
}

func (r *memRepo) EnsureWallet(ctx context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wallet == nil {
		r.wallet = &storage.Wallet{Address: addr, CreatedAt: time.Now().Unix()}
	}
	return nil
}

func (r *memRepo) AdvanceSyncState(ctx context.Context, addr, newestSig string, newestTS, oldestTS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.wallet
	if newestTS > 0 && (!w.NewestProcessedTimestamp.Valid || newestTS >= w.NewestProcessedTimestamp.Int64) {
		w.NewestProcessedSignature = sql.NullString{String: newestSig, Valid: newestSig != ""}
		w.NewestProcessedTimestamp = sql.NullInt64{Int64: newestTS, Valid: true}
	}
	if oldestTS > 0 && (!w.OldestProcessedTimestamp.Valid || oldestTS < w.OldestProcessedTimestamp.Int64) {
		w.OldestProcessedTimestamp = sql.NullInt64{Int64: oldestTS, Valid: true}
	}
	w.LastSuccessfulFetchAt = sql.NullInt64{Int64: time.Now().Unix(), Valid: true}
	return nil
}

func (r *memRepo) InsertTransactions(ctx context.Context, addr string, txs []provider.Transaction) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range txs {
		if _, dup := r.txs[t.Signature]; dup {
			continue
		}
		r.txs[t.Signature] = storage.TxRecord{
			WalletAddress: addr, Signature: t.Signature, BlockTime: t.BlockTime,
			Slot: t.Slot, TokenAddress: t.TokenAddress, Direction: t.Direction,
			Amount: t.Amount, ValueUSD: t.ValueUSD, Failed: t.Failed,
		}
		n++
	}
	return n, nil
}

func (r *memRepo) CountTransactions(ctx context.Context, addr string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txs), nil
}

func (r *memRepo) SetLastAnalyzed(ctx context.Context, addr string, ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.wallet.LastAnalyzedEndTS.Valid || ts > r.wallet.LastAnalyzedEndTS.Int64 {
		r.wallet.LastAnalyzedEndTS = sql.NullInt64{Int64: ts, Valid: true}
	}
	return nil
}

func (r *memRepo) Transactions(ctx context.Context, addr string, fromTS, toTS int64) ([]storage.TxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.TxRecord
	for _, t := range r.txs {
		if fromTS > 0 && t.BlockTime < fromTS {
			continue
		}
		if toTS > 0 && t.BlockTime > toTS {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockTime != out[j].BlockTime {
			return out[i].BlockTime > out[j].BlockTime
		}
		return out[i].Signature > out[j].Signature
	})
	return out, nil
}

func (r *memRepo) SavePNLResults(ctx context.Context, addr string, rows []storage.PNLRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pnl[addr] = rows
	return nil
}

func (r *memRepo) PNLResults(ctx context.Context, addr string) ([]storage.PNLRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pnl[addr], nil
}

func (r *memRepo) SaveBehaviorResult(ctx context.Context, row storage.BehaviorRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behavior[row.WalletAddress] = row
	return nil
}

func (r *memRepo) TokenAddresses(ctx context.Context, addr string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	for _, t := range r.txs {
		seen[t.TokenAddress] = true
	}
	var out []string
	for token := range seen {
		out = append(out, token)
	}
	sort.Strings(out)
	return out, nil
}

func (r *memRepo) UpsertTokenMetadata(ctx context.Context, metas []provider.TokenMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range metas {
		r.metadata[m.TokenAddress] = m
	}
	return nil
}

// memSource serves a fixed newest-first history.
type memSource struct {
	mu      sync.Mutex
	history []provider.Transaction
	opened  []provider.IterOptions
}

type memIter struct {
	rows []provider.Transaction
	page int
	pos  int
}

func (s *memSource) Transactions(addr string, opts provider.IterOptions) syncer.TxIterator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, opts)
	var rows []provider.Transaction
	for _, t := range s.history {
		if opts.StopAtSignature != "" && t.Signature == opts.StopAtSignature {
			break
		}
		if opts.NewestTS > 0 && t.BlockTime < opts.NewestTS {
			break
		}
		if opts.UntilOlderThanTS > 0 && t.BlockTime >= opts.UntilOlderThanTS {
			continue
		}
		rows = append(rows, t)
		if opts.MaxSignatures > 0 && len(rows) >= opts.MaxSignatures {
			break
		}
	}
	return &memIter{rows: rows, page: opts.PageSize}
}

func (s *memSource) openedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opened)
}

func (it *memIter) NextPage(ctx context.Context) ([]provider.Transaction, error) {
	if it.pos >= len(it.rows) {
		return nil, nil
	}
	end := it.pos + it.page
	if end > len(it.rows) {
		end = len(it.rows)
	}
	out := it.rows[it.pos:end]
	it.pos = end
	return out, nil
}

type fakeBalances struct {
	balances []provider.TokenBalance
	err      error
}

func (f *fakeBalances) Balances(ctx context.Context, addr string) ([]provider.TokenBalance, error) {
	return f.balances, f.err
}

type fakeMeta struct {
	err error
}

func (f *fakeMeta) TokenMetadata(ctx context.Context, mints []string) ([]provider.TokenMeta, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]provider.TokenMeta, len(mints))
	for i, mint := range mints {
		out[i] = provider.TokenMeta{TokenAddress: mint, Symbol: "SYM", Decimals: 6}
	}
	return out, nil
}

type world struct {
	rt    *queue.Runtime
	repo  *memRepo
	src   *memSource
	locks *locker.MemLocker
	bus   *progress.LocalBus
}

func newWorld(t *testing.T, bal *fakeBalances, meta *fakeMeta) *world {
	t.Helper()
	cfg := params.DefaultConfig()
	for i := range cfg.Queues {
		cfg.Queues[i].PollInterval = 5 * time.Millisecond
	}
	log := zap.NewNop().Sugar()

	repo := newMemRepo()
	src := &memSource{}
	locks := locker.NewMemLocker()
	engine := syncer.New(repo, src, locks, cfg.Sync, time.Minute, log)

	bus := progress.NewLocalBus()
	rt := queue.New(jobs.NewMemStore(), bus, cfg, log)
	coord := NewCoordinator(repo, engine, bal, meta, locks, cfg, log)
	coord.Register(rt)

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	t.Cleanup(func() {
		cancel()
		rt.Stop()
	})
	return &world{rt: rt, repo: repo, src: src, locks: locks, bus: bus}
}

func chainHistory(n int) []provider.Transaction {
	out := make([]provider.Transaction, n)
	for i := 0; i < n; i++ {
		dir := "in"
		if i%3 == 0 {
			dir = "out"
		}
		out[i] = provider.Transaction{
			Signature:    fmt.Sprintf("sig%05d", n-i),
			BlockTime:    1_700_000_000 - int64(i*60),
			TokenAddress: fmt.Sprintf("Mint%d", i%4),
			Direction:    dir,
			Amount:       1,
			ValueUSD:     10,
		}
	}
	return out
}

func TestDashboardFlowFreshWallet(t *testing.T) {
	w := newWorld(t, &fakeBalances{balances: []provider.TokenBalance{{TokenAddress: "MintBal", Amount: 5}}}, &fakeMeta{})
	w.src.history = chainHistory(120)

	job, err := w.rt.Submit(context.Background(), jobs.KindDashboardAnalysis, "Wa", "r1", DashboardPayload{
		WalletAddress:  "Wa",
		EnrichMetadata: true,
		RequestID:      "r1",
	}, jobs.SubmitOptions{})
	require.NoError(t, err)

	ev, ok := progress.WaitTerminal(context.Background(), w.bus, job.ID, 10*time.Second)
	require.True(t, ok)
	require.Equal(t, progress.EventCompleted, ev.Kind)

	done, err := w.rt.Store().Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateCompleted, done.State)
	require.Equal(t, 100, done.Progress)

	var res DashboardResult
	require.NoError(t, json.Unmarshal(done.Result, &res))
	require.Equal(t, syncer.StatusSynced, res.SyncStatus)
	require.False(t, res.PNLSkipped)
	require.Greater(t, res.PNLTokens, 0)
	require.NotEmpty(t, res.TradingStyle)
	require.NotEmpty(t, res.EnrichmentJobID)

	// The enrichment child runs detached and writes token metadata,
	// including the balance-only token.
	_, ok = progress.WaitTerminal(context.Background(), w.bus, res.EnrichmentJobID, 10*time.Second)
	require.True(t, ok)
	w.repo.mu.Lock()
	_, enriched := w.repo.metadata["MintBal"]
	w.repo.mu.Unlock()
	require.True(t, enriched)

	// No dashboard lock is left behind.
	held, err := w.locks.Held(context.Background(), locker.DashboardKey("Wa"))
	require.NoError(t, err)
	require.False(t, held)
}

func TestDashboardSkipsWhenFresh(t *testing.T) {
	w := newWorld(t, &fakeBalances{}, &fakeMeta{})
	w.src.history = chainHistory(50)

	// Pre-state: synced and analyzed a minute ago, history present.
	now := time.Now().Unix()
	require.NoError(t, w.repo.EnsureWallet(context.Background(), "Wa"))
	_, err := w.repo.InsertTransactions(context.Background(), "Wa", w.src.history[:30])
	require.NoError(t, err)
	w.repo.mu.Lock()
	w.repo.wallet.LastSuccessfulFetchAt = sql.NullInt64{Int64: now - 60, Valid: true}
	w.repo.wallet.LastAnalyzedEndTS = sql.NullInt64{Int64: now - 60, Valid: true}
	w.repo.mu.Unlock()

	job, err := w.rt.Submit(context.Background(), jobs.KindDashboardAnalysis, "Wa", "r2", DashboardPayload{
		WalletAddress: "Wa",
		RequestID:     "r2",
	}, jobs.SubmitOptions{})
	require.NoError(t, err)

	ev, ok := progress.WaitTerminal(context.Background(), w.bus, job.ID, 10*time.Second)
	require.True(t, ok)
	require.Equal(t, progress.EventCompleted, ev.Kind)

	done, err := w.rt.Store().Get(context.Background(), job.ID)
	require.NoError(t, err)
	var res DashboardResult
	require.NoError(t, json.Unmarshal(done.Result, &res))
	require.Equal(t, syncer.StatusAlreadyCurrent, res.SyncStatus)
	require.True(t, res.PNLSkipped)
	require.Empty(t, res.EnrichmentJobID)

	// Behavior still ran.
	w.repo.mu.Lock()
	_, hasBehavior := w.repo.behavior["Wa"]
	w.repo.mu.Unlock()
	require.True(t, hasBehavior)

	// No upstream call was made.
	require.Zero(t, w.src.openedCount())
}

func TestDashboardProgressMonotonic(t *testing.T) {
	w := newWorld(t, &fakeBalances{}, &fakeMeta{})
	w.src.history = chainHistory(40)

	id := jobs.DeterministicID(jobs.KindDashboardAnalysis, "Wa", "r3")
	sub := w.bus.Subscribe(progress.Filter{JobID: id}, 256)
	defer sub.Unsubscribe()

	_, err := w.rt.Submit(context.Background(), jobs.KindDashboardAnalysis, "Wa", "r3", DashboardPayload{
		WalletAddress: "Wa",
		RequestID:     "r3",
	}, jobs.SubmitOptions{})
	require.NoError(t, err)

	last := -1
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind == progress.EventProgress {
				require.GreaterOrEqual(t, ev.Value, last)
				last = ev.Value
				continue
			}
			require.Equal(t, progress.EventCompleted, ev.Kind)
			require.Equal(t, 100, last)
			return
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
}

func TestDuplicateSubmissionsShareOneRecord(t *testing.T) {
	w := newWorld(t, &fakeBalances{}, &fakeMeta{})
	w.src.history = chainHistory(40)

	payload := DashboardPayload{WalletAddress: "Wa", RequestID: "r4"}
	first, err := w.rt.Submit(context.Background(), jobs.KindDashboardAnalysis, "Wa", "r4", payload, jobs.SubmitOptions{})
	require.NoError(t, err)
	second, err := w.rt.Submit(context.Background(), jobs.KindDashboardAnalysis, "Wa", "r4", payload, jobs.SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	_, ok := progress.WaitTerminal(context.Background(), w.bus, first.ID, 10*time.Second)
	require.True(t, ok)
}

func TestEnrichRejectsEmptyTokenSet(t *testing.T) {
	w := newWorld(t, &fakeBalances{}, &fakeMeta{})

	job, err := w.rt.Submit(context.Background(), jobs.KindEnrichTokenBalances, "Wa", "r5", EnrichPayload{
		WalletAddress: "Wa",
		RequestID:     "r5",
	}, jobs.SubmitOptions{})
	require.NoError(t, err)

	ev, ok := progress.WaitTerminal(context.Background(), w.bus, job.ID, 10*time.Second)
	require.True(t, ok)
	require.Equal(t, progress.EventFailed, ev.Kind)

	done, err := w.rt.Store().Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateDead, done.State)
	require.Equal(t, jobs.KindValidation, done.ErrorKind)
}

func TestSingleStepPNLAndBehaviorJobs(t *testing.T) {
	w := newWorld(t, &fakeBalances{}, &fakeMeta{})
	w.src.history = chainHistory(40)

	// Sync first so analyses have data.
	syncJob, err := w.rt.Submit(context.Background(), jobs.KindSyncWallet, "Wa", "r6", SyncPayload{
		WalletAddress: "Wa",
		Options:       syncer.Options{SmartFetch: true},
		RequestID:     "r6",
	}, jobs.SubmitOptions{})
	require.NoError(t, err)
	ev, ok := progress.WaitTerminal(context.Background(), w.bus, syncJob.ID, 10*time.Second)
	require.True(t, ok)
	require.Equal(t, progress.EventCompleted, ev.Kind)

	pnlJob, err := w.rt.Submit(context.Background(), jobs.KindAnalyzePNL, "Wa", "r6", PNLPayload{
		WalletAddress: "Wa", ForceRefresh: true, RequestID: "r6",
	}, jobs.SubmitOptions{})
	require.NoError(t, err)
	ev, ok = progress.WaitTerminal(context.Background(), w.bus, pnlJob.ID, 10*time.Second)
	require.True(t, ok)
	require.Equal(t, progress.EventCompleted, ev.Kind)

	behaviorJob, err := w.rt.Submit(context.Background(), jobs.KindAnalyzeBehavior, "Wa", "r6", BehaviorPayload{
		WalletAddress: "Wa", RequestID: "r6",
	}, jobs.SubmitOptions{})
	require.NoError(t, err)
	ev, ok = progress.WaitTerminal(context.Background(), w.bus, behaviorJob.ID, 10*time.Second)
	require.True(t, ok)
	require.Equal(t, progress.EventCompleted, ev.Kind)

	w.repo.mu.Lock()
	pnlRows := w.repo.pnl["Wa"]
	_, hasBehavior := w.repo.behavior["Wa"]
	w.repo.mu.Unlock()
	require.NotEmpty(t, pnlRows)
	require.True(t, hasBehavior)
}

func TestSingleStepProgressAnchors(t *testing.T) {
	w := newWorld(t, &fakeBalances{}, &fakeMeta{})
	require.NoError(t, w.repo.EnsureWallet(context.Background(), "Wa"))
	_, err := w.repo.InsertTransactions(context.Background(), "Wa", chainHistory(10))
	require.NoError(t, err)

	id := jobs.DeterministicID(jobs.KindAnalyzePNL, "Wa", "r7")
	sub := w.bus.Subscribe(progress.Filter{JobID: id}, 256)
	defer sub.Unsubscribe()

	_, err = w.rt.Submit(context.Background(), jobs.KindAnalyzePNL, "Wa", "r7", PNLPayload{
		WalletAddress: "Wa", ForceRefresh: true, RequestID: "r7",
	}, jobs.SubmitOptions{})
	require.NoError(t, err)

	// Every documented single-step checkpoint must be published before the
	// terminal event.
	seen := make(map[int]bool)
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind == progress.EventProgress {
				seen[ev.Value] = true
				continue
			}
			require.Equal(t, progress.EventCompleted, ev.Kind)
			for _, anchor := range []int{5, 20, 40, 90} {
				require.True(t, seen[anchor], "anchor %d was not published, got %v", anchor, seen)
			}
			return
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
}
