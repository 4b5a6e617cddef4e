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

package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/locker"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/provider"
	"github.com/nydiokar/analyzer/storage"
)

// fakeRepo keeps wallet state and transactions in memory with the same
// monotonic advancement rules as the SQL store.
type fakeRepo struct {
	mu     sync.Mutex
	wallet *storage.Wallet
	txs    map[string]provider.Transaction
	now    func() time.Time
}

func newFakeRepo(now func() time.Time) *fakeRepo {
	return &fakeRepo{txs: make(map[string]provider.Transaction), now: now}
}

func (r *fakeRepo) GetWallet(ctx context.Context, addr string) (*storage.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wallet == nil {
		return nil, nil
	}
	cp := *r.wallet
	return &cp, nil
}

func (r *fakeRepo) EnsureWallet(ctx context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wallet == nil {
		r.wallet = &storage.Wallet{Address: addr, CreatedAt: r.now().Unix()}
	}
	return nil
}

func (r *fakeRepo) AdvanceSyncState(ctx context.Context, addr, newestSig string, newestTS, oldestTS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.wallet
	if newestTS > 0 && (!w.NewestProcessedTimestamp.Valid || newestTS >= w.NewestProcessedTimestamp.Int64) {
		if newestSig != "" {
			w.NewestProcessedSignature = sql.NullString{String: newestSig, Valid: true}
		}
		w.NewestProcessedTimestamp = sql.NullInt64{Int64: newestTS, Valid: true}
	}
	if oldestTS > 0 && (!w.OldestProcessedTimestamp.Valid || oldestTS < w.OldestProcessedTimestamp.Int64) {
		w.OldestProcessedTimestamp = sql.NullInt64{Int64: oldestTS, Valid: true}
	}
	w.LastSuccessfulFetchAt = sql.NullInt64{Int64: r.now().Unix(), Valid: true}
	return nil
}

func (r *fakeRepo) InsertTransactions(ctx context.Context, addr string, txs []provider.Transaction) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, tx := range txs {
		if _, dup := r.txs[tx.Signature]; !dup {
			r.txs[tx.Signature] = tx
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) CountTransactions(ctx context.Context, addr string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txs), nil
}

// fakeSource serves a fixed newest-first history with the iterator's
// boundary semantics.
type fakeSource struct {
	history []provider.Transaction
	opened  []provider.IterOptions
}

type fakeIter struct {
	rows []provider.Transaction
	page int
	pos  int
}

func (s *fakeSource) Transactions(addr string, opts provider.IterOptions) TxIterator {
	s.opened = append(s.opened, opts)
	var rows []provider.Transaction
	for _, tx := range s.history {
		if opts.StopAtSignature != "" && tx.Signature == opts.StopAtSignature {
			break
		}
		if opts.NewestTS > 0 && tx.BlockTime < opts.NewestTS {
			break
		}
		if opts.UntilOlderThanTS > 0 && tx.BlockTime >= opts.UntilOlderThanTS {
			continue
		}
		rows = append(rows, tx)
		if opts.MaxSignatures > 0 && len(rows) >= opts.MaxSignatures {
			break
		}
	}
	return &fakeIter{rows: rows, page: opts.PageSize}
}

func (it *fakeIter) NextPage(ctx context.Context) ([]provider.Transaction, error) {
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

func history(n int, newestTime int64) []provider.Transaction {
	out := make([]provider.Transaction, n)
	for i := 0; i < n; i++ {
		out[i] = provider.Transaction{
			Signature:    fmt.Sprintf("sig%05d", n-i),
			BlockTime:    newestTime - int64(i),
			TokenAddress: "MintA",
			Direction:    "in",
			Amount:       1,
		}
	}
	return out
}

func newTestEngine(t *testing.T, src *fakeSource) (*Engine, *fakeRepo, *locker.MemLocker, func() time.Time) {
	t.Helper()
	now := func() time.Time { return time.Unix(1_700_000_500, 0) }
	repo := newFakeRepo(now)
	locks := locker.NewMemLocker()
	cfg := params.SyncConfig{BatchSize: 50, MaxSignatures: 200}
	e := New(repo, src, locks, cfg, 6*time.Minute, zap.NewNop().Sugar())
	e.SetClock(now)
	return e, repo, locks, now
}

func TestStandardFetchNewWallet(t *testing.T) {
	src := &fakeSource{history: history(300, 1_700_000_000)}
	e, repo, _, _ := newTestEngine(t, src)

	res, err := e.Sync(context.Background(), "Wa", Options{MaxSignatures: 30})
	require.NoError(t, err)
	require.Equal(t, StatusSynced, res.Status)
	require.Equal(t, int64(30), res.NewRows)

	w, _ := repo.GetWallet(context.Background(), "Wa")
	require.Equal(t, "sig00300", w.NewestProcessedSignature.String)
	require.Equal(t, int64(1_700_000_000), w.NewestProcessedTimestamp.Int64)
	require.Equal(t, int64(1_700_000_000-29), w.OldestProcessedTimestamp.Int64)
	require.True(t, w.LastSuccessfulFetchAt.Valid)
}

func TestStandardFetchIncremental(t *testing.T) {
	src := &fakeSource{history: history(300, 1_700_000_000)}
	e, repo, _, _ := newTestEngine(t, src)

	// First run processes the top of the history.
	_, err := e.Sync(context.Background(), "Wa", Options{MaxSignatures: 20})
	require.NoError(t, err)

	// New activity appears above the processed boundary.
	newer := history(10, 1_700_000_100)
	src.history = append(newer, src.history...)

	res, err := e.Sync(context.Background(), "Wa", Options{MaxSignatures: 200, ForceRefresh: true})
	require.NoError(t, err)
	require.Equal(t, int64(10), res.NewRows)

	w, _ := repo.GetWallet(context.Background(), "Wa")
	require.Equal(t, int64(1_700_000_100), w.NewestProcessedTimestamp.Int64)
	// The oldest bound did not move backwards.
	require.Equal(t, int64(1_700_000_000-19), w.OldestProcessedTimestamp.Int64)
}

func TestSyncSkippedWhenFresh(t *testing.T) {
	src := &fakeSource{history: history(50, 1_700_000_000)}
	e, repo, _, now := newTestEngine(t, src)

	require.NoError(t, repo.EnsureWallet(context.Background(), "Wa"))
	repo.wallet.LastSuccessfulFetchAt = sql.NullInt64{Int64: now().Unix() - 60, Valid: true}

	res, err := e.Sync(context.Background(), "Wa", Options{})
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyCurrent, res.Status)
	require.Empty(t, src.opened)
}

func TestSmartFetchTwoPhase(t *testing.T) {
	hist := history(300, 1_700_000_000) // times 1_700_000_000 .. -299
	src := &fakeSource{history: hist}
	e, repo, _, _ := newTestEngine(t, src)

	// Processed window is the single row at offset 150; 150 newer rows
	// exist above it.
	require.NoError(t, repo.EnsureWallet(context.Background(), "Wa"))
	boundary := hist[150]
	repo.wallet.NewestProcessedSignature = sql.NullString{String: boundary.Signature, Valid: true}
	repo.wallet.NewestProcessedTimestamp = sql.NullInt64{Int64: boundary.BlockTime, Valid: true}
	repo.wallet.OldestProcessedTimestamp = sql.NullInt64{Int64: boundary.BlockTime, Valid: true}

	res, err := e.Sync(context.Background(), "Wa", Options{SmartFetch: true, MaxSignatures: 200, ForceRefresh: true})
	require.NoError(t, err)
	require.Equal(t, StatusSynced, res.Status)

	// Phase A fetched the 150 newer rows; at exactly the fill ratio,
	// phase B topped up 50 older rows.
	n, _ := repo.CountTransactions(context.Background(), "Wa")
	require.Equal(t, 200, n)
	require.Len(t, src.opened, 2)
	require.Equal(t, boundary.Signature, src.opened[0].StopAtSignature)
	require.Equal(t, 50, src.opened[1].MaxSignatures)
	require.Equal(t, boundary.BlockTime, src.opened[1].UntilOlderThanTS)

	w, _ := repo.GetWallet(context.Background(), "Wa")
	require.Equal(t, hist[0].Signature, w.NewestProcessedSignature.String)
	require.Equal(t, hist[0].BlockTime, w.NewestProcessedTimestamp.Int64)
	require.Equal(t, boundary.BlockTime-50, w.OldestProcessedTimestamp.Int64)
}

func TestSmartFetchAlreadyDeep(t *testing.T) {
	src := &fakeSource{history: history(300, 1_700_000_000)}
	e, repo, _, _ := newTestEngine(t, src)

	require.NoError(t, repo.EnsureWallet(context.Background(), "Wa"))
	for _, tx := range src.history[:200] {
		repo.txs[tx.Signature] = tx
	}

	res, err := e.Sync(context.Background(), "Wa", Options{SmartFetch: true, MaxSignatures: 200, ForceRefresh: true})
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyCurrent, res.Status)
	require.Empty(t, src.opened)
}

func TestSyncLockContention(t *testing.T) {
	src := &fakeSource{history: history(10, 1_700_000_000)}
	e, _, locks, _ := newTestEngine(t, src)

	held, err := locks.Acquire(context.Background(), locker.SyncKey("Wa"), "other", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = e.Sync(context.Background(), "Wa", Options{})
	require.Error(t, err)
	require.Equal(t, jobs.KindLockContention, jobs.KindOf(err))
}

func TestSyncSkipAPI(t *testing.T) {
	src := &fakeSource{}
	e, _, _, _ := newTestEngine(t, src)

	res, err := e.Sync(context.Background(), "Wa", Options{SkipAPI: true})
	require.NoError(t, err)
	require.Equal(t, StatusSkippedAPI, res.Status)
	require.Empty(t, src.opened)
}
