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

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/provider"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop().Sugar())
	s.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return s, mock
}

func walletColumns() []string {
	return []string{
		"address", "newest_processed_signature", "newest_processed_timestamp",
		"oldest_processed_timestamp", "last_successful_fetch_at",
		"last_analyzed_end_ts", "created_at",
	}
}

func TestGetWalletMissing(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT \* FROM wallets`).
		WithArgs("Wa").
		WillReturnRows(sqlmock.NewRows(walletColumns()))

	w, err := s.GetWallet(context.Background(), "Wa")
	require.NoError(t, err)
	require.Nil(t, w)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWalletInvertedWindowFails(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT \* FROM wallets`).
		WithArgs("Wa").
		WillReturnRows(sqlmock.NewRows(walletColumns()).
			AddRow("Wa", "sig1", int64(100), int64(200), int64(150), nil, int64(50)))

	_, err := s.GetWallet(context.Background(), "Wa")
	require.Error(t, err)
	require.Equal(t, jobs.KindDataInvariant, jobs.KindOf(err))
}

func TestAdvanceSyncState(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`UPDATE wallets SET`).
		WithArgs("Wa", "sigNew", int64(1_699_999_000), int64(1_699_990_000), int64(1_700_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AdvanceSyncState(context.Background(), "Wa", "sigNew", 1_699_999_000, 1_699_990_000)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceSyncStateMissingRow(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`UPDATE wallets SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.AdvanceSyncState(context.Background(), "Wa", "sig", 1, 0)
	require.Error(t, err)
	require.Equal(t, jobs.KindDataInvariant, jobs.KindOf(err))
}

func TestInsertTransactionsBatch(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO transactions`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.InsertTransactions(context.Background(), "Wa", []provider.Transaction{
		{Signature: "s1", BlockTime: 10, TokenAddress: "MintA", Direction: "in", Amount: 1},
		{Signature: "s2", BlockTime: 9, TokenAddress: "MintA", Direction: "out", Amount: 1},
		{Signature: "s1", BlockTime: 10, TokenAddress: "MintA", Direction: "in", Amount: 1}, // duplicate
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestInsertTransactionsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	n, err := s.InsertTransactions(context.Background(), "Wa", nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSavePNLResultsReplacesAtomically(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM pnl_results`).
		WithArgs("Wa").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO pnl_results`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SavePNLResults(context.Background(), "Wa", []PNLRow{
		{WalletAddress: "Wa", TokenAddress: "MintA", RealizedUSD: 12.5, TradeCount: 4, ComputedAt: 1_700_000_000},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBehaviorResultMissing(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT \* FROM behavior_results`).
		WithArgs("Wa").
		WillReturnRows(sqlmock.NewRows([]string{"wallet_address"}))

	row, err := s.BehaviorResult(context.Background(), "Wa")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestTransactionsOrderedNewestFirst(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`ORDER BY block_time DESC, signature DESC`).
		WithArgs("Wa", int64(0), int64(1<<62-1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"wallet_address", "signature", "block_time", "slot", "token_address",
			"direction", "amount", "value_usd", "fee_lamports", "failed",
		}).
			AddRow("Wa", "s2", int64(20), int64(2), "MintA", "in", 1.0, 2.0, int64(0), false).
			AddRow("Wa", "s1", int64(10), int64(1), "MintA", "out", 1.0, 2.0, int64(0), false))

	txs, err := s.Transactions(context.Background(), "Wa", 0, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, "s2", txs[0].Signature)
}
