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

// Package storage is the SQL repository for wallet state, normalized
// transaction records, analysis results and token metadata. Wallet state
// advancement is guarded in SQL (GREATEST/LEAST) so concurrent writers
// cannot move timestamps backwards.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// Postgres driver registered as database/sql "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/provider"
)

// Wallet mirrors one wallets row. Timestamps are unix seconds.
type Wallet struct {
	Address                  string         `db:"address"`
	NewestProcessedSignature sql.NullString `db:"newest_processed_signature"`
	NewestProcessedTimestamp sql.NullInt64  `db:"newest_processed_timestamp"`
	OldestProcessedTimestamp sql.NullInt64  `db:"oldest_processed_timestamp"`
	LastSuccessfulFetchAt    sql.NullInt64  `db:"last_successful_fetch_at"`
	LastAnalyzedEndTS        sql.NullInt64  `db:"last_analyzed_end_ts"`
	CreatedAt                int64          `db:"created_at"`
}

// TxRecord is one normalized transaction row.
type TxRecord struct {
	WalletAddress string  `db:"wallet_address"`
	Signature     string  `db:"signature"`
	BlockTime     int64   `db:"block_time"`
	Slot          uint64  `db:"slot"`
	TokenAddress  string  `db:"token_address"`
	Direction     string  `db:"direction"`
	Amount        float64 `db:"amount"`
	ValueUSD      float64 `db:"value_usd"`
	FeeLamports   uint64  `db:"fee_lamports"`
	Failed        bool    `db:"failed"`
}

// PNLRow is one per-token profit-and-loss result row.
type PNLRow struct {
	WalletAddress string  `db:"wallet_address"`
	TokenAddress  string  `db:"token_address"`
	BuyVolumeUSD  float64 `db:"buy_volume_usd"`
	SellVolumeUSD float64 `db:"sell_volume_usd"`
	NetQuantity   float64 `db:"net_quantity"`
	RealizedUSD   float64 `db:"realized_usd"`
	TradeCount    int     `db:"trade_count"`
	ComputedAt    int64   `db:"computed_at"`
}

// BehaviorRow is the per-wallet behavior result row.
type BehaviorRow struct {
	WalletAddress    string  `db:"wallet_address"`
	TradingStyle     string  `db:"trading_style"`
	SessionCount     int     `db:"session_count"`
	AvgSessionTrades float64 `db:"avg_session_trades"`
	MedianHoldSecs   int64   `db:"median_hold_secs"`
	ActiveHours      string  `db:"active_hours"`
	ComputedAt       int64   `db:"computed_at"`
}

// TokenMetaRow is one token_metadata row.
type TokenMetaRow struct {
	TokenAddress string `db:"token_address"`
	Symbol       string `db:"symbol"`
	Name         string `db:"name"`
	Decimals     int    `db:"decimals"`
	LogoURI      string `db:"logo_uri"`
	UpdatedAt    int64  `db:"updated_at"`
}

// Store is the repository handle.
type Store struct {
	db  *sqlx.DB
	log *zap.SugaredLogger
	now func() time.Time
}

// Open connects to postgres and pings it.
func Open(dsn string, log *zap.SugaredLogger) (*Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStore(db, log), nil
}

// NewStore wraps an existing connection; tests pass a sqlmock DB.
func NewStore(db *sqlx.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log.With("component", "storage"), now: time.Now}
}

// SetClock overrides the store clock for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// InitSchema applies the embedded DDL.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// GetWallet returns nil when the wallet row does not exist. A row whose
// processed window is inverted fails with a data-invariant error.
func (s *Store) GetWallet(ctx context.Context, addr string) (*Wallet, error) {
	var w Wallet
	err := s.db.GetContext(ctx, &w, `SELECT * FROM wallets WHERE address = $1`, addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if w.OldestProcessedTimestamp.Valid && w.NewestProcessedTimestamp.Valid &&
		w.OldestProcessedTimestamp.Int64 > w.NewestProcessedTimestamp.Int64 {
		return nil, jobs.NewError(jobs.KindDataInvariant,
			"wallet %s: oldest processed %d after newest %d",
			addr, w.OldestProcessedTimestamp.Int64, w.NewestProcessedTimestamp.Int64)
	}
	return &w, nil
}

// EnsureWallet creates the wallet row on first sync.
func (s *Store) EnsureWallet(ctx context.Context, addr string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (address, created_at) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING`,
		addr, s.now().Unix())
	return err
}

// AdvanceSyncState commits one sync phase. newestSig/newestTS advance the
// upper bound of the processed window (only forward), oldestTS extends
// the lower bound (only backward); zero values leave a bound untouched.
// last_successful_fetch_at always moves to now.
func (s *Store) AdvanceSyncState(ctx context.Context, addr, newestSig string, newestTS, oldestTS int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets SET
			newest_processed_signature = CASE
				WHEN $2 <> '' AND $3 >= COALESCE(newest_processed_timestamp, -1) THEN $2
				ELSE newest_processed_signature END,
			newest_processed_timestamp = CASE
				WHEN $3 > 0 THEN GREATEST(COALESCE(newest_processed_timestamp, 0), $3)
				ELSE newest_processed_timestamp END,
			oldest_processed_timestamp = CASE
				WHEN $4 > 0 THEN LEAST(COALESCE(oldest_processed_timestamp, $4), $4)
				ELSE oldest_processed_timestamp END,
			last_successful_fetch_at = $5
		WHERE address = $1`,
		addr, newestSig, newestTS, oldestTS, s.now().Unix())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobs.NewError(jobs.KindDataInvariant, "wallet %s vanished during sync", addr)
	}
	return nil
}

// SetLastAnalyzed records the end of an analysis run; it never moves the
// timestamp backwards.
func (s *Store) SetLastAnalyzed(ctx context.Context, addr string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallets SET last_analyzed_end_ts = GREATEST(COALESCE(last_analyzed_end_ts, 0), $2)
		WHERE address = $1`, addr, ts)
	return err
}

// InsertTransactions upserts a batch by (wallet_address, signature),
// silently skipping duplicates. It returns the number of new rows.
func (s *Store) InsertTransactions(ctx context.Context, addr string, txs []provider.Transaction) (int64, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(txs))
	args := make([]any, 0, len(txs)*10)
	for i, tx := range txs {
		base := i * 10
		placeholders[i] = fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args, addr, tx.Signature, tx.BlockTime, tx.Slot, tx.TokenAddress,
			tx.Direction, tx.Amount, tx.ValueUSD, tx.FeeLamports, tx.Failed)
	}
	query := `INSERT INTO transactions
		(wallet_address, signature, block_time, slot, token_address, direction, amount, value_usd, fee_lamports, failed)
		VALUES ` + strings.Join(placeholders, ",") + ` ON CONFLICT (wallet_address, signature) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert transactions for %s: %w", addr, err)
	}
	return res.RowsAffected()
}

// CountTransactions returns the local history depth for a wallet.
func (s *Store) CountTransactions(ctx context.Context, addr string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM transactions WHERE wallet_address = $1`, addr)
	return n, err
}

// Transactions reads a wallet's local history newest-first under the
// documented total order. Zero bounds are open.
func (s *Store) Transactions(ctx context.Context, addr string, fromTS, toTS int64) ([]TxRecord, error) {
	if toTS == 0 {
		toTS = 1<<62 - 1
	}
	var out []TxRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM transactions
		WHERE wallet_address = $1 AND block_time >= $2 AND block_time <= $3
		ORDER BY block_time DESC, signature DESC`,
		addr, fromTS, toTS)
	return out, err
}

// SavePNLResults replaces the wallet's per-token PNL rows atomically.
func (s *Store) SavePNLResults(ctx context.Context, addr string, rows []PNLRow) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pnl_results WHERE wallet_address = $1`, addr); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pnl_results
				(wallet_address, token_address, buy_volume_usd, sell_volume_usd, net_quantity, realized_usd, trade_count, computed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			addr, row.TokenAddress, row.BuyVolumeUSD, row.SellVolumeUSD,
			row.NetQuantity, row.RealizedUSD, row.TradeCount, row.ComputedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PNLResults reads the wallet's per-token PNL rows, token-ordered so
// downstream vector construction is deterministic.
func (s *Store) PNLResults(ctx context.Context, addr string) ([]PNLRow, error) {
	var out []PNLRow
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM pnl_results WHERE wallet_address = $1 ORDER BY token_address`, addr)
	return out, err
}

// SaveBehaviorResult upserts the wallet's behavior row.
func (s *Store) SaveBehaviorResult(ctx context.Context, row BehaviorRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO behavior_results
			(wallet_address, trading_style, session_count, avg_session_trades, median_hold_secs, active_hours, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (wallet_address) DO UPDATE SET
			trading_style = EXCLUDED.trading_style,
			session_count = EXCLUDED.session_count,
			avg_session_trades = EXCLUDED.avg_session_trades,
			median_hold_secs = EXCLUDED.median_hold_secs,
			active_hours = EXCLUDED.active_hours,
			computed_at = EXCLUDED.computed_at`,
		row.WalletAddress, row.TradingStyle, row.SessionCount, row.AvgSessionTrades,
		row.MedianHoldSecs, row.ActiveHours, row.ComputedAt)
	return err
}

// BehaviorResult returns nil when the wallet has no behavior row yet.
func (s *Store) BehaviorResult(ctx context.Context, addr string) (*BehaviorRow, error) {
	var row BehaviorRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM behavior_results WHERE wallet_address = $1`, addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpsertTokenMetadata stores enrichment results.
func (s *Store) UpsertTokenMetadata(ctx context.Context, metas []provider.TokenMeta) error {
	now := s.now().Unix()
	for _, m := range metas {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO token_metadata (token_address, symbol, name, decimals, logo_uri, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (token_address) DO UPDATE SET
				symbol = EXCLUDED.symbol,
				name = EXCLUDED.name,
				decimals = EXCLUDED.decimals,
				logo_uri = EXCLUDED.logo_uri,
				updated_at = EXCLUDED.updated_at`,
			m.TokenAddress, m.Symbol, m.Name, m.Decimals, m.LogoURI, now); err != nil {
			return err
		}
	}
	return nil
}

// TokenAddresses lists the distinct tokens observed in a wallet's local
// history, token-ordered.
func (s *Store) TokenAddresses(ctx context.Context, addr string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT token_address FROM transactions WHERE wallet_address = $1 ORDER BY token_address`, addr)
	return out, err
}
