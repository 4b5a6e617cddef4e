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

// Schema is applied at boot; statements are idempotent so restarts are
// safe without a migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
	address                     TEXT PRIMARY KEY,
	newest_processed_signature  TEXT,
	newest_processed_timestamp  BIGINT,
	oldest_processed_timestamp  BIGINT,
	last_successful_fetch_at    BIGINT,
	last_analyzed_end_ts        BIGINT,
	created_at                  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	wallet_address TEXT NOT NULL,
	signature      TEXT NOT NULL,
	block_time     BIGINT NOT NULL,
	slot           BIGINT NOT NULL,
	token_address  TEXT NOT NULL,
	direction      TEXT NOT NULL,
	amount         DOUBLE PRECISION NOT NULL,
	value_usd      DOUBLE PRECISION NOT NULL,
	fee_lamports   BIGINT NOT NULL DEFAULT 0,
	failed         BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (wallet_address, signature)
);
CREATE INDEX IF NOT EXISTS transactions_wallet_time_idx
	ON transactions (wallet_address, block_time DESC);

CREATE TABLE IF NOT EXISTS pnl_results (
	wallet_address TEXT NOT NULL,
	token_address  TEXT NOT NULL,
	buy_volume_usd  DOUBLE PRECISION NOT NULL,
	sell_volume_usd DOUBLE PRECISION NOT NULL,
	net_quantity    DOUBLE PRECISION NOT NULL,
	realized_usd    DOUBLE PRECISION NOT NULL,
	trade_count     INT NOT NULL,
	computed_at     BIGINT NOT NULL,
	PRIMARY KEY (wallet_address, token_address)
);

CREATE TABLE IF NOT EXISTS behavior_results (
	wallet_address     TEXT PRIMARY KEY,
	trading_style      TEXT NOT NULL,
	session_count      INT NOT NULL,
	avg_session_trades DOUBLE PRECISION NOT NULL,
	median_hold_secs   BIGINT NOT NULL,
	active_hours       TEXT NOT NULL,
	computed_at        BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS token_metadata (
	token_address TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	decimals      INT NOT NULL DEFAULT 0,
	logo_uri      TEXT NOT NULL DEFAULT '',
	updated_at    BIGINT NOT NULL
);
`
