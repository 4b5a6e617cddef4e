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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nydiokar/analyzer/storage"
)

// sessionGap splits trading activity into sessions.
const sessionGap = 30 * time.Minute

// Trading styles derived from the median hold time.
const (
	StyleScalper  = "scalper"
	StyleDay      = "day-trader"
	StylePosition = "position"
	StyleInactive = "inactive"
)

// ComputeBehavior is the deterministic behavioral reference. Sessions are
// maximal runs of transactions less than sessionGap apart; holds pair
// inbound with the next outbound per token, FIFO. Failed transactions are
// ignored.
func ComputeBehavior(addr string, txs []storage.TxRecord, computedAt int64) storage.BehaviorRow {
	rows := make([]storage.TxRecord, 0, len(txs))
	for _, tx := range txs {
		if !tx.Failed {
			rows = append(rows, tx)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].BlockTime != rows[j].BlockTime {
			return rows[i].BlockTime < rows[j].BlockTime
		}
		return rows[i].Signature < rows[j].Signature
	})

	row := storage.BehaviorRow{
		WalletAddress: addr,
		TradingStyle:  StyleInactive,
		ActiveHours:   "",
		ComputedAt:    computedAt,
	}
	if len(rows) == 0 {
		return row
	}

	// Sessions.
	sessions := 1
	sessionStart := 0
	totalSessionTrades := 0
	for i := 1; i < len(rows); i++ {
		if time.Duration(rows[i].BlockTime-rows[i-1].BlockTime)*time.Second >= sessionGap {
			totalSessionTrades += i - sessionStart
			sessionStart = i
			sessions++
		}
	}
	totalSessionTrades += len(rows) - sessionStart
	row.SessionCount = sessions
	row.AvgSessionTrades = float64(totalSessionTrades) / float64(sessions)

	// Holds: FIFO in -> out pairing per token.
	var holds []int64
	pending := make(map[string][]int64)
	for _, tx := range rows {
		switch tx.Direction {
		case "in":
			pending[tx.TokenAddress] = append(pending[tx.TokenAddress], tx.BlockTime)
		case "out":
			if q := pending[tx.TokenAddress]; len(q) > 0 {
				holds = append(holds, tx.BlockTime-q[0])
				pending[tx.TokenAddress] = q[1:]
			}
		}
	}
	if len(holds) > 0 {
		sort.Slice(holds, func(i, j int) bool { return holds[i] < holds[j] })
		row.MedianHoldSecs = holds[len(holds)/2]
		switch {
		case row.MedianHoldSecs < 3600:
			row.TradingStyle = StyleScalper
		case row.MedianHoldSecs < 86400:
			row.TradingStyle = StyleDay
		default:
			row.TradingStyle = StylePosition
		}
	} else {
		row.TradingStyle = StylePosition // accumulating, never exiting
	}

	// Active hours: UTC hours carrying at least half the peak activity,
	// ascending.
	var perHour [24]int
	for _, tx := range rows {
		perHour[time.Unix(tx.BlockTime, 0).UTC().Hour()]++
	}
	peak := 0
	for _, n := range perHour {
		if n > peak {
			peak = n
		}
	}
	var active []string
	for h, n := range perHour {
		if n*2 >= peak && n > 0 {
			active = append(active, fmt.Sprintf("%02d", h))
		}
	}
	row.ActiveHours = strings.Join(active, ",")
	return row
}
