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
	"sort"

	"github.com/nydiokar/analyzer/storage"
)

// ComputePNL is the deterministic per-token profit-and-loss reference:
// inbound transfers are buys, outbound are sells, realized USD is the
// sell volume minus the cost basis of the quantity actually sold. Failed
// transactions are ignored. Output is token-ordered.
func ComputePNL(addr string, txs []storage.TxRecord, computedAt int64) []storage.PNLRow {
	type acc struct {
		buyUSD, sellUSD float64
		buyQty, sellQty float64
		trades          int
	}
	byToken := make(map[string]*acc)
	for _, tx := range txs {
		if tx.Failed {
			continue
		}
		a := byToken[tx.TokenAddress]
		if a == nil {
			a = &acc{}
			byToken[tx.TokenAddress] = a
		}
		a.trades++
		switch tx.Direction {
		case "in":
			a.buyUSD += tx.ValueUSD
			a.buyQty += tx.Amount
		case "out":
			a.sellUSD += tx.ValueUSD
			a.sellQty += tx.Amount
		}
	}

	tokens := make([]string, 0, len(byToken))
	for token := range byToken {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	out := make([]storage.PNLRow, 0, len(tokens))
	for _, token := range tokens {
		a := byToken[token]
		realized := a.sellUSD
		if a.buyQty > 0 {
			soldShare := a.sellQty / a.buyQty
			if soldShare > 1 {
				soldShare = 1
			}
			realized -= a.buyUSD * soldShare
		}
		out = append(out, storage.PNLRow{
			WalletAddress: addr,
			TokenAddress:  token,
			BuyVolumeUSD:  a.buyUSD,
			SellVolumeUSD: a.sellUSD,
			NetQuantity:   a.buyQty - a.sellQty,
			RealizedUSD:   realized,
			TradeCount:    a.trades,
			ComputedAt:    computedAt,
		})
	}
	return out
}
