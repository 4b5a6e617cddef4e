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

package provider

import (
	"context"
)

// IterOptions bound one iteration over a wallet's transaction history.
//
// The upstream yields newest-first under the total order
// (block_time desc, signature desc); signature comparison breaks
// timestamp ties, so boundaries at the cap are stable across runs.
type IterOptions struct {
	// PageSize is the upstream page size; 0 uses the client default.
	PageSize int
	// MaxSignatures is a hard cap on emitted rows; 0 means unbounded.
	MaxSignatures int
	// StopAtSignature ends iteration when the signature is reached; the
	// row itself and everything older is excluded.
	StopAtSignature string
	// NewestTS excludes rows strictly older than this timestamp; used
	// together with StopAtSignature for incremental fetches.
	NewestTS int64
	// UntilOlderThanTS yields only rows strictly older than this
	// timestamp, newest-first within that window.
	UntilOlderThanTS int64
}

// Iterator pages through a wallet's history newest-first. NextPage
// returns nil when exhausted.
type Iterator struct {
	client  *Client
	wallet  string
	opts    IterOptions
	cursor  string // last signature of the previous page
	emitted int
	done    bool
}

// Transactions starts an iteration over addr's history.
func (c *Client) Transactions(addr string, opts IterOptions) *Iterator {
	if opts.PageSize <= 0 {
		opts.PageSize = c.pageSiz
	}
	return &Iterator{client: c, wallet: addr, opts: opts}
}

type txPageParams struct {
	Wallet  string `json:"wallet"`
	Limit   int    `json:"limit"`
	Before  string `json:"before,omitempty"`
	UntilTS int64  `json:"untilTs,omitempty"`
}

// NextPage fetches and filters pages until one yields rows. A short or
// empty upstream page, a crossed boundary or a reached cap all end the
// iteration. Fully-filtered pages advance the cursor and fetch again in
// a loop, so an arbitrarily long filtered run stays flat.
func (it *Iterator) NextPage(ctx context.Context) ([]Transaction, error) {
	for !it.done {
		limit := it.opts.PageSize
		if it.opts.MaxSignatures > 0 {
			if remaining := it.opts.MaxSignatures - it.emitted; remaining < limit {
				limit = remaining
			}
		}
		if limit <= 0 {
			it.done = true
			return nil, nil
		}

		var page []Transaction
		err := it.client.call(ctx, "getWalletTransactions", txPageParams{
			Wallet:  it.wallet,
			Limit:   limit,
			Before:  it.cursor,
			UntilTS: it.opts.UntilOlderThanTS,
		}, &page)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			it.done = true
			return nil, nil
		}
		if len(page) < limit {
			// Short page: upstream history exhausted after this batch.
			it.done = true
		}
		it.cursor = page[len(page)-1].Signature

		out := make([]Transaction, 0, len(page))
		for _, tx := range page {
			if it.opts.StopAtSignature != "" && tx.Signature == it.opts.StopAtSignature {
				it.done = true
				break
			}
			if it.opts.NewestTS > 0 && tx.BlockTime < it.opts.NewestTS {
				// Crossed into already-processed history.
				it.done = true
				break
			}
			if it.opts.UntilOlderThanTS > 0 && tx.BlockTime >= it.opts.UntilOlderThanTS {
				// Upstream window filter is advisory; enforce it here.
				continue
			}
			out = append(out, tx)
			it.emitted++
			if it.opts.MaxSignatures > 0 && it.emitted >= it.opts.MaxSignatures {
				it.done = true
				break
			}
		}
		if len(out) > 0 || it.done {
			return out, nil
		}
	}
	return nil, nil
}
