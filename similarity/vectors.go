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

package similarity

import (
	"context"
	"math"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nydiokar/analyzer/analyzer"
)

// buildVectors produces one feature vector per wallet over a shared,
// sorted axis, computed from transactions inside the common time range.
// Given identical repository state and inputs the output is identical:
// the axis is sorted and every read is deterministic.
func (f *Flow) buildVectors(ctx context.Context, vectorType string, tr *analyzer.TimeRange, wallets []string) (map[string][]float64, []string, error) {
	var fromTS, toTS int64
	if tr != nil {
		fromTS, toTS = tr.FromTS, tr.ToTS
	}
	if vectorType == VectorBehavior {
		return f.behaviorVectors(ctx, fromTS, toTS, wallets)
	}
	return f.capitalVectors(ctx, fromTS, toTS, wallets)
}

// capitalVectors map each wallet to its per-token net USD flow (inbound
// minus outbound value) within the window, L2-normalized, over the union
// of all tokens the wallets traded.
func (f *Flow) capitalVectors(ctx context.Context, fromTS, toTS int64, wallets []string) (map[string][]float64, []string, error) {
	var mu sync.Mutex
	flows := make(map[string]map[string]float64, len(wallets))
	axisSet := mapset.NewThreadUnsafeSet[string]()

	// Reads are independent per wallet; the axis and assembly below are
	// what keep the output deterministic.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, addr := range wallets {
		addr := addr
		g.Go(func() error {
			txs, err := f.repo.Transactions(gctx, addr, fromTS, toTS)
			if err != nil {
				return err
			}
			flow := make(map[string]float64)
			for _, tx := range txs {
				if tx.Failed {
					continue
				}
				switch tx.Direction {
				case "in":
					flow[tx.TokenAddress] += tx.ValueUSD
				case "out":
					flow[tx.TokenAddress] -= tx.ValueUSD
				}
			}
			mu.Lock()
			flows[addr] = flow
			for token := range flow {
				axisSet.Add(token)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	axis := axisSet.ToSlice()
	sort.Strings(axis)

	vectors := make(map[string][]float64, len(wallets))
	for _, addr := range wallets {
		vec := make([]float64, len(axis))
		for i, token := range axis {
			vec[i] = flows[addr][token]
		}
		vectors[addr] = normalize(vec)
	}
	return vectors, axis, nil
}

// behaviorVectors map each wallet to normalized behavioral features over
// the window: session count, trades per session, log-scaled median hold
// and the number of active hours. The behavioral reference is a pure
// function of the windowed transactions, so the vector stays
// deterministic.
func (f *Flow) behaviorVectors(ctx context.Context, fromTS, toTS int64, wallets []string) (map[string][]float64, []string, error) {
	vectors := make(map[string][]float64, len(wallets))
	for _, addr := range wallets {
		txs, err := f.repo.Transactions(ctx, addr, fromTS, toTS)
		if err != nil {
			return nil, nil, err
		}
		row := analyzer.ComputeBehavior(addr, txs, 0)
		vec := []float64{
			float64(row.SessionCount),
			row.AvgSessionTrades,
			math.Log1p(float64(row.MedianHoldSecs)),
			float64(activeHourCount(row.ActiveHours)),
		}
		vectors[addr] = normalize(vec)
	}
	return vectors, nil, nil
}

func activeHourCount(hours string) int {
	if hours == "" {
		return 0
	}
	n := 1
	for i := 0; i < len(hours); i++ {
		if hours[i] == ',' {
			n++
		}
	}
	return n
}

func normalize(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// cosine of two L2-normalized vectors is their dot product.
func cosine(a, b []float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

// pairwise computes the symmetric similarity matrix over wallets in
// order, with per-pair contributing tokens (axis positions where both
// vectors are nonzero).
func pairwise(wallets []string, vectors map[string][]float64, axis []string) ([][]float64, []PairScore) {
	n := len(wallets)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}
	var pairs []PairScore
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := vectors[wallets[i]], vectors[wallets[j]]
			score := cosine(a, b)
			matrix[i][j] = score
			matrix[j][i] = score

			var shared []string
			for k := range axis {
				if a[k] != 0 && b[k] != 0 {
					shared = append(shared, axis[k])
				}
			}
			pairs = append(pairs, PairScore{A: wallets[i], B: wallets[j], Score: score, SharedTokens: shared})
		}
	}
	return matrix, pairs
}
