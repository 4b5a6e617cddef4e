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

// Package similarity implements the multi-wallet fan-out/fan-in flow: one
// dashboard preparation child per wallet, a cooperative barrier over
// child terminal states, a success-ratio gate and a deterministic
// pairwise similarity matrix over repository reads.
package similarity

import (
	"context"
	"encoding/json"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/analyzer"
	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/queue"
	"github.com/nydiokar/analyzer/storage"
)

// Vector types.
const (
	VectorCapital  = "capital"
	VectorBehavior = "behavior"
)

// Repository is the slice of the storage layer vectors are built from.
// Vectors are computed from transactions inside the flow's time range, so
// the only read is a windowed one.
type Repository interface {
	Transactions(ctx context.Context, addr string, fromTS, toTS int64) ([]storage.TxRecord, error)
}

// Payload is the similarity-flow job input. A nil FailureThreshold takes
// the configured default; an explicit 0 accepts any success ratio.
type Payload struct {
	WalletAddresses  []string            `json:"walletAddresses"`
	VectorType       string              `json:"vectorType"`
	TimeRange        *analyzer.TimeRange `json:"timeRange,omitempty"`
	FailureThreshold *float64            `json:"failureThreshold,omitempty"`
	RequestID        string              `json:"requestId"`
}

// PairScore is one matrix cell with its contributing features.
type PairScore struct {
	A            string   `json:"a"`
	B            string   `json:"b"`
	Score        float64  `json:"score"`
	SharedTokens []string `json:"sharedTokens,omitempty"`
}

// Result is the similarity-flow output.
type Result struct {
	Wallets       []string    `json:"wallets"`
	VectorType    string      `json:"vectorType"`
	Matrix        [][]float64 `json:"matrix"`
	Pairs         []PairScore `json:"pairs"`
	FailedWallets []string    `json:"failedWallets,omitempty"`
	SuccessRatio  float64     `json:"successRatio"`
}

// Flow owns the similarity job handler.
type Flow struct {
	repo Repository
	cfg  *params.Config
	log  *zap.SugaredLogger
}

// NewFlow wires the flow.
func NewFlow(repo Repository, cfg *params.Config, log *zap.SugaredLogger) *Flow {
	return &Flow{repo: repo, cfg: cfg, log: log.With("component", "similarity")}
}

// Register binds the similarity kind to the runtime.
func (f *Flow) Register(rt *queue.Runtime) {
	rt.Register(jobs.KindSimilarityFlow, f.handleFlow)
}

func (f *Flow) handleFlow(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	var p Payload
	if err := task.Unmarshal(&p); err != nil {
		return nil, err
	}
	wallets, err := validateWallets(p.WalletAddresses)
	if err != nil {
		return nil, err
	}
	if p.VectorType == "" {
		p.VectorType = VectorCapital
	}
	if p.VectorType != VectorCapital && p.VectorType != VectorBehavior {
		return nil, jobs.NewError(jobs.KindValidation, "unknown vector type %q", p.VectorType)
	}
	threshold := f.cfg.Similarity.FailureThreshold
	if p.FailureThreshold != nil {
		threshold = *p.FailureThreshold
	}

	// Fan-out: one preparation child per wallet. Children never force a
	// refresh and never enrich; similarity only needs the analysis rows.
	childIDs := make(map[string]string, len(wallets))
	for _, addr := range wallets {
		child, err := task.SubmitChild(ctx, jobs.KindDashboardAnalysis, addr, p.RequestID, analyzer.DashboardPayload{
			WalletAddress: addr,
			RequestID:     p.RequestID,
		})
		if err != nil {
			return nil, err
		}
		childIDs[addr] = child.ID
	}
	if err := task.Progress(ctx, 10); err != nil {
		return nil, err
	}

	succeeded, failed, err := f.barrier(ctx, task, wallets, childIDs)
	if err != nil {
		return nil, err
	}
	if err := task.Progress(ctx, 60); err != nil {
		return nil, err
	}

	ratio := float64(len(succeeded)) / float64(len(wallets))
	if ratio < threshold {
		return nil, jobs.NewError(jobs.KindInsufficientInputs,
			"similarity success ratio %.2f below threshold %.2f, failed wallets: %v", ratio, threshold, failed)
	}

	vectors, axis, err := f.buildVectors(ctx, p.VectorType, p.TimeRange, succeeded)
	if err != nil {
		return nil, err
	}
	if err := task.Progress(ctx, 80); err != nil {
		return nil, err
	}

	matrix, pairs := pairwise(succeeded, vectors, axis)
	result := Result{
		Wallets:       succeeded,
		VectorType:    p.VectorType,
		Matrix:        matrix,
		Pairs:         pairs,
		FailedWallets: failed,
		SuccessRatio:  ratio,
	}
	if err := task.Progress(ctx, 100); err != nil {
		return nil, err
	}
	f.log.Infow("similarity flow finished", "wallets", len(wallets), "succeeded", len(succeeded), "ratio", ratio)
	return json.Marshal(result)
}

// validateWallets rejects empty or duplicate addresses and requires at
// least two wallets, preserving submission order.
func validateWallets(addrs []string) ([]string, error) {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr == "" {
			return nil, jobs.NewError(jobs.KindValidation, "empty wallet address")
		}
		if seen.Add(addr) {
			out = append(out, addr)
		}
	}
	if len(out) < 2 {
		return nil, jobs.NewError(jobs.KindValidation, "similarity needs at least 2 unique wallets, got %d", len(out))
	}
	return out, nil
}

// barrier polls the store until every child is terminal or the barrier
// deadline passes; stragglers are cancelled and counted as failed. It
// polls the store rather than the bus so a dropped event cannot wedge
// the flow.
func (f *Flow) barrier(ctx context.Context, task *queue.Task, wallets []string, childIDs map[string]string) (succeeded, failed []string, err error) {
	poll := f.cfg.Similarity.BarrierPoll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	var barrierDeadline time.Time
	if deadline, ok := ctx.Deadline(); ok {
		// Leave a slice of the attempt budget for aggregation.
		margin := 5 * time.Second
		if remaining := time.Until(deadline); margin > remaining/4 {
			margin = remaining / 4
		}
		barrierDeadline = deadline.Add(-margin)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if err := task.Checkpoint(ctx); err != nil {
			return nil, nil, err
		}
		children, gerr := task.Children(ctx)
		if gerr != nil {
			return nil, nil, gerr
		}
		byID := make(map[string]*jobs.Job, len(children))
		for _, child := range children {
			byID[child.ID] = child
		}

		succeeded = succeeded[:0]
		failed = failed[:0]
		pending := 0
		for _, addr := range wallets {
			child := byID[childIDs[addr]]
			switch {
			case child == nil || !child.State.Terminal():
				pending++
			case child.Succeeded():
				succeeded = append(succeeded, addr)
			default:
				failed = append(failed, addr)
			}
		}
		done := len(wallets) - pending
		if err := task.Progress(ctx, 10+done*50/len(wallets)); err != nil {
			return nil, nil, err
		}
		if pending == 0 {
			return succeeded, failed, nil
		}
		if !barrierDeadline.IsZero() && time.Now().After(barrierDeadline) {
			// Flow timeout: cancel stragglers and treat them as failed.
			for _, addr := range wallets {
				child := byID[childIDs[addr]]
				if child != nil && !child.State.Terminal() {
					if cerr := task.CancelChild(ctx, child.ID, "similarity barrier timeout"); cerr != nil {
						f.log.Warnw("cancel straggler", "child", child.ID, "err", cerr)
					}
					failed = append(failed, addr)
				}
			}
			return succeeded, failed, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
