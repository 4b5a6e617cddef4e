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

// Package jobs defines the persisted job model shared by the queue runtime
// and the HTTP boundary: job records, their state machine, deterministic
// identifiers for deduplication, and the store interface with redis and
// in-memory implementations.
package jobs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Kind names a submittable job type.
type Kind string

const (
	KindSyncWallet          Kind = "sync-wallet"
	KindFetchBalance        Kind = "fetch-balance"
	KindAnalyzePNL          Kind = "analyze-pnl"
	KindAnalyzeBehavior     Kind = "analyze-behavior"
	KindDashboardAnalysis   Kind = "dashboard-wallet-analysis"
	KindSimilarityFlow      Kind = "similarity-flow"
	KindEnrichTokenBalances Kind = "enrich-token-balances"
)

// State is a job lifecycle state. Completed and dead are terminal.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDead      State = "dead"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

// Job is the persisted record of one unit of work. Fields mirror what the
// observation API exposes; the store owns all mutation.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Progress    int             `json:"progress"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	NotBefore   time.Time       `json:"notBefore,omitempty"`
	LeaseUntil  time.Time       `json:"-"`
	OwnerToken  string          `json:"-"`
	ParentID    string          `json:"parentId,omitempty"`
	ChildrenIDs []string        `json:"childrenIds,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   ErrorKind       `json:"errorKind,omitempty"`
	Cancelled   bool            `json:"-"`
}

// Succeeded reports a terminal success.
func (j *Job) Succeeded() bool { return j.State == StateCompleted }

// Clone returns a deep copy; stores hand out clones so callers cannot
// mutate shared records.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	c.ChildrenIDs = append([]string(nil), j.ChildrenIDs...)
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	return &c
}

// DeterministicID derives the dedup identifier for a submission. Two
// submissions with the same canonical string "{kind}:{key}:{requestId}"
// resolve to the same job record. The key is the wallet address for
// single-wallet kinds and the flow identifier for flow kinds.
func DeterministicID(kind Kind, key, requestID string) string {
	canonical := fmt.Sprintf("%s:%s:%s", kind, key, requestID)
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:18])
}

// QueueFor maps a job kind to its home queue.
func QueueFor(kind Kind) string {
	switch kind {
	case KindSyncWallet, KindFetchBalance:
		return "wallet-operations"
	case KindAnalyzePNL, KindAnalyzeBehavior, KindDashboardAnalysis:
		return "analysis-operations"
	case KindEnrichTokenBalances:
		return "enrichment-operations"
	case KindSimilarityFlow:
		return "similarity-operations"
	default:
		return ""
	}
}
