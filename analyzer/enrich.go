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
	"context"
	"encoding/json"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/queue"
)

// metadataBatch bounds one provider metadata call.
const metadataBatch = 50

// handleEnrich resolves token metadata for a wallet's observed tokens and
// upserts it. Enrichment runs detached: its failure dead-letters this job
// but never propagates to the dashboard parent.
func (c *Coordinator) handleEnrich(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	var p EnrichPayload
	if err := task.Unmarshal(&p); err != nil {
		return nil, err
	}
	if len(p.TokenAddresses) == 0 {
		return nil, jobs.NewError(jobs.KindValidation, "enrichment for %s has no tokens", p.WalletAddress)
	}

	updated := 0
	for start := 0; start < len(p.TokenAddresses); start += metadataBatch {
		if err := task.Checkpoint(ctx); err != nil {
			return nil, err
		}
		end := start + metadataBatch
		if end > len(p.TokenAddresses) {
			end = len(p.TokenAddresses)
		}
		metas, err := c.meta.TokenMetadata(ctx, p.TokenAddresses[start:end])
		if err != nil {
			return nil, err
		}
		if err := c.repo.UpsertTokenMetadata(ctx, metas); err != nil {
			return nil, err
		}
		updated += len(metas)
		if err := task.Progress(ctx, end*100/len(p.TokenAddresses)); err != nil {
			return nil, err
		}
	}
	c.log.Infow("token metadata enriched", "wallet", p.WalletAddress, "tokens", updated)
	return json.Marshal(map[string]any{"updated": updated})
}
