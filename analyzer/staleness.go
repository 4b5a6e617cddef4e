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
	"time"

	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/storage"
)

// Staleness classifies how current a wallet's synced history is.
type Staleness string

const (
	Fresh   Staleness = "FRESH"
	Stale   Staleness = "STALE"
	Missing Staleness = "MISSING"
)

// Classify maps wallet state onto the staleness classes the controllers
// and the dashboard flow branch on.
func Classify(w *storage.Wallet, now time.Time) Staleness {
	if w == nil {
		return Missing
	}
	if !w.LastSuccessfulFetchAt.Valid ||
		now.Sub(time.Unix(w.LastSuccessfulFetchAt.Int64, 0)) >= params.SyncStalenessAge {
		return Stale
	}
	return Fresh
}

// ShouldSync reports whether the dashboard flow plans a sync step.
func ShouldSync(w *storage.Wallet, now time.Time, force bool) bool {
	return force || Classify(w, now) != Fresh
}

// ShouldRunPNL applies the PNL skip rule: a recent analysis is reused
// unless the caller forces a refresh.
func ShouldRunPNL(w *storage.Wallet, now time.Time, force bool) bool {
	if force || w == nil || !w.LastAnalyzedEndTS.Valid {
		return true
	}
	return now.Sub(time.Unix(w.LastAnalyzedEndTS.Int64, 0)) >= params.PNLStalenessAge
}
