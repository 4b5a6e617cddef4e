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

package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analyzer.toml")
	body := `
log_level = "debug"

[sync]
max_signatures = 500

[provider]
url = "https://other.example.org"
requests_per_sec = 2.0
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 500, cfg.Sync.MaxSignatures)
	require.Equal(t, "https://other.example.org", cfg.Provider.URL)
	// Untouched sections keep their defaults.
	require.Equal(t, 100, cfg.Sync.BatchSize)
	require.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
}

func TestValidateRejectsShortVisibility(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue(AnalysisOpsQueue).VisibilityTimeout = time.Minute
	require.Error(t, cfg.Validate())
}

func TestQueueLookup(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg.Queue(WalletOpsQueue))
	require.Nil(t, cfg.Queue("no-such-queue"))
}
