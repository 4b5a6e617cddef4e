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

// Package params centralizes the tunable configuration of the analyzer
// daemon: queue definitions, per-kind timeouts, staleness thresholds and
// the endpoints of the backing services.
package params

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Queue names are stable constants; job records and progress channels are
// keyed by them, so renaming one is a breaking change for persisted state.
const (
	WalletOpsQueue     = "wallet-operations"
	AnalysisOpsQueue   = "analysis-operations"
	EnrichmentOpsQueue = "enrichment-operations"
	SimilarityOpsQueue = "similarity-operations"
)

// Staleness thresholds, in wall-clock age.
const (
	SyncStalenessAge = 300 * time.Second
	PNLStalenessAge  = 600 * time.Second
)

// SmartFetchFillRatio is the fraction of the signature target that phase A
// of a smart fetch must reach before phase B (older history) is skipped.
const SmartFetchFillRatio = 0.75

// BackoffKind selects the retry delay progression for a queue.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// QueueConfig bounds one named queue's worker pool.
type QueueConfig struct {
	Name              string        `toml:"name" validate:"required"`
	Concurrency       int           `toml:"concurrency" validate:"min=1"`
	MaxAttempts       int           `toml:"max_attempts" validate:"min=1"`
	Backoff           BackoffKind   `toml:"backoff" validate:"oneof=fixed exponential"`
	BackoffBase       time.Duration `toml:"backoff_base"`
	BackoffMax        time.Duration `toml:"backoff_max"`
	VisibilityTimeout time.Duration `toml:"visibility_timeout"`
	PollInterval      time.Duration `toml:"poll_interval"`
}

// TimeoutConfig holds the per-kind job timeouts. The visibility timeout of
// the owning queue must not be shorter than the kind's timeout.
type TimeoutConfig struct {
	Sync       time.Duration `toml:"sync"`
	Balance    time.Duration `toml:"balance"`
	PNL        time.Duration `toml:"pnl"`
	Behavior   time.Duration `toml:"behavior"`
	Dashboard  time.Duration `toml:"dashboard"`
	Similarity time.Duration `toml:"similarity"`
	Enrichment time.Duration `toml:"enrichment"`
}

// SyncConfig tunes the sync engine defaults.
type SyncConfig struct {
	BatchSize     int `toml:"batch_size" validate:"min=1"`
	MaxSignatures int `toml:"max_signatures" validate:"min=1"`
}

// SimilarityConfig tunes the similarity flow defaults.
type SimilarityConfig struct {
	FailureThreshold float64       `toml:"failure_threshold" validate:"min=0,max=1"`
	BarrierPoll      time.Duration `toml:"barrier_poll"`
}

// ProviderConfig points at the upstream transaction provider.
type ProviderConfig struct {
	URL            string        `toml:"url" validate:"required,url"`
	APIKey         string        `toml:"api_key"`
	PageSize       int           `toml:"page_size" validate:"min=1,max=1000"`
	RequestsPerSec float64       `toml:"requests_per_sec" validate:"gt=0"`
	Burst          int           `toml:"burst" validate:"min=1"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// RedisConfig points at the redis instance backing jobs, locks and the
// progress bridge.
type RedisConfig struct {
	Addr     string `toml:"addr" validate:"required"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// PostgresConfig points at the repository database.
type PostgresConfig struct {
	DSN string `toml:"dsn" validate:"required"`
}

// HTTPConfig configures the public API listener.
type HTTPConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

// Config is the root daemon configuration.
type Config struct {
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Provider   ProviderConfig   `toml:"provider"`
	HTTP       HTTPConfig       `toml:"http"`
	Sync       SyncConfig       `toml:"sync"`
	Similarity SimilarityConfig `toml:"similarity"`
	Timeouts   TimeoutConfig    `toml:"timeouts"`
	Queues     []QueueConfig    `toml:"queues"`
	LogLevel   string           `toml:"log_level" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns the configuration the daemon boots with when no
// file overrides are given.
func DefaultConfig() *Config {
	return &Config{
		Redis:    RedisConfig{Addr: "127.0.0.1:6379"},
		Postgres: PostgresConfig{DSN: "postgres://analyzer@127.0.0.1:5432/analyzer?sslmode=disable"},
		Provider: ProviderConfig{
			URL:            "https://rpc.example.org",
			PageSize:       100,
			RequestsPerSec: 8,
			Burst:          4,
			RequestTimeout: 20 * time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8780"},
		Sync: SyncConfig{
			BatchSize:     100,
			MaxSignatures: 200,
		},
		Similarity: SimilarityConfig{
			FailureThreshold: 0.5,
			BarrierPoll:      500 * time.Millisecond,
		},
		Timeouts: TimeoutConfig{
			Sync:       5 * time.Minute,
			Balance:    30 * time.Second,
			PNL:        3 * time.Minute,
			Behavior:   3 * time.Minute,
			Dashboard:  15 * time.Minute,
			Similarity: 30 * time.Minute,
			Enrichment: 5 * time.Minute,
		},
		Queues: []QueueConfig{
			{Name: WalletOpsQueue, Concurrency: 8, MaxAttempts: 3, Backoff: BackoffExponential, BackoffBase: 2 * time.Second, BackoffMax: 2 * time.Minute, VisibilityTimeout: 6 * time.Minute, PollInterval: 250 * time.Millisecond},
			{Name: AnalysisOpsQueue, Concurrency: 4, MaxAttempts: 3, Backoff: BackoffExponential, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute, VisibilityTimeout: 16 * time.Minute, PollInterval: 250 * time.Millisecond},
			{Name: EnrichmentOpsQueue, Concurrency: 2, MaxAttempts: 2, Backoff: BackoffFixed, BackoffBase: 10 * time.Second, BackoffMax: 10 * time.Second, VisibilityTimeout: 6 * time.Minute, PollInterval: time.Second},
			{Name: SimilarityOpsQueue, Concurrency: 2, MaxAttempts: 1, Backoff: BackoffFixed, BackoffBase: time.Minute, BackoffMax: time.Minute, VisibilityTimeout: 31 * time.Minute, PollInterval: 500 * time.Millisecond},
		},
		LogLevel: "info",
	}
}

// LoadConfig overlays the TOML file at path onto the defaults and
// validates the result. An empty path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field invariants the
// queue runtime depends on.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, q := range c.Queues {
		if q.VisibilityTimeout < c.timeoutForQueue(q.Name) {
			return fmt.Errorf("invalid config: queue %s visibility timeout %s below job timeout", q.Name, q.VisibilityTimeout)
		}
	}
	return nil
}

// Queue returns the configuration of the named queue, or nil.
func (c *Config) Queue(name string) *QueueConfig {
	for i := range c.Queues {
		if c.Queues[i].Name == name {
			return &c.Queues[i]
		}
	}
	return nil
}

func (c *Config) timeoutForQueue(name string) time.Duration {
	switch name {
	case WalletOpsQueue:
		return c.Timeouts.Sync
	case AnalysisOpsQueue:
		return c.Timeouts.Dashboard
	case EnrichmentOpsQueue:
		return c.Timeouts.Enrichment
	case SimilarityOpsQueue:
		return c.Timeouts.Similarity
	default:
		return 0
	}
}
