// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New(ctx) to build a Config with defaults.
// - Settlement parameters are converted once into an immutable settlement.Config.
// - External errors are wrapped with this package's sentinels.
package config

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/clustering"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/consensus"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/payment"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the operational HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the in-memory settlement queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of settlement workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets how many claimed task ids are remembered.
	DedupeSize int `koanf:"dedupe_size"`

	// StoreSize bounds retained results; zero keeps everything.
	StoreSize int `koanf:"store_size"`

	// InboxDir, when set, is scanned once at startup for snapshot files.
	InboxDir string `koanf:"inbox_dir"`

	// OutboxDir, when set, receives one compressed archive per settled task.
	OutboxDir string `koanf:"outbox_dir"`

	Clustering ClusteringConfig   `koanf:"clustering"`
	Consensus  ConsensusConfig    `koanf:"consensus"`
	Pools      payment.PoolShares `koanf:"pools"`
	Embedding  EmbeddingConfig    `koanf:"embedding"`
}

// ClusteringConfig selects and tunes the clustering strategy.
type ClusteringConfig struct {
	Enabled           bool    `koanf:"enabled"`
	Algorithm         string  `koanf:"algorithm"`
	Eps               float64 `koanf:"eps"`
	MinPoints         int     `koanf:"min_points"`
	DistanceThreshold float64 `koanf:"distance_threshold"`
	MinClusterSize    int     `koanf:"min_cluster_size"`
}

// ConsensusConfig holds the consensus gates.
type ConsensusConfig struct {
	Threshold             float64 `koanf:"threshold"`
	MinEvaluatorAlignment float64 `koanf:"min_evaluator_alignment"`
	OutlierSigma          float64 `koanf:"outlier_sigma"`
}

// EmbeddingConfig configures the optional embedding provider. An empty URL
// disables backfill.
type EmbeddingConfig struct {
	URL     string        `koanf:"url"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
	Retries int           `koanf:"retries"`
}

// Enabled reports whether a provider is configured.
func (e EmbeddingConfig) Enabled() bool {
	return strings.TrimSpace(e.URL) != ""
}

// New creates a Config with defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:    "info",
		Addr:        ":9080",
		QueueSize:   10_000,
		WorkerCount: runtime.NumCPU() * 2,
		DedupeSize:  100_000,
		Clustering: ClusteringConfig{
			Enabled:           true,
			Algorithm:         "hdbscan",
			Eps:               0.3,
			MinPoints:         2,
			DistanceThreshold: 0.5,
			MinClusterSize:    2,
		},
		Consensus: ConsensusConfig{
			Threshold:             0.66,
			MinEvaluatorAlignment: 0.5,
			OutlierSigma:          2.0,
		},
		Pools: payment.DefaultPoolShares(),
		Embedding: EmbeddingConfig{
			Model:   "text-embedding-3-small",
			Timeout: 30 * time.Second,
			Retries: 3,
		},
	}
}

// Settlement converts the settlement sections into a validated settlement.Config.
func (c *Config) Settlement() (settlement.Config, error) {
	algo, err := clustering.ParseAlgorithm(c.Clustering.Algorithm)
	if err != nil {
		return settlement.Config{}, fmt.Errorf("%w: clustering: %w", ErrInvalidConfig, err)
	}
	cfg := settlement.Config{
		Clustering: clustering.Config{
			Enabled:           c.Clustering.Enabled,
			Algorithm:         algo,
			Eps:               c.Clustering.Eps,
			MinPoints:         c.Clustering.MinPoints,
			DistanceThreshold: c.Clustering.DistanceThreshold,
			MinClusterSize:    c.Clustering.MinClusterSize,
		},
		Consensus: consensus.Config{
			Threshold:             c.Consensus.Threshold,
			MinEvaluatorAlignment: c.Consensus.MinEvaluatorAlignment,
			OutlierSigma:          c.Consensus.OutlierSigma,
		},
		Pools: c.Pools,
	}
	if err := cfg.Validate(); err != nil {
		return settlement.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Validate checks the process settings and every settlement section.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	if c.Embedding.Enabled() && c.Embedding.Retries < 0 {
		return fmt.Errorf("%w: embedding.retries must not be negative", ErrInvalidConfig)
	}
	_, err := c.Settlement()
	return err
}
