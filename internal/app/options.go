package service

import (
	"github.com/LemmyAI/megabrain-protocol/internal/adapters/embedding"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/payment"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum number of queued snapshots.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many claimed task ids are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithStoreSize bounds the number of stored results. Zero keeps everything.
func WithStoreSize(size int) Option {
	return func(s *Service) {
		if size >= 0 {
			s.storeSize = size
		}
	}
}

// WithSettlementConfig replaces the whole settlement configuration.
func WithSettlementConfig(cfg settlement.Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithPoolShares sets the budget split used when a task carries no pools.
func WithPoolShares(shares payment.PoolShares) Option {
	return func(s *Service) {
		s.cfg.Pools = shares
	}
}

// WithEmbedder enables embedding backfill for submissions without vectors.
func WithEmbedder(e embedding.Embedder) Option {
	return func(s *Service) {
		s.embedder = e
	}
}

// WithArchiver enables archiving of every settled outcome.
func WithArchiver(a Archiver) Option {
	return func(s *Service) {
		s.archiver = a
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
