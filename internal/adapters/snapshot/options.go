package snapshot

import (
	"github.com/klauspost/compress/zstd"

	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
)

// Option applies a configuration option to the Archiver.
type Option func(*Archiver)

// WithLogger sets a custom logger for the archiver.
func WithLogger(l logger.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithLevel sets the zstd encoder level.
func WithLevel(level zstd.EncoderLevel) Option {
	return func(a *Archiver) {
		a.level = level
	}
}
