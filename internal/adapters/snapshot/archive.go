package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
	"github.com/LemmyAI/megabrain-protocol/pkg/metrics"
)

// Archiver writes each settlement outcome to <dir>/<task>.json.zst.
type Archiver struct {
	dir     string
	level   zstd.EncoderLevel
	encoder *zstd.Encoder

	logger logger.Logger
}

// NewArchiver creates dir if needed and prepares a reusable encoder.
func NewArchiver(dir string, opts ...Option) (*Archiver, error) {
	a := &Archiver{
		dir:    dir,
		level:  zstd.SpeedDefault,
		logger: logger.Get().Named("archive"),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(a.level))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	a.encoder = enc
	return a, nil
}

// Dir returns the archive directory.
func (a *Archiver) Dir() string {
	return a.dir
}

// Path returns the archive path for a task.
func (a *Archiver) Path(taskID string) (string, error) {
	stem, err := fileName(taskID)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.dir, stem+SuffixZstd), nil
}

// Archive writes out atomically. An existing archive for the task is replaced.
func (a *Archiver) Archive(ctx context.Context, out *settlement.Outcome) error {
	path, err := a.Path(out.TaskID)
	if err != nil {
		return err
	}

	raw, err := sonic.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	compressed := a.encoder.EncodeAll(raw, nil)

	tmp, err := os.CreateTemp(a.dir, ".archive-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		metrics.RecordErrorByComponent("archive", "rename")
		return fmt.Errorf("publish archive: %w", err)
	}

	a.logger.Debug(ctx, "outcome archived",
		logger.String("taskID", out.TaskID),
		logger.String("path", path),
		logger.Int("bytes", len(compressed)),
	)
	return nil
}

// Close releases the encoder.
func (a *Archiver) Close() error {
	return a.encoder.Close()
}

// ReadArchive loads an archived outcome.
func ReadArchive(path string) (settlement.Outcome, error) {
	var out settlement.Outcome
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("read %s: %w", path, err)
	}
	raw, err := decompress(data)
	if err != nil {
		return out, err
	}
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return out, nil
}
