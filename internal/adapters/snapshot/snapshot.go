// Package snapshot reads task snapshots from an inbox directory and archives
// settlement outcomes as zstd-compressed JSON.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"

	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
)

// File suffixes recognised by LoadDir.
const (
	SuffixJSON = ".json"
	SuffixZstd = ".json.zst"
)

var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

// sharedDecoder returns a process-wide decoder. DecodeAll is safe for
// concurrent use.
func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// Decode parses a snapshot from raw bytes. Compressed input is detected by
// the zstd frame magic.
func Decode(data []byte) (model.Snapshot, error) {
	var snap model.Snapshot
	raw, err := decompress(data)
	if err != nil {
		return snap, err
	}
	if err := sonic.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return snap, nil
}

// Encode renders a snapshot as JSON, compressed when compress is true.
func Encode(snap *model.Snapshot, compress bool) ([]byte, error) {
	raw, err := sonic.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if !compress {
		return raw, nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func decompress(data []byte) ([]byte, error) {
	if len(data) < len(zstdMagic) || string(data[:len(zstdMagic)]) != string(zstdMagic) {
		return data, nil
	}
	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return out, nil
}

// LoadFile reads one snapshot file.
func LoadFile(path string) (model.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	snap, err := Decode(data)
	if err != nil {
		return snap, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// LoadDir reads every *.json and *.json.zst file in dir, ordered by file
// name. Files that fail to decode are skipped and reported in the joined error.
func LoadDir(dir string) ([]model.Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, SuffixJSON) || strings.HasSuffix(name, SuffixZstd) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	snaps := make([]model.Snapshot, 0, len(names))
	var errs []error
	for _, name := range names {
		snap, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, errors.Join(errs...)
}

// fileName maps a task id onto a safe file name stem.
func fileName(taskID string) (string, error) {
	stem := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(taskID))
	if stem == "" || stem == "." || stem == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, taskID)
	}
	return stem, nil
}
