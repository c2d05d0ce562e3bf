package index

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/docqa/backend/pkg/logger"
)

// snapshot is the on-disk form of the index. The reverse maps are rebuilt on
// load from the entry list, which preserves insertion order.
type snapshot struct {
	Dimension int
	Model     string
	Entries   []entry
}

// Save serializes the index to path atomically: the snapshot is written to a
// temp file in the same directory and renamed over the target, so a crash
// mid-write leaves the previous file intact.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	snap := snapshot{
		Dimension: ix.dimension,
		Model:     ix.model,
		Entries:   make([]entry, len(ix.entries)),
	}
	copy(snap.Entries, ix.entries)
	ix.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".vectors-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := gob.NewEncoder(tmp).Encode(&snap); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace index file: %w", err)
	}

	logger.Debug("Index persisted",
		zap.String("path", path),
		zap.Int("vectors", len(snap.Entries)),
	)

	return nil
}

// Load reads a persisted index. A missing file yields an empty index. A
// stored dimension or model that differs from the configured ones fails fast
// rather than silently mixing stale vectors.
func Load(path string, dimension int, model string) (*Index, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		logger.Info("No persisted index found, starting empty",
			zap.String("path", path),
		)
		return New(dimension, model), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode index file: %w", err)
	}

	if snap.Dimension != dimension {
		return nil, fmt.Errorf("%w: persisted index has dimension %d, configured embedder has %d",
			ErrDimensionMismatch, snap.Dimension, dimension)
	}
	if snap.Model != model {
		return nil, fmt.Errorf("%w: persisted index was built with model %q, configured model is %q",
			ErrDimensionMismatch, snap.Model, model)
	}

	ix := New(dimension, model)
	ix.entries = snap.Entries
	for pos, e := range ix.entries {
		ix.byChunk[e.ChunkID] = pos
		if ix.byDoc[e.DocumentID] == nil {
			ix.byDoc[e.DocumentID] = make(map[string]struct{})
		}
		ix.byDoc[e.DocumentID][e.ChunkID] = struct{}{}
	}

	logger.Info("Index loaded",
		zap.String("path", path),
		zap.Int("vectors", len(ix.entries)),
		zap.String("model", model),
	)

	return ix, nil
}
