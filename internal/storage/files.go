package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

// FileCheckpoints keeps one JSON file per batch id under a directory, so an
// operator can inspect or delete a checkpoint to force a restart.
type FileCheckpoints struct {
	mu  sync.Mutex
	dir string
}

// NewFileCheckpoints creates the directory if needed
func NewFileCheckpoints(dir string) (*FileCheckpoints, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrCheckpointUnavailable, dir, err)
	}
	return &FileCheckpoints{dir: dir}, nil
}

// Path returns the file backing a batch id
func (f *FileCheckpoints) Path(batchID string) string {
	return filepath.Join(f.dir, fileName(batchID)+".json")
}

// fileName keeps batch ids readable while making them path safe
func fileName(batchID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, batchID)
}

func (f *FileCheckpoints) LoadCheckpoint(ctx context.Context, batchID string) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path(batchID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read checkpoint: %v", ErrCheckpointUnavailable, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: parse checkpoint %s: %v", ErrCheckpointUnavailable, batchID, err)
	}
	return &cp, nil
}

// SaveCheckpoint writes to a temporary file first and renames it over the
// previous checkpoint, so readers never see a torn file
func (f *FileCheckpoints) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	path := f.Path(cp.BatchID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrCheckpointUnavailable, tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrCheckpointUnavailable, path, err)
	}
	return nil
}

func (f *FileCheckpoints) DeleteCheckpoint(ctx context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.Path(batchID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete checkpoint: %v", ErrCheckpointUnavailable, err)
	}
	return nil
}

func (f *FileCheckpoints) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			observ.Warn("checkpoint_unreadable", map[string]any{"path": p, "error": err.Error()})
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out, nil
}
