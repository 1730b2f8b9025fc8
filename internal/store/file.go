package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// FileRepository stores state as one JSON document on disk. Saves write a
// temp file in the same directory and rename it over the target.
type FileRepository struct {
	path     string
	maxBytes int
}

// NewFileRepository creates a repository at path, creating its directory.
func NewFileRepository(path string, maxBytes int) (*FileRepository, error) {
	if path == "" {
		return nil, errors.New("store: file path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return &FileRepository{path: path, maxBytes: maxBytes}, nil
}

func (r *FileRepository) Load(_ context.Context) (State, error) {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("store: read %s: %w", r.path, err)
	}
	if len(raw) == 0 {
		return Empty(), nil
	}
	return Decode(raw)
}

func (r *FileRepository) Save(_ context.Context, st State) error {
	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now().UTC()
	}
	raw, trimmed, err := Encode(st, r.maxBytes)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".pulse-state-*")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("store: rename to %s: %w", r.path, err)
	}

	log.Debug().
		Str("path", r.path).
		Int("bytes", len(raw)).
		Int("positions", len(st.Positions)).
		Int("trimmed", trimmed).
		Msg("store: state saved")
	return nil
}

func (r *FileRepository) Close() error { return nil }
