package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pulse_state (
    id       INTEGER PRIMARY KEY CHECK (id = 1),
    version  INTEGER  NOT NULL,
    doc      BLOB     NOT NULL,
    saved_at DATETIME NOT NULL
);
`

// SQLiteRepository keeps the state document in a single-row SQLite table
// (pure Go driver, no cgo).
type SQLiteRepository struct {
	db       *sql.DB
	maxBytes int
}

// NewSQLiteRepository opens (or creates) the database at path.
func NewSQLiteRepository(path string, maxBytes int) (*SQLiteRepository, error) {
	if path == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db, maxBytes: maxBytes}, nil
}

func (r *SQLiteRepository) Load(ctx context.Context) (State, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM pulse_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Empty(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("store: sqlite load: %w", err)
	}
	return Decode(raw)
}

func (r *SQLiteRepository) Save(ctx context.Context, st State) error {
	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now().UTC()
	}
	raw, trimmed, err := Encode(st, r.maxBytes)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pulse_state (id, version, doc, saved_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, doc = excluded.doc, saved_at = excluded.saved_at`,
		CurrentVersion, raw, st.SavedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: sqlite save: %w", err)
	}
	log.Debug().Int("bytes", len(raw)).Int("trimmed", trimmed).Msg("store: sqlite state saved")
	return nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }
