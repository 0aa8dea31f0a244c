package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/franz/screen-recall/internal/util"
)

// Migration is one named, one-shot schema or data change. Each runs in its
// own transaction together with its ledger row, so a crash either applies
// it completely or not at all.
type Migration struct {
	Name string
	Up   func(ctx context.Context, tx *sqlx.Tx) error
}

func execMigration(stmt string) func(context.Context, *sqlx.Tx) error {
	return func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, stmt)
		return err
	}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS migration_ledger (
  name TEXT PRIMARY KEY,
  applied_at DATETIME NOT NULL
);`

// Schema 0001 - frame index
const schemaFrames = `
CREATE TABLE IF NOT EXISTS frames (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  captured_at INTEGER NOT NULL,
  chunk_path TEXT NOT NULL,
  frame_offset INTEGER NOT NULL,
  width INTEGER NOT NULL DEFAULT 0,
  height INTEGER NOT NULL DEFAULT 0,
  fingerprint INTEGER NOT NULL DEFAULT 0,
  ocr_skipped INTEGER NOT NULL DEFAULT 0,
  UNIQUE (chunk_path, frame_offset)
);

CREATE INDEX IF NOT EXISTS idx_frames_captured_at ON frames(captured_at);
`

// Schema 0002 - finalized chunks
const schemaChunks = `
CREATE TABLE IF NOT EXISTS chunks (
  path TEXT PRIMARY KEY,
  started_at INTEGER NOT NULL,
  ended_at INTEGER NOT NULL,
  frame_count INTEGER NOT NULL DEFAULT 0,
  width INTEGER NOT NULL DEFAULT 0,
  height INTEGER NOT NULL DEFAULT 0,
  aspect REAL NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT 'finalized',
  error TEXT
);
`

// Schema 0003 - recognized text
const schemaText = `
CREATE TABLE IF NOT EXISTS frame_text (
  frame_id INTEGER PRIMARY KEY REFERENCES frames(id) ON DELETE CASCADE,
  text TEXT NOT NULL,
  confidence REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS text_blocks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  frame_id INTEGER NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
  text TEXT NOT NULL,
  x REAL NOT NULL,
  y REAL NOT NULL,
  w REAL NOT NULL,
  h REAL NOT NULL,
  confidence REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_text_blocks_frame_id ON text_blocks(frame_id);
`

// Migrations is the ordered ledger. Append only: never reorder or rename.
var Migrations = []Migration{
	{Name: "0001_frames", Up: execMigration(schemaFrames)},
	{Name: "0002_chunks", Up: execMigration(schemaChunks)},
	{Name: "0003_frame_text", Up: execMigration(schemaText)},
	{Name: "0004_backfill_chunks", Up: backfillChunks},
}

// backfillChunks creates chunk rows for frames indexed before the chunks
// table existed.
func backfillChunks(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chunks (path, started_at, ended_at, frame_count, width, height, state)
		SELECT chunk_path, MIN(captured_at), MAX(captured_at), COUNT(*), MAX(width), MAX(height), 'finalized'
		FROM frames
		GROUP BY chunk_path
	`)
	return err
}

// appliedMigrations returns the set of recorded migration names.
func appliedMigrations(ctx context.Context, db *sqlx.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		return nil, fmt.Errorf("create migration ledger: %w", err)
	}
	var names []string
	if err := db.SelectContext(ctx, &names, "SELECT name FROM migration_ledger"); err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}

// migrate applies every migration not yet in the ledger, in order, and
// returns the names it applied.
func migrate(ctx context.Context, db *sqlx.DB, list []Migration) ([]string, error) {
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, m := range list {
		if applied[m.Name] {
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return ran, fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		util.DebugLog("Applied migration %s", m.Name)
		ran = append(ran, m.Name)
	}
	return ran, nil
}

func applyOne(ctx context.Context, db *sqlx.DB, m Migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.Up(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO migration_ledger (name, applied_at) VALUES (?, ?)",
		m.Name, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
