package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/franz/screen-recall/internal/util"
)

// Chunk states recorded in the chunks table.
const (
	ChunkFinalized   = "finalized"
	ChunkFailed      = "failed"
	ChunkQuarantined = "quarantined"
)

// FrameRecord is one indexed frame and its locator.
type FrameRecord struct {
	ID          int64
	CapturedAt  time.Time
	ChunkPath   string
	Offset      int
	Width       int
	Height      int
	Fingerprint uint64
	OCRSkipped  bool
}

// ChunkRecord describes a finalized chunk.
type ChunkRecord struct {
	Path       string
	StartedAt  time.Time
	EndedAt    time.Time
	FrameCount int
	Width      int
	Height     int
	Aspect     float64
	State      string
	Error      string
}

// Box is a bounding box normalized to 0..1 of the frame size.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// TextBlock is one recognized region.
type TextBlock struct {
	Text       string  `json:"text"`
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
}

// TextResult is what text recognition returns for one frame.
type TextResult struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Blocks     []TextBlock `json:"blocks"`
}

// FrameStats summarizes the index.
type FrameStats struct {
	Frames           int64
	OCRSkipped       int64
	FramesWithText   int64
	Chunks           int64
	FailedChunks     int64
	QuarantinedCount int64
	First            time.Time
	Last             time.Time
}

type chunkRow struct {
	Path       string         `db:"path"`
	StartedAt  int64          `db:"started_at"`
	EndedAt    int64          `db:"ended_at"`
	FrameCount int            `db:"frame_count"`
	Width      int            `db:"width"`
	Height     int            `db:"height"`
	Aspect     float64        `db:"aspect"`
	State      string         `db:"state"`
	Error      sql.NullString `db:"error"`
}

func (r frameRow) record() FrameRecord {
	return FrameRecord{
		ID:          r.ID,
		CapturedAt:  time.UnixMilli(r.CapturedAt),
		ChunkPath:   r.ChunkPath,
		Offset:      int(r.FrameOffset),
		Width:       int(r.Width),
		Height:      int(r.Height),
		Fingerprint: uint64(r.Fingerprint),
		OCRSkipped:  r.OCRSkipped,
	}
}

func (r chunkRow) record() ChunkRecord {
	return ChunkRecord{
		Path:       r.Path,
		StartedAt:  time.UnixMilli(r.StartedAt),
		EndedAt:    time.UnixMilli(r.EndedAt),
		FrameCount: r.FrameCount,
		Width:      r.Width,
		Height:     r.Height,
		Aspect:     r.Aspect,
		State:      r.State,
		Error:      r.Error.String,
	}
}

// Frames is the frame metadata repository. It holds no handle of its own.
type Frames struct {
	m *Manager
}

// NewFrames returns a repository backed by m.
func NewFrames(m *Manager) *Frames {
	return &Frames{m: m}
}

// InsertFrame stores a frame locator and returns its id.
func (f *Frames) InsertFrame(ctx context.Context, fr FrameRecord) (int64, error) {
	db, err := f.m.Handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO frames (captured_at, chunk_path, frame_offset, width, height, fingerprint, ocr_skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, fr.CapturedAt.UnixMilli(), fr.ChunkPath, fr.Offset, fr.Width, fr.Height, int64(fr.Fingerprint), fr.OCRSkipped)
	if err != nil {
		return 0, classify("store.InsertFrame", fmt.Errorf("failed to insert frame: %w", err))
	}
	return res.LastInsertId()
}

// RecordChunk inserts or updates a chunk row.
func (f *Frames) RecordChunk(ctx context.Context, c ChunkRecord) error {
	db, err := f.m.Handle()
	if err != nil {
		return err
	}
	if c.State == "" {
		c.State = ChunkFinalized
	}
	var errText sql.NullString
	if c.Error != "" {
		errText = sql.NullString{String: c.Error, Valid: true}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO chunks (path, started_at, ended_at, frame_count, width, height, aspect, state, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			frame_count = excluded.frame_count,
			width = excluded.width,
			height = excluded.height,
			aspect = excluded.aspect,
			state = excluded.state,
			error = excluded.error
	`, c.Path, c.StartedAt.UnixMilli(), c.EndedAt.UnixMilli(), c.FrameCount, c.Width, c.Height, c.Aspect, c.State, errText)
	if err != nil {
		return classify("store.RecordChunk", fmt.Errorf("failed to record chunk: %w", err))
	}
	return nil
}

// MarkChunk sets the state of an existing chunk row.
func (f *Frames) MarkChunk(ctx context.Context, path, state, reason string) error {
	db, err := f.m.Handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "UPDATE chunks SET state = ?, error = ? WHERE path = ?", state, reason, path)
	return classify("store.MarkChunk", err)
}

// GetChunk returns a chunk row or ErrNotFound.
func (f *Frames) GetChunk(ctx context.Context, path string) (*ChunkRecord, error) {
	db, err := f.m.Handle()
	if err != nil {
		return nil, err
	}
	var row chunkRow
	err = db.GetContext(ctx, &row, "SELECT * FROM chunks WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", path, util.ErrNotFound)
	}
	if err != nil {
		return nil, classify("store.GetChunk", err)
	}
	rec := row.record()
	return &rec, nil
}

// Chunks lists chunk rows, newest first.
func (f *Frames) Chunks(ctx context.Context) ([]ChunkRecord, error) {
	db, err := f.m.Handle()
	if err != nil {
		return nil, err
	}
	var rows []chunkRow
	if err := db.SelectContext(ctx, &rows, "SELECT * FROM chunks ORDER BY started_at DESC"); err != nil {
		return nil, classify("store.Chunks", err)
	}
	out := make([]ChunkRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// SaveText replaces the recognized text of a frame.
func (f *Frames) SaveText(ctx context.Context, frameID int64, res TextResult) error {
	return f.m.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO frame_text (frame_id, text, confidence) VALUES (?, ?, ?)
			ON CONFLICT(frame_id) DO UPDATE SET text = excluded.text, confidence = excluded.confidence
		`, frameID, res.Text, res.Confidence); err != nil {
			return classify("store.SaveText", fmt.Errorf("failed to save text: %w", err))
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM text_blocks WHERE frame_id = ?", frameID); err != nil {
			return classify("store.SaveText", err)
		}
		for _, b := range res.Blocks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO text_blocks (frame_id, text, x, y, w, h, confidence)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, frameID, b.Text, b.Box.X, b.Box.Y, b.Box.W, b.Box.H, b.Confidence); err != nil {
				return classify("store.SaveText", fmt.Errorf("failed to save text block: %w", err))
			}
		}
		return nil
	})
}

// Text returns the recognized text of a frame, or ErrNotFound.
func (f *Frames) Text(ctx context.Context, frameID int64) (*TextResult, error) {
	db, err := f.m.Handle()
	if err != nil {
		return nil, err
	}
	var res TextResult
	err = db.QueryRowxContext(ctx, "SELECT text, confidence FROM frame_text WHERE frame_id = ?", frameID).
		Scan(&res.Text, &res.Confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("text for frame %d: %w", frameID, util.ErrNotFound)
	}
	if err != nil {
		return nil, classify("store.Text", err)
	}

	rows, err := db.QueryxContext(ctx,
		"SELECT text, x, y, w, h, confidence FROM text_blocks WHERE frame_id = ? ORDER BY id", frameID)
	if err != nil {
		return nil, classify("store.Text", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b TextBlock
		if err := rows.Scan(&b.Text, &b.Box.X, &b.Box.Y, &b.Box.W, &b.Box.H, &b.Confidence); err != nil {
			return nil, classify("store.Text", err)
		}
		res.Blocks = append(res.Blocks, b)
	}
	return &res, classify("store.Text", rows.Err())
}

// GetFrame returns a frame by id, or ErrNotFound.
func (f *Frames) GetFrame(ctx context.Context, id int64) (*FrameRecord, error) {
	db, err := f.m.Handle()
	if err != nil {
		return nil, err
	}
	var row frameRow
	err = db.GetContext(ctx, &row, `
		SELECT id, captured_at, chunk_path, frame_offset, width, height, fingerprint, ocr_skipped
		FROM frames WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("frame %d: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return nil, classify("store.GetFrame", err)
	}
	rec := row.record()
	return &rec, nil
}

// FramesForChunk returns the frames of a chunk in offset order.
func (f *Frames) FramesForChunk(ctx context.Context, chunkPath string) ([]FrameRecord, error) {
	db, err := f.m.Handle()
	if err != nil {
		return nil, err
	}
	var rows []frameRow
	err = db.SelectContext(ctx, &rows, `
		SELECT id, captured_at, chunk_path, frame_offset, width, height, fingerprint, ocr_skipped
		FROM frames WHERE chunk_path = ? ORDER BY frame_offset
	`, chunkPath)
	if err != nil {
		return nil, classify("store.FramesForChunk", err)
	}
	out := make([]FrameRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// DeleteFramesForChunk removes every frame row pointing into a chunk
// together with its text and the chunk row, and returns the frame count.
func (f *Frames) DeleteFramesForChunk(ctx context.Context, chunkPath string) (int64, error) {
	var n int64
	err := f.m.Transaction(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM frames WHERE chunk_path = ?", chunkPath)
		if err != nil {
			return classify("store.DeleteFramesForChunk", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM chunks WHERE path = ?", chunkPath)
		return classify("store.DeleteFramesForChunk", err)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Stats returns counts over the whole index.
func (f *Frames) Stats(ctx context.Context) (*FrameStats, error) {
	db, err := f.m.Handle()
	if err != nil {
		return nil, err
	}

	var row struct {
		Frames     int64         `db:"frames"`
		OCRSkipped int64         `db:"ocr_skipped"`
		First      sql.NullInt64 `db:"first"`
		Last       sql.NullInt64 `db:"last"`
	}
	if err := db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS frames,
		       COALESCE(SUM(ocr_skipped), 0) AS ocr_skipped,
		       MIN(captured_at) AS first,
		       MAX(captured_at) AS last
		FROM frames
	`); err != nil {
		return nil, classify("store.Stats", err)
	}

	stats := &FrameStats{Frames: row.Frames, OCRSkipped: row.OCRSkipped}
	if row.First.Valid {
		stats.First = time.UnixMilli(row.First.Int64)
	}
	if row.Last.Valid {
		stats.Last = time.UnixMilli(row.Last.Int64)
	}

	if err := db.GetContext(ctx, &stats.FramesWithText, "SELECT COUNT(*) FROM frame_text"); err != nil {
		return nil, classify("store.Stats", err)
	}

	var states []struct {
		State string `db:"state"`
		N     int64  `db:"n"`
	}
	if err := db.SelectContext(ctx, &states, "SELECT state, COUNT(*) AS n FROM chunks GROUP BY state"); err != nil {
		return nil, classify("store.Stats", err)
	}
	for _, s := range states {
		stats.Chunks += s.N
		switch s.State {
		case ChunkFailed:
			stats.FailedChunks += s.N
		case ChunkQuarantined:
			stats.QuarantinedCount += s.N
		}
	}
	return stats, nil
}
