package server

import (
	"fmt"
	"time"

	"github.com/franz/screen-recall/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type healthResponse struct {
	Status       string `json:"status"`
	User         string `json:"user"`
	Generation   uint64 `json:"generation"`
	Quarantined  int    `json:"quarantined"`
	CacheEntries int    `json:"cache_entries"`
	CacheBytes   int64  `json:"cache_bytes"`
	Error        string `json:"error,omitempty"`
}

type frameResponse struct {
	ID          int64             `json:"id"`
	CapturedAt  time.Time         `json:"captured_at"`
	ChunkPath   string            `json:"chunk_path"`
	Offset      int               `json:"offset"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Fingerprint string            `json:"fingerprint"`
	OCRSkipped  bool              `json:"ocr_skipped"`
	Quarantined bool              `json:"quarantined"`
	Text        *store.TextResult `json:"text,omitempty"`
}

func newFrameResponse(r *store.FrameRecord) frameResponse {
	return frameResponse{
		ID:          r.ID,
		CapturedAt:  r.CapturedAt,
		ChunkPath:   r.ChunkPath,
		Offset:      r.Offset,
		Width:       r.Width,
		Height:      r.Height,
		Fingerprint: fingerprintHex(r.Fingerprint),
		OCRSkipped:  r.OCRSkipped,
	}
}

// fingerprintHex keeps all 64 bits intact for JSON clients.
func fingerprintHex(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

type quarantineResponse struct {
	Chunks []string `json:"chunks"`
}

type purgeResponse struct {
	Path        string `json:"path"`
	RowsDeleted int64  `json:"rows_deleted"`
	FileDeleted bool   `json:"file_deleted"`
}
