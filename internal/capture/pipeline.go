// Package capture drives frames through the dedup gate, the chunk encoder
// and the frame index.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/franz/screen-recall/internal/dedup"
	"github.com/franz/screen-recall/internal/encoder"
	"github.com/franz/screen-recall/internal/report"
	"github.com/franz/screen-recall/internal/store"
	"github.com/franz/screen-recall/internal/util"
)

// Options wires a Pipeline. Encoder.OnFinalize and Encoder.OnDrop are
// owned by the pipeline and overwritten.
type Options struct {
	Encoder   encoder.Options
	Threshold int
	Frames    *store.Frames
	Text      TextExtractor // nil disables text recognition
	Events    *report.EventLogger
}

// IngestResult describes what happened to one frame.
type IngestResult struct {
	FrameID   int64
	Locator   *encoder.FrameLocator
	Duplicate bool // text recognition skipped
	Lost      bool // absorbed encoder failure, nothing archived
	TextChars int
}

// Stats are cumulative counters.
type Stats struct {
	Frames        int64
	Archived      int64
	Lost          int64
	Duplicates    int64
	TextFrames    int64
	TextFailures  int64
	IndexFailures int64
	Resets        int64
}

// Pipeline is the capture orchestrator for one user session.
type Pipeline struct {
	gate    *dedup.Gate
	enc     *encoder.Encoder
	frames  *store.Frames
	text    TextExtractor
	events  *report.EventLogger
	baseDir string

	mu    sync.Mutex
	stats Stats

	cleanup sync.WaitGroup
}

// New builds a pipeline and its encoder.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		gate:    dedup.NewGate(opts.Threshold),
		frames:  opts.Frames,
		text:    opts.Text,
		events:  opts.Events,
		baseDir: opts.Encoder.BaseDir,
	}
	encOpts := opts.Encoder
	encOpts.OnFinalize = p.onFinalize
	encOpts.OnDrop = p.onDrop
	p.enc = encoder.New(encOpts)
	return p
}

// Encoder exposes the encoder, e.g. as the chunk store's active checker.
func (p *Pipeline) Encoder() *encoder.Encoder { return p.enc }

// Ingest archives one frame and indexes it. Text recognition runs only when
// the frame differs from the previous one. Errors are returned for an
// emergency reset or when the index cannot be written; the caller should
// log them and keep capturing.
func (p *Pipeline) Ingest(ctx context.Context, img image.Image, ts time.Time) (*IngestResult, error) {
	fp := dedup.Compute(img)
	dup := p.gate.Observe(fp)
	res := &IngestResult{Duplicate: dup}

	p.count(func(s *Stats) {
		s.Frames++
		if dup {
			s.Duplicates++
		}
	})

	loc, err := p.enc.AddFrame(ctx, img, ts)
	if err != nil {
		if util.KindOf(err) == util.KindExhausted {
			p.count(func(s *Stats) { s.Resets++ })
		}
		return res, err
	}
	if loc == nil {
		res.Lost = true
		p.count(func(s *Stats) { s.Lost++ })
		return res, nil
	}
	res.Locator = loc
	p.count(func(s *Stats) { s.Archived++ })

	if p.frames == nil {
		return res, nil
	}
	b := img.Bounds()
	id, err := p.frames.InsertFrame(ctx, store.FrameRecord{
		CapturedAt:  ts,
		ChunkPath:   loc.ChunkPath,
		Offset:      loc.Offset,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Fingerprint: uint64(fp),
		OCRSkipped:  dup || p.text == nil,
	})
	if err != nil {
		p.count(func(s *Stats) { s.IndexFailures++ })
		return res, fmt.Errorf("index frame %s#%d: %w", loc.ChunkPath, loc.Offset, err)
	}
	res.FrameID = id

	if dup || p.text == nil {
		return res, nil
	}
	text, err := p.text.Extract(ctx, img)
	if err != nil {
		p.count(func(s *Stats) { s.TextFailures++ })
		util.WarnLog("Text recognition failed for frame %d: %v", id, err)
		return res, nil
	}
	if err := p.frames.SaveText(ctx, id, *text); err != nil {
		p.count(func(s *Stats) { s.TextFailures++ })
		util.WarnLog("Failed to save text for frame %d: %v", id, err)
		return res, nil
	}
	res.TextChars = len(text.Text)
	p.count(func(s *Stats) { s.TextFrames++ })
	return res, nil
}

// Run ingests every frame of src until it is exhausted or ctx is done.
// Per-frame failures are logged and capture continues.
func (p *Pipeline) Run(ctx context.Context, src Source, progress func(*IngestResult)) error {
	for {
		img, ts, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.WarnLog("Skipping unreadable frame: %v", err)
			continue
		}

		res, err := p.Ingest(ctx, img, ts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.WarnLog("Frame at %s: %v", ts.Format(time.TimeOnly), err)
		}
		if progress != nil {
			progress(res)
		}
	}
}

// Close finalizes the open chunk and waits for chunk bookkeeping.
func (p *Pipeline) Close(ctx context.Context) error {
	_, err := p.enc.Flush(ctx)
	p.cleanup.Wait()
	return err
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pipeline) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

func (p *Pipeline) onFinalize(r encoder.ChunkResult) {
	took := r.EndedAt.Sub(r.StartedAt)
	p.events.LogChunkFinalized(r.Path, r.Frames, r.Reason, took, r.Err)
	if p.frames == nil {
		return
	}

	rec := store.ChunkRecord{
		Path:       r.Path,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		FrameCount: r.Frames,
		Width:      r.Width,
		Height:     r.Height,
		Aspect:     r.Aspect,
		State:      store.ChunkFinalized,
	}
	if r.Err != nil {
		rec.State = store.ChunkFailed
		rec.Error = r.Err.Error()
	}
	if err := p.frames.RecordChunk(context.Background(), rec); err != nil {
		util.WarnLog("Failed to record chunk %s: %v", r.Path, err)
	}
}

// onDrop runs under the encoder lock, so the index and file cleanup for
// the dropped chunk happens on its own goroutine. Rows go before the file,
// and the chunk name is released to the encoder only once both are gone.
func (p *Pipeline) onDrop(d encoder.DropReport) {
	p.events.LogFramesDropped(d.ChunkPath, d.Frames, d.Reason, d.Err)
	if d.ChunkPath == "" {
		return
	}

	p.cleanup.Add(1)
	go func() {
		defer p.cleanup.Done()
		defer d.Release()
		ctx := context.Background()
		if p.frames != nil {
			n, err := p.frames.DeleteFramesForChunk(ctx, d.ChunkPath)
			if err != nil {
				util.WarnLog("Failed to remove index rows of dropped chunk %s: %v", d.ChunkPath, err)
			} else if n > 0 {
				util.DebugLog("Removed %d index rows of dropped chunk %s", n, d.ChunkPath)
			}
		}
		abs := filepath.Join(p.baseDir, filepath.FromSlash(d.ChunkPath))
		if err := util.RetryableRemove(ctx, abs, nil); err != nil {
			util.WarnLog("Failed to remove dropped chunk %s: %v", abs, err)
		}
	}()
}
