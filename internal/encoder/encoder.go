// Package encoder turns captured frames into a sequence of short video
// chunks by piping them into one ffmpeg process per chunk.
package encoder

import (
	"context"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/franz/screen-recall/internal/config"
	"github.com/franz/screen-recall/internal/util"
)

// VideosSubdir is where chunks live, relative to the user directory.
const VideosSubdir = "videos"

// State of the encoder's current chunk.
type State int

const (
	StateNoChunk State = iota
	StateOpen
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinalizing:
		return "finalizing"
	default:
		return "no-chunk"
	}
}

// FrameLocator addresses one archived frame.
type FrameLocator struct {
	ChunkPath string // slash-separated, relative to the user directory
	Offset    int
}

// ChunkResult describes a finalized chunk.
type ChunkResult struct {
	Path      string
	StartedAt time.Time
	EndedAt   time.Time
	Frames    int
	Width     int
	Height    int
	Aspect    float64
	Reason    string
	// Err is set when the encoder exited non-zero. The chunk is still kept
	// as a best-effort archive.
	Err error
}

// DropReport is emitted whenever buffered frames are discarded.
type DropReport struct {
	ChunkPath string
	Frames    int
	Reason    string
	Err       error

	// Release frees ChunkPath for reuse. Until it is called the encoder
	// never hands the same name to a new chunk, so cleanup of the dropped
	// chunk cannot touch a newer one. Safe to call more than once.
	Release func()
}

// Stats are cumulative counters since New.
type Stats struct {
	FramesWritten       int64
	FramesDropped       int64
	ChunksFinalized     int64
	Resets              int64
	ConsecutiveFailures int
}

type Options struct {
	BaseDir           string
	Extension         string
	Codec             string
	Quality           int
	Interval          time.Duration
	MaxDimension      int
	ChunkDuration     time.Duration
	AspectThreshold   float64
	FailureThreshold  int
	MaxBufferedFrames int

	Launcher Launcher

	// OnFinalize runs after every chunk is finalized, from the goroutine that
	// waited on the encoder process.
	OnFinalize func(ChunkResult)
	// OnDrop runs with the encoder lock held; it must not call back into
	// the Encoder. The dropped chunk name stays reserved until the report's
	// Release is called.
	OnDrop func(DropReport)
}

// OptionsFromConfig maps the encoder section of cfg onto Options.
func OptionsFromConfig(cfg config.Config, baseDir string) Options {
	return Options{
		BaseDir:           baseDir,
		Extension:         cfg.Encoder.Extension,
		Codec:             cfg.Encoder.Codec,
		Quality:           cfg.Encoder.Quality,
		Interval:          cfg.Capture.Interval,
		MaxDimension:      cfg.Encoder.MaxDimension,
		ChunkDuration:     cfg.Encoder.ChunkDuration,
		AspectThreshold:   cfg.Encoder.AspectThreshold,
		FailureThreshold:  cfg.Encoder.FailureThreshold,
		MaxBufferedFrames: cfg.Encoder.MaxBufferedFrames,
		Launcher:          &FFmpegLauncher{Binary: cfg.Encoder.FFmpeg},
	}
}

type chunk struct {
	relPath string
	absPath string
	started time.Time
	last    time.Time
	width   int
	height  int
	aspect  float64
	proc    Process
	records []time.Time // written but not yet finalized
}

// Encoder owns at most one open chunk at a time. All methods are safe for
// concurrent use; frames are serialized through a single mutex.
type Encoder struct {
	opts Options

	mu         sync.Mutex
	active     *chunk
	finalizing map[string]struct{}
	dropped    map[string]struct{} // names awaiting cleanup after a reset
	failures   int
	stats      Stats

	pending sync.WaitGroup
}

// New creates an encoder. Zero-valued options fall back to the defaults.
func New(opts Options) *Encoder {
	def := config.Default()
	if opts.Extension == "" {
		opts.Extension = def.Encoder.Extension
	}
	if opts.Codec == "" {
		opts.Codec = def.Encoder.Codec
	}
	if opts.Interval <= 0 {
		opts.Interval = def.Capture.Interval
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = def.Encoder.MaxDimension
	}
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = def.Encoder.ChunkDuration
	}
	if opts.AspectThreshold <= 0 {
		opts.AspectThreshold = def.Encoder.AspectThreshold
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.Encoder.FailureThreshold
	}
	if opts.MaxBufferedFrames <= 0 {
		opts.MaxBufferedFrames = def.Encoder.MaxBufferedFrames
	}
	if opts.Launcher == nil {
		opts.Launcher = &FFmpegLauncher{Binary: def.Encoder.FFmpeg}
	}
	return &Encoder{
		opts:       opts,
		finalizing: make(map[string]struct{}),
		dropped:    make(map[string]struct{}),
	}
}

// AddFrame archives img captured at ts and returns where it was stored.
//
// A nil locator with a nil error means the frame was lost to a transient
// subprocess failure that has been absorbed. An error is returned only
// when the failure threshold or the buffer cap forced an emergency reset.
func (e *Encoder) AddFrame(ctx context.Context, img image.Image, ts time.Time) (*FrameLocator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if c := e.active; c != nil {
		if ts.Sub(c.started) > e.opts.ChunkDuration {
			e.rotateLocked("duration")
		} else if d := aspectDelta(c.aspect, AspectRatio(img)); d > e.opts.AspectThreshold {
			util.DebugLog("Encoder: aspect ratio changed by %.1f%%, rotating %s", d*100, c.relPath)
			e.rotateLocked("aspect")
		}
	}

	if e.active == nil {
		c, err := e.openLocked(img, ts)
		if err != nil {
			return e.failLocked("start", err)
		}
		e.active = c
	}
	c := e.active

	if len(c.records) >= e.opts.MaxBufferedFrames {
		dropped := e.resetLocked("buffer cap exceeded", nil)
		return nil, util.E(util.KindExhausted, "add frame",
			fmt.Errorf("%d buffered frames reached cap, %d frames dropped", e.opts.MaxBufferedFrames, dropped))
	}

	data, err := encodeFrame(scaleTo(img, c.width, c.height))
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := c.proc.Write(data); err != nil {
		return e.failLocked("write", err)
	}

	e.failures = 0
	offset := len(c.records)
	c.records = append(c.records, ts)
	c.last = ts
	e.stats.FramesWritten++

	return &FrameLocator{ChunkPath: c.relPath, Offset: offset}, nil
}

// Flush finalizes the open chunk, if any, and waits for every pending
// finalization to finish.
func (e *Encoder) Flush(ctx context.Context) (*ChunkResult, error) {
	e.mu.Lock()
	c := e.active
	e.active = nil
	if c != nil {
		e.finalizing[c.relPath] = struct{}{}
	}
	e.mu.Unlock()

	var result *ChunkResult
	if c != nil {
		res := e.finalize(c, "flush")
		result = &res
	}

	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return result, ctx.Err()
	}
	return result, nil
}

// Close is Flush without the result.
func (e *Encoder) Close(ctx context.Context) error {
	_, err := e.Flush(ctx)
	return err
}

// State reports the lifecycle state of the newest chunk.
func (e *Encoder) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.active != nil:
		return StateOpen
	case len(e.finalizing) > 0:
		return StateFinalizing
	default:
		return StateNoChunk
	}
}

// ActiveChunk returns the relative path of the open chunk, or "".
func (e *Encoder) ActiveChunk() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.active.relPath
}

// IsActive reports whether relPath is still being written or finalized.
// Such a chunk has no final index yet, so read failures on it are not
// evidence of corruption.
func (e *Encoder) IsActive(relPath string) bool {
	relPath = path.Clean(filepath.ToSlash(relPath))
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && e.active.relPath == relPath {
		return true
	}
	_, ok := e.finalizing[relPath]
	return ok
}

// Stats returns a snapshot of the counters.
func (e *Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.ConsecutiveFailures = e.failures
	return s
}

func (e *Encoder) openLocked(img image.Image, ts time.Time) (*chunk, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	w, h := TargetSize(b.Dx(), b.Dy(), e.opts.MaxDimension)

	rel, abs, err := e.allocatePathLocked(ts)
	if err != nil {
		return nil, err
	}

	proc, err := e.opts.Launcher.Launch(ProcessSpec{
		OutputPath: abs,
		Width:      w,
		Height:     h,
		Interval:   e.opts.Interval,
		Codec:      e.opts.Codec,
		Quality:    e.opts.Quality,
	})
	if err != nil {
		return nil, err
	}

	util.DebugLog("Encoder: opened %s (%dx%d)", rel, w, h)
	return &chunk{
		relPath: rel,
		absPath: abs,
		started: ts,
		last:    ts,
		width:   w,
		height:  h,
		aspect:  AspectRatio(img),
		proc:    proc,
	}, nil
}

// allocatePathLocked returns videos/YYYY-MM-DD/chunk_HHMMSS.ext, adding a
// numeric suffix when that name is taken on disk, by an unfinished chunk or
// by a dropped chunk whose cleanup has not been released yet.
func (e *Encoder) allocatePathLocked(ts time.Time) (string, string, error) {
	day := ts.Format("2006-01-02")
	dir := filepath.Join(e.opts.BaseDir, VideosSubdir, day)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("create chunk dir: %w", err)
	}

	base := "chunk_" + ts.Format("150405")
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		name += "." + e.opts.Extension

		rel := path.Join(VideosSubdir, day, name)
		if _, busy := e.finalizing[rel]; busy {
			continue
		}
		if _, busy := e.dropped[rel]; busy {
			continue
		}
		abs := filepath.Join(dir, name)
		if _, err := os.Lstat(abs); err == nil {
			continue
		}
		return rel, abs, nil
	}
}

func (e *Encoder) failLocked(op string, err error) (*FrameLocator, error) {
	e.failures++
	util.WarnLog("Encoder: %s failed (%d/%d): %v", op, e.failures, e.opts.FailureThreshold, err)
	if e.failures < e.opts.FailureThreshold {
		return nil, nil
	}

	n := e.opts.FailureThreshold
	dropped := e.resetLocked(fmt.Sprintf("%d consecutive %s failures", n, op), err)
	return nil, util.E(util.KindExhausted, "add frame",
		fmt.Errorf("encoder reset after %d consecutive failures, %d frames dropped: %w", n, dropped, err))
}

// resetLocked kills the encoder process without waiting, forgets the open
// chunk and returns how many written frames were lost with it.
func (e *Encoder) resetLocked(reason string, cause error) int {
	var dropped int
	var rel string
	if c := e.active; c != nil {
		dropped = len(c.records)
		rel = c.relPath
		if c.proc != nil {
			if err := c.proc.Kill(); err != nil {
				util.DebugLog("Encoder: kill %s: %v", rel, err)
			}
		}
	}

	e.active = nil
	e.failures = 0
	e.stats.Resets++
	e.stats.FramesDropped += int64(dropped)

	ev := util.Logger().Warn().
		Str("chunk", rel).
		Int("dropped_frames", dropped).
		Str("reason", reason)
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("encoder emergency reset")

	if e.opts.OnDrop != nil {
		report := DropReport{ChunkPath: rel, Frames: dropped, Reason: reason, Err: cause, Release: func() {}}
		if rel != "" {
			e.dropped[rel] = struct{}{}
			report.Release = func() { e.releaseDropped(rel) }
		}
		e.opts.OnDrop(report)
	}
	return dropped
}

func (e *Encoder) releaseDropped(rel string) {
	e.mu.Lock()
	delete(e.dropped, rel)
	e.mu.Unlock()
}

// rotateLocked hands the open chunk to a background finalizer.
func (e *Encoder) rotateLocked(reason string) {
	c := e.active
	e.active = nil
	e.finalizing[c.relPath] = struct{}{}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		e.finalize(c, reason)
	}()
}

func (e *Encoder) finalize(c *chunk, reason string) ChunkResult {
	var err error
	if cerr := c.proc.CloseInput(); cerr != nil {
		err = cerr
	}
	if werr := c.proc.Wait(); werr != nil {
		err = werr
	}

	res := ChunkResult{
		Path:      c.relPath,
		StartedAt: c.started,
		EndedAt:   c.last,
		Frames:    len(c.records),
		Width:     c.width,
		Height:    c.height,
		Aspect:    c.aspect,
		Reason:    reason,
		Err:       err,
	}
	if err != nil {
		util.WarnLog("Encoder: %s finalized with error: %v", c.relPath, err)
	} else {
		util.DebugLog("Encoder: finalized %s (%d frames, %s)", c.relPath, res.Frames, reason)
	}

	e.mu.Lock()
	delete(e.finalizing, c.relPath)
	e.stats.ChunksFinalized++
	e.mu.Unlock()

	if e.opts.OnFinalize != nil {
		e.opts.OnFinalize(res)
	}
	return res
}
