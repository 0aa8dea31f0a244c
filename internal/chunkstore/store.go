// Package chunkstore resolves frame locators back into pixels by extracting
// single frames from archived video chunks.
package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png" // extractor output
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/franz/screen-recall/internal/config"
	"github.com/franz/screen-recall/internal/util"
)

// ActiveChecker reports whether a chunk is still being written.
type ActiveChecker interface {
	IsActive(relPath string) bool
}

// FrameIndex deletes metadata rows that point into a chunk.
type FrameIndex interface {
	DeleteFramesForChunk(ctx context.Context, chunkPath string) (int64, error)
}

type Options struct {
	BaseDir      string
	Interval     time.Duration
	CacheEntries int
	CacheBytes   int64

	Extractor Extractor
	Prober    Prober
	Active    ActiveChecker
	Index     FrameIndex

	// OnQuarantine is called once per newly quarantined chunk.
	OnQuarantine func(chunkPath string, cause error)
}

// OptionsFromConfig maps the chunk section of cfg onto Options.
func OptionsFromConfig(cfg config.Config, baseDir string) Options {
	return Options{
		BaseDir:      baseDir,
		Interval:     cfg.Capture.Interval,
		CacheEntries: cfg.Chunks.CacheEntries,
		CacheBytes:   cfg.Chunks.CacheBytes,
		Extractor:    &FFmpegExtractor{Binary: cfg.Chunks.FFmpeg},
		Prober:       &FFprobe{Binary: cfg.Chunks.FFprobe},
	}
}

// Store reads frames out of chunks. It never modifies a chunk except when
// asked to purge a quarantined one.
type Store struct {
	opts  Options
	cache *frameCache
	group singleflight.Group

	mu         sync.RWMutex
	quarantine map[string]time.Time
}

// New builds a Store; missing options fall back to defaults.
func New(opts Options) (*Store, error) {
	def := config.Default()
	if opts.Interval <= 0 {
		opts.Interval = def.Capture.Interval
	}
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = def.Chunks.CacheEntries
	}
	if opts.CacheBytes <= 0 {
		opts.CacheBytes = def.Chunks.CacheBytes
	}
	if opts.Extractor == nil {
		opts.Extractor = &FFmpegExtractor{}
	}
	if opts.Prober == nil {
		opts.Prober = &FFprobe{}
	}

	cache, err := newFrameCache(opts.CacheEntries, opts.CacheBytes)
	if err != nil {
		return nil, fmt.Errorf("frame cache: %w", err)
	}
	return &Store{
		opts:       opts,
		cache:      cache,
		quarantine: make(map[string]time.Time),
	}, nil
}

// SetActiveChecker wires the encoder in after construction.
func (s *Store) SetActiveChecker(a ActiveChecker) {
	s.mu.Lock()
	s.opts.Active = a
	s.mu.Unlock()
}

// SetIndex wires the metadata repository in after construction.
func (s *Store) SetIndex(idx FrameIndex) {
	s.mu.Lock()
	s.opts.Index = idx
	s.mu.Unlock()
}

// cleanRel normalizes a chunk path and rejects anything outside BaseDir.
func cleanRel(chunkPath string) (string, error) {
	p := path.Clean(filepath.ToSlash(chunkPath))
	if p == "." || path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("invalid chunk path %q", chunkPath)
	}
	return p, nil
}

func (s *Store) absPath(rel string) string {
	return filepath.Join(s.opts.BaseDir, filepath.FromSlash(rel))
}

func (s *Store) isActive(rel string) bool {
	s.mu.RLock()
	a := s.opts.Active
	s.mu.RUnlock()
	return a != nil && a.IsActive(rel)
}

// SeekTime is the playback position of offset inside its chunk.
func (s *Store) SeekTime(offset int) time.Duration {
	return time.Duration(offset) * s.opts.Interval
}

// LoadFrame returns the frame stored at offset inside chunkPath.
//
// Errors are classified: ErrQuarantined for chunks already known to be
// broken, KindNotReady for the chunk still being written, KindCorruption
// when this call discovered the damage (the chunk is quarantined), and
// KindTransient otherwise.
func (s *Store) LoadFrame(ctx context.Context, chunkPath string, offset int) (image.Image, error) {
	rel, err := cleanRel(chunkPath)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("invalid frame offset %d", offset)
	}
	if s.IsQuarantined(rel) {
		return nil, fmt.Errorf("%s: %w", rel, util.ErrQuarantined)
	}

	key := frameKey{chunk: rel, offset: offset}
	if img, ok := s.cache.get(key); ok {
		return img, nil
	}

	v, err, _ := s.group.Do(key.String(), func() (interface{}, error) {
		return s.extract(ctx, rel, offset)
	})
	if err != nil {
		return nil, err
	}
	img := v.(image.Image)
	s.cache.add(key, img)
	return img, nil
}

func (s *Store) extract(ctx context.Context, rel string, offset int) (image.Image, error) {
	// Re-check: another caller may have quarantined while we queued.
	if s.IsQuarantined(rel) {
		return nil, fmt.Errorf("%s: %w", rel, util.ErrQuarantined)
	}

	abs := s.absPath(rel)
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.isActive(rel) {
				return nil, util.E(util.KindNotReady, "load frame", fmt.Errorf("%s not created yet", rel))
			}
			return nil, fmt.Errorf("%s: %w", rel, util.ErrNotFound)
		}
		return nil, util.E(util.KindTransient, "load frame", err)
	}

	data, err := s.opts.Extractor.Extract(ctx, abs, s.SeekTime(offset))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, s.classify(rel, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, util.E(util.KindTransient, "load frame", fmt.Errorf("decode frame from %s: %w", rel, err))
	}
	return img, nil
}

// classify applies the corruption policy to an extraction failure.
func (s *Store) classify(rel string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var output string
	var xerr *ExtractError
	if errors.As(err, &xerr) {
		output = xerr.Output
	}
	active := s.isActive(rel)

	switch {
	case active:
		// An open chunk has no final index yet and may not have flushed
		// the fragment holding this frame.
		return util.E(util.KindNotReady, "load frame", err)
	case IsCorruptionOutput(output):
		s.quarantineWithCause(rel, err)
		return util.E(util.KindCorruption, "load frame", err)
	default:
		return util.E(util.KindTransient, "load frame", err)
	}
}

// Quarantine marks chunkPath unreadable. Lookups fail fast from now on.
func (s *Store) Quarantine(chunkPath string) {
	rel, err := cleanRel(chunkPath)
	if err != nil {
		return
	}
	s.quarantineWithCause(rel, nil)
}

func (s *Store) quarantineWithCause(rel string, cause error) {
	s.mu.Lock()
	if _, ok := s.quarantine[rel]; ok {
		s.mu.Unlock()
		return
	}
	s.quarantine[rel] = time.Now()
	hook := s.opts.OnQuarantine
	s.mu.Unlock()

	s.cache.evictChunk(rel)

	ev := util.Logger().Warn().Str("chunk", rel)
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("chunk quarantined")

	if hook != nil {
		hook(rel, cause)
	}
}

// Restore re-applies quarantine entries persisted by an earlier session.
// OnQuarantine is not called.
func (s *Store) Restore(chunkPaths ...string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range chunkPaths {
		if rel, err := cleanRel(p); err == nil {
			if _, ok := s.quarantine[rel]; !ok {
				s.quarantine[rel] = now
			}
		}
	}
}

// IsQuarantined reports whether chunkPath is quarantined.
func (s *Store) IsQuarantined(chunkPath string) bool {
	rel, err := cleanRel(chunkPath)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.quarantine[rel]
	return ok
}

// Quarantined lists quarantined chunks in path order.
func (s *Store) Quarantined() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.quarantine))
	for p := range s.quarantine {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// PurgeQuarantined deletes every metadata row referencing a quarantined
// chunk, optionally deletes the file, and releases the quarantine entry.
// It returns the number of rows deleted.
func (s *Store) PurgeQuarantined(ctx context.Context, chunkPath string, deleteFile bool) (int64, error) {
	rel, err := cleanRel(chunkPath)
	if err != nil {
		return 0, err
	}
	if !s.IsQuarantined(rel) {
		return 0, fmt.Errorf("%s is not quarantined: %w", rel, util.ErrNotFound)
	}

	s.mu.RLock()
	idx := s.opts.Index
	s.mu.RUnlock()
	if idx == nil {
		return 0, util.E(util.KindNotReady, "purge quarantined", errors.New("no frame index configured"))
	}

	rows, err := idx.DeleteFramesForChunk(ctx, rel)
	if err != nil {
		return 0, fmt.Errorf("delete frames for %s: %w", rel, err)
	}

	if deleteFile {
		if err := util.RetryableRemove(ctx, s.absPath(rel), nil); err != nil {
			return rows, fmt.Errorf("delete chunk file: %w", err)
		}
	}

	s.cache.evictChunk(rel)
	s.mu.Lock()
	delete(s.quarantine, rel)
	s.mu.Unlock()

	util.Logger().Info().
		Str("chunk", rel).
		Int64("rows_deleted", rows).
		Bool("file_deleted", deleteFile).
		Msg("quarantined chunk purged")
	return rows, nil
}

// Verify probes a finished chunk and quarantines it when the container is
// damaged. Chunks still being written are skipped with KindNotReady.
func (s *Store) Verify(ctx context.Context, chunkPath string) (*ProbeInfo, error) {
	rel, err := cleanRel(chunkPath)
	if err != nil {
		return nil, err
	}
	if s.isActive(rel) {
		return nil, util.E(util.KindNotReady, "verify", fmt.Errorf("%s is still being written", rel))
	}

	info, err := s.opts.Prober.Probe(ctx, s.absPath(rel))
	if err == nil {
		return info, nil
	}
	if errors.Is(err, util.ErrNotFound) && !util.FileExists(s.absPath(rel)) {
		return nil, fmt.Errorf("%s: %w", rel, util.ErrNotFound)
	}

	var perr *ProbeError
	if errors.As(err, &perr) && (errors.Is(err, util.ErrCorrupt) || IsCorruptionOutput(perr.Output)) {
		s.quarantineWithCause(rel, err)
		return info, util.E(util.KindCorruption, "verify", err)
	}
	return info, util.E(util.KindTransient, "verify", err)
}

// CacheStats reports the frame cache occupancy.
func (s *Store) CacheStats() (entries int, bytes int64) {
	return s.cache.stats()
}
