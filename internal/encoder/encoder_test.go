package encoder

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/franz/screen-recall/internal/util"
)

type fakeProcess struct {
	mu         sync.Mutex
	spec       ProcessSpec
	frames     int
	failWrites bool
	closed     bool
	killed     bool
	waitErr    error
}

func (p *fakeProcess) Write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWrites {
		return errors.New("write |1: broken pipe")
	}
	if len(frame) == 0 {
		return errors.New("empty frame")
	}
	p.frames++
	return nil
}

func (p *fakeProcess) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProcess) Wait() error { return p.waitErr }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProcess) setFailWrites(v bool) {
	p.mu.Lock()
	p.failWrites = v
	p.mu.Unlock()
}

type fakeLauncher struct {
	mu        sync.Mutex
	procs     []*fakeProcess
	failStart int // number of upcoming Launch calls that fail
}

func (l *fakeLauncher) Launch(spec ProcessSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failStart > 0 {
		l.failStart--
		return nil, errors.New("exec: ffmpeg: resource temporarily unavailable")
	}
	p := &fakeProcess{spec: spec}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type recorder struct {
	mu        sync.Mutex
	finalized []ChunkResult
	drops     []DropReport
}

func (r *recorder) onFinalize(res ChunkResult) {
	r.mu.Lock()
	r.finalized = append(r.finalized, res)
	r.mu.Unlock()
}

func (r *recorder) onDrop(d DropReport) {
	r.mu.Lock()
	r.drops = append(r.drops, d)
	r.mu.Unlock()
}

func newTestEncoder(t *testing.T, mutate func(*Options)) (*Encoder, *fakeLauncher, *recorder) {
	t.Helper()
	l := &fakeLauncher{}
	r := &recorder{}
	opts := Options{
		BaseDir:    t.TempDir(),
		Codec:      "libx264",
		Interval:   2 * time.Second,
		Launcher:   l,
		OnFinalize: r.onFinalize,
		OnDrop:     r.onDrop,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), l, r
}

func frame(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

var t0 = time.Date(2026, 3, 14, 10, 15, 0, 0, time.Local)

func TestFrameOffsetsAreSequential(t *testing.T) {
	enc, l, _ := newTestEncoder(t, nil)
	ctx := context.Background()

	var chunkPath string
	for i := 0; i < 6; i++ {
		loc, err := enc.AddFrame(ctx, frame(640, 400), t0.Add(time.Duration(i)*2*time.Second))
		if err != nil {
			t.Fatalf("AddFrame %d: %v", i, err)
		}
		if loc == nil {
			t.Fatalf("AddFrame %d returned nil locator", i)
		}
		if loc.Offset != i {
			t.Errorf("frame %d: offset = %d, want %d", i, loc.Offset, i)
		}
		if i == 0 {
			chunkPath = loc.ChunkPath
		} else if loc.ChunkPath != chunkPath {
			t.Errorf("frame %d moved to chunk %s", i, loc.ChunkPath)
		}
	}

	if want := "videos/2026-03-14/chunk_101500.mp4"; chunkPath != want {
		t.Errorf("chunk path = %q, want %q", chunkPath, want)
	}
	if l.launched() != 1 {
		t.Errorf("launched %d processes, want 1", l.launched())
	}
	if got := l.last().frames; got != 6 {
		t.Errorf("process received %d frames, want 6", got)
	}
	if enc.State() != StateOpen {
		t.Errorf("state = %v, want open", enc.State())
	}
}

func TestAspectRatioRotation(t *testing.T) {
	tests := []struct {
		name     string
		second   image.Image
		newChunk bool
	}{
		{"4:3 after 16:9 starts a new chunk", frame(800, 600), true},
		{"slightly taller stays", frame(1920, 1000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, l, r := newTestEncoder(t, nil)
			ctx := context.Background()

			first, err := enc.AddFrame(ctx, frame(1920, 1080), t0)
			if err != nil || first == nil {
				t.Fatalf("first frame: %v %v", first, err)
			}
			second, err := enc.AddFrame(ctx, tt.second, t0.Add(2*time.Second))
			if err != nil || second == nil {
				t.Fatalf("second frame: %v %v", second, err)
			}

			if tt.newChunk {
				if second.ChunkPath == first.ChunkPath {
					t.Errorf("expected a new chunk, both in %s", first.ChunkPath)
				}
				if second.Offset != 0 {
					t.Errorf("new chunk offset = %d, want 0", second.Offset)
				}
				if l.launched() != 2 {
					t.Errorf("launched %d processes, want 2", l.launched())
				}
				if enc.ActiveChunk() != second.ChunkPath {
					t.Errorf("active chunk = %q, want %q", enc.ActiveChunk(), second.ChunkPath)
				}
			} else {
				if second.ChunkPath != first.ChunkPath || second.Offset != 1 {
					t.Errorf("expected same chunk offset 1, got %+v", second)
				}
			}

			if _, err := enc.Flush(ctx); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			wantChunks := 1
			if tt.newChunk {
				wantChunks = 2
			}
			if len(r.finalized) != wantChunks {
				t.Errorf("finalized %d chunks, want %d", len(r.finalized), wantChunks)
			}
		})
	}
}

func TestDurationRotation(t *testing.T) {
	enc, _, r := newTestEncoder(t, nil)
	ctx := context.Background()

	paths := map[string]int{}
	var boundaryAt time.Duration
	prev := ""
	for s := 0; s <= 70; s += 2 {
		ts := t0.Add(time.Duration(s) * time.Second)
		loc, err := enc.AddFrame(ctx, frame(1280, 800), ts)
		if err != nil || loc == nil {
			t.Fatalf("AddFrame at %ds: %v %v", s, loc, err)
		}
		if prev != "" && loc.ChunkPath != prev {
			boundaryAt = time.Duration(s) * time.Second
		}
		prev = loc.ChunkPath
		paths[loc.ChunkPath]++
	}

	if len(paths) != 2 {
		t.Fatalf("frames spread over %d chunks, want 2: %v", len(paths), paths)
	}
	// the frame at exactly 60s still belongs to the first chunk
	if boundaryAt != 62*time.Second {
		t.Errorf("chunk boundary at %v, want the first frame past 60s", boundaryAt)
	}

	res, err := enc.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res == nil || res.Frames != 5 {
		t.Errorf("flushed chunk = %+v, want 5 frames", res)
	}
	if len(r.finalized) != 2 {
		t.Errorf("finalized %d chunks, want 2", len(r.finalized))
	}
	for _, fin := range r.finalized {
		if fin.Reason == "duration" && fin.Frames != 31 {
			t.Errorf("rotated chunk frames = %d, want 31", fin.Frames)
		}
	}
	if enc.State() != StateNoChunk {
		t.Errorf("state after flush = %v", enc.State())
	}
}

func TestEmergencyResetAfterWriteFailures(t *testing.T) {
	enc, l, r := newTestEncoder(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := enc.AddFrame(ctx, frame(640, 480), t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AddFrame %d: %v", i, err)
		}
	}
	proc := l.last()
	proc.setFailWrites(true)

	for i := 0; i < 4; i++ {
		loc, err := enc.AddFrame(ctx, frame(640, 480), t0.Add(time.Duration(3+i)*time.Second))
		if loc != nil || err != nil {
			t.Fatalf("failure %d should be absorbed, got %v %v", i+1, loc, err)
		}
	}
	if len(r.drops) != 0 {
		t.Fatalf("reset fired early")
	}

	loc, err := enc.AddFrame(ctx, frame(640, 480), t0.Add(8*time.Second))
	if loc != nil {
		t.Errorf("expected nil locator on reset, got %+v", loc)
	}
	if util.KindOf(err) != util.KindExhausted {
		t.Fatalf("expected exhausted error on 5th failure, got %v", err)
	}

	if len(r.drops) != 1 {
		t.Fatalf("got %d resets, want exactly 1", len(r.drops))
	}
	if r.drops[0].Frames != 3 {
		t.Errorf("dropped = %d, want 3 (frames since last finalize)", r.drops[0].Frames)
	}
	if !proc.killed {
		t.Error("process was not killed")
	}
	st := enc.Stats()
	if st.Resets != 1 || st.FramesDropped != 3 || st.ConsecutiveFailures != 0 {
		t.Errorf("stats = %+v", st)
	}
	if enc.State() != StateNoChunk {
		t.Errorf("state after reset = %v, want no-chunk", enc.State())
	}

	// Capture resumes in a fresh chunk.
	loc, err = enc.AddFrame(ctx, frame(640, 480), t0.Add(9*time.Second))
	if err != nil || loc == nil || loc.Offset != 0 {
		t.Fatalf("after reset: %v %v", loc, err)
	}
	if l.launched() != 2 {
		t.Errorf("launched %d processes, want 2", l.launched())
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	enc, l, r := newTestEncoder(t, nil)
	ctx := context.Background()

	if _, err := enc.AddFrame(ctx, frame(640, 480), t0); err != nil {
		t.Fatal(err)
	}
	proc := l.last()

	for round := 0; round < 3; round++ {
		proc.setFailWrites(true)
		for i := 0; i < 4; i++ {
			if _, err := enc.AddFrame(ctx, frame(640, 480), t0); err != nil {
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		proc.setFailWrites(false)
		if loc, err := enc.AddFrame(ctx, frame(640, 480), t0); err != nil || loc == nil {
			t.Fatalf("round %d: recovery frame failed: %v %v", round, loc, err)
		}
	}
	if len(r.drops) != 0 {
		t.Errorf("intermittent failures triggered %d resets", len(r.drops))
	}
}

func TestEmergencyResetAfterStartFailures(t *testing.T) {
	enc, l, r := newTestEncoder(t, nil)
	l.failStart = 5
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if loc, err := enc.AddFrame(ctx, frame(640, 480), t0); loc != nil || err != nil {
			t.Fatalf("start failure %d should be absorbed: %v %v", i+1, loc, err)
		}
	}
	_, err := enc.AddFrame(ctx, frame(640, 480), t0)
	if util.KindOf(err) != util.KindExhausted {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if len(r.drops) != 1 || r.drops[0].Frames != 0 {
		t.Errorf("drops = %+v, want one with 0 frames", r.drops)
	}
}

func TestBufferCapForcesReset(t *testing.T) {
	enc, _, r := newTestEncoder(t, func(o *Options) { o.MaxBufferedFrames = 3 })
	ctx := context.Background()

	// Stalled clock: duration rotation never fires.
	for i := 0; i < 3; i++ {
		if _, err := enc.AddFrame(ctx, frame(640, 480), t0); err != nil {
			t.Fatalf("AddFrame %d: %v", i, err)
		}
	}
	_, err := enc.AddFrame(ctx, frame(640, 480), t0)
	if !errors.Is(err, util.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if len(r.drops) != 1 || r.drops[0].Frames != 3 {
		t.Errorf("drops = %+v", r.drops)
	}
}

func TestChunkPathCollision(t *testing.T) {
	enc, _, _ := newTestEncoder(t, nil)
	dir := filepath.Join(enc.opts.BaseDir, "videos", "2026-03-14")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "chunk_101500.mp4"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	loc, err := enc.AddFrame(context.Background(), frame(320, 200), t0)
	if err != nil || loc == nil {
		t.Fatalf("AddFrame: %v %v", loc, err)
	}
	if want := "videos/2026-03-14/chunk_101500_1.mp4"; loc.ChunkPath != want {
		t.Errorf("path = %q, want %q", loc.ChunkPath, want)
	}
	if !enc.IsActive(loc.ChunkPath) {
		t.Error("IsActive(open chunk) = false")
	}
	if enc.IsActive("videos/2026-03-14/chunk_101500.mp4") {
		t.Error("IsActive(unrelated chunk) = true")
	}
}

func TestDroppedChunkNameIsReserved(t *testing.T) {
	// the fake launcher never creates output files, like an ffmpeg killed
	// before it wrote anything
	enc, l, r := newTestEncoder(t, nil)
	ctx := context.Background()

	first, err := enc.AddFrame(ctx, frame(320, 200), t0)
	if err != nil || first == nil {
		t.Fatalf("AddFrame: %v %v", first, err)
	}
	l.last().setFailWrites(true)
	for i := 0; i < enc.opts.FailureThreshold; i++ {
		enc.AddFrame(ctx, frame(320, 200), t0.Add(100*time.Millisecond))
	}
	if len(r.drops) != 1 {
		t.Fatalf("got %d drops, want 1", len(r.drops))
	}

	second, err := enc.AddFrame(ctx, frame(320, 200), t0.Add(500*time.Millisecond))
	if err != nil || second == nil {
		t.Fatalf("AddFrame after reset: %v %v", second, err)
	}
	if second.ChunkPath == first.ChunkPath {
		t.Fatalf("new chunk reused %s before its cleanup was released", first.ChunkPath)
	}
	if want := "videos/2026-03-14/chunk_101500_1.mp4"; second.ChunkPath != want {
		t.Errorf("path = %q, want %q", second.ChunkPath, want)
	}

	r.drops[0].Release()
	r.drops[0].Release()
	if _, err := enc.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	third, err := enc.AddFrame(ctx, frame(320, 200), t0.Add(900*time.Millisecond))
	if err != nil || third == nil {
		t.Fatalf("AddFrame after release: %v %v", third, err)
	}
	if third.ChunkPath != first.ChunkPath {
		t.Errorf("released name not reused: got %q, want %q", third.ChunkPath, first.ChunkPath)
	}
}

func TestFinalizeErrorIsBestEffort(t *testing.T) {
	enc, l, _ := newTestEncoder(t, nil)
	ctx := context.Background()
	if _, err := enc.AddFrame(ctx, frame(320, 200), t0); err != nil {
		t.Fatal(err)
	}
	l.last().waitErr = errors.New("exit status 1")

	res, err := enc.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush returned %v; finalize errors belong in the result", err)
	}
	if res == nil || res.Err == nil || res.Frames != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{1920, 1080, 1920, 1920, 1080},
		{3840, 2160, 1920, 1920, 1080},
		{2560, 1600, 1920, 1920, 1200},
		{1080, 2400, 1920, 864, 1920},
		{1001, 667, 1920, 1000, 666},
		{1, 1, 1920, 2, 2},
	}
	for _, tt := range tests {
		w, h := TargetSize(tt.w, tt.h, tt.max)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("TargetSize(%d, %d, %d) = %dx%d, want %dx%d", tt.w, tt.h, tt.max, w, h, tt.wantW, tt.wantH)
		}
		if w%2 != 0 || h%2 != 0 {
			t.Errorf("TargetSize(%d, %d) produced odd dimension %dx%d", tt.w, tt.h, w, h)
		}
	}
}

func TestFFmpegArgs(t *testing.T) {
	l := &FFmpegLauncher{}
	args := strings.Join(l.Args(ProcessSpec{
		OutputPath: "/tmp/chunk.mp4",
		Width:      1920,
		Height:     1080,
		Interval:   2 * time.Second,
		Codec:      "h264_videotoolbox",
		Quality:    60,
	}), " ")

	for _, want := range []string{
		"-f image2pipe -vcodec png -framerate 1000/2000",
		"-c:v h264_videotoolbox -q:v 60",
		"-movflags frag_keyframe+empty_moov+default_base_moof",
		"-pix_fmt yuv420p",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q: %s", want, args)
		}
	}
	if !strings.HasSuffix(args, "/tmp/chunk.mp4") {
		t.Errorf("output path must be last: %s", args)
	}

	x264 := strings.Join(qualityArgs("libx264", 0), " ")
	if !strings.Contains(x264, "-crf 28") {
		t.Errorf("libx264 default quality args = %q", x264)
	}
}
