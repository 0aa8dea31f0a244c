package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/franz/screen-recall/internal/encoder"
	"github.com/franz/screen-recall/internal/store"
	"github.com/franz/screen-recall/internal/util"
)

type fakeProc struct {
	mu     sync.Mutex
	writes int
	fail   bool
}

func (p *fakeProc) Write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("write |1: broken pipe")
	}
	p.writes++
	return nil
}

func (p *fakeProc) CloseInput() error { return nil }
func (p *fakeProc) Wait() error       { return nil }
func (p *fakeProc) Kill() error       { return nil }

func (p *fakeProc) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

type fakeLauncher struct {
	mu     sync.Mutex
	procs  []*fakeProc
	broken int // upcoming processes that fail every write and never create a file
}

func (l *fakeLauncher) Launch(spec encoder.ProcessSpec) (encoder.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProc{}
	if l.broken > 0 {
		l.broken--
		p.fail = true
	} else if err := os.WriteFile(spec.OutputPath, []byte("partial"), 0644); err != nil {
		// ffmpeg creates its output file right away
		return nil, err
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type countingText struct {
	mu    sync.Mutex
	calls int
}

func (c *countingText) Extract(ctx context.Context, img image.Image) (*TextResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return &TextResult{Text: "hello world", Confidence: 0.9, Blocks: []TextBlock{{Text: "hello world", Box: Box{W: 0.5, H: 0.1}}}}, nil
}

// gradient returns a horizontal ramp; reversed ramps differ in every dHash bit.
func gradient(w, h int, reverse bool) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			if reverse {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func newTestPipeline(t *testing.T, text TextExtractor) (*Pipeline, *store.Manager, *store.Frames, *fakeLauncher) {
	t.Helper()
	m := store.NewManager(store.Options{Root: t.TempDir()}, "alice")
	t.Cleanup(func() { m.Close() })
	if _, err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	frames := store.NewFrames(m)
	launcher := &fakeLauncher{}

	p := New(Options{
		Encoder: encoder.Options{
			BaseDir:  m.Layout().UserDir(),
			Interval: 2 * time.Second,
			Launcher: launcher,
		},
		Threshold: 5,
		Frames:    frames,
		Text:      text,
	})
	return p, m, frames, launcher
}

func TestIngestIndexesEveryFrameAndGatesText(t *testing.T) {
	ctx := context.Background()
	text := &countingText{}
	p, _, frames, _ := newTestPipeline(t, text)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	imgs := []image.Image{
		gradient(64, 36, false),
		gradient(64, 36, false), // duplicate
		gradient(64, 36, true),
	}

	var results []*IngestResult
	for i, img := range imgs {
		res, err := p.Ingest(ctx, img, base.Add(time.Duration(i)*2*time.Second))
		if err != nil {
			t.Fatalf("Ingest(%d) error = %v", i, err)
		}
		results = append(results, res)
	}

	for i, res := range results {
		if res.Locator == nil || res.Locator.Offset != i {
			t.Fatalf("frame %d locator = %+v, want offset %d", i, res.Locator, i)
		}
		if res.FrameID == 0 {
			t.Errorf("frame %d was not indexed", i)
		}
	}
	if !results[1].Duplicate || results[0].Duplicate || results[2].Duplicate {
		t.Errorf("duplicate flags = %v %v %v, want false true false",
			results[0].Duplicate, results[1].Duplicate, results[2].Duplicate)
	}
	if text.calls != 2 {
		t.Errorf("text extraction ran %d times, want 2", text.calls)
	}

	chunk := results[0].Locator.ChunkPath
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows, err := frames.FramesForChunk(ctx, chunk)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("indexed %d frames, want 3", len(rows))
	}
	if !rows[1].OCRSkipped || rows[0].OCRSkipped {
		t.Error("only the duplicate frame should be marked as skipped")
	}
	if _, err := frames.Text(ctx, rows[0].ID); err != nil {
		t.Errorf("first frame has no text: %v", err)
	}

	rec, err := frames.GetChunk(ctx, chunk)
	if err != nil {
		t.Fatalf("chunk was not recorded: %v", err)
	}
	if rec.State != store.ChunkFinalized || rec.FrameCount != 3 {
		t.Errorf("chunk record = %+v", rec)
	}

	stats := p.Stats()
	if stats.Frames != 3 || stats.Archived != 3 || stats.Duplicates != 1 || stats.TextFrames != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEmergencyResetCleansIndex(t *testing.T) {
	ctx := context.Background()
	p, m, frames, launcher := newTestPipeline(t, nil)

	base := time.Date(2024, 5, 1, 11, 0, 0, 0, time.Local)
	var chunk string
	for i := 0; i < 3; i++ {
		res, err := p.Ingest(ctx, gradient(64, 36, i%2 == 1), base.Add(time.Duration(i)*2*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		chunk = res.Locator.ChunkPath
	}

	launcher.last().setFail(true)
	var resetErr error
	lost := 0
	for i := 3; i < 8 && resetErr == nil; i++ {
		res, err := p.Ingest(ctx, gradient(64, 36, false), base.Add(time.Duration(i)*2*time.Second))
		if err != nil {
			resetErr = err
			break
		}
		if res.Lost {
			lost++
		}
	}
	if !errors.Is(resetErr, util.ErrExhausted) {
		t.Fatalf("expected an exhausted error, got %v", resetErr)
	}
	if lost != 4 {
		t.Errorf("absorbed %d failures before the reset, want 4", lost)
	}

	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}

	rows, err := frames.FramesForChunk(ctx, chunk)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("%d rows still point into the dropped chunk", len(rows))
	}
	if util.FileExists(filepath.Join(m.Layout().UserDir(), filepath.FromSlash(chunk))) {
		t.Error("dropped chunk file should be removed")
	}
	if s := p.Stats(); s.Resets != 1 || s.Lost != 4 {
		t.Errorf("stats = %+v, want 1 reset and 4 lost", s)
	}
	if es := p.Encoder().Stats(); es.FramesDropped != 3 {
		t.Errorf("encoder dropped %d frames, want 3", es.FramesDropped)
	}
}

func TestResetCleanupSparesNextChunk(t *testing.T) {
	ctx := context.Background()
	p, _, frames, launcher := newTestPipeline(t, nil)
	launcher.broken = 1

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	at := func(i int) time.Time { return base.Add(time.Duration(i) * 100 * time.Millisecond) }

	var resetErr error
	i := 0
	for ; i < 10 && resetErr == nil; i++ {
		_, resetErr = p.Ingest(ctx, gradient(64, 36, false), at(i))
	}
	if !errors.Is(resetErr, util.ErrExhausted) {
		t.Fatalf("expected an exhausted error, got %v", resetErr)
	}

	var chunk string
	for j := 0; j < 3; j++ {
		res, err := p.Ingest(ctx, gradient(64, 36, j%2 == 1), at(i+j))
		if err != nil || res.Locator == nil {
			t.Fatalf("Ingest after reset: %+v %v", res, err)
		}
		chunk = res.Locator.ChunkPath
	}
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}
	rows, err := frames.FramesForChunk(ctx, chunk)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("%s has %d indexed frames after cleanup, want 3", chunk, len(rows))
	}
	if _, err := frames.GetChunk(ctx, chunk); err != nil {
		t.Errorf("chunk record of %s is gone: %v", chunk, err)
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "003.png"), gradient(16, 9, true))
	writePNG(t, filepath.Join(dir, "001.png"), gradient(16, 9, false))
	writePNG(t, filepath.Join(dir, "002.png"), gradient(16, 9, false))
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)
	os.WriteFile(filepath.Join(dir, ".hidden.png"), []byte("ignored"), 0644)

	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	src, err := NewDirSource(dir, start, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if src.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", src.Len())
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		img, ts, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next(%d) error = %v", i, err)
		}
		if img.Bounds().Dx() != 16 {
			t.Errorf("frame %d width = %d", i, img.Bounds().Dx())
		}
		if want := start.Add(time.Duration(i) * 2 * time.Second); !ts.Equal(want) {
			t.Errorf("frame %d ts = %v, want %v", i, ts, want)
		}
	}
	if _, _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestRunSkipsUnreadableFrames(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "001.png"), gradient(64, 36, false))
	os.WriteFile(filepath.Join(dir, "002.png"), []byte("not a png"), 0644)
	writePNG(t, filepath.Join(dir, "003.png"), gradient(64, 36, true))

	p, _, _, _ := newTestPipeline(t, nil)
	src, err := NewDirSource(dir, time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	seen := 0
	if err := p.Run(context.Background(), src, func(*IngestResult) { seen++ }); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if seen != 2 || p.Stats().Archived != 2 {
		t.Errorf("seen %d, archived %d; want 2, 2", seen, p.Stats().Archived)
	}
}

func TestParseTSV(t *testing.T) {
	tsv := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
		"1\t1\t0\t0\t0\t0\t0\t0\t200\t100\t-1\t\n" +
		"5\t1\t1\t1\t1\t1\t10\t10\t40\t10\t90\tHello\n" +
		"5\t1\t1\t1\t1\t2\t60\t12\t40\t10\t80\tworld\n" +
		"5\t1\t1\t1\t2\t1\t10\t50\t20\t10\t70\tbye\n" +
		"5\t1\t1\t1\t2\t2\t40\t50\t20\t10\t-1\t \n"

	res, err := parseTSV([]byte(tsv), 200, 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Hello world\nbye" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(res.Blocks))
	}
	b := res.Blocks[0]
	if b.Box.X != 0.05 || b.Box.Y != 0.1 || b.Box.W != 0.45 || b.Box.H != 0.12 {
		t.Errorf("box = %+v", b.Box)
	}
	if b.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", b.Confidence)
	}
}
