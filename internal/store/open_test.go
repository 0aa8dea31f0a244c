package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/franz/screen-recall/internal/util"
)

func copyFile(t *testing.T, from, to string) {
	t.Helper()
	src, err := os.Open(from)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		t.Fatal(err)
	}
	dst, err := os.Create(to)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		t.Fatal(err)
	}
}

// createClosedDB leaves a healthy, cleanly closed database for alice.
func createClosedDB(t *testing.T, root string) Layout {
	t.Helper()
	m := NewManager(Options{Root: root}, "alice")
	if _, err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	layout := m.Layout()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	return layout
}

func TestOpenKeepsCommittedWAL(t *testing.T) {
	ctx := context.Background()
	src := newTestManager(t, t.TempDir(), "alice", nil)
	db, err := src.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("PRAGMA wal_autocheckpoint=0"); err != nil {
		t.Fatal(err)
	}
	frames := NewFrames(src)
	for i := 0; i < 5; i++ {
		if _, err := frames.InsertFrame(ctx, FrameRecord{CapturedAt: time.UnixMilli(int64(i) * 2000), ChunkPath: "videos/wal.mp4", Offset: i}); err != nil {
			t.Fatal(err)
		}
	}

	// Snapshot the files as a crash would leave them: the frames exist
	// only in the -wal.
	root := t.TempDir()
	dst := NewLayout(root, "alice", "")
	srcPath := src.Layout().DatabasePath()
	copyFile(t, srcPath, dst.DatabasePath())
	copyFile(t, srcPath+"-wal", dst.DatabasePath()+"-wal")
	if err := os.WriteFile(dst.DatabasePath()+"-journal", nil, 0644); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, root, "alice", nil)
	if _, err := m.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if m.LastRecovery() != nil {
		t.Error("healthy database with a committed WAL should not be recovered")
	}
	if util.FileExists(dst.DatabasePath() + "-journal") {
		t.Error("empty -journal should be removed")
	}
	got, err := NewFrames(m).FramesForChunk(ctx, "videos/wal.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Errorf("got %d frames, want the 5 committed to the WAL", len(got))
	}
}

func TestOpenRetriesWithoutSideFiles(t *testing.T) {
	root := t.TempDir()
	layout := createClosedDB(t, root)
	dbPath := layout.DatabasePath()
	garbage := bytes.Repeat([]byte("stale wal"), 64)
	os.WriteFile(dbPath+"-wal", garbage, 0644)
	os.WriteFile(dbPath+"-shm", garbage, 0644)

	m := newTestManager(t, root, "alice", nil)
	var dials int
	var walBefore []bool
	m.dial = func(ctx context.Context, path string, busy time.Duration) (*sqlx.DB, error) {
		dials++
		walBefore = append(walBefore, util.FileExists(path+"-wal"))
		if dials == 1 {
			return nil, errors.New("unable to open database file")
		}
		return openDB(ctx, path, busy)
	}

	if _, err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dials != 2 {
		t.Fatalf("dialed %d times, want 2", dials)
	}
	if !walBefore[0] {
		t.Error("non-empty -wal was removed before the first attempt")
	}
	if walBefore[1] {
		t.Error("-wal should be removed before the retry")
	}
	if m.LastRecovery() != nil {
		t.Error("a transient open failure must not trigger recovery")
	}
}

func TestOpenRetriesFailedHealthCheck(t *testing.T) {
	root := t.TempDir()
	layout := createClosedDB(t, root)
	dbPath := layout.DatabasePath()

	m := newTestManager(t, root, "alice", nil)
	var dials, checks int
	var journalBefore []bool
	m.dial = func(ctx context.Context, path string, busy time.Duration) (*sqlx.DB, error) {
		dials++
		journalBefore = append(journalBefore, util.FileExists(path+"-journal"))
		return openDB(ctx, path, busy)
	}
	m.ping = func(ctx context.Context, db *sqlx.DB) error {
		checks++
		if checks == 1 {
			os.WriteFile(dbPath+"-journal", []byte("stale"), 0644)
			return errors.New("disk I/O error")
		}
		return healthCheck(ctx, db)
	}

	if _, err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dials != 2 || checks != 2 {
		t.Errorf("dials = %d, checks = %d; want one retry of each", dials, checks)
	}
	if journalBefore[1] {
		t.Error("side files should be removed before the retried open")
	}
	if m.LastRecovery() != nil {
		t.Error("a recovered health check must not trigger recovery")
	}
}

func TestOpenHealthCheckCorruptionRecovers(t *testing.T) {
	root := t.TempDir()
	createClosedDB(t, root)

	m := newTestManager(t, root, "alice", nil)
	var checks int
	m.ping = func(ctx context.Context, db *sqlx.DB) error {
		checks++
		return errors.New("database disk image is malformed")
	}
	if _, err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if checks != 2 {
		t.Errorf("health check ran %d times, want the first try and one retry", checks)
	}
	report := m.LastRecovery()
	if report == nil {
		t.Fatal("corrupt health check after the retry should route to recovery")
	}
	if !util.FileExists(report.BackupPath) {
		t.Error("backup missing")
	}
	if _, err := m.Handle(); err != nil {
		t.Errorf("Handle() after recovery error = %v", err)
	}
}

// damageFrames overwrites every b-tree page of the frames table and its
// indexes, leaving the catalog intact.
func damageFrames(t *testing.T, db *sqlx.DB, path string) {
	t.Helper()
	var pageSize int64
	if err := db.Get(&pageSize, "PRAGMA page_size"); err != nil {
		t.Fatal(err)
	}
	var roots []int64
	if err := db.Select(&roots, "SELECT rootpage FROM sqlite_master WHERE tbl_name = 'frames' AND rootpage > 0"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		t.Fatal(err)
	}
	// crash: the handle goes away, the sentinel stays
	db.Close()

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	junk := bytes.Repeat([]byte{0xff}, int(pageSize))
	for _, root := range roots {
		if _, err := f.WriteAt(junk, (root-1)*pageSize); err != nil {
			t.Fatal(err)
		}
	}
}

func TestUncleanShutdownQuickCheckRecovers(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	first := NewManager(Options{Root: root}, "alice")
	db, err := first.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	frames := NewFrames(first)
	for i := 0; i < 3; i++ {
		if _, err := frames.InsertFrame(ctx, FrameRecord{CapturedAt: time.UnixMilli(int64(i) * 2000), ChunkPath: "videos/x.mp4", Offset: i}); err != nil {
			t.Fatal(err)
		}
	}
	damageFrames(t, db, first.Layout().DatabasePath())

	m := newTestManager(t, root, "alice", nil)
	if _, err := m.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !m.LastShutdownUnclean() {
		t.Error("expected the crash to be detected")
	}
	report := m.LastRecovery()
	if report == nil {
		t.Fatal("damaged frames table after a crash should route to recovery")
	}
	if !util.FileExists(report.BackupPath) {
		t.Error("backup missing")
	}
	if _, err := NewFrames(m).FramesForChunk(ctx, "videos/x.mp4"); err != nil {
		t.Errorf("recovered database is not readable: %v", err)
	}
}

type blockingDumper struct {
	started func()
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func (d *blockingDumper) Dump(ctx context.Context, dbPath string) (string, error) {
	d.started()
	<-d.release
	d.mu.Lock()
	d.ctxErr = ctx.Err()
	d.mu.Unlock()
	return "", errors.New("sqlite3: not available")
}

func TestCancelledCallerDoesNotAbortSharedOpen(t *testing.T) {
	root := t.TempDir()
	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	dumper := &blockingDumper{started: cancelA, release: make(chan struct{})}
	m := newTestManager(t, root, "alice", dumper)
	writeGarbageDB(t, m.Layout())

	// The first caller gives up while recovery is still running.
	if _, err := m.Open(ctxA); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Open() error = %v, want context.Canceled", err)
	}

	type result struct {
		db  *sqlx.DB
		err error
	}
	done := make(chan result, 1)
	go func() {
		db, err := m.Open(context.Background())
		done <- result{db, err}
	}()
	close(dumper.release)

	select {
	case r := <-done:
		if r.err != nil || r.db == nil {
			t.Fatalf("second Open() = %v, %v", r.db, r.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("second Open() did not return")
	}

	dumper.mu.Lock()
	defer dumper.mu.Unlock()
	if dumper.ctxErr != nil {
		t.Errorf("shared open ran with a cancelled context: %v", dumper.ctxErr)
	}
	if m.LastRecovery() == nil {
		t.Error("expected the shared open to finish recovery")
	}
}
