// Package store owns the per-user SQLite database: its directory layout,
// crash detection, corruption recovery and schema migrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/franz/screen-recall/internal/config"
	"github.com/franz/screen-recall/internal/util"
)

// Options configures a Manager.
type Options struct {
	Root        string
	FileName    string
	BusyTimeout time.Duration
	MaxBackups  int
	Dumper      Dumper

	// OnRecovery is called after a corrupted database has been replaced.
	OnRecovery func(report *RecoveryReport)
	// OnUncleanShutdown is called when a sentinel from a previous session
	// is found. prev is nil when the sentinel could not be parsed.
	OnUncleanShutdown func(layout Layout, prev *Sentinel)
}

// OptionsFromConfig maps cfg onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Root:        cfg.DataRoot,
		FileName:    cfg.Database.File,
		BusyTimeout: cfg.Database.BusyTimeout,
		MaxBackups:  cfg.Database.MaxBackups,
		Dumper:      &SQLite3Dumper{Binary: cfg.Database.SQLite3},
	}
}

// Manager hands out the database handle for the configured user. Every
// other component goes through it and treats a missing handle as not ready.
type Manager struct {
	opts  Options
	group singleflight.Group

	mu         sync.Mutex
	user       string
	db         *sqlx.DB
	openLayout Layout
	generation uint64
	sentinel   Sentinel

	lastUnclean  bool
	lastRecovery *RecoveryReport

	// open and health-check steps of openHealthy; replaced in tests
	dial func(ctx context.Context, path string, busy time.Duration) (*sqlx.DB, error)
	ping func(ctx context.Context, db *sqlx.DB) error
}

// NewManager returns a closed Manager for user. An empty user is the
// unconfigured state: data goes to the anonymous directory.
func NewManager(opts Options, user string) *Manager {
	def := config.Default()
	if opts.FileName == "" {
		opts.FileName = def.Database.File
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = def.Database.BusyTimeout
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = def.Database.MaxBackups
	}
	return &Manager{opts: opts, user: user, dial: openDB, ping: healthCheck}
}

// Configure switches the user. An open handle for the previous user stays
// open until the next Open notices the mismatch and reopens.
func (m *Manager) Configure(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user != m.user {
		util.InfoLog("Database user changed: %q -> %q", m.user, user)
	}
	m.user = user
}

// Layout returns the layout of the configured user.
func (m *Manager) Layout() Layout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layoutLocked()
}

func (m *Manager) layoutLocked() Layout {
	return NewLayout(m.opts.Root, m.user, m.opts.FileName)
}

// Open returns the handle for the configured user, opening it if needed.
// Concurrent callers share one open; after waiting, each checks that the
// result still belongs to the configured user. A caller whose ctx ends
// gets a NotReady error while the shared open carries on for the others.
func (m *Manager) Open(ctx context.Context) (*sqlx.DB, error) {
	for attempt := 0; attempt < 3; attempt++ {
		m.mu.Lock()
		want := m.layoutLocked()
		if m.db != nil && m.openLayout == want {
			db := m.db
			m.mu.Unlock()
			return db, nil
		}
		m.mu.Unlock()

		// The shared open outlives any single caller; each caller only
		// stops waiting when its own context ends.
		ch := m.group.DoChan("open", func() (interface{}, error) {
			return nil, m.openFor(context.WithoutCancel(ctx), want)
		})
		var r singleflight.Result
		select {
		case r = <-ch:
		case <-ctx.Done():
			return nil, util.E(util.KindNotReady, "store.Open", ctx.Err())
		}
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			util.DebugLog("Joined in-flight database open for %s", want.UserName())
		}
	}
	return nil, util.E(util.KindNotReady, "store.Open", errors.New("user changed repeatedly while opening"))
}

// openFor runs the full open sequence for layout and installs the result.
func (m *Manager) openFor(ctx context.Context, layout Layout) error {
	m.mu.Lock()
	if m.db != nil && m.openLayout == layout {
		m.mu.Unlock()
		return nil
	}
	if m.db != nil {
		util.InfoLog("Closing database of %s before opening %s", m.openLayout.UserName(), layout.UserName())
		if err := m.closeLocked(); err != nil {
			util.WarnLog("Close of previous database failed: %v", err)
		}
	}
	m.mu.Unlock()

	res, err := m.openSequence(ctx, layout)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.db = res.db
	m.openLayout = layout
	m.sentinel = res.sentinel
	m.lastUnclean = res.unclean
	if res.recovery != nil {
		m.lastRecovery = res.recovery
	}
	m.mu.Unlock()

	if res.unclean && m.opts.OnUncleanShutdown != nil {
		m.opts.OnUncleanShutdown(layout, res.prev)
	}
	if res.recovery != nil && m.opts.OnRecovery != nil {
		m.opts.OnRecovery(res.recovery)
	}
	return nil
}

type openResult struct {
	db       *sqlx.DB
	sentinel Sentinel
	unclean  bool
	prev     *Sentinel
	recovery *RecoveryReport
}

func (m *Manager) openSequence(ctx context.Context, layout Layout) (*openResult, error) {
	const op = "store.Open"
	dbPath := layout.DatabasePath()
	res := &openResult{}

	// 1. directories and legacy data
	if err := os.MkdirAll(layout.UserDir(), 0755); err != nil {
		return nil, util.E(util.KindNotReady, op, fmt.Errorf("create user dir: %w", err))
	}
	if _, err := layout.MigrateLegacy(); err != nil {
		util.WarnLog("Legacy data migration incomplete: %v", err)
	}
	for _, dir := range []string{layout.VideosDir(), layout.BackupsDir()} {
		if err := util.RetryableMkdirAll(ctx, dir, 0755, nil); err != nil {
			return nil, util.E(util.KindNotReady, op, err)
		}
	}

	// 2. unclean shutdown
	res.unclean, res.prev = sentinelPresent(layout.SentinelPath())
	if res.unclean {
		ev := util.Logger().Warn().Str("user", layout.UserName())
		if res.prev != nil {
			ev = ev.Str("session_id", res.prev.SessionID).Int("pid", res.prev.PID).Time("started_at", res.prev.StartedAt)
		}
		ev.Msg("previous session did not shut down cleanly")
	}

	// 3. empty journals only
	removeEmptySideFiles(ctx, dbPath)

	// 4-6. open, health check, recovery
	db, report, err := m.openHealthy(ctx, layout)
	if err != nil {
		return nil, err
	}
	res.recovery = report

	// 7. migrations
	if _, err := migrate(ctx, db, Migrations); err != nil {
		db.Close()
		if !isCorruption(err) || res.recovery != nil {
			return nil, util.E(util.KindCorruption, op, err)
		}
		if db, res.recovery, err = m.recoverAndOpen(ctx, layout, err); err != nil {
			return nil, err
		}
		if _, err := migrate(ctx, db, Migrations); err != nil {
			db.Close()
			return nil, util.E(util.KindCorruption, op, err)
		}
	}

	// 8. bounded check after a crash
	if res.unclean && res.recovery == nil {
		if err := quickCheck(ctx, db); err != nil {
			util.WarnLog("Quick check after unclean shutdown failed: %v", err)
			if isCorruption(err) {
				db.Close()
				if db, res.recovery, err = m.recoverAndOpen(ctx, layout, err); err != nil {
					return nil, err
				}
				if _, err := migrate(ctx, db, Migrations); err != nil {
					db.Close()
					return nil, util.E(util.KindCorruption, op, err)
				}
			}
		}
	}

	// 9. sentinel
	s, err := writeSentinel(layout.SentinelPath(), layout.UserName())
	if err != nil {
		util.WarnLog("Failed to write sentinel: %v", err)
	}
	res.sentinel = s
	res.db = db

	util.Logger().Info().
		Str("user", layout.UserName()).
		Str("path", dbPath).
		Bool("unclean", res.unclean).
		Bool("recovered", res.recovery != nil).
		Msg("database open")
	return res, nil
}

// openHealthy opens the database and proves it can answer a query. Side
// files are discarded before each retry; a corruption-class failure after
// the retry routes to recovery.
func (m *Manager) openHealthy(ctx context.Context, layout Layout) (*sqlx.DB, *RecoveryReport, error) {
	const op = "store.Open"
	dbPath := layout.DatabasePath()

	db, err := m.dial(ctx, dbPath, m.opts.BusyTimeout)
	if err != nil {
		util.WarnLog("Open of %s failed, retrying without journal files: %v", dbPath, err)
		removeSideFiles(ctx, dbPath)
		db, err = m.dial(ctx, dbPath, m.opts.BusyTimeout)
	}
	if err != nil {
		if isCorruption(err) {
			return m.recoverAndOpen(ctx, layout, err)
		}
		return nil, nil, util.E(util.KindTransient, op, err)
	}

	if err := m.ping(ctx, db); err != nil {
		db.Close()
		if !isCorruption(err) && !isIOError(err) {
			return nil, nil, util.E(util.KindTransient, op, err)
		}
		util.WarnLog("Health check of %s failed, retrying without journal files: %v", dbPath, err)
		removeSideFiles(ctx, dbPath)

		db, err = m.dial(ctx, dbPath, m.opts.BusyTimeout)
		if err == nil {
			if err = m.ping(ctx, db); err != nil {
				db.Close()
			}
		}
		if err != nil {
			if isCorruption(err) {
				return m.recoverAndOpen(ctx, layout, err)
			}
			return nil, nil, util.E(util.KindTransient, op, err)
		}
	}
	return db, nil, nil
}

func (m *Manager) recoverAndOpen(ctx context.Context, layout Layout, cause error) (*sqlx.DB, *RecoveryReport, error) {
	const op = "store.recover"
	report, err := m.recoverDatabase(ctx, layout, cause)
	if err != nil {
		return nil, report, util.E(util.KindCorruption, op, err)
	}
	db, err := openDB(ctx, layout.DatabasePath(), m.opts.BusyTimeout)
	if err != nil {
		return nil, report, util.E(util.KindCorruption, op, fmt.Errorf("open after recovery: %w", err))
	}
	if err := healthCheck(ctx, db); err != nil {
		db.Close()
		return nil, report, util.E(util.KindCorruption, op, fmt.Errorf("health check after recovery: %w", err))
	}
	return db, report, nil
}

// openDB opens path with WAL journaling, foreign keys and a lock timeout.
// The schema_version read forces the file header to be parsed.
func openDB(ctx context.Context, path string, busy time.Duration) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)",
		path, busy.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with a single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	var version int
	if err := db.GetContext(ctx, &version, "PRAGMA schema_version"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func healthCheck(ctx context.Context, db *sqlx.DB) error {
	var n int
	return db.GetContext(ctx, &n, "SELECT count(*) FROM sqlite_master")
}

// quickCheck touches the page count, the catalog and the first frame row.
// It does not scan content.
func quickCheck(ctx context.Context, db *sqlx.DB) error {
	var pages, tables int64
	if err := db.GetContext(ctx, &pages, "PRAGMA page_count"); err != nil {
		return fmt.Errorf("page_count: %w", err)
	}
	if err := db.GetContext(ctx, &tables, "SELECT count(*) FROM sqlite_master WHERE type = 'table'"); err != nil {
		return fmt.Errorf("table count: %w", err)
	}
	var one int
	err := db.GetContext(ctx, &one, "SELECT 1 FROM frames LIMIT 1")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("frames read: %w", err)
	}
	util.DebugLog("Quick check ok: %d pages, %d tables", pages, tables)
	return nil
}

// Close closes the handle, advances the generation and removes the
// sentinel. Closing a closed Manager only advances the generation.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

// CloseIfGeneration closes only if no close has happened since gen was
// read. It reports whether it closed.
func (m *Manager) CloseIfGeneration(gen uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		util.DebugLog("Ignoring stale close for generation %d (current %d)", gen, m.generation)
		return false, nil
	}
	return true, m.closeLocked()
}

func (m *Manager) closeLocked() error {
	m.generation++
	if m.db == nil {
		return nil
	}
	db, layout := m.db, m.openLayout
	m.db = nil
	m.openLayout = Layout{}

	err := db.Close()
	if rerr := removeSentinel(layout.SentinelPath()); rerr != nil {
		util.WarnLog("Failed to remove sentinel: %v", rerr)
	}
	util.DebugLog("Closed database of %s (generation %d)", layout.UserName(), m.generation)
	return err
}

// Generation is advanced by every close.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// DB returns the open handle for the configured user, or nil.
func (m *Manager) DB() *sqlx.DB {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil || m.openLayout != m.layoutLocked() {
		return nil
	}
	return m.db
}

// Handle is DB with a not-ready error instead of nil. Do not keep the
// result across a Close.
func (m *Manager) Handle() (*sqlx.DB, error) {
	if db := m.DB(); db != nil {
		return db, nil
	}
	return nil, util.E(util.KindNotReady, "store.Handle", errors.New("database is not open"))
}

// Session returns the sentinel written by the current open.
func (m *Manager) Session() Sentinel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentinel
}

// LastShutdownUnclean reports whether the most recent open found a sentinel.
func (m *Manager) LastShutdownUnclean() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUnclean
}

// LastRecovery returns the most recent recovery report, if any.
func (m *Manager) LastRecovery() *RecoveryReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRecovery
}

// Transaction executes fn within a transaction on the open handle.
func (m *Manager) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	db, err := m.Handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("store.Transaction", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("store.Transaction", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Check runs a full PRAGMA integrity_check and returns the problems found.
// This scans every page; it is for explicit maintenance, not for open.
func (m *Manager) Check(ctx context.Context) ([]string, error) {
	db, err := m.Handle()
	if err != nil {
		return nil, err
	}
	return integrityCheck(ctx, db)
}

// CheckFile runs the integrity check on a database file without opening it
// through a Manager: nothing is migrated, recovered or written.
func CheckFile(ctx context.Context, path string) ([]string, error) {
	if !util.FileExists(path) {
		return nil, fmt.Errorf("%s: %w", path, util.ErrNotFound)
	}
	db, err := sqlx.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	return integrityCheck(ctx, db)
}

func integrityCheck(ctx context.Context, db *sqlx.DB) ([]string, error) {
	var rows []string
	if err := db.SelectContext(ctx, &rows, "PRAGMA integrity_check"); err != nil {
		return nil, classify("store.Check", fmt.Errorf("integrity check query failed: %w", err))
	}
	if len(rows) == 1 && rows[0] == "ok" {
		return nil, nil
	}
	return rows, nil
}

// Recover forces the recovery procedure on the configured user's database
// and reopens it.
func (m *Manager) Recover(ctx context.Context) (*RecoveryReport, error) {
	v, err, _ := m.group.Do("open", func() (interface{}, error) {
		m.mu.Lock()
		layout := m.layoutLocked()
		if err := m.closeLocked(); err != nil {
			util.WarnLog("Close before recovery failed: %v", err)
		}
		m.mu.Unlock()

		report, err := m.recoverDatabase(ctx, layout, errors.New("recovery requested"))
		if err != nil {
			return report, util.E(util.KindCorruption, "store.Recover", err)
		}
		if m.opts.OnRecovery != nil {
			m.opts.OnRecovery(report)
		}
		m.mu.Lock()
		m.lastRecovery = report
		m.mu.Unlock()
		return report, m.openFor(ctx, layout)
	})
	report, _ := v.(*RecoveryReport)
	return report, err
}

// classify tags database errors with the failure taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrConnDone):
		return util.E(util.KindNotReady, op, err)
	case isCorruption(err):
		return util.E(util.KindCorruption, op, err)
	case isIOError(err):
		return util.E(util.KindTransient, op, err)
	}
	if err.Error() == "sql: database is closed" {
		return util.E(util.KindNotReady, op, err)
	}
	return err
}

// SQLiteVersion returns the SQLite version string
func SQLiteVersion() string {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return ""
	}
	defer db.Close()

	var version string
	err = db.QueryRow("SELECT sqlite_version()").Scan(&version)
	if err != nil {
		return ""
	}
	return version
}
