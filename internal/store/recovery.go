package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/franz/screen-recall/internal/util"
)

// RecoveryMethod names one stage of database recovery.
type RecoveryMethod string

const (
	RecoveryDump    RecoveryMethod = "dump"
	RecoverySalvage RecoveryMethod = "salvage"
	RecoveryFresh   RecoveryMethod = "fresh"
)

// RecoveryReport records what recovery tried and what it kept.
type RecoveryReport struct {
	Cause         string
	BackupPath    string
	BackupSHA1    string
	Attempts      []RecoveryMethod
	Failures      map[RecoveryMethod]string
	Method        RecoveryMethod
	RowsRecovered int64
	Pruned        []string
	StartedAt     time.Time
	Duration      time.Duration
}

// Dumper exports a damaged database as SQL text.
type Dumper interface {
	Dump(ctx context.Context, dbPath string) (string, error)
}

// SQLite3Dumper shells out to the sqlite3 CLI's .dump command.
type SQLite3Dumper struct {
	Binary string
}

func (d *SQLite3Dumper) Dump(ctx context.Context, dbPath string) (string, error) {
	binary := d.Binary
	if binary == "" {
		binary = "sqlite3"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", binary, util.ErrNotFound)
	}

	cmd := exec.CommandContext(ctx, binary, dbPath, ".dump")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	// .dump on a damaged file still prints what it could read and exits
	// non-zero; partial output is exactly what recovery wants.
	if stdout.Len() > 0 {
		return stdout.String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite3 .dump: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return "", errors.New("sqlite3 .dump produced no output")
}

// recoverDatabase backs up a corrupted database and rebuilds it. It never
// deletes the original without a verified backup.
func (m *Manager) recoverDatabase(ctx context.Context, layout Layout, cause error) (*RecoveryReport, error) {
	dbPath := layout.DatabasePath()
	report := &RecoveryReport{
		StartedAt: time.Now(),
		Failures:  make(map[RecoveryMethod]string),
	}
	if cause != nil {
		report.Cause = cause.Error()
	}
	util.WarnLog("Database %s is corrupt, starting recovery: %v", dbPath, cause)

	backup, sum, err := backupDatabase(dbPath, layout.BackupsDir())
	if err != nil {
		return report, fmt.Errorf("backup before recovery failed, leaving database untouched: %w", err)
	}
	report.BackupPath = backup
	report.BackupSHA1 = sum

	tmp := dbPath + ".recover"
	os.Remove(tmp)
	removeSideFiles(ctx, tmp)
	defer func() {
		os.Remove(tmp)
		removeSideFiles(ctx, tmp)
	}()

	// 1. dump and re-import
	report.Attempts = append(report.Attempts, RecoveryDump)
	rows, err := m.recoverFromDump(ctx, dbPath, tmp)
	if err == nil && rows > 0 {
		err = installRecovered(ctx, tmp, dbPath)
		if err == nil {
			return m.finishRecovery(layout, report, RecoveryDump, rows), nil
		}
	}
	report.Failures[RecoveryDump] = failureText(err, rows)

	// 2. direct salvage of the frames table
	report.Attempts = append(report.Attempts, RecoverySalvage)
	os.Remove(tmp)
	removeSideFiles(ctx, tmp)
	rows, err = salvageFrames(ctx, dbPath, tmp)
	if err == nil && rows > 0 {
		err = installRecovered(ctx, tmp, dbPath)
		if err == nil {
			return m.finishRecovery(layout, report, RecoverySalvage, rows), nil
		}
	}
	report.Failures[RecoverySalvage] = failureText(err, rows)

	// 3. start over; the backup keeps the original
	report.Attempts = append(report.Attempts, RecoveryFresh)
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return report, fmt.Errorf("discard corrupted database: %w", err)
	}
	removeSideFiles(ctx, dbPath)
	return m.finishRecovery(layout, report, RecoveryFresh, 0), nil
}

func failureText(err error, rows int64) string {
	if err != nil {
		return err.Error()
	}
	if rows == 0 {
		return "no usable rows"
	}
	return ""
}

func (m *Manager) finishRecovery(layout Layout, report *RecoveryReport, method RecoveryMethod, rows int64) *RecoveryReport {
	report.Method = method
	report.RowsRecovered = rows
	report.Duration = time.Since(report.StartedAt)
	report.Pruned = pruneBackups(layout.BackupsDir(), m.opts.MaxBackups)

	util.Logger().Warn().
		Str("method", string(method)).
		Int64("rows_recovered", rows).
		Str("backup", report.BackupPath).
		Strs("attempts", methodNames(report.Attempts)).
		Dur("took", report.Duration).
		Msg("database recovered")
	return report
}

func methodNames(ms []RecoveryMethod) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

// backupDatabase copies dbPath (and a non-empty WAL) into dir and verifies
// the copy by content hash.
func backupDatabase(dbPath, dir string) (string, string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", err
	}
	if !util.FileExists(dbPath) {
		return "", "", fmt.Errorf("%s: %w", dbPath, util.ErrNotFound)
	}

	name := fmt.Sprintf("recall-corrupt-%s.db", util.Timestamp(time.Now()))
	dst := filepath.Join(dir, name)
	for i := 1; util.FileExists(dst); i++ {
		dst = filepath.Join(dir, fmt.Sprintf("recall-corrupt-%s-%d.db", util.Timestamp(time.Now()), i))
	}

	if err := util.CopyFile(dbPath, dst); err != nil {
		return "", "", err
	}
	srcSum, err := util.GenerateContentHash(dbPath)
	if err != nil {
		return "", "", err
	}
	dstSum, err := util.GenerateContentHash(dst)
	if err != nil {
		return "", "", err
	}
	if srcSum != dstSum {
		os.Remove(dst)
		return "", "", fmt.Errorf("backup hash mismatch (%s != %s)", srcSum, dstSum)
	}

	if info, err := os.Stat(dbPath + "-wal"); err == nil && info.Size() > 0 {
		if err := util.CopyFile(dbPath+"-wal", dst+"-wal"); err != nil {
			util.WarnLog("Failed to back up WAL for %s: %v", dbPath, err)
		}
	}

	util.InfoLog("Backed up corrupted database to %s", dst)
	return dst, srcSum, nil
}

// pruneBackups keeps the newest keep backups and returns what it deleted.
func pruneBackups(dir string, keep int) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "recall-corrupt-*.db"))
	if err != nil || len(matches) <= keep {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool {
		ii, _ := os.Stat(matches[i])
		jj, _ := os.Stat(matches[j])
		if ii != nil && jj != nil && !ii.ModTime().Equal(jj.ModTime()) {
			return ii.ModTime().After(jj.ModTime())
		}
		return matches[i] > matches[j]
	})

	var pruned []string
	for _, p := range matches[keep:] {
		if err := os.Remove(p); err != nil {
			util.WarnLog("Failed to prune backup %s: %v", p, err)
			continue
		}
		os.Remove(p + "-wal")
		pruned = append(pruned, p)
	}
	return pruned
}

// installRecovered swaps the rebuilt file into place.
func installRecovered(ctx context.Context, tmp, dbPath string) error {
	removeSideFiles(ctx, tmp)
	removeSideFiles(ctx, dbPath)
	if err := util.RetryableRename(ctx, tmp, dbPath, nil); err != nil {
		return fmt.Errorf("install recovered database: %w", err)
	}
	return nil
}

// createFresh opens an empty database at path with the full schema.
func createFresh(ctx context.Context, path string, busy time.Duration) (*sqlx.DB, error) {
	db, err := openDB(ctx, path, busy)
	if err != nil {
		return nil, err
	}
	if _, err := migrate(ctx, db, Migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (m *Manager) recoverFromDump(ctx context.Context, dbPath, tmp string) (int64, error) {
	if m.opts.Dumper == nil {
		return 0, errors.New("no dumper configured")
	}
	dump, err := m.opts.Dumper.Dump(ctx, dbPath)
	if err != nil {
		return 0, err
	}

	db, err := openDB(ctx, tmp, m.opts.BusyTimeout)
	if err != nil {
		return 0, err
	}

	failed, err := replayDump(ctx, db, dump)
	if err != nil {
		db.Close()
		return 0, err
	}
	if failed > 0 {
		util.WarnLog("Dump replay skipped %d statements", failed)
	}
	if _, err := migrate(ctx, db, Migrations); err != nil {
		db.Close()
		return 0, err
	}

	rows := countRows(ctx, db, "frames")
	if err := db.Close(); err != nil {
		return 0, err
	}
	return rows, nil
}

// replayDump executes a .dump script one statement at a time inside a
// single transaction, skipping statements that fail.
func replayDump(ctx context.Context, db *sqlx.DB, dump string) (int, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	failed := 0
	for _, stmt := range splitStatements(dump) {
		switch strings.ToUpper(strings.TrimSpace(stmt)) {
		case "BEGIN TRANSACTION", "BEGIN", "COMMIT", "ROLLBACK", "END TRANSACTION":
			continue
		}
		if strings.HasPrefix(strings.ToUpper(stmt), "PRAGMA") {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			failed++
			util.DebugLog("Dump replay: skipping statement: %v", err)
		}
	}
	return failed, tx.Commit()
}

// splitStatements splits SQL text on semicolons outside quotes and
// comments. CREATE TRIGGER bodies are kept whole up to their END.
func splitStatements(sql string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	inLineComment := false
	inBlockComment := false

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch {
		case inLineComment:
			if r == '\n' {
				inLineComment = false
			}
			continue
		case inBlockComment:
			if r == '*' && next == '/' {
				inBlockComment = false
				i++
			}
			continue
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				if next == quote { // doubled quote escapes itself
					cur.WriteRune(next)
					i++
				} else {
					quote = 0
				}
			}
			continue
		}

		switch {
		case r == '-' && next == '-':
			inLineComment = true
			i++
		case r == '/' && next == '*':
			inBlockComment = true
			i++
		case r == '\'' || r == '"' || r == '`':
			quote = r
			cur.WriteRune(r)
		case r == '[':
			quote = ']'
			cur.WriteRune(r)
		case r == ';':
			stmt := strings.TrimSpace(cur.String())
			upper := strings.ToUpper(stmt)
			if strings.HasPrefix(upper, "CREATE TRIGGER") && !strings.HasSuffix(upper, "END") {
				cur.WriteRune(r)
				continue
			}
			if stmt != "" {
				out = append(out, stmt)
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if stmt := strings.TrimSpace(cur.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

// frameRow mirrors the frames table for salvage.
type frameRow struct {
	ID          int64  `db:"id"`
	CapturedAt  int64  `db:"captured_at"`
	ChunkPath   string `db:"chunk_path"`
	FrameOffset int64  `db:"frame_offset"`
	Width       int64  `db:"width"`
	Height      int64  `db:"height"`
	Fingerprint int64  `db:"fingerprint"`
	OCRSkipped  bool   `db:"ocr_skipped"`
}

const salvageBatch = 500

// salvageFrames copies readable rows of the frames table from a damaged
// database into a fresh one at dst. Unreadable ranges are retried row by
// row and unreadable rows are skipped.
func salvageFrames(ctx context.Context, src, dst string) (int64, error) {
	from, err := sqlx.Open("sqlite", "file:"+src+"?mode=ro")
	if err != nil {
		return 0, err
	}
	defer from.Close()
	from.SetMaxOpenConns(1)

	var maxID int64
	if err := from.GetContext(ctx, &maxID, "SELECT COALESCE(MAX(id), 0) FROM frames"); err != nil {
		return 0, fmt.Errorf("read frames extent: %w", err)
	}
	if maxID == 0 {
		return 0, nil
	}

	to, err := createFresh(ctx, dst, 5*time.Second)
	if err != nil {
		return 0, err
	}
	defer to.Close()

	const insert = `INSERT OR IGNORE INTO frames
		(id, captured_at, chunk_path, frame_offset, width, height, fingerprint, ocr_skipped)
		VALUES (:id, :captured_at, :chunk_path, :frame_offset, :width, :height, :fingerprint, :ocr_skipped)`
	const query = `SELECT id, captured_at, chunk_path, frame_offset, width, height, fingerprint, ocr_skipped
		FROM frames WHERE id >= ? AND id < ? ORDER BY id`

	var saved, bad int64
	for lo := int64(1); lo <= maxID; lo += salvageBatch {
		if err := ctx.Err(); err != nil {
			return saved, err
		}

		var rows []frameRow
		if err := from.SelectContext(ctx, &rows, query, lo, lo+salvageBatch); err != nil {
			rows = rows[:0]
			for id := lo; id < lo+salvageBatch && id <= maxID; id++ {
				var r frameRow
				if err := from.GetContext(ctx, &r, query, id, id+1); err != nil {
					bad++
					continue
				}
				rows = append(rows, r)
			}
		}
		if len(rows) == 0 {
			continue
		}

		res, err := to.NamedExecContext(ctx, insert, rows)
		if err != nil {
			return saved, fmt.Errorf("write salvaged frames: %w", err)
		}
		n, _ := res.RowsAffected()
		saved += n
	}

	if bad > 0 {
		util.WarnLog("Salvage skipped %d unreadable frame ids", bad)
	}
	if _, err := to.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		util.DebugLog("Salvage checkpoint: %v", err)
	}
	return saved, nil
}

func countRows(ctx context.Context, db *sqlx.DB, table string) int64 {
	var n int64
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0
	}
	return n
}
