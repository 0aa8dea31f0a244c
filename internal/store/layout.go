package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/franz/screen-recall/internal/util"
)

// AnonymousUser owns data captured before any user was configured.
const AnonymousUser = "anonymous"

const (
	usersDir     = "users"
	videosDir    = "videos"
	backupsDir   = "backups"
	sentinelName = ".running"
)

// Layout resolves every on-disk location for one user.
type Layout struct {
	Root     string
	User     string // empty means unconfigured
	FileName string // database file name, default recall.db
}

// NewLayout returns the layout for user under root.
func NewLayout(root, user, fileName string) Layout {
	if fileName == "" {
		fileName = "recall.db"
	}
	return Layout{Root: root, User: user, FileName: fileName}
}

// Unconfigured reports whether no user has been set. Data then goes to the
// anonymous directory and is merged into the real user's on first open.
func (l Layout) Unconfigured() bool { return l.User == "" }

// UserName is the directory name used for this layout.
func (l Layout) UserName() string {
	if l.User == "" {
		return AnonymousUser
	}
	return l.User
}

func (l Layout) UserDir() string      { return filepath.Join(l.Root, usersDir, l.UserName()) }
func (l Layout) VideosDir() string    { return filepath.Join(l.UserDir(), videosDir) }
func (l Layout) BackupsDir() string   { return filepath.Join(l.UserDir(), backupsDir) }
func (l Layout) DatabasePath() string { return filepath.Join(l.UserDir(), l.FileName) }
func (l Layout) SentinelPath() string { return filepath.Join(l.UserDir(), sentinelName) }

// legacySources are locations older versions wrote to, oldest first. The
// shared root only contributes known entries because it also holds users/.
func (l Layout) legacySources() []legacySource {
	sources := []legacySource{{dir: l.Root, shared: true}}
	if !l.Unconfigured() {
		sources = append(sources, legacySource{dir: filepath.Join(l.Root, usersDir, AnonymousUser)})
	}
	return sources
}

type legacySource struct {
	dir    string
	shared bool
}

// MigrationResult summarizes MigrateLegacy.
type MigrationResult struct {
	Moved   int
	Skipped int
}

// MigrateLegacy moves data from legacy locations into the user directory.
// Directories are merged file by file and nothing in the destination is
// overwritten. A database is moved together with its side files or not at
// all, so a main file is never paired with another file's journal.
func (l Layout) MigrateLegacy() (MigrationResult, error) {
	var total MigrationResult
	dst := l.UserDir()
	if err := os.MkdirAll(dst, 0755); err != nil {
		return total, fmt.Errorf("failed to create user dir: %w", err)
	}

	for _, src := range l.legacySources() {
		if filepath.Clean(src.dir) == filepath.Clean(dst) {
			continue
		}
		info, err := os.Stat(src.dir)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
			continue
		}
		if err != nil {
			return total, err
		}

		res, err := l.migrateFrom(src, dst)
		total.Moved += res.Moved
		total.Skipped += res.Skipped
		if err != nil {
			return total, fmt.Errorf("migrate %s: %w", src.dir, err)
		}
	}

	if total.Moved > 0 || total.Skipped > 0 {
		util.InfoLog("Migrated legacy data into %s: %d moved, %d kept in place", dst, total.Moved, total.Skipped)
	}
	return total, nil
}

func (l Layout) migrateFrom(src legacySource, dst string) (MigrationResult, error) {
	var res MigrationResult

	moved, skipped, err := moveDatabase(filepath.Join(src.dir, l.FileName), filepath.Join(dst, l.FileName))
	res.Moved += moved
	res.Skipped += skipped
	if err != nil {
		return res, err
	}
	if moved > 0 {
		// A crashed session's sentinel travels with its database so the
		// next open still sees the unclean shutdown.
		if err := carrySentinel(filepath.Join(src.dir, sentinelName), filepath.Join(dst, sentinelName)); err != nil {
			return res, err
		}
	}

	dirs := []string{videosDir, backupsDir}
	if !src.shared {
		// The anonymous directory is ours entirely; merge everything left.
		dirs = nil
		entries, err := os.ReadDir(src.dir)
		if err != nil {
			return res, err
		}
		for _, e := range entries {
			if e.Name() == sentinelName || l.isDatabaseFile(e.Name()) {
				continue
			}
			if e.IsDir() {
				dirs = append(dirs, e.Name())
				continue
			}
			from, to := filepath.Join(src.dir, e.Name()), filepath.Join(dst, e.Name())
			if util.FileExists(to) {
				res.Skipped++
				continue
			}
			if err := util.MoveFile(from, to); err != nil {
				return res, err
			}
			res.Moved++
		}
	}

	for _, d := range dirs {
		from := filepath.Join(src.dir, d)
		if info, err := os.Stat(from); err != nil || !info.IsDir() {
			continue
		}
		merged, err := util.MoveMerge(from, filepath.Join(dst, d))
		res.Moved += merged.Moved
		res.Skipped += merged.Skipped
		if err != nil {
			return res, err
		}
	}

	if !src.shared && !util.FileExists(filepath.Join(src.dir, l.FileName)) {
		_ = os.Remove(filepath.Join(src.dir, sentinelName))
		_ = os.Remove(src.dir)
	}
	return res, nil
}

// carrySentinel moves from to to. An existing sentinel at to already marks
// the destination unclean, so from is simply discarded.
func carrySentinel(from, to string) error {
	if !util.FileExists(from) {
		return nil
	}
	if util.FileExists(to) {
		return os.Remove(from)
	}
	util.WarnLog("Migrated database comes from a session that did not shut down cleanly: %s", from)
	return util.MoveFile(from, to)
}

func (l Layout) isDatabaseFile(name string) bool {
	if name == l.FileName {
		return true
	}
	for _, suffix := range sideFileSuffixes {
		if name == l.FileName+suffix {
			return true
		}
	}
	return false
}

// moveDatabase moves a database and its side files as one unit.
func moveDatabase(from, to string) (moved, skipped int, err error) {
	if !util.FileExists(from) {
		return 0, 0, nil
	}
	family := append([]string{""}, sideFileSuffixes...)
	if util.FileExists(to) {
		util.WarnLog("Legacy database %s left in place: %s already exists", from, to)
		for _, suffix := range family {
			if util.FileExists(from + suffix) {
				skipped++
			}
		}
		return 0, skipped, nil
	}

	// Stale side files at the destination belong to no database.
	for _, suffix := range sideFileSuffixes {
		_ = os.Remove(to + suffix)
	}
	for _, suffix := range family {
		if !util.FileExists(from + suffix) {
			continue
		}
		if err := util.MoveFile(from+suffix, to+suffix); err != nil {
			return moved, skipped, err
		}
		moved++
	}
	return moved, skipped, nil
}
