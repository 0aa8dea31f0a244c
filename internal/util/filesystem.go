package util

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
)

// FreeSpace returns the bytes available to an unprivileged user on the
// filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// FileExists reports whether path exists and is a regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// MergeResult summarizes a MoveMerge call
type MergeResult struct {
	Moved   int
	Skipped int // destination already had a file with the same relative path
}

// MoveMerge moves every file under src into dst, keeping relative paths.
// Files that already exist in dst are left untouched and the source copy
// stays where it is. Directories emptied by the move are removed.
func MoveMerge(src, dst string) (MergeResult, error) {
	var res MergeResult

	info, err := os.Stat(src)
	if err != nil {
		return res, err
	}
	if !info.IsDir() {
		return res, fmt.Errorf("move merge: %s is not a directory", src)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return res, fmt.Errorf("failed to create destination: %w", err)
	}

	var dirs []string
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if rel != "." {
				dirs = append(dirs, path)
			}
			return os.MkdirAll(target, 0755)
		}

		if _, err := os.Lstat(target); err == nil {
			DebugLog("Merge: keeping existing %s", target)
			res.Skipped++
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		if err := MoveFile(path, target); err != nil {
			return err
		}
		res.Moved++
		return nil
	})
	if err != nil {
		return res, err
	}

	// Deepest first so parents are empty by the time we reach them.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		_ = os.Remove(dir)
	}
	_ = os.Remove(src)

	return res, nil
}

// MoveFile renames src to dst, falling back to copy+delete across devices.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("failed to move %s: %w", src, err)
	}

	if err := CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// CopyFile writes to dst.part and renames it into place once synced.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dst)
}
