package store

import (
	"context"
	"os"

	"github.com/franz/screen-recall/internal/util"
)

// sideFileSuffixes are the journal files SQLite keeps next to a database.
var sideFileSuffixes = []string{"-wal", "-shm", "-journal"}

// removeEmptySideFiles deletes zero-byte journal files. A non-empty journal
// may hold committed pages SQLite still has to replay, so it stays.
func removeEmptySideFiles(ctx context.Context, dbPath string) []string {
	var removed []string
	for _, suffix := range sideFileSuffixes {
		p := dbPath + suffix
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() || info.Size() != 0 {
			continue
		}
		if err := util.RetryableRemove(ctx, p, nil); err != nil {
			util.WarnLog("Failed to remove empty %s: %v", p, err)
			continue
		}
		removed = append(removed, p)
	}
	if len(removed) > 0 {
		util.DebugLog("Removed empty journal files: %v", removed)
	}
	return removed
}

// removeSideFiles deletes journal files regardless of content. Only used
// after an open has already failed.
func removeSideFiles(ctx context.Context, dbPath string) []string {
	var removed []string
	for _, suffix := range sideFileSuffixes {
		p := dbPath + suffix
		if !util.FileExists(p) {
			continue
		}
		if err := util.RetryableRemove(ctx, p, nil); err != nil {
			util.WarnLog("Failed to remove %s: %v", p, err)
			continue
		}
		removed = append(removed, p)
	}
	if len(removed) > 0 {
		util.WarnLog("Removed journal files after failed open: %v", removed)
	}
	return removed
}
