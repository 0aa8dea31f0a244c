package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/franz/screen-recall/internal/store"
	"github.com/franz/screen-recall/internal/util"
)

// SummaryReport represents a complete summary report
type SummaryReport struct {
	GeneratedAt time.Time

	// Index statistics
	Frames         int64
	FramesWithText int64
	OCRSkipped     int64
	FirstCapture   time.Time
	LastCapture    time.Time

	// Archive statistics
	Chunks            int64
	FailedChunks      int64
	QuarantinedChunks int64
	ChunkFiles        int
	ArchiveBytes      int64

	// From the event log
	FramesDropped    int
	EmergencyResets  int
	RowsPurged       int64
	UncleanShutdowns int
	BackupsPruned    int
	Quarantines      []QuarantineInfo
	Recoveries       []RecoveryInfo
	TopErrors        []ErrorSummary

	// Metadata
	User         string
	DatabasePath string
	VideosDir    string
	EventLogPath string
}

// ErrorSummary represents an error with its count
type ErrorSummary struct {
	Error string
	Count int
}

// QuarantineInfo is one quarantined chunk.
type QuarantineInfo struct {
	ChunkPath string
	At        time.Time
	Cause     string
}

// RecoveryInfo is one database recovery.
type RecoveryInfo struct {
	At         time.Time
	Method     string
	Rows       int64
	BackupPath string
}

// SkipRatio is the share of frames that skipped text recognition.
func (r *SummaryReport) SkipRatio() float64 {
	if r.Frames == 0 {
		return 0
	}
	return float64(r.OCRSkipped) / float64(r.Frames)
}

// GenerateSummary builds a report from the frame index, the chunk tree and
// the event logs. eventLogPath may be a single JSONL file or a directory of
// them; it may also be empty.
func GenerateSummary(ctx context.Context, frames *store.Frames, videosDir, eventLogPath string) (*SummaryReport, error) {
	report := &SummaryReport{
		GeneratedAt:  time.Now(),
		VideosDir:    videosDir,
		EventLogPath: eventLogPath,
		Quarantines:  make([]QuarantineInfo, 0),
		Recoveries:   make([]RecoveryInfo, 0),
		TopErrors:    make([]ErrorSummary, 0),
	}

	stats, err := frames.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame stats: %w", err)
	}
	report.Frames = stats.Frames
	report.FramesWithText = stats.FramesWithText
	report.OCRSkipped = stats.OCRSkipped
	report.FirstCapture = stats.First
	report.LastCapture = stats.Last
	report.Chunks = stats.Chunks
	report.FailedChunks = stats.FailedChunks
	report.QuarantinedChunks = stats.QuarantinedCount

	if videosDir != "" {
		report.ChunkFiles, report.ArchiveBytes = archiveSize(videosDir)
	}

	if eventLogPath != "" {
		events, err := ReadEvents(eventLogPath)
		if err != nil {
			return nil, err
		}
		report.addEvents(events, 10)
	}
	return report, nil
}

func archiveSize(dir string) (files int, bytes int64) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			files++
			bytes += info.Size()
		}
		return nil
	})
	return files, bytes
}

// ReadEvents loads events from a JSONL file or every events-*.jsonl file in
// a directory, in timestamp order. Undecodable lines are skipped.
func ReadEvents(path string) ([]Event, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "events-*.jsonl"))
		if err != nil {
			return nil, err
		}
	}

	var events []Event
	for _, f := range files {
		fh, err := os.Open(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		scanner := bufio.NewScanner(fh)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var ev Event
			if json.Unmarshal(scanner.Bytes(), &ev) != nil {
				continue
			}
			events = append(events, ev)
		}
		err = scanner.Err()
		fh.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (r *SummaryReport) addEvents(events []Event, errorLimit int) {
	errorCounts := make(map[string]int)
	for _, ev := range events {
		switch ev.Event {
		case EventFramesDropped:
			r.EmergencyResets++
			r.FramesDropped += ev.Frames
		case EventChunkQuarantined:
			r.Quarantines = append(r.Quarantines, QuarantineInfo{ChunkPath: ev.ChunkPath, At: ev.Timestamp, Cause: ev.Error})
		case EventChunkPurged:
			r.RowsPurged += ev.Rows
		case EventUncleanShutdown:
			r.UncleanShutdowns++
		case EventDatabaseRecovered, EventDatabaseReset:
			r.Recoveries = append(r.Recoveries, RecoveryInfo{At: ev.Timestamp, Method: ev.Reason, Rows: ev.Rows, BackupPath: ev.Path})
		case EventBackupPruned:
			r.BackupsPruned++
		}
		if ev.Error != "" && ev.Level == LevelError {
			errorCounts[ev.Error]++
		}
	}

	for msg, count := range errorCounts {
		r.TopErrors = append(r.TopErrors, ErrorSummary{Error: msg, Count: count})
	}
	sort.Slice(r.TopErrors, func(i, j int) bool {
		if r.TopErrors[i].Count != r.TopErrors[j].Count {
			return r.TopErrors[i].Count > r.TopErrors[j].Count
		}
		return r.TopErrors[i].Error < r.TopErrors[j].Error
	})
	if len(r.TopErrors) > errorLimit {
		r.TopErrors = r.TopErrors[:errorLimit]
	}
}

// WriteMarkdownReport writes the summary report as Markdown
func WriteMarkdownReport(report *SummaryReport, outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var md strings.Builder

	md.WriteString("# Screen Recall - Summary Report\n\n")
	md.WriteString(fmt.Sprintf("**Generated:** %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05")))
	if report.User != "" {
		md.WriteString(fmt.Sprintf("**User:** %s\n\n", report.User))
	}
	if report.DatabasePath != "" {
		md.WriteString(fmt.Sprintf("**Database:** `%s`\n\n", report.DatabasePath))
	}
	if report.EventLogPath != "" {
		md.WriteString(fmt.Sprintf("**Event Log:** `%s`\n\n", report.EventLogPath))
	}

	md.WriteString("---\n\n")

	// Overview
	md.WriteString("## 📊 Overview\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Frames Indexed | %s |\n", util.FormatCount(report.Frames)))
	md.WriteString(fmt.Sprintf("| Frames with Text | %s |\n", util.FormatCount(report.FramesWithText)))
	md.WriteString(fmt.Sprintf("| Text Recognition Skipped | %s (%.1f%%) |\n", util.FormatCount(report.OCRSkipped), report.SkipRatio()*100))
	if !report.FirstCapture.IsZero() {
		md.WriteString(fmt.Sprintf("| First Capture | %s |\n", report.FirstCapture.Format("2006-01-02 15:04:05")))
		md.WriteString(fmt.Sprintf("| Last Capture | %s (%s) |\n", report.LastCapture.Format("2006-01-02 15:04:05"), util.FormatAge(report.LastCapture)))
	}
	md.WriteString("\n")

	// Archive
	md.WriteString("## 🎞️ Archive\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Chunks Recorded | %s |\n", util.FormatCount(report.Chunks)))
	if report.FailedChunks > 0 {
		md.WriteString(fmt.Sprintf("| Chunks Finalized with Errors | %d |\n", report.FailedChunks))
	}
	if report.QuarantinedChunks > 0 {
		md.WriteString(fmt.Sprintf("| Chunks Quarantined | %d |\n", report.QuarantinedChunks))
	}
	md.WriteString(fmt.Sprintf("| Chunk Files | %d |\n", report.ChunkFiles))
	md.WriteString(fmt.Sprintf("| Archive Size | %s |\n", util.FormatBytes(report.ArchiveBytes)))
	md.WriteString("\n")

	// Data loss
	if report.FramesDropped > 0 || report.RowsPurged > 0 || report.UncleanShutdowns > 0 {
		md.WriteString("## ⚠️ Data Loss\n\n")
		md.WriteString("| Metric | Value |\n")
		md.WriteString("|--------|-------|\n")
		md.WriteString(fmt.Sprintf("| Emergency Resets | %d |\n", report.EmergencyResets))
		md.WriteString(fmt.Sprintf("| Frames Dropped | %d |\n", report.FramesDropped))
		md.WriteString(fmt.Sprintf("| Frame Rows Purged | %d |\n", report.RowsPurged))
		md.WriteString(fmt.Sprintf("| Unclean Shutdowns | %d |\n", report.UncleanShutdowns))
		md.WriteString("\n")
	}

	// Quarantine
	if len(report.Quarantines) > 0 {
		md.WriteString("## 🚫 Quarantined Chunks\n\n")
		md.WriteString("| Chunk | When | Cause |\n")
		md.WriteString("|-------|------|-------|\n")
		for _, q := range report.Quarantines {
			md.WriteString(fmt.Sprintf("| `%s` | %s | %s |\n",
				truncatePath(q.ChunkPath, 60), q.At.Format("2006-01-02 15:04:05"), truncatePath(q.Cause, 80)))
		}
		md.WriteString("\n")
	}

	// Recoveries
	if len(report.Recoveries) > 0 {
		md.WriteString("## 🛠️ Database Recoveries\n\n")
		md.WriteString("| When | Method | Rows Recovered | Backup |\n")
		md.WriteString("|------|--------|----------------|--------|\n")
		for _, r := range report.Recoveries {
			md.WriteString(fmt.Sprintf("| %s | %s | %d | `%s` |\n",
				r.At.Format("2006-01-02 15:04:05"), r.Method, r.Rows, truncatePath(r.BackupPath, 60)))
		}
		if report.BackupsPruned > 0 {
			md.WriteString(fmt.Sprintf("\n*%d old backups pruned*\n", report.BackupsPruned))
		}
		md.WriteString("\n")
	}

	// Errors
	if len(report.TopErrors) > 0 {
		md.WriteString("## ❗ Top Errors\n\n")
		md.WriteString("| Count | Error |\n")
		md.WriteString("|-------|-------|\n")
		for _, err := range report.TopErrors {
			md.WriteString(fmt.Sprintf("| %d | %s |\n", err.Count, err.Error))
		}
		md.WriteString("\n")
	}

	md.WriteString("---\n\n")
	md.WriteString("*Generated by recall*\n")

	if err := os.WriteFile(outputPath, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// truncatePath truncates a file path to a maximum length
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	// Truncate from the middle, keeping start and end
	start := maxLen/2 - 2
	end := len(path) - (maxLen/2 - 2)
	return path[:start] + "..." + path[end:]
}
