package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/franz/screen-recall/internal/util"
)

// EventType represents the type of event
type EventType string

const (
	EventChunkFinalized    EventType = "chunk_finalized"
	EventFramesDropped     EventType = "frames_dropped"
	EventChunkQuarantined  EventType = "chunk_quarantined"
	EventChunkPurged       EventType = "chunk_purged"
	EventUncleanShutdown   EventType = "db_unclean_shutdown"
	EventDatabaseRecovered EventType = "db_recovered"
	EventDatabaseReset     EventType = "db_reset"
	EventBackupPruned      EventType = "db_backup_pruned"
	EventError             EventType = "error"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// levelPriority maps event levels to numeric priorities for comparison
var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Event represents a single event. Every data-loss event carries the lost
// quantity in Frames or Rows.
type Event struct {
	Timestamp time.Time         `json:"ts"`
	Session   string            `json:"session"`
	Level     EventLevel        `json:"level"`
	Event     EventType         `json:"event"`
	ChunkPath string            `json:"chunk_path,omitempty"`
	Path      string            `json:"path,omitempty"`
	Frames    int               `json:"frames,omitempty"`
	Rows      int64             `json:"rows,omitempty"`
	Bytes     int64             `json:"bytes,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Duration  int64             `json:"duration_ms,omitempty"` // in milliseconds
	Error     string            `json:"error,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	session  string
	minLevel EventLevel
}

// NewEventLogger creates a new event logger with a minimum log level
// minLevel determines which events are written (e.g., LevelInfo skips LevelDebug)
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	// Create output directory if it doesn't exist
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	session := uuid.NewString()
	filename := fmt.Sprintf("events-%s-%s.jsonl", util.Timestamp(time.Now()), session[:8])
	path := filepath.Join(outputDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		session:  session,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil // Silently ignore if logger not initialized
	}

	// Filter by minimum level
	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Session = l.session

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// LogChunkFinalized logs a finished chunk. A non-nil err means the encoder
// exited non-zero and the chunk is kept as best effort.
func (l *EventLogger) LogChunkFinalized(chunkPath string, frames int, reason string, took time.Duration, err error) error {
	level := LevelInfo
	if err != nil {
		level = LevelWarning
	}
	return l.Log(&Event{
		Level:     level,
		Event:     EventChunkFinalized,
		ChunkPath: chunkPath,
		Frames:    frames,
		Reason:    reason,
		Duration:  took.Milliseconds(),
		Error:     errText(err),
	})
}

// LogFramesDropped logs an emergency reset and how many frames it lost.
func (l *EventLogger) LogFramesDropped(chunkPath string, frames int, reason string, err error) error {
	return l.Log(&Event{
		Level:     LevelWarning,
		Event:     EventFramesDropped,
		ChunkPath: chunkPath,
		Frames:    frames,
		Reason:    reason,
		Error:     errText(err),
	})
}

// LogQuarantine logs a chunk being quarantined.
func (l *EventLogger) LogQuarantine(chunkPath string, cause error) error {
	return l.Log(&Event{
		Level:     LevelWarning,
		Event:     EventChunkQuarantined,
		ChunkPath: chunkPath,
		Error:     errText(cause),
	})
}

// LogPurge logs the cleanup of a quarantined chunk.
func (l *EventLogger) LogPurge(chunkPath string, rows int64, fileDeleted bool) error {
	return l.Log(&Event{
		Level:     LevelWarning,
		Event:     EventChunkPurged,
		ChunkPath: chunkPath,
		Rows:      rows,
		Extra: map[string]string{
			"file_deleted": fmt.Sprintf("%t", fileDeleted),
		},
	})
}

// LogUncleanShutdown logs a leftover sentinel found at open.
func (l *EventLogger) LogUncleanShutdown(dbPath, prevSession string) error {
	return l.Log(&Event{
		Level:  LevelWarning,
		Event:  EventUncleanShutdown,
		Path:   dbPath,
		Reason: "sentinel present",
		Extra: map[string]string{
			"previous_session": prevSession,
		},
	})
}

// LogRecovery logs the outcome of database recovery. A fresh database is
// logged as a reset since everything not in the backup is gone.
func (l *EventLogger) LogRecovery(method, backupPath string, rows int64, attempts []string, took time.Duration) error {
	event := EventDatabaseRecovered
	level := LevelWarning
	if method == "fresh" {
		event = EventDatabaseReset
		level = LevelError
	}
	return l.Log(&Event{
		Level:    level,
		Event:    event,
		Path:     backupPath,
		Rows:     rows,
		Reason:   method,
		Duration: took.Milliseconds(),
		Extra: map[string]string{
			"attempts": fmt.Sprintf("%v", attempts),
		},
	})
}

// LogBackupPruned logs an old corruption backup being deleted.
func (l *EventLogger) LogBackupPruned(path string) error {
	return l.Log(&Event{
		Level: LevelInfo,
		Event: EventBackupPruned,
		Path:  path,
	})
}

// LogError logs an error event
func (l *EventLogger) LogError(event EventType, path string, err error) error {
	return l.Log(&Event{
		Level: LevelError,
		Event: event,
		Path:  path,
		Error: errText(err),
	})
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Session returns the id stamped on every event of this logger.
func (l *EventLogger) Session() string {
	if l == nil {
		return ""
	}
	return l.session
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}
