package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
)

// Sentinel is written while a session has the database open. Finding one
// at startup means the previous session did not shut down cleanly; its
// content is informational only.
type Sentinel struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	User      string    `json:"user"`
	StartedAt time.Time `json:"started_at"`
}

// sentinelPresent reports whether a sentinel exists and returns whatever
// could be parsed from it.
func sentinelPresent(path string) (bool, *Sentinel) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return true, nil
	}
	var s Sentinel
	if json.Unmarshal(data, &s) != nil {
		return true, nil
	}
	return true, &s
}

func writeSentinel(path, user string) (Sentinel, error) {
	s := Sentinel{
		SessionID: uuid.NewString(),
		PID:       os.Getpid(),
		User:      user,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(s)
	if err != nil {
		return s, err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return s, fmt.Errorf("write sentinel: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return s, fmt.Errorf("install sentinel: %w", err)
	}
	return s, nil
}

func removeSentinel(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
