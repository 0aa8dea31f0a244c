package main

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/franz/screen-recall/internal/chunkstore"
	"github.com/franz/screen-recall/internal/config"
	"github.com/franz/screen-recall/internal/report"
	"github.com/franz/screen-recall/internal/store"
	"github.com/franz/screen-recall/internal/util"
)

// loadConfig decodes the global viper (flags > env > file > defaults).
func loadConfig() (config.Config, error) {
	return config.FromViper(viper.GetViper())
}

// eventLevel picks the event log threshold from the verbosity flags.
func eventLevel() report.EventLevel {
	switch {
	case viper.GetBool("quiet"):
		return report.LevelWarning
	case viper.GetBool("verbose"):
		return report.LevelDebug
	default:
		return report.LevelInfo
	}
}

// app holds the components every command shares.
type app struct {
	cfg    config.Config
	events *report.EventLogger
	db     *store.Manager
	frames *store.Frames
	chunks *chunkstore.Store
}

// openApp opens the configured user's database and wires the chunk store,
// the event log and the lifecycle hooks together.
func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	events, err := report.NewEventLogger(cfg.EventLogDir(), eventLevel())
	if err != nil {
		util.WarnLog("Failed to create event logger: %v", err)
		events = report.NullLogger()
	}

	opts := store.OptionsFromConfig(cfg)
	opts.OnUncleanShutdown = func(layout store.Layout, prev *store.Sentinel) {
		session := ""
		if prev != nil {
			session = prev.SessionID
		}
		util.WarnLog("Previous session did not shut down cleanly (%s)", layout.DatabasePath())
		events.LogUncleanShutdown(layout.DatabasePath(), session)
	}
	opts.OnRecovery = func(r *store.RecoveryReport) {
		attempts := make([]string, len(r.Attempts))
		for i, m := range r.Attempts {
			attempts[i] = string(m)
		}
		events.LogRecovery(string(r.Method), r.BackupPath, r.RowsRecovered, attempts, r.Duration)
		for _, p := range r.Pruned {
			events.LogBackupPruned(p)
		}
	}

	db := store.NewManager(opts, cfg.User)
	if _, err := db.Open(ctx); err != nil {
		events.LogError(report.EventError, db.Layout().DatabasePath(), err)
		events.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	frames := store.NewFrames(db)

	chunkOpts := chunkstore.OptionsFromConfig(cfg, db.Layout().UserDir())
	chunkOpts.Index = frames
	chunkOpts.OnQuarantine = func(chunkPath string, cause error) {
		events.LogQuarantine(chunkPath, cause)
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		if err := frames.MarkChunk(context.Background(), chunkPath, store.ChunkQuarantined, reason); err != nil {
			util.DebugLog("Failed to persist quarantine of %s: %v", chunkPath, err)
		}
	}
	chunks, err := chunkstore.New(chunkOpts)
	if err != nil {
		db.Close()
		events.Close()
		return nil, err
	}

	a := &app{cfg: cfg, events: events, db: db, frames: frames, chunks: chunks}
	a.restoreQuarantine(ctx)
	return a, nil
}

// restoreQuarantine reloads chunks quarantined by earlier sessions.
func (a *app) restoreQuarantine(ctx context.Context) {
	recs, err := a.frames.Chunks(ctx)
	if err != nil {
		util.WarnLog("Failed to load chunk states: %v", err)
		return
	}
	var paths []string
	for _, r := range recs {
		if r.State == store.ChunkQuarantined {
			paths = append(paths, r.Path)
		}
	}
	if len(paths) > 0 {
		a.chunks.Restore(paths...)
		util.DebugLog("Restored %d quarantined chunks", len(paths))
	}
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		util.WarnLog("Failed to close database: %v", err)
	}
	a.events.Close()
}
