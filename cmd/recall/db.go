package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/franz/screen-recall/internal/store"
	"github.com/franz/screen-recall/internal/util"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a full integrity check on the index database",
	RunE:  runDBCheck,
}

var dbRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild the index database from its readable content",
	Long: `Back up the database, then rebuild it: first from an SQL dump, then by
copying readable frame rows, and as a last resort from an empty schema.
The original file is kept in the backups directory.`,
	RunE: runDBRecover,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbCheckCmd, dbRecoverCmd)
}

func runDBCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	util.InfoLog("Database: %s", a.db.Layout().DatabasePath())
	if r := a.db.LastRecovery(); r != nil {
		util.WarnLog("The database was recovered while opening (%s, %d rows kept)", r.Method, r.RowsRecovered)
	}

	problems, err := a.db.Check(ctx)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		for _, p := range problems {
			util.ErrorLog("  %s", p)
		}
		return fmt.Errorf("integrity check found %d problems (run `recall db recover`)", len(problems))
	}

	stats, err := a.frames.Stats(ctx)
	if err != nil {
		return err
	}
	util.SuccessLog("Integrity check passed")
	util.InfoLog("  Frames: %s (%s with text)", util.FormatCount(stats.Frames), util.FormatCount(stats.FramesWithText))
	util.InfoLog("  Chunks: %s", util.FormatCount(stats.Chunks))
	if stats.FailedChunks > 0 || stats.QuarantinedCount > 0 {
		util.WarnLog("  Failed chunks: %d, quarantined: %d", stats.FailedChunks, stats.QuarantinedCount)
	}
	return nil
}

func runDBRecover(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	util.InfoLog("Recovering %s", a.db.Layout().DatabasePath())
	r, err := a.db.Recover(ctx)
	if r != nil {
		printRecovery(r)
	}
	if err != nil {
		return err
	}
	return nil
}

func printRecovery(r *store.RecoveryReport) {
	attempts := make([]string, len(r.Attempts))
	for i, m := range r.Attempts {
		attempts[i] = string(m)
	}
	util.InfoLog("  Backup: %s", r.BackupPath)
	util.InfoLog("  Attempts: %s", strings.Join(attempts, " -> "))
	for m, reason := range r.Failures {
		util.WarnLog("  %s failed: %s", m, reason)
	}
	if r.Method == store.RecoveryFresh {
		util.WarnLog("  Started from an empty database; the index is lost (the backup keeps the old file)")
	} else {
		util.SuccessLog("  Recovered %s rows via %s in %v", util.FormatCount(r.RowsRecovered), r.Method, r.Duration.Round(time.Millisecond))
	}
	if len(r.Pruned) > 0 {
		util.InfoLog("  Pruned %d old backups", len(r.Pruned))
	}
}
