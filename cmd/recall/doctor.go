package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/franz/screen-recall/internal/config"
	"github.com/franz/screen-recall/internal/store"
	"github.com/franz/screen-recall/internal/util"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the environment and configuration",
	Long: `Run diagnostic checks to ensure recall can operate correctly.

This command checks:
- Required tools (ffmpeg, ffprobe)
- Optional tools (sqlite3 for dump recovery, tesseract for text recognition)
- SQLite version
- Data directory permissions and disk space
- Database integrity (read-only; nothing is migrated or recovered)`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

// minFreeBytes is the free space below which doctor warns.
const minFreeBytes = 5 << 30

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	util.InfoLog("=== Recall Doctor - System Diagnostics ===")
	util.InfoLog("")

	layout := store.NewLayout(cfg.DataRoot, cfg.User, cfg.Database.File)
	results := []checkResult{
		checkBinary("ffmpeg", cfg.Encoder.FFmpeg, 2, true, "required to encode chunks"),
		checkBinary("ffprobe", cfg.Chunks.FFprobe, 2, true, "required to verify chunks"),
		checkBinary("sqlite3 (optional)", cfg.Database.SQLite3, 0, false, "dump recovery falls back to row salvage"),
		checkBinary("tesseract (optional)", "tesseract", 1, false, "ingest --ocr is unavailable"),
		checkSQLite(),
		checkDataDirectory(cfg.DataRoot),
		checkDiskSpace(cfg.DataRoot),
		checkDatabase(layout.DatabasePath()),
	}
	if cfg.Encoder.Codec != config.DefaultCodec() {
		results = append(results, checkResult{
			name:    "Codec",
			message: fmt.Sprintf("%s (platform default is %s)", cfg.Encoder.Codec, config.DefaultCodec()),
		})
	}

	// Print results
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	// Summary
	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("❌ Some critical checks failed. Please resolve errors before running recall.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("⚠️  Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("✅ All checks passed! System is ready to record.")
	}

	return nil
}

// checkBinary runs `<binary> -version` and reports the versionField-th word
// of the first output line.
func checkBinary(name, binary string, versionField int, required bool, missing string) checkResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, binary, "-version").CombinedOutput()
	if err != nil {
		return checkResult{
			name:    name,
			error:   required,
			warning: !required,
			message: fmt.Sprintf("%s not found or not executable (%s)", binary, missing),
		}
	}

	// Parse version from first line
	version := "unknown"
	first, _, _ := strings.Cut(string(output), "\n")
	if parts := strings.Fields(first); len(parts) > versionField {
		version = parts[versionField]
	}

	return checkResult{
		name:    name,
		message: fmt.Sprintf("version %s", version),
	}
}

// checkSQLite verifies the embedded SQLite version
func checkSQLite() checkResult {
	version := store.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}

	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkDataDirectory verifies the data root exists (or can be created) and
// is writable
func checkDataDirectory(path string) checkResult {
	const name = "Data directory"

	info, err := os.Stat(path)
	created := false
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(path, 0755); err != nil {
			return checkResult{name: name, error: true, message: fmt.Sprintf("cannot create %s: %v", path, err)}
		}
		created = true
	case err != nil:
		return checkResult{name: name, error: true, message: fmt.Sprintf("cannot access %s: %v", path, err)}
	case !info.IsDir():
		return checkResult{name: name, error: true, message: fmt.Sprintf("%s is not a directory", path)}
	}

	// Check write permission by creating a temp file
	testFile := filepath.Join(path, ".recall_write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return checkResult{name: name, error: true, message: fmt.Sprintf("cannot write to %s: %v", path, err)}
	}
	f.Close()
	os.Remove(testFile)

	if created {
		return checkResult{name: name, message: fmt.Sprintf("%s (created)", path)}
	}
	return checkResult{name: name, message: fmt.Sprintf("%s (writable)", path)}
}

// checkDiskSpace warns when the archive filesystem is running low
func checkDiskSpace(path string) checkResult {
	free, err := util.FreeSpace(path)
	if err != nil {
		return checkResult{
			name:    "Disk space",
			warning: true,
			message: fmt.Sprintf("cannot determine disk space: %v", err),
		}
	}

	msg := fmt.Sprintf("%s available", util.FormatBytes(int64(free)))
	if free < minFreeBytes {
		return checkResult{name: "Disk space", warning: true, message: msg + " (low space!)"}
	}
	return checkResult{name: "Disk space", message: msg}
}

// checkDatabase runs a read-only integrity check on the index database
func checkDatabase(dbPath string) checkResult {
	info, err := os.Stat(dbPath)
	if errors.Is(err, os.ErrNotExist) {
		return checkResult{
			name:    "Database",
			message: fmt.Sprintf("%s (will be created on first run)", dbPath),
		}
	}
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", dbPath, err),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	problems, err := store.CheckFile(ctx, dbPath)
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot check %s: %v (run `recall db recover`)", dbPath, err),
		}
	}
	if len(problems) > 0 {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %s (run `recall db recover`)", problems[0]),
		}
	}

	return checkResult{
		name:    "Database",
		message: fmt.Sprintf("%s (%s)", dbPath, util.FormatBytes(info.Size())),
	}
}
