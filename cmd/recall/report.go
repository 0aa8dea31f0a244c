package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/franz/screen-recall/internal/report"
	"github.com/franz/screen-recall/internal/util"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a summary report from the index and event logs",
	Long: `Generate a summary report in Markdown format.

The report includes:
- Frame and chunk counts, and how many frames skipped text recognition
- Archive size on disk
- Frames lost to encoder resets and rows purged with quarantined chunks
- Database recoveries and unclean shutdowns
- Top errors

The report is saved to <data_root>/reports/<timestamp>/summary.md`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	// Report-specific flags
	reportCmd.Flags().String("out", "", "Output directory for report (default: <data_root>/reports/<timestamp>)")
	reportCmd.Flags().String("event-log", "", "Event log file or directory (default: the events directory)")
}

func runReport(cmd *cobra.Command, args []string) error {
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

	eventLogPath, _ := cmd.Flags().GetString("event-log")
	if eventLogPath == "" {
		eventLogPath = cfg.EventLogDir()
	}

	layout := a.db.Layout()
	util.InfoLog("=== Generating Summary Report ===")
	util.InfoLog("Database: %s", layout.DatabasePath())

	summary, err := report.GenerateSummary(ctx, a.frames, layout.VideosDir(), eventLogPath)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	summary.User = layout.UserName()
	summary.DatabasePath = layout.DatabasePath()

	outputDir, _ := cmd.Flags().GetString("out")
	if outputDir == "" {
		outputDir = filepath.Join(cfg.DataRoot, "reports", util.Timestamp(time.Now()))
	}
	outputPath := filepath.Join(outputDir, "summary.md")

	util.InfoLog("Writing report to: %s", outputPath)
	if err := report.WriteMarkdownReport(summary, outputPath); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	util.SuccessLog("Report generated successfully!")
	util.InfoLog("")
	util.InfoLog("Summary:")
	util.InfoLog("  Frames indexed: %s", util.FormatCount(summary.Frames))
	util.InfoLog("  Text skipped: %.1f%%", summary.SkipRatio()*100)
	util.InfoLog("  Archive: %d chunks, %s", summary.ChunkFiles, util.FormatBytes(summary.ArchiveBytes))
	if summary.FramesDropped > 0 {
		util.WarnLog("  Frames dropped: %d in %d resets", summary.FramesDropped, summary.EmergencyResets)
	}
	if len(summary.Recoveries) > 0 {
		util.WarnLog("  Database recoveries: %d", len(summary.Recoveries))
	}
	return nil
}
