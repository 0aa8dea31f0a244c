package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/franz/screen-recall/internal/capture"
	"github.com/franz/screen-recall/internal/encoder"
	"github.com/franz/screen-recall/internal/util"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Archive a directory of screenshots as if they were captured live",
	Long: `Replay a directory of PNG/JPEG screenshots through the capture pipeline.

Files are taken in name order and spaced by the capture interval. Every
frame is archived into the current video chunk and indexed; text
recognition runs only for frames that differ from the previous one.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().String("from", "", "directory of screenshots (required)")
	ingestCmd.Flags().String("start", "", "capture time of the first file, RFC3339 (default: its mtime)")
	ingestCmd.Flags().Bool("ocr", false, "run tesseract on novel frames")
	ingestCmd.Flags().String("lang", "eng", "tesseract language")
	ingestCmd.MarkFlagRequired("from")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetString("from")
	var start time.Time
	if s, _ := cmd.Flags().GetString("start"); s != "" {
		if start, err = time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}

	src, err := capture.NewDirSource(from, start, cfg.Capture.Interval)
	if err != nil {
		return err
	}
	if src.Len() == 0 {
		util.WarnLog("No images found in %s", from)
		return nil
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var text capture.TextExtractor
	if ocr, _ := cmd.Flags().GetBool("ocr"); ocr {
		lang, _ := cmd.Flags().GetString("lang")
		t := &capture.Tesseract{Language: lang}
		if t.Available() {
			text = t
		} else {
			util.WarnLog("tesseract not found, continuing without text recognition")
		}
	}

	layout := a.db.Layout()
	p := capture.New(capture.Options{
		Encoder:   encoder.OptionsFromConfig(cfg, layout.UserDir()),
		Threshold: cfg.Dedup.Threshold,
		Frames:    a.frames,
		Text:      text,
		Events:    a.events,
	})
	a.chunks.SetActiveChecker(p.Encoder())

	util.InfoLog("=== Ingesting %d frames ===", src.Len())
	util.InfoLog("Source: %s", from)
	util.InfoLog("Archive: %s", layout.VideosDir())
	if a.events.Path() != "" {
		util.InfoLog("Event log: %s", a.events.Path())
	}

	var bar *progressbar.ProgressBar
	if util.IsTerminal(os.Stdout.Fd()) && !util.IsQuiet() {
		bar = progressbar.NewOptions(src.Len(),
			progressbar.OptionSetDescription("Ingesting"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("frames"),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	startTime := time.Now()
	runErr := p.Run(ctx, src, func(*capture.IngestResult) {
		if bar != nil {
			bar.Add(1)
		}
	})
	if bar != nil {
		bar.Finish()
	}

	// Flush even when interrupted so the open chunk is finalized.
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		util.WarnLog("Failed to finalize the last chunk: %v", err)
	}

	st := p.Stats()
	util.SuccessLog("Ingest complete in %v", time.Since(startTime).Round(time.Millisecond))
	util.InfoLog("  Frames: %s", util.FormatCount(st.Frames))
	util.InfoLog("  Archived: %s", util.FormatCount(st.Archived))
	util.InfoLog("  Duplicates (text skipped): %s", util.FormatCount(st.Duplicates))
	if text != nil {
		util.InfoLog("  Frames with text: %s", util.FormatCount(st.TextFrames))
	}
	if st.Lost > 0 || st.Resets > 0 {
		util.WarnLog("  Lost: %d frames, %d encoder resets, %d frames dropped",
			st.Lost, st.Resets, p.Encoder().Stats().FramesDropped)
	}
	if st.IndexFailures > 0 || st.TextFailures > 0 {
		util.WarnLog("  Failures: %d index, %d text", st.IndexFailures, st.TextFailures)
	}
	return runErr
}
