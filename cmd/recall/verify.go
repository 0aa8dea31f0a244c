package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/franz/screen-recall/internal/chunkstore"
	"github.com/franz/screen-recall/internal/report"
	"github.com/franz/screen-recall/internal/util"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Probe every archived chunk and quarantine damaged ones",
	Long: `Probe every chunk in the archive with ffprobe.

Chunks whose container is damaged are quarantined: frame lookups into them
fail fast from then on. With --purge, the index rows of every quarantined
chunk are deleted afterwards (and with --delete-files, the chunk files too).`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().Bool("purge", false, "delete index rows of quarantined chunks")
	verifyCmd.Flags().Bool("delete-files", false, "with --purge, also delete the chunk files")
}

// collectChunks lists chunk files under videosDir as slash-separated paths
// relative to userDir, oldest day first.
func collectChunks(userDir, videosDir, ext string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(videosDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == videosDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), "."+ext) {
			return nil
		}
		rel, err := filepath.Rel(userDir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

type verifyResult struct {
	ok, corrupt, missing, failed int
	duration                     float64
}

func verifyChunks(ctx context.Context, chunks *chunkstore.Store, paths []string, onDone func()) verifyResult {
	var res verifyResult
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		info, err := chunks.Verify(ctx, p)
		switch {
		case err == nil:
			res.ok++
			res.duration += info.Duration()
		case errors.Is(err, util.ErrNotFound):
			res.missing++
		case util.KindOf(err) == util.KindCorruption:
			res.corrupt++
			util.WarnLog("Corrupt chunk %s: %v", p, err)
		default:
			res.failed++
			util.WarnLog("Could not verify %s: %v", p, err)
		}
		if onDone != nil {
			onDone()
		}
	}
	return res
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	purge, _ := cmd.Flags().GetBool("purge")
	deleteFiles, _ := cmd.Flags().GetBool("delete-files")

	probe := &chunkstore.FFprobe{Binary: cfg.Chunks.FFprobe}
	if !probe.Available() {
		return fmt.Errorf("%s not found (required to verify chunks)", cfg.Chunks.FFprobe)
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	layout := a.db.Layout()
	paths, err := collectChunks(layout.UserDir(), layout.VideosDir(), cfg.Encoder.Extension)
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}
	util.InfoLog("=== Verifying %d chunks ===", len(paths))

	var bar *progressbar.ProgressBar
	if util.IsTerminal(os.Stdout.Fd()) && !util.IsQuiet() && len(paths) > 0 {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Verifying"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("chunks"),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}
	res := verifyChunks(ctx, a.chunks, paths, func() {
		if bar != nil {
			bar.Add(1)
		}
	})
	if bar != nil {
		bar.Finish()
	}

	util.InfoLog("  Healthy: %d (%s of video)", res.ok, time.Duration(res.duration*float64(time.Second)).Round(time.Second))
	if res.corrupt > 0 {
		util.WarnLog("  Corrupt: %d", res.corrupt)
	}
	if res.failed > 0 {
		util.WarnLog("  Unverified: %d", res.failed)
	}

	quarantined := a.chunks.Quarantined()
	if len(quarantined) == 0 {
		util.SuccessLog("No quarantined chunks")
		return nil
	}
	if !purge {
		util.WarnLog("%d chunks are quarantined; run with --purge to drop their index rows", len(quarantined))
		for _, p := range quarantined {
			util.InfoLog("  %s", p)
		}
		return nil
	}

	var total int64
	purged := 0
	for _, p := range quarantined {
		rows, err := a.chunks.PurgeQuarantined(ctx, p, deleteFiles)
		if err != nil {
			util.ErrorLog("Failed to purge %s: %v", p, err)
			a.events.LogError(report.EventError, p, err)
			continue
		}
		a.events.LogPurge(p, rows, deleteFiles)
		total += rows
		purged++
	}
	util.SuccessLog("Purged %d quarantined chunks (%s index rows)", purged, util.FormatCount(total))
	return nil
}
