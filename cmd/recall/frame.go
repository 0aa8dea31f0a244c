package main

import (
	"context"
	"fmt"
	"image/png"
	"os"

	"github.com/spf13/cobra"

	"github.com/franz/screen-recall/internal/util"
)

var frameCmd = &cobra.Command{
	Use:   "frame",
	Short: "Extract one archived frame as a PNG",
	Long: `Extract one frame from the chunk archive.

Address the frame either by its index id (--id) or by its locator
(--chunk and --offset). The chunk path is relative to the user directory,
e.g. videos/2024-05-01/chunk_100000.mp4.`,
	RunE: runFrame,
}

func init() {
	rootCmd.AddCommand(frameCmd)

	frameCmd.Flags().Int64("id", 0, "frame id")
	frameCmd.Flags().String("chunk", "", "chunk path relative to the user directory")
	frameCmd.Flags().Int("offset", 0, "frame offset inside the chunk")
	frameCmd.Flags().StringP("out", "o", "frame.png", "output file")
	frameCmd.MarkFlagsMutuallyExclusive("id", "chunk")
}

func runFrame(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	id, _ := cmd.Flags().GetInt64("id")
	chunk, _ := cmd.Flags().GetString("chunk")
	offset, _ := cmd.Flags().GetInt("offset")
	out, _ := cmd.Flags().GetString("out")
	if id == 0 && chunk == "" {
		return fmt.Errorf("either --id or --chunk is required")
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if id != 0 {
		rec, err := a.frames.GetFrame(ctx, id)
		if err != nil {
			return err
		}
		chunk, offset = rec.ChunkPath, rec.Offset
		util.InfoLog("Frame %d captured %s", id, rec.CapturedAt.Format("2006-01-02 15:04:05"))
		if text, err := a.frames.Text(ctx, id); err == nil && text.Text != "" {
			util.InfoLog("Text: %s", text.Text)
		}
	}

	img, err := a.chunks.LoadFrame(ctx, chunk, offset)
	if err != nil {
		return fmt.Errorf("load %s#%d: %w", chunk, offset, err)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	b := img.Bounds()
	util.SuccessLog("Wrote %s (%dx%d) from %s#%d", out, b.Dx(), b.Dy(), chunk, offset)
	return nil
}
