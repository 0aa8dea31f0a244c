package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Extractor pulls a single still image out of a chunk.
type Extractor interface {
	// Extract returns one PNG-encoded frame at offset seconds into the file.
	Extract(ctx context.Context, path string, at time.Duration) ([]byte, error)
}

// ExtractError carries the extractor's diagnostic output so callers can
// tell a damaged container from a transient failure.
type ExtractError struct {
	Path   string
	Output string
	Err    error
}

func (e *ExtractError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("extract %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("extract %s: %v: %s", e.Path, e.Err, e.Output)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// errEmptyOutput is returned when the extractor exits cleanly without
// producing an image (seek past the last readable fragment).
var errEmptyOutput = errors.New("extractor produced no image")

// corruptionPatterns are ffmpeg/ffprobe messages that mean the container is
// malformed or incomplete rather than temporarily unreadable.
var corruptionPatterns = []string{
	"moov atom not found",
	"invalid data found when processing input",
	"error reading header",
	"truncated",
	"end of file",
	"could not find codec parameters",
	"invalid nal unit size",
	"partial file",
}

// IsCorruptionOutput reports whether diagnostic output names a damaged
// container.
func IsCorruptionOutput(output string) bool {
	lower := strings.ToLower(output)
	for _, p := range corruptionPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// FFmpegExtractor runs ffmpeg once per request.
type FFmpegExtractor struct {
	Binary string
}

// Args builds the ffmpeg command line seeking to at within path.
func (x *FFmpegExtractor) Args(path string, at time.Duration) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe", "-vcodec", "png",
		"-",
	}
}

func (x *FFmpegExtractor) Extract(ctx context.Context, path string, at time.Duration) ([]byte, error) {
	binary := x.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, binary, x.Args(path, at)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &ExtractError{Path: path, Output: strings.TrimSpace(stderr.String()), Err: err}
	}
	if stdout.Len() == 0 {
		return nil, &ExtractError{Path: path, Output: strings.TrimSpace(stderr.String()), Err: errEmptyOutput}
	}
	return stdout.Bytes(), nil
}
