package chunkstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/franz/screen-recall/internal/util"
)

// ProbeInfo represents the output from ffprobe
type ProbeInfo struct {
	Streams []ProbeStream `json:"streams"`
	Format  *ProbeFormat  `json:"format"`
}

// IntOrString can unmarshal both integers and strings from JSON
type IntOrString struct {
	Value int
}

// UnmarshalJSON implements custom unmarshaling for IntOrString
func (i *IntOrString) UnmarshalJSON(data []byte) error {
	var intVal int
	if err := json.Unmarshal(data, &intVal); err == nil {
		i.Value = intVal
		return nil
	}

	var strVal string
	if err := json.Unmarshal(data, &strVal); err != nil {
		return err
	}
	if strVal == "" || strVal == "N/A" {
		i.Value = 0
		return nil
	}

	parsed, err := strconv.Atoi(strVal)
	if err != nil {
		i.Value = 0
		return nil
	}
	i.Value = parsed
	return nil
}

// ProbeStream is one video stream of a chunk
type ProbeStream struct {
	Index     int         `json:"index"`
	CodecName string      `json:"codec_name"`
	CodecType string      `json:"codec_type"`
	Width     int         `json:"width"`
	Height    int         `json:"height"`
	NbFrames  IntOrString `json:"nb_frames"`
	Duration  string      `json:"duration"`
}

// ProbeFormat represents container format metadata
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

// Video returns the first video stream, or nil.
func (p *ProbeInfo) Video() *ProbeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "video" {
			return &p.Streams[i]
		}
	}
	return nil
}

// Duration returns the container duration in seconds (0 when unknown).
func (p *ProbeInfo) Duration() float64 {
	if p.Format == nil {
		return 0
	}
	d, _ := strconv.ParseFloat(p.Format.Duration, 64)
	return d
}

// ProbeError keeps ffprobe's stderr for corruption classification.
type ProbeError struct {
	Path   string
	Output string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("ffprobe %s: %v: %s", e.Path, e.Err, e.Output)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Prober inspects a chunk file.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeInfo, error)
}

// FFprobe runs ffprobe with JSON output.
type FFprobe struct {
	Binary string
}

func (f *FFprobe) binary() string {
	if f.Binary == "" {
		return "ffprobe"
	}
	return f.Binary
}

// Available checks if ffprobe is available in PATH
func (f *FFprobe) Available() bool {
	_, err := exec.LookPath(f.binary())
	return err == nil
}

// Probe executes ffprobe and parses the JSON output
func (f *FFprobe) Probe(ctx context.Context, path string) (*ProbeInfo, error) {
	if !f.Available() {
		return nil, util.ErrNotFound
	}

	cmd := exec.CommandContext(ctx, f.binary(),
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-count_packets",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &ProbeError{Path: path, Output: strings.TrimSpace(stderr.String()), Err: err}
	}
	// -v error still exits 0 for some damaged files; the diagnostics tell.
	if out := strings.TrimSpace(stderr.String()); IsCorruptionOutput(out) {
		return nil, &ProbeError{Path: path, Output: out, Err: util.ErrCorrupt}
	}

	var info ProbeInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if info.Video() == nil {
		return &info, &ProbeError{Path: path, Output: "no video stream", Err: util.ErrCorrupt}
	}
	return &info, nil
}
