package encoder

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProcessSpec describes one encoding subprocess.
type ProcessSpec struct {
	OutputPath string
	Width      int
	Height     int
	Interval   time.Duration
	Codec      string
	Quality    int
}

// Process is a running encoder fed through its standard input.
type Process interface {
	// Write sends one serialized frame.
	Write(frame []byte) error
	// CloseInput signals end of stream.
	CloseInput() error
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process without waiting for it.
	Kill() error
}

// Launcher starts encoding subprocesses.
type Launcher interface {
	Launch(spec ProcessSpec) (Process, error)
}

// FFmpegLauncher runs ffmpeg reading PNG frames from stdin and writing a
// fragmented MP4 that stays readable while it grows.
type FFmpegLauncher struct {
	Binary string
}

// Args builds the ffmpeg command line for spec.
func (l *FFmpegLauncher) Args(spec ProcessSpec) []string {
	ms := spec.Interval.Milliseconds()
	if ms <= 0 {
		ms = 1000
	}
	rate := fmt.Sprintf("1000/%d", ms)

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "image2pipe", "-vcodec", "png", "-framerate", rate,
		"-i", "-",
		"-c:v", spec.Codec,
	}
	args = append(args, qualityArgs(spec.Codec, spec.Quality)...)
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-g", "10",
		"-r", rate,
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		spec.OutputPath,
	)
	return args
}

// qualityArgs maps a 1..100 quality (0 = codec default) onto the codec's knob.
func qualityArgs(codec string, quality int) []string {
	switch {
	case strings.HasPrefix(codec, "libx26"):
		crf := 28
		if quality > 0 {
			// 100 -> crf 0, 1 -> crf 51
			crf = 51 - (quality-1)*51/99
		}
		return []string{"-crf", strconv.Itoa(crf), "-preset", "veryfast"}
	case strings.HasPrefix(codec, "png"), strings.HasPrefix(codec, "ffv1"):
		return nil
	default:
		if quality == 0 {
			quality = 50
		}
		return []string{"-q:v", strconv.Itoa(quality)}
	}
}

// Launch starts ffmpeg. The process is not tied to any request context: it
// lives until the chunk is finalized or reset.
func (l *FFmpegLauncher) Launch(spec ProcessSpec) (Process, error) {
	binary := l.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", binary, err)
	}

	cmd := exec.Command(binary, l.Args(spec)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	return &ffmpegProcess{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	waitOnce sync.Once
	waitErr  error
}

func (p *ffmpegProcess) Write(frame []byte) error {
	_, err := p.stdin.Write(frame)
	return err
}

func (p *ffmpegProcess) CloseInput() error {
	return p.stdin.Close()
}

func (p *ffmpegProcess) Wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			msg := strings.TrimSpace(p.stderr.String())
			if msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			p.waitErr = err
		}
	})
	return p.waitErr
}

func (p *ffmpegProcess) Kill() error {
	_ = p.stdin.Close()
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	// Reap in the background so the caller never blocks on exit.
	go p.Wait()
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
