package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // decoders for DirSource
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Source yields captured frames. Next returns io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (image.Image, time.Time, error)
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// DirSource replays a directory of PNG/JPEG screenshots in name order as if
// they had been captured every Interval starting at Start.
type DirSource struct {
	files    []string
	next     int
	start    time.Time
	interval time.Duration
}

// NewDirSource lists dir. A zero start uses the first file's mtime.
func NewDirSource(dir string, start time.Time, interval time.Duration) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	if start.IsZero() {
		start = time.Now()
		if len(files) > 0 {
			if info, err := os.Stat(files[0]); err == nil {
				start = info.ModTime()
			}
		}
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &DirSource{files: files, start: start, interval: interval}, nil
}

// Len is the number of frames the source will yield.
func (s *DirSource) Len() int { return len(s.files) }

func (s *DirSource) Next(ctx context.Context) (image.Image, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	if s.next >= len(s.files) {
		return nil, time.Time{}, io.EOF
	}
	i := s.next
	s.next++

	img, err := decodeFile(s.files[i])
	if err != nil {
		return nil, time.Time{}, err
	}
	return img, s.start.Add(time.Duration(i) * s.interval), nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
