package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"

	"github.com/franz/screen-recall/internal/store"
)

type (
	TextResult = store.TextResult
	TextBlock  = store.TextBlock
	Box        = store.Box
)

// TextExtractor recognizes text in a frame. Implementations must not keep
// img after returning.
type TextExtractor interface {
	Extract(ctx context.Context, img image.Image) (*TextResult, error)
}

// Tesseract runs the tesseract CLI and groups its words into line blocks.
type Tesseract struct {
	Binary   string
	Language string
}

func (t *Tesseract) binary() string {
	if t.Binary == "" {
		return "tesseract"
	}
	return t.Binary
}

// Available reports whether the binary is on PATH.
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath(t.binary())
	return err == nil
}

func (t *Tesseract) Extract(ctx context.Context, img image.Image) (*TextResult, error) {
	var in bytes.Buffer
	if err := png.Encode(&in, img); err != nil {
		return nil, err
	}

	args := []string{"stdin", "stdout"}
	if t.Language != "" {
		args = append(args, "-l", t.Language)
	}
	args = append(args, "tsv")

	cmd := exec.CommandContext(ctx, t.binary(), args...)
	cmd.Stdin = &in
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	b := img.Bounds()
	return parseTSV(stdout.Bytes(), b.Dx(), b.Dy())
}

type lineKey struct{ block, par, line int }

type lineAcc struct {
	words          []string
	x0, y0, x1, y1 int
	conf           float64
	n              int
}

// parseTSV turns tesseract's word-level TSV into one block per text line,
// with boxes normalized to the frame size.
func parseTSV(data []byte, width, height int) (*TextResult, error) {
	res := &TextResult{}
	if width <= 0 || height <= 0 {
		return res, nil
	}

	lines := make(map[lineKey]*lineAcc)
	var order []lineKey

	sc := bufio.NewScanner(bytes.NewReader(data))
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) < 12 || cols[0] != "5" { // level 5 = word
			continue
		}
		text := strings.TrimSpace(cols[11])
		conf, _ := strconv.ParseFloat(cols[10], 64)
		if text == "" || conf < 0 {
			continue
		}
		// block, par, line, word, left, top, width, height
		n := make([]int, 8)
		for i, c := range cols[2:10] {
			n[i], _ = strconv.Atoi(c)
		}
		key := lineKey{n[0], n[1], n[2]}
		left, top, w, h := n[4], n[5], n[6], n[7]

		acc, ok := lines[key]
		if !ok {
			acc = &lineAcc{x0: left, y0: top, x1: left + w, y1: top + h}
			lines[key] = acc
			order = append(order, key)
		}
		acc.words = append(acc.words, text)
		acc.x0 = min(acc.x0, left)
		acc.y0 = min(acc.y0, top)
		acc.x1 = max(acc.x1, left+w)
		acc.y1 = max(acc.y1, top+h)
		acc.conf += conf
		acc.n++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var texts []string
	var total float64
	for _, key := range order {
		acc := lines[key]
		text := strings.Join(acc.words, " ")
		conf := acc.conf / float64(acc.n) / 100
		res.Blocks = append(res.Blocks, TextBlock{
			Text: text,
			Box: Box{
				X: float64(acc.x0) / float64(width),
				Y: float64(acc.y0) / float64(height),
				W: float64(acc.x1-acc.x0) / float64(width),
				H: float64(acc.y1-acc.y0) / float64(height),
			},
			Confidence: conf,
		})
		texts = append(texts, text)
		total += conf
	}
	res.Text = strings.Join(texts, "\n")
	if len(res.Blocks) > 0 {
		res.Confidence = total / float64(len(res.Blocks))
	}
	return res, nil
}
