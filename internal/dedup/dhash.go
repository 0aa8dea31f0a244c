// Package dedup decides whether a captured frame changed enough to be worth
// running text extraction on.
package dedup

import (
	"image"
	"math/bits"
	"sync"

	"golang.org/x/image/draw"
)

// DefaultThreshold is the largest Hamming distance still treated as "same
// frame". Cursor blinks and spinners score 1-4, real content changes 10+.
const DefaultThreshold = 5

const (
	gridW = 9
	gridH = 8
)

// Fingerprint is a 64-bit difference hash.
type Fingerprint uint64

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b Fingerprint) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// Compute downscales img to a 9x8 grayscale grid and sets one bit per pixel
// that is brighter than its right neighbour.
func Compute(img image.Image) Fingerprint {
	gray := image.NewGray(image.Rect(0, 0, gridW, gridH))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	var fp uint64
	bit := 0
	for y := 0; y < gridH; y++ {
		for x := 0; x < gridW-1; x++ {
			left := gray.GrayAt(x, y).Y
			right := gray.GrayAt(x+1, y).Y
			if left > right {
				fp |= 1 << uint(bit)
			}
			bit++
		}
	}
	return Fingerprint(fp)
}

// Gate remembers the last fingerprint seen and reports near-duplicates.
// It is safe for concurrent use.
type Gate struct {
	mu        sync.Mutex
	threshold int
	last      Fingerprint
	seen      bool
}

// NewGate returns a gate using threshold; negative means DefaultThreshold.
func NewGate(threshold int) *Gate {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Gate{threshold: threshold}
}

// ShouldSkip reports whether img is a near-duplicate of the previous frame.
// The stored fingerprint is always replaced so runs of near-duplicates keep
// collapsing. The first frame is never skipped.
func (g *Gate) ShouldSkip(img image.Image) bool {
	return g.Observe(Compute(img))
}

// Observe applies the gate to a precomputed fingerprint.
func (g *Gate) Observe(fp Fingerprint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	skip := g.seen && Distance(g.last, fp) <= g.threshold
	g.last = fp
	g.seen = true
	return skip
}

// Reset forgets the last fingerprint.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.seen = false
	g.last = 0
	g.mu.Unlock()
}
