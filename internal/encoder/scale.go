package encoder

import (
	"bytes"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// TargetSize preserves the aspect ratio of w×h, clamps the longest side to
// maxDim and rounds both sides down to even numbers (yuv420p needs that).
func TargetSize(w, h, maxDim int) (int, int) {
	if w <= 0 || h <= 0 {
		return 2, 2
	}
	if w >= h && w > maxDim {
		h = int(math.Round(float64(h) * float64(maxDim) / float64(w)))
		w = maxDim
	} else if h > w && h > maxDim {
		w = int(math.Round(float64(w) * float64(maxDim) / float64(h)))
		h = maxDim
	}
	w &^= 1
	h &^= 1
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return w, h
}

// AspectRatio returns width/height of img.
func AspectRatio(img image.Image) float64 {
	b := img.Bounds()
	if b.Dy() == 0 {
		return 0
	}
	return float64(b.Dx()) / float64(b.Dy())
}

// aspectDelta is the relative change of next against the chunk's initial ratio.
func aspectDelta(initial, next float64) float64 {
	if initial == 0 {
		return 0
	}
	return math.Abs(next-initial) / initial
}

// scaleTo returns img resized to exactly w×h.
func scaleTo(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

var framePNG = png.Encoder{CompressionLevel: png.BestSpeed}

// encodeFrame serializes one frame in the wire format ffmpeg's image2pipe
// demuxer reads: a complete PNG per frame, back to back.
func encodeFrame(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := framePNG.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
