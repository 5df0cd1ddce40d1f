// Package imaging shrinks food photos into a payload small enough to send inline.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"mcp-calorie-log/internal/models"
)

const (
	DefaultMaxWidth  = 800
	DefaultQuality   = 0.7
	DefaultMaxPixels = 50_000_000
)

type Normalizer struct {
	maxWidth  int
	quality   int
	maxPixels int
}

type Option func(*Normalizer)

// WithMaxPixels bounds width*height of accepted photos. Decoding allocates the
// full frame before it is scaled down.
func WithMaxPixels(n int) Option {
	return func(nz *Normalizer) {
		if n > 0 {
			nz.maxPixels = n
		}
	}
}

// NewNormalizer builds a normalizer. quality is a factor in (0,1]; out-of-range
// values and a non-positive maxWidth fall back to the defaults.
func NewNormalizer(maxWidth int, quality float64, opts ...Option) *Normalizer {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if quality <= 0 || quality > 1 {
		quality = DefaultQuality
	}
	n := &Normalizer{
		maxWidth:  maxWidth,
		quality:   int(math.Round(quality * 100)),
		maxPixels: DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// TargetSize caps the width at maxWidth and scales the height to keep the aspect ratio.
func TargetSize(width, height, maxWidth int) (int, int) {
	if width <= maxWidth || width == 0 {
		return width, height
	}
	h := int(math.Round(float64(height) * float64(maxWidth) / float64(width)))
	if h < 1 {
		h = 1
	}
	return maxWidth, h
}

// Normalize decodes raw, downsamples it and returns base64 JPEG data with no data-URI prefix.
func (n *Normalizer) Normalize(raw []byte) (string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return "", &models.ImageDecodeError{Err: err}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(n.maxPixels) {
		return "", &models.ImageDecodeError{Err: fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, n.maxPixels)}
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", &models.ImageDecodeError{Err: err}
	}

	b := src.Bounds()
	w, h := TargetSize(b.Dx(), b.Dy(), n.maxWidth)
	if w <= 0 || h <= 0 {
		return "", &models.ImageDecodeError{Err: fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())}
	}

	// JPEG has no alpha, so transparent pixels are flattened onto white.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: n.quality}); err != nil {
		return "", fmt.Errorf("failed to encode jpeg: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
