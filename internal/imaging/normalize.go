// Package imaging validates and normalizes image bytes before embedding:
// decode, pixel-budget downscale, and JPEG re-encode under a byte budget.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"

	// Registered decoders. Stdlib covers jpeg/png/gif; x/image adds bmp
	// and webp. SVG has no Go decoder and classifies as cannot_identify.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// FailureReason classifies a deterministic normalization failure. Files that
// fail with one of these are persisted as corrupt and never re-tried.
type FailureReason string

const (
	ReasonDecompressionBomb FailureReason = "decompression_bomb"
	ReasonCannotIdentify    FailureReason = "cannot_identify"
	ReasonOpenError         FailureReason = "open_error"
	ReasonTooLarge          FailureReason = "too_large"
	ReasonResizeFailure     FailureReason = "resize_failure"
)

// Pixel ceilings. hardPixelLimit rejects the file outright; bombPixelLimit
// guards against dimension headers crafted to exhaust memory before the
// hard-limit check can run.
const (
	hardPixelLimit = 100_000_000
	bombPixelLimit = 500_000_000
	minScale       = 0.3
)

// DefaultMaxPixels is the provider pixel budget used when none is configured.
const DefaultMaxPixels = 2_300_000

// DefaultMaxFileBytes is the re-encode byte budget (5 MiB).
const DefaultMaxFileBytes = 5 << 20

// Error is a typed normalization failure.
type Error struct {
	Reason FailureReason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("imaging: %s: %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("imaging: %s", e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Normalizer applies the pixel and byte budgets.
type Normalizer struct {
	// MaxPixels is the provider's pixel budget. Images at or under it pass
	// through byte-identical.
	MaxPixels int

	// MaxFileBytes bounds the re-encoded JPEG size.
	MaxFileBytes int
}

// NewNormalizer returns a Normalizer with the given budgets; zero values
// select the defaults.
func NewNormalizer(maxPixels, maxFileBytes int) *Normalizer {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}

	return &Normalizer{MaxPixels: maxPixels, MaxFileBytes: maxFileBytes}
}

// Normalize returns bytes suitable for the embedding provider, or a typed
// *Error naming the failure reason. Images within the pixel budget are
// returned unchanged; larger ones are downscaled and re-encoded as JPEG.
func (n *Normalizer) Normalize(data []byte) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Reason: ReasonCannotIdentify, Err: err}
	}

	pixels := cfg.Width * cfg.Height

	if pixels > bombPixelLimit {
		return nil, &Error{Reason: ReasonDecompressionBomb,
			Err: fmt.Errorf("%dx%d exceeds decode ceiling", cfg.Width, cfg.Height)}
	}

	if pixels > hardPixelLimit {
		return nil, &Error{Reason: ReasonTooLarge,
			Err: fmt.Errorf("%d pixels exceeds %d", pixels, hardPixelLimit)}
	}

	if pixels <= n.MaxPixels {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Reason: ReasonOpenError, Err: err}
	}

	out, err := n.resizeEncode(img, pixels)
	if err != nil {
		return nil, &Error{Reason: ReasonResizeFailure, Err: err}
	}

	return out, nil
}

// resizeEncode flattens to opaque RGB, scales to the pixel budget, and
// re-encodes stepping JPEG quality down through 90..50 until the byte
// budget holds or the ladder is exhausted.
func (n *Normalizer) resizeEncode(img image.Image, pixels int) ([]byte, error) {
	flat := flatten(img)

	scale := math.Sqrt(float64(n.MaxPixels) / float64(pixels))
	if scale < minScale {
		scale = minScale
	}

	bounds := flat.Bounds()
	width := int(float64(bounds.Dx()) * scale)
	height := int(float64(bounds.Dy()) * scale)

	if width < 1 || height < 1 {
		return nil, fmt.Errorf("degenerate target size %dx%d", width, height)
	}

	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), flat, bounds, xdraw.Over, nil)

	quality := 90

	out, err := encodeJPEG(scaled, quality)
	if err != nil {
		return nil, err
	}

	for len(out) > n.MaxFileBytes && quality >= 60 {
		quality -= 10

		out, err = encodeJPEG(scaled, quality)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// flatten composites the image onto a white background, discarding alpha.
func flatten(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	flat := image.NewRGBA(bounds)

	draw.Draw(flat, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)

	return flat
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg at quality %d: %w", quality, err)
	}

	return buf.Bytes(), nil
}
