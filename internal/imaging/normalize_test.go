package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xdraw "golang.org/x/image/draw"
)

// encodePNG renders a width x height image filled with fill.
func encodePNG(t *testing.T, width, height int, fill color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

// pngHeader fabricates a PNG signature plus IHDR chunk claiming the given
// dimensions. DecodeConfig reads only the header, so no pixel data is needed.
func pngHeader(width, height uint32) []byte {
	var buf bytes.Buffer

	buf.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'})

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], width)
	binary.BigEndian.PutUint32(ihdr[4:8], height)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 2 // truecolor

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], 13)
	buf.Write(length[:])
	buf.WriteString("IHDR")
	buf.Write(ihdr)

	crc := crc32.NewIEEE()
	crc.Write([]byte("IHDR"))
	crc.Write(ihdr)

	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])

	return buf.Bytes()
}

func reason(t *testing.T, err error) FailureReason {
	t.Helper()

	var nerr *Error
	require.ErrorAs(t, err, &nerr)

	return nerr.Reason
}

func TestNormalizeSmallImagePassesThrough(t *testing.T) {
	n := NewNormalizer(0, 0)
	data := encodePNG(t, 100, 100, color.White)

	out, err := n.Normalize(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestNormalizePixelBudgetBoundary(t *testing.T) {
	// 100x100 = exactly the budget: untouched. One more pixel: resized.
	n := NewNormalizer(10_000, 0)

	atBudget := encodePNG(t, 100, 100, color.White)
	out, err := n.Normalize(atBudget)
	require.NoError(t, err)
	assert.Equal(t, atBudget, out)

	overBudget := encodePNG(t, 101, 100, color.White)
	out, err = n.Normalize(overBudget)
	require.NoError(t, err)
	assert.NotEqual(t, overBudget, out)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.LessOrEqual(t, cfg.Width*cfg.Height, 10_000)
}

func TestNormalizeScaleComputation(t *testing.T) {
	// 200x100 against a 10,000 pixel budget: scale = sqrt(0.5).
	n := NewNormalizer(10_000, 0)

	out, err := n.Normalize(encodePNG(t, 200, 100, color.White))
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 141, cfg.Width)
	assert.Equal(t, 70, cfg.Height)
}

func TestNormalizeScaleFloor(t *testing.T) {
	// The scale never drops below 0.3 even for a tiny budget.
	n := NewNormalizer(100, 0)

	out, err := n.Normalize(encodePNG(t, 200, 100, color.White))
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Width)
	assert.Equal(t, 30, cfg.Height)
}

func TestNormalizeFlattensAlpha(t *testing.T) {
	n := NewNormalizer(10_000, 0)

	transparent := encodePNG(t, 200, 100, color.RGBA{R: 255, A: 0})

	out, err := n.Normalize(transparent)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	r, g, b, _ := img.At(10, 10).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestNormalizeGarbage(t *testing.T) {
	n := NewNormalizer(0, 0)

	_, err := n.Normalize([]byte("definitely not an image"))
	assert.Equal(t, ReasonCannotIdentify, reason(t, err))
}

func TestNormalizeTooLarge(t *testing.T) {
	n := NewNormalizer(0, 0)

	// 20,000 x 10,000 = 200M pixels: over the hard limit.
	_, err := n.Normalize(pngHeader(20_000, 10_000))
	assert.Equal(t, ReasonTooLarge, reason(t, err))
}

func TestNormalizeDecompressionBomb(t *testing.T) {
	n := NewNormalizer(0, 0)

	// 30,000 x 30,000 = 900M pixels: over the decode ceiling.
	_, err := n.Normalize(pngHeader(30_000, 30_000))
	assert.Equal(t, ReasonDecompressionBomb, reason(t, err))
}

func TestNormalizeTruncatedBody(t *testing.T) {
	n := NewNormalizer(10_000, 0)

	// A valid header for an over-budget image with no pixel data fails at
	// full decode, not at identification.
	_, err := n.Normalize(pngHeader(200, 100))
	assert.Equal(t, ReasonOpenError, reason(t, err))
}

func TestNormalizeQualitySteps(t *testing.T) {
	// A tiny byte budget forces the quality loop to its floor; the result
	// must still be a decodable JPEG.
	n := NewNormalizer(10_000, 1024)

	out, err := n.Normalize(encodePNG(t, 200, 100, color.RGBA{R: 200, G: 30, B: 90, A: 255}))
	require.NoError(t, err)

	_, err = jpeg.Decode(bytes.NewReader(out))
	assert.NoError(t, err)
}

func TestNormalizeQualityLadderBottomsAtFifty(t *testing.T) {
	// A budget nothing fits steps the ladder 90..50; the last encode runs
	// at quality 50, not 60. The expected bytes are rebuilt through the
	// same flatten/scale steps.
	n := NewNormalizer(10_000, 1)

	src := encodePNG(t, 200, 100, color.RGBA{R: 200, G: 30, B: 90, A: 255})

	out, err := n.Normalize(src)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(src))
	require.NoError(t, err)

	flat := flatten(img)
	scaled := image.NewRGBA(image.Rect(0, 0, 141, 70))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), flat, flat.Bounds(), xdraw.Over, nil)

	want, err := encodeJPEG(scaled, 50)
	require.NoError(t, err)
	assert.Equal(t, want, out)

	atSixty, err := encodeJPEG(scaled, 60)
	require.NoError(t, err)
	assert.NotEqual(t, atSixty, out)
}
