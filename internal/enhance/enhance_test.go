package enhance

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"facecluster-go/config"
	"facecluster-go/internal/integrations/vision"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testJPEG erzeugt ein einfarbiges Testbild als JPEG-Bytes
func testJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func TestEnhanceFaceProducesSquareOutput(t *testing.T) {
	enhancer := NewEnhancer(config.EnhanceConfig{TargetSize: 160, BoxPadding: 0.15, JPEGQuality: 90})
	src := testJPEG(t, 400, 300)

	out, err := enhancer.EnhanceFace(src, vision.BoundingBox{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5})
	require.NoError(t, err)

	face, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 160, face.Bounds().Dx())
	assert.Equal(t, 160, face.Bounds().Dy())
}

func TestEnhanceFaceClampsBoxToImageBounds(t *testing.T) {
	enhancer := NewEnhancer(config.EnhanceConfig{TargetSize: 160, BoxPadding: 0.5, JPEGQuality: 90})
	src := testJPEG(t, 200, 200)

	// Box am Bildrand: der Rand-Aufschlag ragt über das Bild hinaus und
	// muss abgeschnitten werden
	out, err := enhancer.EnhanceFace(src, vision.BoundingBox{X: 0.8, Y: 0.8, Width: 0.2, Height: 0.2})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestEnhanceFaceRejectsInvalidBox(t *testing.T) {
	enhancer := NewEnhancer(config.EnhanceConfig{})
	src := testJPEG(t, 100, 100)

	_, err := enhancer.EnhanceFace(src, vision.BoundingBox{X: 0.1, Y: 0.1, Width: 0, Height: 0.5})
	assert.Error(t, err)
}

func TestEnhanceFaceRejectsCorruptImage(t *testing.T) {
	enhancer := NewEnhancer(config.EnhanceConfig{})

	_, err := enhancer.EnhanceFace([]byte("not an image"), vision.BoundingBox{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5})
	assert.Error(t, err)
}

func TestNewEnhancerAppliesDefaults(t *testing.T) {
	enhancer := NewEnhancer(config.EnhanceConfig{})
	assert.Equal(t, 320, enhancer.TargetSize())
}
