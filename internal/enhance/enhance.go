// Package enhance bereitet Gesichtsausschnitte für die Indexierung auf:
// Zuschnitt auf die Bounding-Box mit etwas Rand, Skalierung auf eine feste
// Kantenlänge und leichtes Nachschärfen.
package enhance

import (
	"bytes"
	"fmt"
	"image"

	"facecluster-go/config"
	"facecluster-go/internal/integrations/vision"

	"github.com/disintegration/imaging"
)

// Enhancer erzeugt normalisierte Gesichtsbilder fester Größe
type Enhancer struct {
	targetSize  int
	boxPadding  float64
	jpegQuality int
}

// NewEnhancer erstellt einen neuen Enhancer aus der Konfiguration
func NewEnhancer(cfg config.EnhanceConfig) *Enhancer {
	targetSize := cfg.TargetSize
	if targetSize <= 0 {
		targetSize = 320
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	padding := cfg.BoxPadding
	if padding < 0 {
		padding = 0
	}
	return &Enhancer{
		targetSize:  targetSize,
		boxPadding:  padding,
		jpegQuality: quality,
	}
}

// TargetSize gibt die Kantenlänge der erzeugten Gesichtsbilder zurück
func (e *Enhancer) TargetSize() int {
	return e.targetSize
}

// EnhanceFace schneidet das Gesicht aus dem Bild aus, skaliert es auf die
// Zielgröße und schärft es nach. Die Bounding-Box besteht aus
// Verhältniswerten in [0,1] und wird hier in Pixel umgerechnet.
func (e *Enhancer) EnhanceFace(imageData []byte, box vision.BoundingBox) ([]byte, error) {
	if box.Width <= 0 || box.Height <= 0 {
		return nil, fmt.Errorf("invalid bounding box: width=%.4f height=%.4f", box.Width, box.Height)
	}

	src, err := imaging.Decode(bytes.NewReader(imageData), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	rect := e.pixelRect(box, src.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("bounding box maps to an empty pixel region")
	}

	// Zuschneiden, auf Quadrat füllen und nachschärfen
	face := imaging.Crop(src, rect)
	face = imaging.Fill(face, e.targetSize, e.targetSize, imaging.Center, imaging.Lanczos)
	face = imaging.Sharpen(face, 0.5)

	var out bytes.Buffer
	if err := imaging.Encode(&out, face, imaging.JPEG, imaging.JPEGQuality(e.jpegQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode enhanced face: %w", err)
	}

	return out.Bytes(), nil
}

// pixelRect rechnet die Verhältnis-Box in einen Pixel-Ausschnitt um und
// erweitert sie um den konfigurierten Rand. Der Ausschnitt wird an den
// Bildgrenzen abgeschnitten.
func (e *Enhancer) pixelRect(box vision.BoundingBox, bounds image.Rectangle) image.Rectangle {
	imgW := float64(bounds.Dx())
	imgH := float64(bounds.Dy())

	padX := box.Width * e.boxPadding
	padY := box.Height * e.boxPadding

	x0 := int((box.X - padX) * imgW)
	y0 := int((box.Y - padY) * imgH)
	x1 := int((box.X + box.Width + padX) * imgW)
	y1 := int((box.Y + box.Height + padY) * imgH)

	rect := image.Rect(x0, y0, x1, y1)
	return rect.Intersect(bounds)
}
