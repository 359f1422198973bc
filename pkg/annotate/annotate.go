package annotate

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/cyclopcam/displaydetections/pkg/imgbridge"
	"github.com/cyclopcam/displaydetections/pkg/rosmsg"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

// Package annotate draws object detection boxes and labels onto images.

// Color of boxes and labels
var OverlayColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

const (
	BoxThickness  = 2  // Width of box outline, in pixels
	LabelFontSize = 16 // Label font size, in pixels
)

// MissingHypothesisError is returned when a detection has no usable hypothesis.
// When this happens, the entire frame is discarded.
type MissingHypothesisError struct {
	Index int // Index of the offending detection inside the detection array
}

func (e *MissingHypothesisError) Error() string {
	return fmt.Sprintf("Failed to find class with highest score (detection %v)", e.Index)
}

// Overlay is the geometry and text of a single annotated detection
type Overlay struct {
	Min         image.Point // Top-left corner of the box
	Max         image.Point // Bottom-right corner of the box
	Label       string      // eg "dog 0.900"
	LabelAnchor image.Point // Bottom-left of the label text (ie the baseline origin)
}

// BestHypothesis returns the hypothesis with the highest score.
// Ties are won by the first hypothesis. A score must be greater than zero to be chosen,
// so if there are no hypotheses (or all of them score zero), ok is false.
func BestHypothesis(det *rosmsg.Detection2D) (best rosmsg.ObjectHypothesis, ok bool) {
	for _, r := range det.Results {
		if r.Hypothesis.Score > best.Score {
			best = r.Hypothesis
			ok = true
		}
	}
	return
}

// BoxCorners converts a center+size box into integer pixel corners.
// Halves are rounded to even.
func BoxCorners(box rosmsg.BoundingBox2D) (topLeft, bottomRight image.Point) {
	cx := box.Center.Position.X
	cy := box.Center.Position.Y
	topLeft = image.Point{
		X: int(math.RoundToEven(cx - box.SizeX/2)),
		Y: int(math.RoundToEven(cy - box.SizeY/2)),
	}
	bottomRight = image.Point{
		X: int(math.RoundToEven(cx + box.SizeX/2)),
		Y: int(math.RoundToEven(cy + box.SizeY/2)),
	}
	return
}

// FormatLabel produces the label text for a hypothesis
func FormatLabel(h rosmsg.ObjectHypothesis) string {
	return fmt.Sprintf("%v %.3f", h.ClassID, h.Score)
}

// Layout computes the overlay of every detection, in order.
// If any detection has no hypothesis, we stop and return a *MissingHypothesisError.
func Layout(detections []rosmsg.Detection2D) ([]Overlay, error) {
	overlays := make([]Overlay, 0, len(detections))
	for i := range detections {
		best, ok := BestHypothesis(&detections[i])
		if !ok {
			return nil, &MissingHypothesisError{Index: i}
		}
		p0, p1 := BoxCorners(detections[i].BBox)
		overlays = append(overlays, Overlay{
			Min:         p0,
			Max:         p1,
			Label:       FormatLabel(best),
			LabelAnchor: image.Point{X: p0.X, Y: p1.Y},
		})
	}
	return overlays, nil
}

// Draw renders overlays onto img
func Draw(img *image.RGBA, overlays []Overlay) error {
	face, err := newLabelFace()
	if err != nil {
		return err
	}
	defer face.Close()

	dc := gg.NewContextForRGBA(img)
	dc.SetColor(OverlayColor)
	dc.SetLineWidth(BoxThickness)
	dc.SetFontFace(face)
	for _, o := range overlays {
		dc.DrawRectangle(float64(o.Min.X), float64(o.Min.Y), float64(o.Max.X-o.Min.X), float64(o.Max.Y-o.Min.Y))
		dc.Stroke()
		dc.DrawString(o.Label, float64(o.LabelAnchor.X), float64(o.LabelAnchor.Y))
	}
	return nil
}

// Annotate draws detections onto a copy of img, and returns the copy.
// The returned image has the same header and encoding as img.
// If any detection lacks a hypothesis, the whole frame is rejected with a *MissingHypothesisError.
func Annotate(img *rosmsg.Image, detections *rosmsg.Detection2DArray) (*rosmsg.Image, error) {
	overlays, err := Layout(detections.Detections)
	if err != nil {
		return nil, err
	}
	canvas, err := imgbridge.ToRGBA(img)
	if err != nil {
		return nil, err
	}
	if err := Draw(canvas, overlays); err != nil {
		return nil, err
	}
	return imgbridge.FromRGBA(canvas, img.Encoding, img.Header)
}

var (
	labelFontOnce sync.Once
	labelFont     *truetype.Font
	labelFontErr  error
)

// Faces cache glyphs and are not safe for concurrent use, so every Draw gets its own.
func newLabelFace() (font.Face, error) {
	labelFontOnce.Do(func() {
		labelFont, labelFontErr = truetype.Parse(goregular.TTF)
	})
	if labelFontErr != nil {
		return nil, fmt.Errorf("Failed to parse label font: %w", labelFontErr)
	}
	return truetype.NewFace(labelFont, &truetype.Options{
		Size:    LabelFontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	}), nil
}
