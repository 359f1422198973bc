package annotate

import (
	"errors"
	"image"
	"testing"

	"github.com/cyclopcam/displaydetections/pkg/rosmsg"
	"github.com/stretchr/testify/require"
)

func hyp(class string, score float64) rosmsg.ObjectHypothesis {
	return rosmsg.ObjectHypothesis{ClassID: class, Score: score}
}

func blankImage(t *testing.T, encoding string) *rosmsg.Image {
	header := rosmsg.Header{Stamp: rosmsg.Time{Sec: 1700000000, NanoSec: 5000}, FrameID: "color_optical_frame"}
	img, err := rosmsg.NewImage(header, 100, 100, encoding)
	require.NoError(t, err)
	return img
}

// Returns the RGB value of a pixel in a packed rgb8 or bgr8 image
func pixelRGB(img *rosmsg.Image, x, y int) (r, g, b byte) {
	p := img.Data[y*int(img.Step)+x*3:]
	if img.Encoding == rosmsg.EncodingBGR8 {
		return p[2], p[1], p[0]
	}
	return p[0], p[1], p[2]
}

func isGreen(img *rosmsg.Image, x, y int) bool {
	r, g, b := pixelRGB(img, x, y)
	return g >= 200 && r <= 50 && b <= 50
}

func isBlack(img *rosmsg.Image, x, y int) bool {
	r, g, b := pixelRGB(img, x, y)
	return r == 0 && g == 0 && b == 0
}

func TestBestHypothesis(t *testing.T) {
	det := rosmsg.MakeDetection(0, 0, 1, 1, hyp("cat", 0.2), hyp("dog", 0.9), hyp("bird", 0.5))
	best, ok := BestHypothesis(&det)
	require.True(t, ok)
	require.Equal(t, "dog", best.ClassID)
	require.Equal(t, 0.9, best.Score)

	// ties go to the first maximum
	det = rosmsg.MakeDetection(0, 0, 1, 1, hyp("cat", 0.1), hyp("dog", 0.7), hyp("bird", 0.7))
	best, ok = BestHypothesis(&det)
	require.True(t, ok)
	require.Equal(t, "dog", best.ClassID)

	det = rosmsg.MakeDetection(0, 0, 1, 1)
	_, ok = BestHypothesis(&det)
	require.False(t, ok)

	// nothing beats the initial score of zero
	det = rosmsg.MakeDetection(0, 0, 1, 1, hyp("cat", 0))
	_, ok = BestHypothesis(&det)
	require.False(t, ok)
}

func TestBoxCorners(t *testing.T) {
	p0, p1 := BoxCorners(rosmsg.MakeDetection(50, 50, 20, 10).BBox)
	require.Equal(t, image.Point{X: 40, Y: 45}, p0)
	require.Equal(t, image.Point{X: 60, Y: 55}, p1)

	// 1.5 -> 2, 3.5 -> 4, 0.5 -> 0, 2.5 -> 2
	p0, p1 = BoxCorners(rosmsg.MakeDetection(2.5, 1.5, 2, 2).BBox)
	require.Equal(t, image.Point{X: 2, Y: 0}, p0)
	require.Equal(t, image.Point{X: 4, Y: 2}, p1)
}

func TestFormatLabel(t *testing.T) {
	require.Equal(t, "dog 0.900", FormatLabel(hyp("dog", 0.9)))
	require.Equal(t, "17 0.123", FormatLabel(hyp("17", 0.12345)))
	require.Equal(t, "person 1.000", FormatLabel(hyp("person", 1)))
}

func TestLayout(t *testing.T) {
	dets := []rosmsg.Detection2D{
		rosmsg.MakeDetection(50, 50, 20, 10, hyp("cat", 0.2), hyp("dog", 0.9)),
	}
	overlays, err := Layout(dets)
	require.NoError(t, err)
	require.Equal(t, []Overlay{{
		Min:         image.Point{X: 40, Y: 45},
		Max:         image.Point{X: 60, Y: 55},
		Label:       "dog 0.900",
		LabelAnchor: image.Point{X: 40, Y: 55},
	}}, overlays)

	overlays, err = Layout(nil)
	require.NoError(t, err)
	require.Len(t, overlays, 0)
}

func TestAnnotateSingleDetection(t *testing.T) {
	for _, enc := range []string{rosmsg.EncodingRGB8, rosmsg.EncodingBGR8} {
		img := blankImage(t, enc)
		original := append([]byte(nil), img.Data...)
		dets := &rosmsg.Detection2DArray{
			Header: img.Header,
			Detections: []rosmsg.Detection2D{
				rosmsg.MakeDetection(50, 50, 20, 10, hyp("cat", 0.2), hyp("dog", 0.9)),
			},
		}
		out, err := Annotate(img, dets)
		require.NoError(t, err)

		require.Equal(t, img.Header, out.Header)
		require.Equal(t, img.Encoding, out.Encoding)
		require.Equal(t, img.Width, out.Width)
		require.Equal(t, img.Height, out.Height)

		// The input buffer is untouched
		require.Equal(t, original, img.Data)

		// Box edges, sampled away from the corners
		require.True(t, isGreen(out, 50, 45), "top edge")
		require.True(t, isGreen(out, 50, 55), "bottom edge")
		require.True(t, isGreen(out, 40, 50), "left edge")
		require.True(t, isGreen(out, 60, 50), "right edge")

		// Far away from the box and label
		require.True(t, isBlack(out, 5, 5))
		require.True(t, isBlack(out, 95, 95))
		require.True(t, isBlack(out, 20, 80))

		// The label extends to the right of the box, on top of the bottom edge
		foundLabel := false
		for y := 40; y <= 55 && !foundLabel; y++ {
			for x := 63; x < 100; x++ {
				if isGreen(out, x, y) {
					foundLabel = true
					break
				}
			}
		}
		require.True(t, foundLabel, "label pixels")
	}
}

func TestAnnotateIsDeterministic(t *testing.T) {
	img := blankImage(t, rosmsg.EncodingRGB8)
	for i := range img.Data {
		img.Data[i] = byte(i * 7)
	}
	dets := &rosmsg.Detection2DArray{
		Detections: []rosmsg.Detection2D{
			rosmsg.MakeDetection(30, 30, 25, 25, hyp("person", 0.75)),
			rosmsg.MakeDetection(70, 60, 30, 20, hyp("car", 0.5), hyp("truck", 0.51)),
		},
	}
	a, err := Annotate(img, dets)
	require.NoError(t, err)
	b, err := Annotate(img, dets)
	require.NoError(t, err)
	require.Equal(t, a.Data, b.Data)
	require.NotEqual(t, img.Data, a.Data)
}

func TestAnnotateNoDetections(t *testing.T) {
	img := blankImage(t, rosmsg.EncodingRGB8)
	out, err := Annotate(img, &rosmsg.Detection2DArray{})
	require.NoError(t, err)
	require.Equal(t, img.Data, out.Data)
	require.Equal(t, img.Header, out.Header)
}

func TestAnnotateMissingHypothesis(t *testing.T) {
	img := blankImage(t, rosmsg.EncodingRGB8)

	out, err := Annotate(img, &rosmsg.Detection2DArray{
		Detections: []rosmsg.Detection2D{rosmsg.MakeDetection(50, 50, 20, 10)},
	})
	require.Nil(t, out)
	var missing *MissingHypothesisError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, 0, missing.Index)

	// A valid detection followed by an invalid one voids the whole frame
	out, err = Annotate(img, &rosmsg.Detection2DArray{
		Detections: []rosmsg.Detection2D{
			rosmsg.MakeDetection(50, 50, 20, 10, hyp("dog", 0.9)),
			rosmsg.MakeDetection(20, 20, 10, 10),
		},
	})
	require.Nil(t, out)
	require.True(t, errors.As(err, &missing))
	require.Equal(t, 1, missing.Index)
}

func TestAnnotateUnsupportedEncoding(t *testing.T) {
	img := &rosmsg.Image{Width: 2, Height: 2, Encoding: "16UC1", Step: 4, Data: make([]byte, 8)}
	_, err := Annotate(img, &rosmsg.Detection2DArray{})
	require.Error(t, err)
	var missing *MissingHypothesisError
	require.False(t, errors.As(err, &missing))
}
