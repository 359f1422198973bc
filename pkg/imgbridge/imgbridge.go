package imgbridge

import (
	"fmt"
	"image"
	"image/color"

	"github.com/cyclopcam/displaydetections/pkg/rosmsg"
)

// Package imgbridge converts between Image messages and Go images that we can draw on.
// The RGBA image is always a copy, so the message buffer is never modified.

// ToRGBA copies the pixels of msg into a new RGBA image
func ToRGBA(msg *rosmsg.Image) (*image.RGBA, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	width := int(msg.Width)
	height := int(msg.Height)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		src := msg.Data[y*int(msg.Step):]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+width*4]
		switch msg.Encoding {
		case rosmsg.EncodingRGB8:
			for x := 0; x < width; x++ {
				out[x*4] = src[x*3]
				out[x*4+1] = src[x*3+1]
				out[x*4+2] = src[x*3+2]
				out[x*4+3] = 255
			}
		case rosmsg.EncodingBGR8:
			for x := 0; x < width; x++ {
				out[x*4] = src[x*3+2]
				out[x*4+1] = src[x*3+1]
				out[x*4+2] = src[x*3]
				out[x*4+3] = 255
			}
		case rosmsg.EncodingRGBA8:
			copy(out, src[:width*4])
		case rosmsg.EncodingBGRA8:
			for x := 0; x < width; x++ {
				out[x*4] = src[x*4+2]
				out[x*4+1] = src[x*4+1]
				out[x*4+2] = src[x*4]
				out[x*4+3] = src[x*4+3]
			}
		case rosmsg.EncodingMono8:
			for x := 0; x < width; x++ {
				v := src[x]
				out[x*4] = v
				out[x*4+1] = v
				out[x*4+2] = v
				out[x*4+3] = 255
			}
		default:
			return nil, fmt.Errorf("Unsupported image encoding '%v'", msg.Encoding)
		}
	}
	return dst, nil
}

// FromRGBA creates a new Image message from img, in the given encoding.
// The output is tightly packed (Step = Width * BytesPerPixel).
func FromRGBA(img *image.RGBA, encoding string, header rosmsg.Header) (*rosmsg.Image, error) {
	b := img.Bounds()
	width := b.Dx()
	height := b.Dy()
	msg, err := rosmsg.NewImage(header, width, height, encoding)
	if err != nil {
		return nil, err
	}
	for y := 0; y < height; y++ {
		src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		out := msg.Data[y*int(msg.Step):]
		switch encoding {
		case rosmsg.EncodingRGB8:
			for x := 0; x < width; x++ {
				out[x*3] = src[x*4]
				out[x*3+1] = src[x*4+1]
				out[x*3+2] = src[x*4+2]
			}
		case rosmsg.EncodingBGR8:
			for x := 0; x < width; x++ {
				out[x*3] = src[x*4+2]
				out[x*3+1] = src[x*4+1]
				out[x*3+2] = src[x*4]
			}
		case rosmsg.EncodingRGBA8:
			copy(out[:width*4], src[:width*4])
		case rosmsg.EncodingBGRA8:
			for x := 0; x < width; x++ {
				out[x*4] = src[x*4+2]
				out[x*4+1] = src[x*4+1]
				out[x*4+2] = src[x*4]
				out[x*4+3] = src[x*4+3]
			}
		case rosmsg.EncodingMono8:
			for x := 0; x < width; x++ {
				c := color.RGBA{R: src[x*4], G: src[x*4+1], B: src[x*4+2], A: src[x*4+3]}
				out[x] = color.GrayModel.Convert(c).(color.Gray).Y
			}
		}
	}
	return msg, nil
}
