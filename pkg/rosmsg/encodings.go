package rosmsg

import "fmt"

// Image encodings that we understand (a subset of sensor_msgs/image_encodings)
const (
	EncodingRGB8  = "rgb8"
	EncodingBGR8  = "bgr8"
	EncodingRGBA8 = "rgba8"
	EncodingBGRA8 = "bgra8"
	EncodingMono8 = "mono8"
)

// Returns the number of bytes per pixel for the given encoding, or an error if
// we don't support the encoding.
func BytesPerPixel(encoding string) (int, error) {
	switch encoding {
	case EncodingRGB8, EncodingBGR8:
		return 3, nil
	case EncodingRGBA8, EncodingBGRA8:
		return 4, nil
	case EncodingMono8:
		return 1, nil
	}
	return 0, fmt.Errorf("Unsupported image encoding '%v'", encoding)
}

// Create a blank image with a tightly packed stride
func NewImage(header Header, width, height int, encoding string) (*Image, error) {
	bpp, err := BytesPerPixel(encoding)
	if err != nil {
		return nil, err
	}
	return &Image{
		Header:   header,
		Width:    uint32(width),
		Height:   uint32(height),
		Encoding: encoding,
		Step:     uint32(width * bpp),
		Data:     make([]byte, width*height*bpp),
	}, nil
}

// Validate that the image buffer is large enough for its dimensions and encoding
func (m *Image) Validate() error {
	bpp, err := BytesPerPixel(m.Encoding)
	if err != nil {
		return err
	}
	if int(m.Step) < int(m.Width)*bpp {
		return fmt.Errorf("Image step %v is too small for width %v and encoding %v", m.Step, m.Width, m.Encoding)
	}
	if len(m.Data) < int(m.Step)*int(m.Height) {
		return fmt.Errorf("Image data is %v bytes, but %v x %v requires %v", len(m.Data), m.Step, m.Height, int(m.Step)*int(m.Height))
	}
	return nil
}
