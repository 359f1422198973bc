package rosmsg

import (
	"fmt"
	"time"
)

// Package rosmsg holds the subset of the ROS sensor_msgs and vision_msgs
// message model that the detection overlay needs.
// Field names follow the ROS definitions, JSON tags follow the ROS field names.

// Time is a ROS timestamp
type Time struct {
	Sec     int32  `json:"sec"`
	NanoSec uint32 `json:"nanosec"`
}

// Convert a Go time to a ROS time
func TimeFromGo(t time.Time) Time {
	return Time{
		Sec:     int32(t.Unix()),
		NanoSec: uint32(t.Nanosecond()),
	}
}

// Nanoseconds since the epoch
func (t Time) Nanos() int64 {
	return int64(t.Sec)*1e9 + int64(t.NanoSec)
}

func (t Time) Go() time.Time {
	return time.Unix(int64(t.Sec), int64(t.NanoSec))
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%09d", t.Sec, t.NanoSec)
}

type Header struct {
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Stamped is implemented by every message that carries a Header
type Stamped interface {
	GetHeader() Header
}

// Image is sensor_msgs/Image
type Image struct {
	Header      Header `json:"header"`
	Height      uint32 `json:"height"`
	Width       uint32 `json:"width"`
	Encoding    string `json:"encoding"` // eg "rgb8". See encodings.go
	IsBigEndian uint8  `json:"is_bigendian"`
	Step        uint32 `json:"step"` // Row length in bytes
	Data        []byte `json:"data"`
}

func (m *Image) GetHeader() Header {
	return m.Header
}

// Point is geometry_msgs/Point
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose2D is vision_msgs/Pose2D
type Pose2D struct {
	Position Point2D `json:"position"`
	Theta    float64 `json:"theta"`
}

// Point2D is vision_msgs/Point2D
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox2D is vision_msgs/BoundingBox2D.
// Center and size are in image pixel coordinates.
type BoundingBox2D struct {
	Center Pose2D  `json:"center"`
	SizeX  float64 `json:"size_x"`
	SizeY  float64 `json:"size_y"`
}

// ObjectHypothesis is vision_msgs/ObjectHypothesis
type ObjectHypothesis struct {
	ClassID string  `json:"class_id"`
	Score   float64 `json:"score"`
}

// ObjectHypothesisWithPose is vision_msgs/ObjectHypothesisWithPose.
// We don't use the pose, so it is omitted.
type ObjectHypothesisWithPose struct {
	Hypothesis ObjectHypothesis `json:"hypothesis"`
}

// Detection2D is vision_msgs/Detection2D
type Detection2D struct {
	Header  Header                     `json:"header"`
	Results []ObjectHypothesisWithPose `json:"results"`
	BBox    BoundingBox2D              `json:"bbox"`
	ID      string                     `json:"id"`
}

// Detection2DArray is vision_msgs/Detection2DArray
type Detection2DArray struct {
	Header     Header        `json:"header"`
	Detections []Detection2D `json:"detections"`
}

func (m *Detection2DArray) GetHeader() Header {
	return m.Header
}

// Create a detection with a box given by center and size, and the given hypotheses.
// This is mostly useful for tests and tools.
func MakeDetection(cx, cy, sx, sy float64, hypotheses ...ObjectHypothesis) Detection2D {
	d := Detection2D{
		BBox: BoundingBox2D{
			Center: Pose2D{Position: Point2D{X: cx, Y: cy}},
			SizeX:  sx,
			SizeY:  sy,
		},
	}
	for _, h := range hypotheses {
		d.Results = append(d.Results, ObjectHypothesisWithPose{Hypothesis: h})
	}
	return d
}
