package types

import (
	"fmt"
	"image"
	"time"
)

// Dimensions is a width/height pair in pixels.
type Dimensions struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Valid reports whether both sides are positive.
func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// DimensionsOf returns the size of an image's bounds.
func DimensionsOf(img image.Image) Dimensions {
	if img == nil {
		return Dimensions{}
	}
	b := img.Bounds()
	return Dimensions{Width: b.Dx(), Height: b.Dy()}
}

// Frame is one decoded image from the capture device (or the overlay
// surface). Frames are ephemeral and never persisted.
type Frame struct {
	Image     image.Image // Decoded pixels
	Seq       uint64      // Sequential frame number within its source
	Timestamp time.Time   // Capture time
}

// Dimensions returns the actual pixel size of the frame.
func (f *Frame) Dimensions() Dimensions {
	if f == nil {
		return Dimensions{}
	}
	return DimensionsOf(f.Image)
}

// Point is a 2-D coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an axis-aligned box with its origin at the top-left corner.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one located face: a bounding box plus an ordered set of
// landmark points, all in the coordinate space they were produced in.
type Detection struct {
	Box       BBox    `json:"box"`
	Landmarks []Point `json:"landmarks"`
	Score     float64 `json:"score"`
}

// Scale returns a copy of d with every coordinate multiplied by sx/sy.
func (d Detection) Scale(sx, sy float64) Detection {
	out := Detection{
		Box: BBox{
			X: d.Box.X * sx,
			Y: d.Box.Y * sy,
			W: d.Box.W * sx,
			H: d.Box.H * sy,
		},
		Score: d.Score,
	}
	if len(d.Landmarks) > 0 {
		out.Landmarks = make([]Point, len(d.Landmarks))
		for i, p := range d.Landmarks {
			out.Landmarks[i] = Point{X: p.X * sx, Y: p.Y * sy}
		}
	}
	return out
}

// DetectionResult is the committed output of one detection cycle.
type DetectionResult struct {
	Cycle      uint64      `json:"cycle"`
	Timestamp  time.Time   `json:"timestamp"`
	Input      Dimensions  `json:"input"`
	Detections []Detection `json:"detections"`
}

// Artifact is a finished recording made available for download.
type Artifact struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	Duration  int       `json:"duration_seconds"`
	CreatedAt time.Time `json:"created_at"`
}
