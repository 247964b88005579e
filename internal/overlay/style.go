package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/facecam/facecam/pkg/types"
)

// Style controls how detections are painted.
type Style struct {
	BoxColor      color.RGBA
	LandmarkColor color.RGBA
	LabelColor    color.RGBA
	LineWidth     int
	PointRadius   int
	ShowScore     bool
}

func DefaultStyle() Style {
	return Style{
		BoxColor:      color.RGBA{R: 0, G: 200, B: 255, A: 255},
		LandmarkColor: color.RGBA{R: 255, G: 64, B: 64, A: 255},
		LabelColor:    color.RGBA{R: 255, G: 255, B: 255, A: 255},
		LineWidth:     2,
		PointRadius:   2,
		ShowScore:     true,
	}
}

// Render paints every detection onto dst. Coordinates are in dst space.
func (st Style) Render(dst *image.RGBA, dets []types.Detection) {
	for _, d := range dets {
		r := image.Rect(
			int(math.Round(d.Box.X)),
			int(math.Round(d.Box.Y)),
			int(math.Round(d.Box.X+d.Box.W)),
			int(math.Round(d.Box.Y+d.Box.H)),
		)
		strokeRect(dst, r, st.LineWidth, st.BoxColor)
		for _, p := range d.Landmarks {
			fillDot(dst, int(math.Round(p.X)), int(math.Round(p.Y)), st.PointRadius, st.LandmarkColor)
		}
		if st.ShowScore {
			drawLabel(dst, r.Min.X, r.Min.Y-3, fmt.Sprintf("face %.2f", d.Score), st.LabelColor)
		}
	}
}

func strokeRect(dst *image.RGBA, r image.Rectangle, width int, c color.RGBA) {
	r = r.Canon()
	if width < 1 {
		width = 1
	}
	fill := func(x0, y0, x1, y1 int) {
		area := image.Rect(x0, y0, x1, y1).Intersect(dst.Rect)
		for y := area.Min.Y; y < area.Max.Y; y++ {
			for x := area.Min.X; x < area.Max.X; x++ {
				dst.SetRGBA(x, y, c)
			}
		}
	}
	fill(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width) // top
	fill(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y) // bottom
	fill(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y) // left
	fill(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y) // right
}

func fillDot(dst *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			if (image.Point{X: x, Y: y}).In(dst.Rect) {
				dst.SetRGBA(x, y, c)
			}
		}
	}
}

func drawLabel(dst *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
