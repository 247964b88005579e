// Package imaging holds the pixel helpers shared by capture, detection,
// the overlay surface and the recorder.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/facecam/facecam/pkg/types"
)

// Scale resizes src to dims. When src already has that size and is an
// *image.RGBA it is returned unchanged.
func Scale(src image.Image, dims types.Dimensions) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && types.DimensionsOf(rgba) == dims && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, dims.Width, dims.Height))
	if src == nil {
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// ToRGBA copies src into a fresh *image.RGBA anchored at the origin.
func ToRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Grayscale returns the luma plane of img as row-major bytes.
func Grayscale(img image.Image) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]uint8, w*h)

	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			row := src.Y[src.YOffset(b.Min.X, b.Min.Y+y):]
			copy(out[y*w:(y+1)*w], row[:w])
		}
	case *image.RGBA:
		for y := 0; y < h; y++ {
			i := src.PixOffset(b.Min.X, b.Min.Y+y)
			for x := 0; x < w; x++ {
				r, g, bl := src.Pix[i], src.Pix[i+1], src.Pix[i+2]
				out[y*w+x] = uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(bl)) / 1000)
				i += 4
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
		}
	}
	return out
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// ColorBars renders the standard eight vertical bars at dims.
func ColorBars(dims types.Dimensions) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, dims.Width, dims.Height))
	barWidth := dims.Width / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}
	for x := 0; x < dims.Width; x++ {
		idx := min(x/barWidth, len(barColors)-1)
		c := barColors[idx]
		for y := 0; y < dims.Height; y++ {
			i := img.PixOffset(x, y)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
		}
	}
	return img
}
