package model

import (
	"context"
	"fmt"
	"image"
	"path/filepath"

	pigo "github.com/esimov/pigo/core"

	"github.com/facecam/facecam/internal/imaging"
	"github.com/facecam/facecam/pkg/types"
)

const (
	FormatPigoFacefinder = "pigo-facefinder"
	FormatPigoPuploc     = "pigo-puploc"
)

// Landmark cascades run after the eyes, in this order. Points a cascade
// cannot locate are left out, so indices follow this list minus misses.
var (
	eyeCascades   = []string{"lp46", "lp44", "lp42", "lp38", "lp312"}
	mouthCascades = []string{"lp93", "lp84", "lp82", "lp81"}
)

type pigoParams struct {
	minSize     int
	maxSize     int
	shiftFactor float64
	scaleFactor float64
	iou         float64
	minScore    float32
	perturbs    int
}

func paramsFrom(m map[string]float64, input types.Dimensions) pigoParams {
	get := func(k string, def float64) float64 {
		if v, ok := m[k]; ok {
			return v
		}
		return def
	}
	return pigoParams{
		minSize:     int(get("min_size", 40)),
		maxSize:     int(get("max_size", float64(min(input.Width, input.Height)))),
		shiftFactor: get("shift_factor", 0.1),
		scaleFactor: get("scale_factor", 1.1),
		iou:         get("iou_threshold", 0.2),
		minScore:    float32(get("min_score", 5.0)),
		perturbs:    int(get("perturbs", 63)),
	}
}

type pigoModel struct {
	input  types.Dimensions
	params pigoParams
	faces  *pigo.Pigo
	pupils *pigo.PuplocCascade
	flps   map[string][]*pigo.FlpCascade
}

// NewPigoModel builds a Model from a pigo facefinder cascade and a puploc
// cascade. The landmark manifest may name a landmark_dir of flp cascades.
func NewPigoModel(detector, landmarks *Artifact) (Model, error) {
	if detector.Manifest.Format != FormatPigoFacefinder {
		return nil, fmt.Errorf("detector format %q: want %s", detector.Manifest.Format, FormatPigoFacefinder)
	}
	if landmarks.Manifest.Format != FormatPigoPuploc {
		return nil, fmt.Errorf("landmark format %q: want %s", landmarks.Manifest.Format, FormatPigoPuploc)
	}

	input := detector.Manifest.InputSize
	if !input.Valid() {
		input = types.Dimensions{Width: 320, Height: 240}
	}

	faces, err := pigo.NewPigo().Unpack(detector.Files[detector.Manifest.Files[0]])
	if err != nil {
		return nil, fmt.Errorf("unpack facefinder: %w", err)
	}

	plc := pigo.NewPuplocCascade()
	pupils, err := plc.UnpackCascade(landmarks.Files[landmarks.Manifest.Files[0]])
	if err != nil {
		return nil, fmt.Errorf("unpack puploc: %w", err)
	}

	m := &pigoModel{
		input:  input,
		params: paramsFrom(detector.Manifest.Params, input),
		faces:  faces,
		pupils: pupils,
	}

	if dir := landmarks.Manifest.LandmarkDir; dir != "" {
		p, err := artifactPath(landmarks.Dir, dir)
		if err != nil {
			return nil, err
		}
		flps, err := plc.ReadCascadeDir(filepath.Clean(p) + string(filepath.Separator))
		if err != nil {
			return nil, fmt.Errorf("read landmark cascades: %w", err)
		}
		m.flps = flps
	}
	return m, nil
}

func (m *pigoModel) InputSize() types.Dimensions { return m.input }

func (m *pigoModel) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	ip := pigo.ImageParams{
		Pixels: imaging.Grayscale(img),
		Rows:   b.Dy(),
		Cols:   b.Dx(),
		Dim:    b.Dx(),
	}
	cp := pigo.CascadeParams{
		MinSize:     m.params.minSize,
		MaxSize:     min(m.params.maxSize, b.Dx(), b.Dy()),
		ShiftFactor: m.params.shiftFactor,
		ScaleFactor: m.params.scaleFactor,
		ImageParams: ip,
	}

	dets := m.faces.RunCascade(cp, 0.0)
	dets = m.faces.ClusterDetections(dets, m.params.iou)

	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Q < m.params.minScore {
			continue
		}
		half := float64(d.Scale) / 2
		out = append(out, types.Detection{
			Box: types.BBox{
				X: float64(d.Col) - half,
				Y: float64(d.Row) - half,
				W: float64(d.Scale),
				H: float64(d.Scale),
			},
			Landmarks: m.landmarks(d, ip),
			Score:     float64(d.Q),
		})
	}
	return out, nil
}

// landmarks locates the pupils of one face and, when both are found, the
// flp points relative to them. Each face is processed independently.
func (m *pigoModel) landmarks(d pigo.Detection, ip pigo.ImageParams) []types.Point {
	scale := float32(d.Scale)
	left := m.pupils.RunDetector(pigo.Puploc{
		Row:      d.Row - int(0.075*scale),
		Col:      d.Col - int(0.175*scale),
		Scale:    scale * 0.25,
		Perturbs: m.params.perturbs,
	}, ip, 0.0, false)
	right := m.pupils.RunDetector(pigo.Puploc{
		Row:      d.Row - int(0.075*scale),
		Col:      d.Col + int(0.185*scale),
		Scale:    scale * 0.25,
		Perturbs: m.params.perturbs,
	}, ip, 0.0, false)

	if !found(left) || !found(right) {
		return nil
	}

	pts := []types.Point{pointOf(left), pointOf(right)}
	if m.flps == nil {
		return pts
	}

	for _, name := range eyeCascades {
		for _, c := range m.flps[name] {
			if p := c.GetLandmarkPoint(left, right, ip, m.params.perturbs, false); found(p) {
				pts = append(pts, pointOf(p))
			}
			if p := c.GetLandmarkPoint(left, right, ip, m.params.perturbs, true); found(p) {
				pts = append(pts, pointOf(p))
			}
		}
	}
	for _, name := range mouthCascades {
		for _, c := range m.flps[name] {
			if p := c.GetLandmarkPoint(left, right, ip, m.params.perturbs, false); found(p) {
				pts = append(pts, pointOf(p))
			}
		}
	}
	return pts
}

func found(p *pigo.Puploc) bool { return p != nil && p.Row > 0 && p.Col > 0 }

func pointOf(p *pigo.Puploc) types.Point {
	return types.Point{X: float64(p.Col), Y: float64(p.Row)}
}
