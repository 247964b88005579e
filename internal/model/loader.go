package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/pkg/types"
)

// ManifestName is the file each model directory must contain.
const ManifestName = "model.json"

// Model is the loaded face detector + landmark predictor. Detect receives
// an image already scaled to InputSize and returns coordinates in that
// space.
type Model interface {
	InputSize() types.Dimensions
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// Manifest describes one model artifact directory.
type Manifest struct {
	Name        string             `json:"name"`
	Format      string             `json:"format"`
	InputSize   types.Dimensions   `json:"input_size"`
	Files       []string           `json:"files"`
	LandmarkDir string             `json:"landmark_dir,omitempty"`
	Params      map[string]float64 `json:"params,omitempty"`
}

// Artifact is a manifest with its weight files read into memory.
type Artifact struct {
	Manifest Manifest
	Dir      string
	Files    map[string][]byte
}

// Builder turns the two loaded artifacts into a usable Model.
type Builder func(detector, landmarks *Artifact) (Model, error)

// LoadError reports which model failed to load and why.
type LoadError struct {
	Model string
	Path  string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %q from %s: %v", e.Model, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// State is the loader's readiness.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Loader loads the detector and landmark models as a single gate.
type Loader struct {
	baseDir   string
	detector  string
	landmarks string
	build     Builder
	log       *logger.Module

	// Overrides replace detector manifest params, e.g. "min_size".
	Overrides map[string]float64

	loadMu sync.Mutex // serializes Load

	mu    sync.RWMutex
	state State
	model Model
	err   error
}

// NewLoader creates a loader for <baseDir>/<detector> and <baseDir>/<landmarks>.
// A nil build uses the pigo backend.
func NewLoader(baseDir, detector, landmarks string, build Builder) *Loader {
	if build == nil {
		build = NewPigoModel
	}
	return &Loader{
		baseDir:   baseDir,
		detector:  detector,
		landmarks: landmarks,
		build:     build,
		log:       logger.For("Model"),
	}
}

// Load loads both models. After a success it returns the cached model;
// after a failure the next call retries the full load. No partially
// loaded capability is ever exposed.
func (l *Loader) Load(ctx context.Context) (Model, error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	l.mu.RLock()
	if l.state == StateReady {
		m := l.model
		l.mu.RUnlock()
		return m, nil
	}
	l.mu.RUnlock()

	l.setState(StateLoading, nil, nil)
	l.log.Info("Loading %s + %s from %s", l.detector, l.landmarks, l.baseDir)

	m, err := l.load(ctx)
	if err != nil {
		l.log.Error("%v", err)
		l.setState(StateFailed, nil, err)
		return nil, err
	}

	in := m.InputSize()
	l.log.Info("Models ready (input %s)", in)
	l.setState(StateReady, m, nil)
	return m, nil
}

func (l *Loader) load(ctx context.Context) (Model, error) {
	det, err := l.readArtifact(ctx, l.detector)
	if err != nil {
		return nil, err
	}
	lmk, err := l.readArtifact(ctx, l.landmarks)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &LoadError{Model: l.detector, Path: l.baseDir, Err: err}
	}
	if len(l.Overrides) > 0 {
		params := make(map[string]float64, len(det.Manifest.Params)+len(l.Overrides))
		for k, v := range det.Manifest.Params {
			params[k] = v
		}
		for k, v := range l.Overrides {
			params[k] = v
		}
		det.Manifest.Params = params
	}

	m, err := safeBuild(l.build, det, lmk)
	if err != nil {
		return nil, &LoadError{Model: l.detector + "+" + l.landmarks, Path: l.baseDir, Err: err}
	}
	if !m.InputSize().Valid() {
		return nil, &LoadError{Model: l.detector, Path: det.Dir, Err: fmt.Errorf("invalid input size %s", m.InputSize())}
	}
	return m, nil
}

func safeBuild(build Builder, det, lmk *Artifact) (m Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("corrupt model data: %v", r)
		}
	}()
	return build(det, lmk)
}

func (l *Loader) readArtifact(ctx context.Context, name string) (*Artifact, error) {
	dir := filepath.Join(l.baseDir, name)
	path := filepath.Join(dir, ManifestName)
	fail := func(err error) (*Artifact, error) {
		return nil, &LoadError{Model: name, Path: path, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fail(fmt.Errorf("malformed manifest: %w", err))
	}
	if err := m.validate(); err != nil {
		return fail(err)
	}

	art := &Artifact{Manifest: m, Dir: dir, Files: make(map[string][]byte, len(m.Files))}
	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		p, err := artifactPath(dir, f)
		if err != nil {
			return fail(err)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fail(fmt.Errorf("weights %s: %w", f, err))
		}
		art.Files[f] = b
	}
	return art, nil
}

func (m Manifest) validate() error {
	var errs []error
	if m.Format == "" {
		errs = append(errs, errors.New("manifest has no format"))
	}
	if len(m.Files) == 0 {
		errs = append(errs, errors.New("manifest lists no files"))
	}
	return errors.Join(errs...)
}

// artifactPath resolves name inside dir, refusing paths that escape it.
func artifactPath(dir, name string) (string, error) {
	p := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file %q escapes model directory", name)
	}
	return p, nil
}

func (l *Loader) setState(s State, m Model, err error) {
	l.mu.Lock()
	l.state, l.model, l.err = s, m, err
	l.mu.Unlock()
}

// State returns the current readiness.
func (l *Loader) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Ready reports whether Load has succeeded.
func (l *Loader) Ready() bool { return l.State() == StateReady }

// Err returns the last load error, if any.
func (l *Loader) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Model returns the loaded model or nil.
func (l *Loader) Model() Model {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.model
}
