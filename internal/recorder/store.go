package recorder

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/pkg/types"
)

// Meta describes an artifact being stored.
type Meta struct {
	Filename string
	MimeType string
	Duration int
}

// Store holds the downloadable artifact. Only the latest artifact is
// live; replacing it releases the previous handle first.
type Store struct {
	urlPrefix string
	m         *metrics.Metrics
	log       *logger.Module

	mu      sync.RWMutex
	current *types.Artifact
	data    []byte
}

// NewStore creates a store whose handles are URLs under urlPrefix, e.g.
// "/api/artifacts/".
func NewStore(urlPrefix string, m *metrics.Metrics) *Store {
	return &Store{urlPrefix: urlPrefix, m: m, log: logger.For("Artifacts")}
}

// Replace releases the current artifact, then exposes data under a fresh
// handle.
func (s *Store) Replace(data []byte, meta Meta) *types.Artifact {
	id := uuid.NewString()
	art := &types.Artifact{
		ID:        id,
		URL:       s.urlPrefix + id,
		Filename:  meta.Filename,
		MimeType:  meta.MimeType,
		Size:      int64(len(data)),
		Duration:  meta.Duration,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.releaseLocked()
	s.current = art
	s.data = data
	s.mu.Unlock()

	if s.m != nil {
		s.m.ArtifactsCreated.Add(1)
	}
	s.log.Info("Artifact %s ready (%s, %d bytes)", id, meta.Filename, len(data))

	out := *art
	return &out
}

func (s *Store) releaseLocked() {
	if s.current == nil {
		return
	}
	s.log.Debug("Released artifact %s", s.current.ID)
	s.current = nil
	s.data = nil
	if s.m != nil {
		s.m.ArtifactsReleased.Add(1)
	}
}

// Release drops the current artifact, if any.
func (s *Store) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

// Current returns the live artifact.
func (s *Store) Current() (*types.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, false
	}
	out := *s.current
	return &out, true
}

// Open returns the bytes behind id. Released handles are not found.
func (s *Store) Open(id string) (*types.Artifact, []byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.ID != id {
		return nil, nil, false
	}
	out := *s.current
	return &out, s.data, true
}
