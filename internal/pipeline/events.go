package pipeline

import (
	"sync"
	"time"

	"github.com/facecam/facecam/pkg/types"
)

// EventType tags pipeline events.
type EventType string

const (
	EventStatus    EventType = "status"
	EventDetection EventType = "detection"
	EventArtifact  EventType = "artifact"
	EventError     EventType = "error"
)

// DetectionEvent is a committed result in display coordinates.
type DetectionEvent struct {
	Cycle        uint64            `json:"cycle"`
	Timestamp    time.Time         `json:"timestamp"`
	FaceDetected bool              `json:"face_detected"`
	Display      types.Dimensions  `json:"display"`
	Detections   []types.Detection `json:"detections"`
}

// Event is what subscribers receive.
type Event struct {
	Type      EventType       `json:"type"`
	Time      time.Time       `json:"time"`
	Status    *Status         `json:"status,omitempty"`
	Detection *DetectionEvent `json:"detection,omitempty"`
	Artifact  *types.Artifact `json:"artifact,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EventBus fans events out to channel and handler subscribers.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

type subscription struct {
	ch      chan Event
	handler func(Event)
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscription]struct{})}
}

// Subscribe registers a handler called synchronously for every event.
// Handlers must not block. Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler func(Event)) func() {
	sub := &subscription{handler: handler}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel of events. Slow readers miss
// events rather than stall the pipeline. The unsubscribe function closes
// the channel.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	sub := &subscription{ch: make(chan Event, bufferSize)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
}

// Publish delivers e to every subscriber.
func (b *EventBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.handler != nil {
			sub.handler(e)
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
