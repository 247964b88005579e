package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/facecam/facecam/internal/imaging"
	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/pipeline"
	"github.com/facecam/facecam/pkg/types"
)

// SnapshotSource yields the latest overlay composite.
type SnapshotSource interface {
	Snapshot() *types.Frame
}

// FrameBroadcaster manages fanout of JPEG frames to multiple clients.
type FrameBroadcaster struct {
	src      SnapshotSource
	interval time.Duration
	quality  int
	log      *logger.Module

	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	stop      chan struct{}
	stopped   bool
	skipCount int
}

// NewFrameBroadcaster creates a broadcaster that samples src every interval.
func NewFrameBroadcaster(src SnapshotSource, interval time.Duration, quality int) *FrameBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().MJPEGInterval
	}
	if quality <= 0 {
		quality = DefaultConfig().JPEGQuality
	}
	return &FrameBroadcaster{
		src:      src,
		interval: interval,
		quality:  quality,
		log:      logger.For("FrameBroadcaster"),
		clients:  make(map[int]chan []byte),
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	fb.clients[id] = ch

	fb.log.Debug("Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
		if len(fb.clients) == 0 {
			fb.log.Info("No clients remaining - frame encoding will be skipped")
		}
	}
}

// Start begins the sample and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster and disconnects every client.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.stopped {
		return
	}
	close(fb.stop)
	fb.stopped = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		fb.mu.Lock()
		clientCount := len(fb.clients)
		fb.mu.Unlock()
		if clientCount == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				fb.log.Debug("No clients connected (idle for %d ticks)", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		frame := fb.src.Snapshot()
		if frame == nil || frame.Seq == lastSeq {
			continue
		}
		lastSeq = frame.Seq

		jpegData, err := imaging.EncodeJPEG(frame.Image, fb.quality)
		if err != nil {
			fb.log.Warn("JPEG encode failed: %v", err)
			continue
		}
		fb.broadcast(jpegData)
	}
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for it
		}
	}
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	Type         pipeline.EventType
	JSONData     []byte
	ProtobufData []byte // base64 encoded for SSE
}

// SerializeEvent renders e as JSON and as a base64 protobuf Struct with
// the same fields.
func SerializeEvent(e pipeline.Event) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		Type:         e.Type,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// EventBroadcaster serializes pipeline events once and fans them out to
// SSE, WebSocket and data channel clients. It also emits a periodic status
// event so elapsed time keeps moving while recording.
type EventBroadcaster struct {
	bus      *pipeline.EventBus
	status   func() pipeline.Status
	interval time.Duration
	log      *logger.Module

	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	sinks   []func(*SerializedEvent)
	nextID  int
	stop    chan struct{}
	stopped bool
}

// NewEventBroadcaster creates a broadcaster fed by bus.
func NewEventBroadcaster(bus *pipeline.EventBus, status func() pipeline.Status, interval time.Duration) *EventBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().StatusInterval
	}
	return &EventBroadcaster{
		bus:      bus,
		status:   status,
		interval: interval,
		log:      logger.For("EventBroadcaster"),
		clients:  make(map[int]chan *SerializedEvent),
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a client and returns its event channel.
func (eb *EventBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.nextID
	eb.nextID++
	ch := make(chan *SerializedEvent, 8)
	eb.clients[id] = ch
	eb.log.Debug("Client #%d subscribed (total clients: %d)", id, len(eb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (eb *EventBroadcaster) Unsubscribe(id int) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.clients[id]; ok {
		close(ch)
		delete(eb.clients, id)
		eb.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(eb.clients))
	}
}

// AddSink registers fn for every serialized event. fn must not block.
func (eb *EventBroadcaster) AddSink(fn func(*SerializedEvent)) {
	eb.mu.Lock()
	eb.sinks = append(eb.sinks, fn)
	eb.mu.Unlock()
}

// Start subscribes to the bus and begins broadcasting.
func (eb *EventBroadcaster) Start() {
	events, unsubscribe := eb.bus.SubscribeChannel(64)
	go eb.run(events, unsubscribe)
}

// Stop halts the broadcaster and disconnects every client.
func (eb *EventBroadcaster) Stop() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.stopped {
		return
	}
	close(eb.stop)
	eb.stopped = true
	for id, ch := range eb.clients {
		close(ch)
		delete(eb.clients, id)
	}
}

func (eb *EventBroadcaster) run(events <-chan pipeline.Event, unsubscribe func()) {
	defer unsubscribe()
	ticker := time.NewTicker(eb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-eb.stop:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			eb.publish(e)
		case <-ticker.C:
			if eb.status == nil || !eb.hasListeners() {
				continue
			}
			st := eb.status()
			eb.publish(pipeline.Event{Type: pipeline.EventStatus, Status: &st})
		}
	}
}

func (eb *EventBroadcaster) hasListeners() bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.clients) > 0 || len(eb.sinks) > 0
}

func (eb *EventBroadcaster) publish(e pipeline.Event) {
	if !eb.hasListeners() {
		return
	}
	se, err := SerializeEvent(e)
	if err != nil {
		eb.log.Error("Serialize %s event: %v", e.Type, err)
		return
	}
	eb.broadcast(se)
}

func (eb *EventBroadcaster) broadcast(se *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, ch := range eb.clients {
		select {
		case ch <- se:
		default:
		}
	}
	for _, fn := range eb.sinks {
		fn(se)
	}
}
