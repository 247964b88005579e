// Package webrtc delivers detection events to browsers over a WebRTC data
// channel.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/metrics"
)

// ChannelLabel is the data channel both sides negotiate with id 0.
const ChannelLabel = "detections"

var (
	// ErrTooManyClients is returned when the peer limit is reached.
	ErrTooManyClients = errors.New("maximum clients reached")
	// ErrInvalidOffer is returned for offers that cannot be parsed.
	ErrInvalidOffer = errors.New("invalid offer")
)

// Client represents a connected peer
type Client struct {
	id       string
	peerConn *webrtc.PeerConnection
	channel  *webrtc.DataChannel
	sendChan chan []byte
	closeCh  chan struct{}
	open     atomic.Bool
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

// Server manages peer connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	m          *metrics.Metrics
	log        *logger.Module
}

// NewServer creates a new WebRTC server
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if maxClients <= 0 {
		maxClients = 4
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	log := logger.For("WebRTC")
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		log.Error("Failed to register codecs: %v", err)
	}

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingsEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
		m:   m,
		log: log,
	}
}

// HandleOffer answers a browser offer. The offer must carry an application
// section; the detections channel is pre-negotiated on both ends.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: expected an offer with sdp", ErrInvalidOffer)
	}

	if s.GetClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	negotiated := true
	var channelID uint16
	channel, err := peerConn.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &channelID,
	})
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	client := &Client{
		id:       "peer-" + uuid.NewString()[:8],
		peerConn: peerConn,
		channel:  channel,
		sendChan: make(chan []byte, 16),
		closeCh:  make(chan struct{}),
	}

	channel.OnOpen(func() {
		client.open.Store(true)
		s.log.Debug("Client %s data channel open", client.id)
	})
	channel.OnClose(func() {
		client.open.Store(false)
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.log.Info("Client %s connection lost (%s), removing...", client.id, state.String())
			go s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.clientsMu.Lock()
	if len(s.clients) >= s.maxClients {
		s.clientsMu.Unlock()
		peerConn.Close()
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}
	s.clients[client.id] = client
	active := len(s.clients)
	s.clientsMu.Unlock()

	if s.m != nil {
		s.m.ActivePeers.Store(int64(active))
		s.m.TotalPeers.Add(1)
	}
	go s.sendLoop(client)
	s.log.Info("Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

// Broadcast queues payload for every open data channel. Slow peers drop.
func (s *Server) Broadcast(payload []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		if !client.open.Load() {
			continue
		}
		select {
		case client.sendChan <- payload:
		default:
			client.dropped.Add(1)
		}
	}
}

func (s *Server) sendLoop(client *Client) {
	for {
		select {
		case <-client.closeCh:
			return
		case payload := <-client.sendChan:
			if err := client.channel.SendText(string(payload)); err != nil {
				s.log.Warn("Error sending to client %s: %v", client.id, err)
				client.dropped.Add(1)
				continue
			}
			client.sent.Add(1)
		}
	}
}

// RemoveClient closes and forgets a client. Unknown ids are ignored.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	active := len(s.clients)
	s.clientsMu.Unlock()
	if !exists {
		return
	}

	close(client.closeCh)
	client.peerConn.Close()
	if s.m != nil {
		s.m.ActivePeers.Store(int64(active))
	}
	s.log.Info("Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.sent.Load(), client.dropped.Load())
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns per-client message counters.
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"messages_sent":    client.sent.Load(),
			"messages_dropped": client.dropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
