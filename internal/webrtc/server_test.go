package webrtc

import (
	"errors"
	"testing"

	"github.com/facecam/facecam/internal/metrics"
)

func TestHandleOfferRejectsMalformedInput(t *testing.T) {
	s := NewServer(nil, 2, metrics.New())
	defer s.Close()

	cases := map[string]string{
		"not json":    `{"type":`,
		"answer type": `{"type":"answer","sdp":"v=0"}`,
		"empty sdp":   `{"type":"offer","sdp":""}`,
	}
	for name, body := range cases {
		if _, err := s.HandleOffer([]byte(body)); !errors.Is(err, ErrInvalidOffer) {
			t.Fatalf("%s: expected ErrInvalidOffer, got %v", name, err)
		}
	}
	if s.GetClientCount() != 0 {
		t.Fatalf("clients = %d", s.GetClientCount())
	}
}

func TestHandleOfferEnforcesClientLimit(t *testing.T) {
	m := metrics.New()
	s := NewServer(nil, 1, m)

	pc, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		t.Fatal(err)
	}
	s.clients["existing"] = &Client{id: "existing", peerConn: pc, closeCh: make(chan struct{}), sendChan: make(chan []byte, 1)}

	_, err = s.HandleOffer([]byte(`{"type":"offer","sdp":"v=0\r\n"}`))
	if !errors.Is(err, ErrTooManyClients) {
		t.Fatalf("expected ErrTooManyClients, got %v", err)
	}

	s.Broadcast([]byte(`{"type":"detection"}`))
	if got := s.GetClientStats()["existing"]["messages_dropped"]; got != 0 {
		t.Fatalf("closed channel should be skipped, dropped=%d", got)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.GetClientCount() != 0 || m.ActivePeers.Load() != 0 {
		t.Fatalf("after Close: clients=%d active=%d", s.GetClientCount(), m.ActivePeers.Load())
	}
	s.RemoveClient("existing")
}
