package webrtc

import (
	"testing"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/driftlab/shoregate/internal/config"
)

// pairedPeers wires an offerer and an answerer together over host
// candidates only (no STUN/TURN needed between two local peers), completing
// the SDP exchange and candidate trickle. Returns both open data channels.
func pairedPeers(t *testing.T) (offerer, answerer *Peer, dcOfferer, dcAnswerer *pionwebrtc.DataChannel) {
	t.Helper()

	candidatesForAnswerer := make(chan string, 32)
	candidatesForOfferer := make(chan string, 32)
	dcOpenOfferer := make(chan *pionwebrtc.DataChannel, 1)
	dcOpenAnswerer := make(chan *pionwebrtc.DataChannel, 1)

	offerer, err := NewPeer(PeerConfig{
		DeviceID:       "operator",
		OnICECandidate: func(c string) { candidatesForAnswerer <- c },
		OnDataChannel:  func(dc *pionwebrtc.DataChannel) { dcOpenOfferer <- dc },
	})
	if err != nil {
		t.Fatalf("NewPeer(offerer) error: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })

	answerer, err = NewPeer(PeerConfig{
		DeviceID:       "boat-1",
		OnICECandidate: func(c string) { candidatesForOfferer <- c },
		OnDataChannel:  func(dc *pionwebrtc.DataChannel) { dcOpenAnswerer <- dc },
	})
	if err != nil {
		t.Fatalf("NewPeer(answerer) error: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })

	offerSDP, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}
	answerSDP, err := answerer.HandleOffer(offerSDP)
	if err != nil {
		t.Fatalf("HandleOffer() error: %v", err)
	}
	if err := offerer.SetAnswer(answerSDP); err != nil {
		t.Fatalf("SetAnswer() error: %v", err)
	}

	// Trickle candidates both ways until the channels open.
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case c := <-candidatesForAnswerer:
				_ = answerer.AddICECandidate(c)
			case c := <-candidatesForOfferer:
				_ = offerer.AddICECandidate(c)
			case <-done:
				return
			}
		}
	}()

	timeout := time.After(10 * time.Second)
	select {
	case dcOfferer = <-dcOpenOfferer:
	case <-timeout:
		t.Fatal("timed out waiting for offerer data channel")
	}
	select {
	case dcAnswerer = <-dcOpenAnswerer:
	case <-timeout:
		t.Fatal("timed out waiting for answerer data channel")
	}
	return offerer, answerer, dcOfferer, dcAnswerer
}

func TestPeer_OfferAnswer(t *testing.T) {
	t.Parallel()

	_, answerer, dcOfferer, dcAnswerer := pairedPeers(t)

	if dcOfferer.Label() != DataChannelLabel {
		t.Errorf("offerer channel label = %q, want %q", dcOfferer.Label(), DataChannelLabel)
	}
	if dcAnswerer.Label() != DataChannelLabel {
		t.Errorf("answerer channel label = %q, want %q", dcAnswerer.Label(), DataChannelLabel)
	}
	if !answerer.HasRemoteDescription() {
		t.Error("answerer has no remote description after HandleOffer")
	}
}

func TestPeer_FeedDelivery(t *testing.T) {
	t.Parallel()

	_, _, dcOfferer, dcAnswerer := pairedPeers(t)

	// The boat streams frames to the operator over the channel.
	received := make(chan string, 1)
	dcOfferer.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		received <- string(msg.Data)
	})

	frame := `{"type":"telemetry","sequence":1}`
	if err := dcAnswerer.SendText(frame); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}

	select {
	case got := <-received:
		if got != frame {
			t.Errorf("received %q, want %q", got, frame)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for feed frame")
	}
}

func TestPeer_ChannelUnreliableUnordered(t *testing.T) {
	t.Parallel()

	offerer, _, _, _ := pairedPeers(t)

	dc := offerer.DataChannel()
	if dc == nil {
		t.Fatal("offerer data channel is nil")
	}
	if dc.Ordered() {
		t.Error("data channel ordered = true, want false")
	}
	maxRetransmits := dc.MaxRetransmits()
	if maxRetransmits == nil || *maxRetransmits != 0 {
		t.Errorf("maxRetransmits = %v, want 0", maxRetransmits)
	}
}

func TestPionICEServers(t *testing.T) {
	t.Parallel()

	servers := pionICEServers([]config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "boat", Credential: "secret"},
	})

	if len(servers) != 2 {
		t.Fatalf("server count = %d, want 2", len(servers))
	}
	if servers[0].Username != "" {
		t.Errorf("STUN entry got credentials: %+v", servers[0])
	}
	if servers[1].Username != "boat" || servers[1].Credential != "secret" {
		t.Errorf("TURN credentials not mapped: %+v", servers[1])
	}
}
