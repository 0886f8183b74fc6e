package simboat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/driftlab/shoregate/internal/config"
	"github.com/driftlab/shoregate/internal/device"
	"github.com/driftlab/shoregate/internal/webrtc"
	"github.com/driftlab/shoregate/pkg/protocol"
)

// BoatConfig holds configuration for a running simulated boat.
type BoatConfig struct {
	// ServerURL is the relay's base URL (e.g. "ws://localhost:8000").
	ServerURL string

	// DeviceID identifies this boat to the relay.
	DeviceID string

	// TelemetryInterval is the telemetry cadence. Defaults to 1s if zero.
	TelemetryInterval time.Duration

	// ICEServers for answering WebRTC offers. Empty means host candidates only.
	ICEServers []config.ICEServer

	// Seed fixes the simulator's random walk. Zero means time-based.
	Seed int64

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Boat runs a simulated boat against a relay: telemetry out, commands and
// signaling in. One Boat holds at most one WebRTC peer per operator client.
type Boat struct {
	cfg    BoatConfig
	log    *slog.Logger
	sim    *Simulator
	client *device.Client

	mu    sync.Mutex
	peers map[string]*webrtc.Peer
}

// NewBoat creates a Boat. Call Run to connect and start the loops.
func NewBoat(cfg BoatConfig) *Boat {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = time.Second
	}
	return &Boat{
		cfg:   cfg,
		log:   log.With("component", "simboat", "device_id", cfg.DeviceID),
		sim:   NewSimulator(cfg.DeviceID, cfg.Seed),
		peers: make(map[string]*webrtc.Peer),
	}
}

// Run connects to the relay and blocks until ctx is cancelled or the
// connection is lost beyond recovery.
func (b *Boat) Run(ctx context.Context) error {
	b.client = device.NewClient(device.ClientConfig{
		ServerURL: b.cfg.ServerURL,
		DeviceID:  b.cfg.DeviceID,
		Logger:    b.log,
		Reconnect: device.ReconnectConfig{Enabled: true},
	})

	if err := b.client.Connect(ctx); err != nil {
		return err
	}
	defer b.client.Close()
	defer b.closePeers()

	go b.telemetryLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.client.Messages():
			if !ok {
				return fmt.Errorf("relay connection lost")
			}
			b.handleMessage(ctx, msg)
		}
	}
}

// telemetryLoop sends one telemetry envelope per interval.
func (b *Boat) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := b.client.Send(ctx, b.sim.Telemetry(now)); err != nil {
				b.log.Warn("sending telemetry", "error", err)
			}
		}
	}
}

func (b *Boat) handleMessage(ctx context.Context, msg protocol.Envelope) {
	switch msg.Type() {
	case protocol.TypePing:
		pong := &protocol.PongMessage{Timestamp: time.Now().UnixMilli()}
		if err := b.client.Send(ctx, pong); err != nil {
			b.log.Warn("sending pong", "error", err)
		}
	case protocol.TypeCommand:
		for _, reply := range b.sim.HandleCommand(msg, time.Now()) {
			if err := b.client.Send(ctx, reply); err != nil {
				b.log.Warn("sending command reply", "error", err)
			}
		}
	case protocol.TypeWebRTC:
		b.handleSignal(ctx, msg)
	case "error":
		errText, _ := msg.Str("message")
		b.log.Warn("relay reported error", "message", errText)
	default:
		b.log.Warn("unknown message type", "type", msg.Type())
	}
}

// handleSignal processes one signaling envelope from an operator client.
func (b *Boat) handleSignal(ctx context.Context, msg protocol.Envelope) {
	clientID, _ := msg.Str("clientId")
	if clientID == "" {
		b.log.Warn("signaling message without clientId", "subtype", msg.Subtype())
		return
	}

	switch msg.Subtype() {
	case protocol.SubtypeOffer:
		b.answerOffer(ctx, clientID, msg)

	case protocol.SubtypeICECandidate:
		b.mu.Lock()
		peer := b.peers[clientID]
		b.mu.Unlock()
		if peer == nil {
			b.log.Warn("ICE candidate for unknown peer", "client_id", clientID)
			return
		}
		candidate := candidateString(msg)
		if candidate == "" {
			b.log.Warn("ICE candidate message without candidate", "client_id", clientID)
			return
		}
		if err := peer.AddICECandidate(candidate); err != nil {
			b.log.Warn("adding ICE candidate", "client_id", clientID, "error", err)
		}

	case protocol.SubtypeClose:
		b.mu.Lock()
		peer := b.peers[clientID]
		delete(b.peers, clientID)
		b.mu.Unlock()
		if peer != nil {
			_ = peer.Close()
			b.log.Info("closed peer connection", "client_id", clientID)
		}

	default:
		b.log.Warn("unhandled signaling subtype", "subtype", msg.Subtype())
	}
}

// answerOffer builds a fresh peer for the offering client and sends the SDP
// answer back through the relay. A repeated offer from the same client
// replaces its previous peer.
func (b *Boat) answerOffer(ctx context.Context, clientID string, offer protocol.Envelope) {
	sdp, _ := offer.Str("sdp")
	if sdp == "" {
		b.log.Warn("offer without sdp", "client_id", clientID)
		return
	}

	peer, err := webrtc.NewPeer(webrtc.PeerConfig{
		ICEServers: b.cfg.ICEServers,
		DeviceID:   b.cfg.DeviceID,
		Logger:     b.log,
		OnICECandidate: func(candidate string) {
			err := b.client.Send(ctx, protocol.Envelope{
				"type":      protocol.TypeWebRTC,
				"subtype":   protocol.SubtypeICECandidate,
				"clientId":  clientID,
				"candidate": candidate,
			})
			if err != nil {
				b.log.Warn("sending ICE candidate", "client_id", clientID, "error", err)
			}
		},
		OnDataChannel: func(dc *pion.DataChannel) {
			go b.streamFeed(ctx, dc)
		},
	})
	if err != nil {
		b.log.Error("creating peer connection", "client_id", clientID, "error", err)
		return
	}

	b.mu.Lock()
	if prev := b.peers[clientID]; prev != nil {
		_ = prev.Close()
	}
	b.peers[clientID] = peer
	b.mu.Unlock()

	answer, err := peer.HandleOffer(sdp)
	if err != nil {
		b.log.Error("answering offer", "client_id", clientID, "error", err)
		b.mu.Lock()
		delete(b.peers, clientID)
		b.mu.Unlock()
		_ = peer.Close()
		return
	}

	err = b.client.Send(ctx, protocol.Envelope{
		"type":     protocol.TypeWebRTC,
		"subtype":  protocol.SubtypeAnswer,
		"clientId": clientID,
		"sdp":      answer,
		"sdpType":  "answer",
	})
	if err != nil {
		b.log.Warn("sending answer", "client_id", clientID, "error", err)
		return
	}
	b.log.Info("answered WebRTC offer", "client_id", clientID)
}

// streamFeed pushes telemetry over an open data channel until the channel or
// the boat shuts down. The direct feed runs at the same cadence as the relay
// path but skips the relay round trip.
func (b *Boat) streamFeed(ctx context.Context, dc *pion.DataChannel) {
	ticker := time.NewTicker(b.cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			data, err := protocol.Encode(b.sim.Telemetry(now))
			if err != nil {
				b.log.Error("encoding feed frame", "error", err)
				return
			}
			if err := dc.SendText(string(data)); err != nil {
				b.log.Info("feed channel closed", "error", err)
				return
			}
		}
	}
}

// closePeers closes every live peer connection.
func (b *Boat) closePeers() {
	b.mu.Lock()
	peers := b.peers
	b.peers = make(map[string]*webrtc.Peer)
	b.mu.Unlock()

	for id, p := range peers {
		if err := p.Close(); err != nil {
			b.log.Warn("closing peer", "client_id", id, "error", err)
		}
	}
}

// candidateString extracts the candidate payload, which clients send either
// as a bare string or as an RTCIceCandidateInit object.
func candidateString(msg protocol.Envelope) string {
	if s, ok := msg.Str("candidate"); ok {
		return s
	}
	if obj, ok := msg.Object("candidate"); ok {
		if s, ok := obj.Str("candidate"); ok {
			return s
		}
	}
	return ""
}
