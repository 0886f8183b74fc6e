// Package webrtc wraps pion for the boat side of a direct media/telemetry
// link. The relay only forwards signaling; once the SDP exchange completes,
// the data channel runs peer to peer between the boat and the operator's
// browser.
package webrtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/driftlab/shoregate/internal/config"
)

// PeerConfig holds configuration for creating a Peer.
type PeerConfig struct {
	// ICEServers are the STUN/TURN servers to gather candidates against.
	// Empty means host candidates only.
	ICEServers []config.ICEServer

	// DeviceID is this boat's identifier (used for logging).
	DeviceID string

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// OnICECandidate is called when a local ICE candidate is gathered. The
	// caller relays the candidate string to the remote peer through the
	// signaling channel.
	OnICECandidate func(candidate string)

	// OnDataChannel is called when a data channel is open and ready. For the
	// answerer this fires when the offerer's channel arrives and opens.
	OnDataChannel func(dc *webrtc.DataChannel)

	// OnConnectionStateChange is called when the ICE connection state changes.
	OnConnectionStateChange func(state webrtc.ICEConnectionState)
}

// Peer wraps a pion RTCPeerConnection and manages the SDP exchange, ICE
// candidate trickle, and data channel lifecycle. Boats are answerers: the
// operator client creates the offer and the data channel.
type Peer struct {
	cfg  PeerConfig
	log  *slog.Logger
	pc   *webrtc.PeerConnection
	done chan struct{}

	mu sync.Mutex
	dc *webrtc.DataChannel
}

// pionICEServers converts configured ICE servers to pion's representation.
func pionICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}

// NewPeer creates a new RTCPeerConnection with the given ICE configuration.
// It does not touch SDP — call HandleOffer (answerer) or CreateOffer
// (offerer) to proceed with the exchange.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "webrtc", "device_id", cfg.DeviceID)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: pionICEServers(cfg.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{
		cfg:  cfg,
		log:  log,
		pc:   pc,
		done: make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete.
			p.log.Debug("ICE gathering complete")
			return
		}
		p.log.Debug("ICE candidate gathered", "candidate", c.String())
		if p.cfg.OnICECandidate != nil {
			p.cfg.OnICECandidate(c.ToJSON().Candidate)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ICE connection state changed", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(state)
		}
		if state == webrtc.ICEConnectionStateFailed ||
			state == webrtc.ICEConnectionStateClosed {
			p.mu.Lock()
			select {
			case <-p.done:
			default:
				close(p.done)
			}
			p.mu.Unlock()
		}
	})

	// The offerer creates the data channel; it lands here on the boat.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Info("remote data channel received", "label", dc.Label())
		p.setupDataChannel(dc)
	})

	return p, nil
}

// HandleOffer sets the remote SDP offer, creates an SDP answer, and sets it
// as the local description. The caller relays the returned SDP back to the
// offerer through the signaling channel.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	p.log.Debug("SDP answer created")
	return answer.SDP, nil
}

// CreateOffer creates a data channel, generates an SDP offer, and sets it as
// the local description. Used on the operator side of a negotiation; boats
// in production only answer.
func (p *Peer) CreateOffer() (string, error) {
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, dataChannelConfig())
	if err != nil {
		return "", fmt.Errorf("creating data channel: %w", err)
	}
	p.setupDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	p.log.Debug("SDP offer created")
	return offer.SDP, nil
}

// SetAnswer sets the remote SDP answer on the peer connection. Called by the
// offerer after receiving the answer through signaling.
func (p *Peer) SetAnswer(sdp string) error {
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}

	p.log.Debug("remote SDP answer set")
	return nil
}

// HasRemoteDescription reports whether a remote SDP description has been set.
// Callers buffer incoming ICE candidates until this is true; pion rejects
// AddICECandidate calls before SetRemoteDescription.
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate string) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: candidate,
	}); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}

	p.log.Debug("remote ICE candidate added", "candidate", candidate)
	return nil
}

// DataChannel returns the current data channel, or nil if not yet established.
func (p *Peer) DataChannel() *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

// ConnectionState returns the current ICE connection state.
func (p *Peer) ConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

// Done returns a channel that is closed when the peer connection has failed
// or closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close gracefully closes the peer connection and data channel.
func (p *Peer) Close() error {
	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	dc := p.dc
	p.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			p.log.Warn("closing data channel", "error", err)
		}
	}

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}

	p.log.Info("peer connection closed")
	return nil
}

// setupDataChannel registers callbacks on the data channel and stores it.
func (p *Peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Info("data channel open", "label", dc.Label())
		if p.cfg.OnDataChannel != nil {
			p.cfg.OnDataChannel(dc)
		}
	})

	dc.OnClose(func() {
		p.log.Info("data channel closed", "label", dc.Label())
	})

	dc.OnError(func(err error) {
		p.log.Error("data channel error", "label", dc.Label(), "error", err)
	})
}
