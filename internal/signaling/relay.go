// Package signaling relays WebRTC negotiation messages between paired
// devices and clients. The relay never inspects SDP or candidate payloads;
// it validates shape, stamps ordering metadata, tracks sessions, and routes.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/driftlab/shoregate/internal/config"
	"github.com/driftlab/shoregate/internal/registry"
	"github.com/driftlab/shoregate/pkg/protocol"
)

// SessionState tracks where a signaling session is in its lifecycle.
type SessionState string

const (
	StateOffering SessionState = "offering"
	StateOpen     SessionState = "open"
	StateClosing  SessionState = "closing"
)

// Session is one WebRTC negotiation between a client and a device.
type Session struct {
	ID        string
	ClientID  string
	DeviceID  string
	CreatedAt time.Time
	State     SessionState
}

// Relay routes signaling envelopes between paired peers and tracks the
// sessions those envelopes establish.
type Relay struct {
	log        *slog.Logger
	clock      clock.Clock
	reg        *registry.Registry
	iceServers []config.ICEServer

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Relay. iceServers are injected into client offers that carry
// none of their own. If logger is nil, slog.Default() is used. If clk is nil,
// the wall clock is used.
func New(reg *registry.Registry, iceServers []config.ICEServer, logger *slog.Logger, clk clock.Clock) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Relay{
		log:        logger.With("component", "signaling"),
		clock:      clk,
		reg:        reg,
		iceServers: iceServers,
		sessions:   make(map[string]*Session),
	}
}

// HandleDeviceMessage relays a device's signaling envelope to its paired
// client. Devices only ever signal their paired client, so malformed or
// unpaired traffic is dropped with a log line rather than answered.
func (r *Relay) HandleDeviceMessage(ctx context.Context, deviceID string, msg protocol.Envelope) {
	if !validSignal(msg) {
		r.log.Warn("invalid signaling message from device",
			"device_id", deviceID, "subtype", msg.Subtype())
		return
	}

	clientID, ok := r.reg.PairedClient(deviceID)
	if !ok {
		r.log.Warn("signaling from unpaired device",
			"device_id", deviceID, "subtype", msg.Subtype())
		return
	}

	r.stampSequence(msg)

	switch msg.Subtype() {
	case protocol.SubtypeAnswer:
		r.markOpen(clientID, deviceID)
	case protocol.SubtypeClose:
		r.removeSession(clientID, deviceID)
	}

	// Everything leaving the relay identifies the device as boatId.
	delete(msg, "device_id")
	msg["boatId"] = deviceID

	r.reg.SendToClient(ctx, clientID, msg)
}

// HandleClientMessage relays a client's signaling envelope to deviceID,
// auto-pairing the client with the device first. The target may be overridden
// by a boatId field inside the envelope.
func (r *Relay) HandleClientMessage(ctx context.Context, clientID, deviceID string, msg protocol.Envelope) {
	if !validSignal(msg) {
		r.log.Warn("invalid signaling message from client",
			"client_id", clientID, "subtype", msg.Subtype())
		r.reg.SendToClient(ctx, clientID, &protocol.ErrorMessage{
			Message: "Invalid WebRTC message format",
		})
		return
	}

	if boatID, ok := msg.Str("boatId"); ok && boatID != "" {
		deviceID = boatID
	}

	if !r.reg.DeviceConnected(deviceID) {
		r.log.Warn("signaling to unavailable device",
			"client_id", clientID, "device_id", deviceID)
		r.reg.SendToClient(ctx, clientID, &protocol.ErrorMessage{
			Message: fmt.Sprintf("Device %s is not available", deviceID),
		})
		return
	}
	if !r.reg.Pair(deviceID, clientID) {
		r.reg.SendToClient(ctx, clientID, &protocol.ErrorMessage{
			Message: fmt.Sprintf("Cannot connect to device %s", deviceID),
		})
		return
	}

	r.stampSequence(msg)

	// Everything leaving the relay identifies the device as boatId, in both
	// directions.
	delete(msg, "device_id")
	msg["boatId"] = deviceID

	switch msg.Subtype() {
	case protocol.SubtypeOffer:
		r.openSession(clientID, deviceID, msg)
	case protocol.SubtypeClose:
		r.removeSession(clientID, deviceID)
	}

	r.reg.SendToDevice(ctx, deviceID, msg)
}

// CloseSession tears down the session between clientID and deviceID,
// notifying both sides. Used when the relay itself ends a negotiation, e.g.
// on operator request.
func (r *Relay) CloseSession(ctx context.Context, clientID, deviceID string) {
	r.removeSession(clientID, deviceID)

	closeMsg := protocol.Envelope{
		"type":    protocol.TypeWebRTC,
		"subtype": protocol.SubtypeClose,
	}
	r.reg.SendToDevice(ctx, deviceID, closeMsg)

	clientCopy := closeMsg.Clone()
	clientCopy["boatId"] = deviceID
	r.reg.SendToClient(ctx, clientID, clientCopy)
}

// Sessions returns a snapshot of the live sessions, for the debug surface.
func (r *Relay) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// openSession records a new session for an outbound offer and injects the
// configured ICE servers when the offer carries none.
func (r *Relay) openSession(clientID, deviceID string, offer protocol.Envelope) {
	now := r.clock.Now()
	id := fmt.Sprintf("%s-%s-%d", clientID, deviceID, now.UnixMilli())

	if !offer.Has("iceServers") && len(r.iceServers) > 0 {
		offer["iceServers"] = r.iceServers
	}
	offer["sessionId"] = id

	r.mu.Lock()
	r.sessions[sessionKey(clientID, deviceID)] = &Session{
		ID:        id,
		ClientID:  clientID,
		DeviceID:  deviceID,
		CreatedAt: now,
		State:     StateOffering,
	}
	r.mu.Unlock()

	r.log.Info("signaling session opened",
		"session_id", id, "client_id", clientID, "device_id", deviceID)
}

func (r *Relay) markOpen(clientID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey(clientID, deviceID)]; ok {
		s.State = StateOpen
	}
}

func (r *Relay) removeSession(clientID, deviceID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionKey(clientID, deviceID)]
	if ok {
		delete(r.sessions, sessionKey(clientID, deviceID))
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("signaling session closed", "session_id", s.ID)
	}
}

func sessionKey(clientID, deviceID string) string {
	return clientID + "\x00" + deviceID
}

// stampSequence gives the envelope a relay-side ordering stamp when the
// sender supplied none. Client and device stacks that already sequence their
// signaling keep their own numbering.
func (r *Relay) stampSequence(msg protocol.Envelope) {
	if !msg.Has("sequence") {
		msg["sequence"] = r.clock.Now().UnixMilli()
	}
}

// validSignal checks the structural preconditions per subtype: offers and
// answers carry SDP, candidates carry a candidate, offer requests name the
// requesting client.
func validSignal(msg protocol.Envelope) bool {
	if msg.Type() != protocol.TypeWebRTC {
		return false
	}
	switch msg.Subtype() {
	case protocol.SubtypeOffer, protocol.SubtypeAnswer:
		return msg.Has("sdp")
	case protocol.SubtypeICECandidate:
		return msg.Has("candidate")
	case protocol.SubtypeRequestOffer:
		return msg.Has("clientId")
	case protocol.SubtypeClose, protocol.SubtypeError:
		return true
	}
	return false
}
