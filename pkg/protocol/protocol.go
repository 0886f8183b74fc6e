// Package protocol defines the wire messages exchanged between the shoregate
// relay, boat devices, and operator clients.
//
// All messages are JSON objects with a "type" discriminator field. Messages
// that originate at the relay (status notifications, errors, pings) are typed
// structs implementing the Message interface. Messages that merely pass
// through the relay (telemetry, signaling, commands) are handled as generic
// Envelope values so the relay can annotate them without understanding every
// field a peer may have added.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the interface implemented by all relay-originated messages.
// Each message type corresponds to a JSON object with a "type" discriminator field.
type Message interface {
	// MessageType returns the wire-format type string (e.g. "ping", "error").
	MessageType() string
}

// Well-known type discriminators for peer-originated messages. These are
// matched against Envelope.Type by the dispatcher; the payloads stay generic.
const (
	TypeTelemetry      = "telemetry"
	TypeWebRTC         = "webrtc"
	TypeCommand        = "command"
	TypeCommandAck     = "command_ack"
	TypeStatusResponse = "status_response"
	TypeConnectDevice  = "connect_device"
	TypeDevicesList    = "devices_list"
	TypePing           = "ping"
	TypePong           = "pong"
)

// WebRTC signaling subtypes routed by the relay. Payload fields (sdp,
// candidate) are opaque.
const (
	SubtypeOffer        = "offer"
	SubtypeAnswer       = "answer"
	SubtypeICECandidate = "ice_candidate"
	SubtypeRequestOffer = "request_offer"
	SubtypeClose        = "close"
	SubtypeError        = "error"
)

// PingMessage is the liveness probe sent by the relay to every connected peer.
type PingMessage struct{}

func (PingMessage) MessageType() string { return "ping" }

// PongMessage is the optional response to a ping. The relay ignores pongs
// beyond refreshing the sender's activity timestamp.
type PongMessage struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (PongMessage) MessageType() string { return "pong" }

// ErrorMessage reports a per-message failure back to the peer that caused it.
type ErrorMessage struct {
	Message   string `json:"message"`
	CommandID string `json:"command_id,omitempty"`
}

func (ErrorMessage) MessageType() string { return "error" }

// ConnectionStatus notifies a client that its paired device connected or
// disconnected.
type ConnectionStatus struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"` // "connected" or "disconnected"
}

func (ConnectionStatus) MessageType() string { return "connection_status" }

// DeviceConnected confirms a successful connect_device pairing request.
type DeviceConnected struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

func (DeviceConnected) MessageType() string { return "device_connected" }

// DeviceInfo describes one known device in a DevicesList.
type DeviceInfo struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Paired    bool   `json:"paired"`
}

// DevicesList enumerates all devices known to the relay. Paired is true for
// the device paired with the receiving client.
type DevicesList struct {
	Devices []DeviceInfo `json:"devices"`
}

func (DevicesList) MessageType() string { return "devices_list" }

// CommandStatus reports the outcome of an in-flight command to the client
// that issued it.
type CommandStatus struct {
	CommandID string `json:"command_id,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (CommandStatus) MessageType() string { return "command_status" }

// Command statuses. The terminal ones remove the pending record; an
// "accepted" ack marks the command in progress, stopping the timeout without
// closing it out.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusSuccess   = "success"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
	StatusTimeout   = "timeout"
)

// TerminalStatus reports whether a command_ack status closes out the pending
// record.
func TerminalStatus(status string) bool {
	switch status {
	case StatusSuccess, StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator field.
func Marshal(msg Message) ([]byte, error) {
	// First, marshal the message to get its fields as raw JSON.
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	// Decode into a generic map so we can inject the "type" field.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Encode serializes either a typed Message or a generic value (Envelope,
// map, struct) to wire JSON. This is the single serialization point for the
// registry's send primitives.
func Encode(v any) ([]byte, error) {
	if msg, ok := v.(Message); ok {
		return Marshal(msg)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return data, nil
}
