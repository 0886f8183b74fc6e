// Package registry owns the relay's membership and pairing state: which
// devices and clients are connected, which device is paired with which
// client, and the per-connection activity timestamps the liveness monitor
// sweeps. All other components reach peers exclusively through the send
// primitives here.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/driftlab/shoregate/pkg/protocol"
)

// Channel is the write side of a peer's duplex connection. *websocket.Conn
// satisfies it; tests substitute in-memory fakes.
type Channel interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Role distinguishes the two peer namespaces. A device id and a client id
// with identical strings are different entities.
type Role string

const (
	RoleDevice Role = "device"
	RoleClient Role = "client"
)

// conn is one tracked peer connection. Records outlive transport closes so
// pairings can be restored when the peer reconnects with the same id.
type conn struct {
	id           string
	role         Role
	ch           Channel
	connected    bool
	lastActivity time.Time
	pairedID     string
}

// Registry tracks device and client connections and the pairing between
// them. A single mutex guards all four tables; sends happen outside the lock
// so a slow peer only blocks its own flow.
type Registry struct {
	log   *slog.Logger
	clock clock.Clock

	mu             sync.Mutex
	devices        map[string]*conn
	clients        map[string]*conn
	deviceToClient map[string]string
	clientToDevice map[string]string
}

// New creates an empty Registry. If logger is nil, slog.Default() is used.
// If clk is nil, the wall clock is used.
func New(logger *slog.Logger, clk clock.Clock) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		log:            logger.With("component", "registry"),
		clock:          clk,
		devices:        make(map[string]*conn),
		clients:        make(map[string]*conn),
		deviceToClient: make(map[string]string),
		clientToDevice: make(map[string]string),
	}
}

// AcceptDevice registers a device connection. An existing live connection
// with the same id is closed and replaced. If a pairing with a still-known
// client survives from a previous connection it is restored, and the client
// is notified that the device is back.
func (r *Registry) AcceptDevice(ctx context.Context, deviceID string, ch Channel) {
	r.mu.Lock()
	if prev, ok := r.devices[deviceID]; ok && prev.connected {
		// Ignore close errors — the old transport may already be gone.
		_ = prev.ch.Close(websocket.StatusPolicyViolation, "superseded by reconnect")
		r.log.Info("device reconnected, closed old connection", "device_id", deviceID)
	}

	c := &conn{
		id:           deviceID,
		role:         RoleDevice,
		ch:           ch,
		connected:    true,
		lastActivity: r.clock.Now(),
	}
	r.devices[deviceID] = c

	var notifyClient string
	if clientID, ok := r.deviceToClient[deviceID]; ok {
		if cl, known := r.clients[clientID]; known {
			c.pairedID = clientID
			// Only a connected client gets the status change.
			if cl.connected {
				notifyClient = clientID
			}
		}
	}
	r.mu.Unlock()

	r.log.Info("device connected", "device_id", deviceID)

	if notifyClient != "" {
		r.SendToClient(ctx, notifyClient, &protocol.ConnectionStatus{
			DeviceID: deviceID,
			Status:   "connected",
		})
		r.log.Info("restored pairing", "device_id", deviceID, "client_id", notifyClient)
	}
}

// AcceptClient registers a client connection, restoring any surviving
// pairing, then sends the client the current devices list.
func (r *Registry) AcceptClient(ctx context.Context, clientID string, ch Channel) {
	r.mu.Lock()
	if prev, ok := r.clients[clientID]; ok && prev.connected {
		_ = prev.ch.Close(websocket.StatusPolicyViolation, "superseded by reconnect")
		r.log.Info("client reconnected, closed old connection", "client_id", clientID)
	}

	c := &conn{
		id:           clientID,
		role:         RoleClient,
		ch:           ch,
		connected:    true,
		lastActivity: r.clock.Now(),
	}
	r.clients[clientID] = c

	var pairedDevice string
	if deviceID, ok := r.clientToDevice[clientID]; ok {
		if d, known := r.devices[deviceID]; known {
			c.pairedID = deviceID
			// The pairing survives regardless, but the client is only told
			// the device is connected when it actually is.
			if d.connected {
				pairedDevice = deviceID
			}
		}
	}
	r.mu.Unlock()

	r.log.Info("client connected", "client_id", clientID)

	if pairedDevice != "" {
		r.SendToClient(ctx, clientID, &protocol.ConnectionStatus{
			DeviceID: pairedDevice,
			Status:   "connected",
		})
		r.log.Info("restored pairing", "device_id", pairedDevice, "client_id", clientID)
	}

	r.SendDevicesList(ctx, clientID)
}

// MarkDeviceDisconnected flags the device's record as disconnected without
// removing it, so a reconnect with the same id can resume the pairing. The
// paired client, if any, is notified.
func (r *Registry) MarkDeviceDisconnected(ctx context.Context, deviceID string) {
	r.mu.Lock()
	c, ok := r.devices[deviceID]
	if !ok || !c.connected {
		r.mu.Unlock()
		return
	}
	c.connected = false
	pairedClient := r.deviceToClient[deviceID]
	r.mu.Unlock()

	r.log.Info("device disconnected", "device_id", deviceID)

	if pairedClient != "" {
		r.SendToClient(ctx, pairedClient, &protocol.ConnectionStatus{
			DeviceID: deviceID,
			Status:   "disconnected",
		})
	}
}

// MarkClientDisconnected flags the client's record as disconnected. The
// paired device is not notified; devices keep producing regardless.
func (r *Registry) MarkClientDisconnected(ctx context.Context, clientID string) {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if !ok || !c.connected {
		r.mu.Unlock()
		return
	}
	c.connected = false
	r.mu.Unlock()

	r.log.Info("client disconnected", "client_id", clientID)
}

// Pair associates a device with a client. Both must be known and connected.
// Re-pairing the same couple is a no-op that returns true. Pairing is
// last-writer-wins: a prior pairing of either side is dissolved so the
// mapping stays symmetric.
func (r *Registry) Pair(deviceID, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok || !device.connected {
		return false
	}
	client, ok := r.clients[clientID]
	if !ok || !client.connected {
		return false
	}

	if r.deviceToClient[deviceID] == clientID && r.clientToDevice[clientID] == deviceID {
		return true
	}

	// Dissolve stale halves before overwriting so the two maps stay
	// mutually consistent.
	if old, ok := r.deviceToClient[deviceID]; ok && old != clientID {
		delete(r.clientToDevice, old)
		if oc, ok := r.clients[old]; ok {
			oc.pairedID = ""
		}
	}
	if old, ok := r.clientToDevice[clientID]; ok && old != deviceID {
		delete(r.deviceToClient, old)
		if od, ok := r.devices[old]; ok {
			od.pairedID = ""
		}
	}

	r.deviceToClient[deviceID] = clientID
	r.clientToDevice[clientID] = deviceID
	device.pairedID = clientID
	client.pairedID = deviceID

	r.log.Info("paired device with client", "device_id", deviceID, "client_id", clientID)
	return true
}

// Unpair removes the pairing between deviceID and clientID, if that exact
// pairing exists.
func (r *Registry) Unpair(deviceID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deviceToClient[deviceID] != clientID {
		return
	}
	delete(r.deviceToClient, deviceID)
	delete(r.clientToDevice, clientID)
	if d, ok := r.devices[deviceID]; ok {
		d.pairedID = ""
	}
	if c, ok := r.clients[clientID]; ok {
		c.pairedID = ""
	}
	r.log.Info("unpaired device from client", "device_id", deviceID, "client_id", clientID)
}

// PairedClient returns the client id paired with the device, if any. The
// mapping is reported even while either side is disconnected.
func (r *Registry) PairedClient(deviceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.deviceToClient[deviceID]
	return id, ok
}

// PairedDevice returns the device id paired with the client, if any.
func (r *Registry) PairedDevice(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.clientToDevice[clientID]
	return id, ok
}

// DeviceConnected reports whether the device is known and currently connected.
func (r *Registry) DeviceConnected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.devices[deviceID]
	return ok && c.connected
}

// Touch refreshes the peer's last-activity timestamp. Called by the
// dispatcher on every inbound frame.
func (r *Registry) Touch(role Role, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.lookup(role, id); ok {
		c.lastActivity = r.clock.Now()
	}
}

// SendToDevice serializes msg as JSON text and writes it to the device's
// channel. A write failure marks the device disconnected. On success the
// device's last-activity instant is refreshed.
func (r *Registry) SendToDevice(ctx context.Context, deviceID string, msg any) bool {
	return r.send(ctx, RoleDevice, deviceID, msg)
}

// SendToClient is SendToDevice for the client table.
func (r *Registry) SendToClient(ctx context.Context, clientID string, msg any) bool {
	return r.send(ctx, RoleClient, clientID, msg)
}

func (r *Registry) send(ctx context.Context, role Role, id string, msg any) bool {
	r.mu.Lock()
	c, ok := r.lookup(role, id)
	if !ok || !c.connected {
		r.mu.Unlock()
		return false
	}
	ch := c.ch
	r.mu.Unlock()

	data, err := protocol.Encode(msg)
	if err != nil {
		r.log.Error("encoding outbound message", "role", role, "id", id, "error", err)
		return false
	}

	if err := ch.Write(ctx, websocket.MessageText, data); err != nil {
		r.log.Error("send failed", "role", role, "id", id, "error", err)
		switch role {
		case RoleDevice:
			r.MarkDeviceDisconnected(ctx, id)
		case RoleClient:
			r.MarkClientDisconnected(ctx, id)
		}
		return false
	}

	r.mu.Lock()
	c.lastActivity = r.clock.Now()
	r.mu.Unlock()
	return true
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(role Role, id string) (*conn, bool) {
	switch role {
	case RoleDevice:
		c, ok := r.devices[id]
		return c, ok
	case RoleClient:
		c, ok := r.clients[id]
		return c, ok
	}
	return nil, false
}

// SendDevicesList sends the client an enumeration of all known devices,
// flagging the one paired with it.
func (r *Registry) SendDevicesList(ctx context.Context, clientID string) {
	r.mu.Lock()
	if _, ok := r.clients[clientID]; !ok {
		r.mu.Unlock()
		return
	}
	devices := make([]protocol.DeviceInfo, 0, len(r.devices))
	for id, d := range r.devices {
		devices = append(devices, protocol.DeviceInfo{
			ID:        id,
			Connected: d.connected,
			Paired:    d.pairedID == clientID,
		})
	}
	r.mu.Unlock()

	// Stable order keeps dashboards and tests deterministic.
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	r.SendToClient(ctx, clientID, &protocol.DevicesList{Devices: devices})
}

// Counts returns the number of known device and client records, connected
// or not. Used by the health endpoint.
func (r *Registry) Counts() (devices, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices), len(r.clients)
}

// CloseAll closes every channel and clears all tables. Called on shutdown;
// close errors are swallowed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log.Info("closing all connections")
	for id, c := range r.devices {
		_ = c.ch.Close(websocket.StatusGoingAway, "server shutting down")
		delete(r.devices, id)
	}
	for id, c := range r.clients {
		_ = c.ch.Close(websocket.StatusGoingAway, "server shutting down")
		delete(r.clients, id)
	}
	r.deviceToClient = make(map[string]string)
	r.clientToDevice = make(map[string]string)
}
