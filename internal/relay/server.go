// Package relay composes the registry, liveness monitor, telemetry, command,
// and signaling pipelines behind the relay's HTTP surface: the two WebSocket
// endpoints, the health check, and the debug endpoints.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/driftlab/shoregate/internal/command"
	"github.com/driftlab/shoregate/internal/config"
	"github.com/driftlab/shoregate/internal/registry"
	"github.com/driftlab/shoregate/internal/signaling"
	"github.com/driftlab/shoregate/internal/telemetry"
	"github.com/driftlab/shoregate/pkg/protocol"
)

// Server is the shoregate relay. It implements http.Handler and owns the
// lifetime of every connection it accepts.
type Server struct {
	log   *slog.Logger
	clock clock.Clock

	reg       *registry.Registry
	monitor   *registry.Monitor
	telemetry *telemetry.Pipeline
	commands  *command.Pipeline
	signals   *signaling.Relay
	mux       *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires up a relay from configuration. If logger is nil,
// slog.Default() is used. If clk is nil, the wall clock is used.
func NewServer(cfg *config.Config, logger *slog.Logger, clk clock.Clock) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New(logger, clk)
	s := &Server{
		log:       logger.With("component", "relay"),
		clock:     clk,
		reg:       reg,
		monitor:   registry.NewMonitor(reg, cfg.PingIntervalDuration(), cfg.ConnectionTimeoutDuration(), logger, clk),
		telemetry: telemetry.New(reg, cfg.TelemetryBufferSize, logger, clk),
		commands:  command.New(reg, command.AckTimeout, logger, clk),
		signals:   signaling.New(reg, cfg.ICEServers, logger, clk),
		ctx:       ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /debug/devices/{device_id}/telemetry", s.handleDebugTelemetry)
	mux.HandleFunc("GET /debug/devices/{device_id}/commands", s.handleDebugCommands)
	mux.HandleFunc("/ws/device/{device_id}", s.handleDeviceWS)
	mux.HandleFunc("/ws/client/{client_id}", s.handleClientWS)
	s.mux = mux

	return s
}

// Start launches the liveness monitor. It returns immediately.
func (s *Server) Start() {
	go s.monitor.Run(s.ctx)
}

// Close stops background work and closes every live connection.
func (s *Server) Close() {
	s.cancel()
	s.commands.Close()
	s.reg.CloseAll()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth reports liveness and connection counts for monitoring.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	devices, clients := s.reg.Counts()
	s.writeJSON(w, map[string]any{
		"status": "healthy",
		"connections": map[string]int{
			"devices": devices,
			"clients": clients,
		},
	})
}

// handleDebugTelemetry exposes a device's buffered telemetry and stats.
func (s *Server) handleDebugTelemetry(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	limit := queryInt(r, "limit", 10)

	s.writeJSON(w, map[string]any{
		"device_id": deviceID,
		"stats":     s.telemetry.DeviceStats(deviceID),
		"recent":    s.telemetry.Recent(deviceID, limit),
	})
}

// handleDebugCommands exposes a device's recent command history.
func (s *Server) handleDebugCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	limit := queryInt(r, "limit", 10)

	s.writeJSON(w, map[string]any{
		"device_id": deviceID,
		"commands":  s.commands.History(deviceID, limit),
		"pending":   s.commands.PendingCount(),
	})
}

// handleDeviceWS accepts a device connection and runs its read loop until
// the transport drops or the server shuts down.
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("WebSocket accept failed", "device_id", deviceID, "error", err)
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := s.ctx
	s.reg.AcceptDevice(ctx, deviceID, c)

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			s.reg.MarkDeviceDisconnected(ctx, deviceID)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("malformed message from device", "device_id", deviceID, "error", err)
			continue
		}

		s.reg.Touch(registry.RoleDevice, deviceID)
		s.dispatchDevice(ctx, deviceID, msg)
	}
}

// handleClientWS accepts a client connection and runs its read loop.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("WebSocket accept failed", "client_id", clientID, "error", err)
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := s.ctx
	s.reg.AcceptClient(ctx, clientID, c)

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			s.reg.MarkClientDisconnected(ctx, clientID)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("malformed message from client", "client_id", clientID, "error", err)
			continue
		}

		s.reg.Touch(registry.RoleClient, clientID)
		s.dispatchClient(ctx, clientID, msg)
	}
}

// dispatchDevice routes one inbound device envelope to its pipeline.
func (s *Server) dispatchDevice(ctx context.Context, deviceID string, msg protocol.Envelope) {
	switch msg.Type() {
	case protocol.TypeWebRTC:
		s.signals.HandleDeviceMessage(ctx, deviceID, msg)
	case protocol.TypeTelemetry:
		s.telemetry.Process(ctx, deviceID, msg)
	case protocol.TypeCommandAck:
		s.commands.HandleAck(ctx, deviceID, msg)
	case protocol.TypeStatusResponse:
		s.commands.HandleStatusResponse(ctx, deviceID, msg)
	case protocol.TypePong:
		// Activity stamp already refreshed by the read loop.
	case "":
		// Boats with pre-envelope firmware send bare position reports.
		if norm, ok := telemetry.Normalize(msg, s.clock.Now()); ok {
			s.telemetry.Process(ctx, deviceID, norm)
			return
		}
		s.log.Warn("untyped message from device", "device_id", deviceID)
	default:
		s.log.Warn("unknown message type from device",
			"device_id", deviceID, "type", msg.Type())
	}
}

// dispatchClient routes one inbound client envelope. Every type except a
// devices_list request and pong names a target device.
func (s *Server) dispatchClient(ctx context.Context, clientID string, msg protocol.Envelope) {
	switch msg.Type() {
	case protocol.TypeDevicesList:
		s.reg.SendDevicesList(ctx, clientID)
		return
	case protocol.TypePong:
		return
	}

	deviceID, _ := msg.Str("deviceId")
	if deviceID == "" {
		s.log.Warn("client message without deviceId",
			"client_id", clientID, "type", msg.Type())
		return
	}

	switch msg.Type() {
	case protocol.TypeWebRTC:
		s.signals.HandleClientMessage(ctx, clientID, deviceID, msg)
	case protocol.TypeCommand:
		s.commands.Process(ctx, clientID, deviceID, msg)
	case protocol.TypeConnectDevice:
		s.handleConnectDevice(ctx, clientID, deviceID)
	default:
		s.log.Warn("unknown message type from client",
			"client_id", clientID, "type", msg.Type())
	}
}

// handleConnectDevice pairs the client with a device so telemetry starts
// flowing, confirming or rejecting the request.
func (s *Server) handleConnectDevice(ctx context.Context, clientID, deviceID string) {
	if s.reg.Pair(deviceID, clientID) {
		s.log.Info("client connected to device",
			"client_id", clientID, "device_id", deviceID)
		s.reg.SendToClient(ctx, clientID, &protocol.DeviceConnected{
			DeviceID: deviceID,
			Status:   "connected",
		})
		return
	}

	s.log.Warn("pairing failed", "client_id", clientID, "device_id", deviceID)
	s.reg.SendToClient(ctx, clientID, &protocol.ErrorMessage{
		Message: fmt.Sprintf("Failed to connect to device %s", deviceID),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
