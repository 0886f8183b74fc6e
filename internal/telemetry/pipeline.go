// Package telemetry implements the relay's telemetry pipeline: envelope
// validation, per-subtype sequence-gap detection, device/server clock-offset
// estimation, a bounded per-device ring of recent messages, and fan-out to
// the paired client.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/driftlab/shoregate/internal/registry"
	"github.com/driftlab/shoregate/pkg/protocol"
)

// Pipeline owns all per-device telemetry state. It is safe for concurrent
// use; each device's read task calls Process serially, preserving per
// (device, subtype) order end-to-end.
type Pipeline struct {
	log        *slog.Logger
	clock      clock.Clock
	reg        *registry.Registry
	bufferSize int

	mu       sync.Mutex
	buffers  map[string][]protocol.Envelope
	trackers map[string]map[string]int64
	offsets  map[string]float64
}

// Stats summarizes a device's buffered telemetry for the debug endpoint.
type Stats struct {
	Count         int            `json:"telemetry_count"`
	BySubtype     map[string]int `json:"telemetry_types"`
	LastTimestamp *float64       `json:"last_timestamp"`
}

// New creates a Pipeline with the given ring-buffer capacity. If logger is
// nil, slog.Default() is used. If clk is nil, the wall clock is used.
func New(reg *registry.Registry, bufferSize int, logger *slog.Logger, clk clock.Clock) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Pipeline{
		log:        logger.With("component", "telemetry"),
		clock:      clk,
		reg:        reg,
		bufferSize: bufferSize,
		buffers:    make(map[string][]protocol.Envelope),
		trackers:   make(map[string]map[string]int64),
		offsets:    make(map[string]float64),
	}
}

// Process validates, annotates, buffers, and forwards one telemetry message
// from deviceID. Invalid envelopes produce an error reply to the device and
// nothing else.
func (p *Pipeline) Process(ctx context.Context, deviceID string, msg protocol.Envelope) {
	if !validFormat(msg) {
		p.log.Warn("invalid telemetry format", "device_id", deviceID)
		p.reg.SendToDevice(ctx, deviceID, &protocol.ErrorMessage{
			Message: "Invalid telemetry format",
		})
		return
	}

	p.annotate(deviceID, msg)

	clientID, ok := p.reg.PairedClient(deviceID)
	if !ok {
		// No consumer right now; the buffered copy serves late joiners.
		return
	}

	// Protocol uses boatId on everything leaving the relay; the relay's
	// view of the device identity is authoritative.
	delete(msg, "device_id")
	msg["boatId"] = deviceID

	p.reg.SendToClient(ctx, clientID, msg)
}

// annotate applies gap detection, clock-offset tracking, and buffering. The
// message is mutated in place; the buffered entry aliases it, so annotations
// added here are visible to late readers too.
func (p *Pipeline) annotate(deviceID string, msg protocol.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, ok := p.trackers[deviceID]
	if !ok {
		tracker = make(map[string]int64)
		p.trackers[deviceID] = tracker
	}

	subtype := msg.Subtype()
	if subtype == "" {
		subtype = "unknown"
	}
	sequence, _ := msg.Int("sequence")

	if last, seen := tracker[subtype]; seen && sequence > last+1 {
		gap := sequence - last - 1
		p.log.Warn("telemetry sequence gap", "device_id", deviceID,
			"subtype", subtype, "lost", gap)
		msg.Meta()["sequence_gap"] = gap
	}
	// The tracker holds "last seen", not "highest seen": a rewind lowers it
	// and suppresses gap reports until the sequence catches back up.
	tracker[subtype] = sequence

	if deviceTime, ok := msg.Float("system_time"); ok {
		serverTime := float64(p.clock.Now().UnixMilli())
		offset := serverTime - deviceTime
		p.offsets[deviceID] = offset
		if ts, ok := msg.Float("timestamp"); ok {
			msg["synchronized_timestamp"] = ts + offset
		}
	}

	buf := append(p.buffers[deviceID], msg)
	if len(buf) > p.bufferSize {
		buf = buf[len(buf)-p.bufferSize:]
	}
	p.buffers[deviceID] = buf
}

// validFormat checks the structural preconditions of a telemetry envelope.
func validFormat(msg protocol.Envelope) bool {
	if msg.Type() != protocol.TypeTelemetry {
		return false
	}
	for _, field := range []string{"subtype", "sequence", "timestamp"} {
		if !msg.Has(field) {
			return false
		}
	}
	if msg.Has("data") {
		data, ok := msg.Object("data")
		if !ok {
			return false
		}
		if data.Has("gps") {
			gps, ok := data.Object("gps")
			if !ok {
				return false
			}
			if !gps.Has("latitude") || !gps.Has("longitude") {
				return false
			}
		}
	}
	return true
}

// Normalize converts a legacy position report (no "type" discriminator, a
// top-level "position" object) into a standard telemetry envelope. Returns
// false when the message is not a recognizable position report. This shim
// tolerates field boats whose encoders predate the telemetry envelope.
func Normalize(msg protocol.Envelope, now time.Time) (protocol.Envelope, bool) {
	if msg.Has("type") {
		return nil, false
	}
	position, ok := msg.Object("position")
	if !ok || !position.Has("latitude") || !position.Has("longitude") {
		return nil, false
	}

	lat, _ := position.Float("latitude")
	lon, _ := position.Float("longitude")
	data := protocol.Envelope{
		"gps": map[string]any{"latitude": lat, "longitude": lon},
	}

	if nav, ok := msg.Object("navigation"); ok {
		if heading, ok := nav.Float("heading"); ok {
			data["heading"] = heading
		}
		if speed, ok := nav.Float("speed"); ok {
			data["speed"] = speed
		}
	}
	if status, ok := msg.Object("status"); ok {
		if battery, ok := status.Float("battery"); ok {
			data["battery"] = battery
		}
	}

	out := protocol.Envelope{
		"type":    protocol.TypeTelemetry,
		"subtype": "sensor_data",
		"data":    map[string]any(data),
	}
	if seq, ok := msg.Float("sequence"); ok {
		out["sequence"] = seq
	} else {
		out["sequence"] = float64(0)
	}
	if ts, ok := msg.Float("timestamp"); ok {
		out["timestamp"] = ts
	} else {
		out["timestamp"] = float64(now.UnixMilli())
	}
	return out, true
}

// Recent returns up to limit of the newest buffered messages for the device,
// oldest first.
func (p *Pipeline) Recent(deviceID string, limit int) []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := p.buffers[deviceID]
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]protocol.Envelope, limit)
	copy(out, buf[len(buf)-limit:])
	return out
}

// DeviceStats summarizes the buffered telemetry for the debug endpoint.
func (p *Pipeline) DeviceStats(deviceID string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{BySubtype: make(map[string]int)}
	buf := p.buffers[deviceID]
	stats.Count = len(buf)
	for _, msg := range buf {
		subtype := msg.Subtype()
		if subtype == "" {
			subtype = "unknown"
		}
		stats.BySubtype[subtype]++
	}
	if len(buf) > 0 {
		if ts, ok := buf[len(buf)-1].Float("timestamp"); ok {
			stats.LastTimestamp = &ts
		}
	}
	return stats
}

// Offset returns the current clock-offset estimate for the device in
// milliseconds (server time minus device time).
func (p *Pipeline) Offset(deviceID string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	offset, ok := p.offsets[deviceID]
	return offset, ok
}
