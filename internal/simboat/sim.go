// Package simboat implements a simulated autonomous boat for exercising the
// relay end to end: it connects as a device, streams synthetic telemetry,
// acknowledges commands, and answers WebRTC offers with a direct data feed.
package simboat

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/shoregate/pkg/protocol"
)

// Simulator holds the synthetic boat state: a random walk over San Francisco
// Bay with slowly draining battery. Safe for concurrent use; the telemetry
// ticker and the command handler run on different goroutines.
type Simulator struct {
	deviceID string
	rand     *rand.Rand

	mu        sync.Mutex
	latitude  float64
	longitude float64
	heading   float64
	speed     float64
	battery   float64
	sequence  int64
}

// NewSimulator creates a boat at a random position near San Francisco Bay.
// seed fixes the random walk for reproducible runs; pass 0 for a time-based
// seed.
func NewSimulator(deviceID string, seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	return &Simulator{
		deviceID:  deviceID,
		rand:      rng,
		latitude:  37.7749 + (rng.Float64()-0.5)*0.05,
		longitude: -122.4194 + (rng.Float64()-0.5)*0.05,
		heading:   rng.Float64() * 360,
		speed:     rng.Float64() * 5,
		battery:   100,
	}
}

// step advances the random walk by one tick. Caller holds s.mu.
func (s *Simulator) step() {
	s.latitude += s.speed * 0.0001 * math.Cos(s.heading*math.Pi/180)
	s.longitude += s.speed * 0.0001 * math.Sin(s.heading*math.Pi/180)

	if s.rand.Float64() < 0.1 {
		s.heading = math.Mod(s.heading+(s.rand.Float64()-0.5)*10+360, 360)
	}
	if s.rand.Float64() < 0.05 {
		s.speed = clamp(s.speed+(s.rand.Float64()-0.5), 0, 10)
	}

	s.battery = math.Max(0, s.battery-0.01)
}

// Telemetry advances the simulation one tick and returns the resulting
// sensor_data envelope.
func (s *Simulator) Telemetry(now time.Time) protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.step()

	seq := s.sequence
	s.sequence++

	ms := now.UnixMilli()
	return protocol.Envelope{
		"type":        protocol.TypeTelemetry,
		"subtype":     "sensor_data",
		"sequence":    seq,
		"timestamp":   ms,
		"system_time": ms,
		"data": map[string]any{
			"gps": map[string]any{
				"latitude":  s.latitude,
				"longitude": s.longitude,
				"heading":   s.heading,
				"speed":     s.speed,
			},
			"status": "autonomous_navigation",
			"battery": map[string]any{
				"percentage": s.battery,
				"voltage":    12.0 + (s.battery-50)*0.04,
				"current":    2.0 + s.rand.Float64(),
			},
			"environmental": map[string]any{
				"water_temp":     15.0 + s.rand.Float64()*5,
				"air_temp":       20.0 + s.rand.Float64()*10,
				"water_depth":    15.0 + s.rand.Float64()*2,
				"wind_speed":     5.0 + s.rand.Float64()*5,
				"wind_direction": math.Mod(s.heading+180+(s.rand.Float64()-0.5)*45+360, 360),
			},
		},
	}
}

// HandleCommand applies one relayed command to the boat state and returns
// the reply envelopes to send back, acknowledgement last.
func (s *Simulator) HandleCommand(cmd protocol.Envelope, now time.Time) []protocol.Envelope {
	commandID, _ := cmd.Str("command_id")
	if commandID == "" {
		commandID = uuid.NewString()
	}

	name, _ := cmd.Str("command")
	switch name {
	case "set_waypoint":
		if data, ok := cmd.Object("data"); ok {
			lat, latOK := data.Float("latitude")
			lon, lonOK := data.Float("longitude")
			if latOK && lonOK {
				s.steerToward(lat, lon)
			}
		}
		return []protocol.Envelope{ack(commandID, protocol.StatusAccepted, "")}

	case "set_waypoints":
		if data, ok := cmd.Object("data"); ok {
			if wps, ok := data["waypoints"].([]any); ok && len(wps) > 0 {
				if first, ok := wps[0].(map[string]any); ok {
					fe := protocol.Envelope(first)
					lat, latOK := fe.Float("latitude")
					lon, lonOK := fe.Float("longitude")
					if latOK && lonOK {
						s.steerToward(lat, lon)
					}
				}
			}
		}
		return []protocol.Envelope{ack(commandID, protocol.StatusAccepted, "")}

	case "emergency_stop":
		s.mu.Lock()
		s.speed = 0
		s.mu.Unlock()
		return []protocol.Envelope{ack(commandID, protocol.StatusAccepted, "")}

	case "set_speed":
		if data, ok := cmd.Object("data"); ok {
			if speed, ok := data.Float("speed"); ok {
				s.mu.Lock()
				s.speed = clamp(speed, 0, 10)
				s.mu.Unlock()
			}
		}
		return []protocol.Envelope{ack(commandID, protocol.StatusAccepted, "")}

	case "get_status":
		return []protocol.Envelope{
			s.statusResponse(commandID, now),
			ack(commandID, protocol.StatusAccepted, ""),
		}

	default:
		return []protocol.Envelope{
			ack(commandID, protocol.StatusRejected, fmt.Sprintf("Unknown command: %s", name)),
		}
	}
}

// statusResponse builds the reply to a get_status command.
func (s *Simulator) statusResponse(commandID string, now time.Time) protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	return protocol.Envelope{
		"type":       protocol.TypeStatusResponse,
		"command_id": commandID,
		"device_id":  s.deviceID,
		"data": map[string]any{
			"position": map[string]any{
				"latitude":  s.latitude,
				"longitude": s.longitude,
				"heading":   s.heading,
				"speed":     s.speed,
			},
			"battery": map[string]any{
				"percentage": s.battery,
				"voltage":    12.0 + (s.battery-50)*0.04,
				"current":    2.0 + s.rand.Float64(),
			},
			"status":             "autonomous_navigation",
			"connection_quality": "good",
			"timestamp":          now.UnixMilli(),
		},
	}
}

// steerToward points the boat's heading at the given coordinate.
func (s *Simulator) steerToward(lat, lon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dx := lon - s.longitude
	dy := lat - s.latitude
	s.heading = math.Mod(math.Atan2(dx, dy)*180/math.Pi+360, 360)
}

// Snapshot returns the current position and speed, for tests and logging.
func (s *Simulator) Snapshot() (lat, lon, heading, speed, battery float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latitude, s.longitude, s.heading, s.speed, s.battery
}

func ack(commandID, status, message string) protocol.Envelope {
	e := protocol.Envelope{
		"type":       protocol.TypeCommandAck,
		"command_id": commandID,
		"status":     status,
	}
	if message != "" {
		e["message"] = message
	}
	return e
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
