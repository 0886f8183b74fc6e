package telemetry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/driftlab/shoregate/internal/registry"
	"github.com/driftlab/shoregate/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordChannel is an in-memory registry.Channel that records frames.
type recordChannel struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *recordChannel) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *recordChannel) Close(code websocket.StatusCode, reason string) error { return nil }

func (c *recordChannel) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("decoding recorded frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (c *recordChannel) lastOfType(t *testing.T, typ string) (protocol.Envelope, bool) {
	t.Helper()
	msgs := c.envelopes(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type() == typ {
			return msgs[i], true
		}
	}
	return nil, false
}

// testRig is a pipeline wired to a registry with one paired device/client.
type testRig struct {
	pipeline *Pipeline
	mock     *clock.Mock
	device   *recordChannel
	client   *recordChannel
}

func newTestRig(t *testing.T, bufferSize int, paired bool) *testRig {
	t.Helper()
	mock := clock.NewMock()
	reg := registry.New(testLogger(), mock)

	device, client := &recordChannel{}, &recordChannel{}
	ctx := context.Background()
	reg.AcceptDevice(ctx, "boat-1", device)
	reg.AcceptClient(ctx, "op-1", client)
	if paired {
		if !reg.Pair("boat-1", "op-1") {
			t.Fatal("pairing failed")
		}
	}

	return &testRig{
		pipeline: New(reg, bufferSize, testLogger(), mock),
		mock:     mock,
		device:   device,
		client:   client,
	}
}

func validTelemetry(seq int64, ts float64) protocol.Envelope {
	return protocol.Envelope{
		"type":      protocol.TypeTelemetry,
		"subtype":   "sensor_data",
		"sequence":  seq,
		"timestamp": ts,
		"data": map[string]any{
			"gps": map[string]any{"latitude": 37.77, "longitude": -122.41},
		},
	}
}

func TestProcess_ForwardsToPairedClient(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 10, true)
	rig.pipeline.Process(context.Background(), "boat-1", validTelemetry(1, 1000))

	fwd, ok := rig.client.lastOfType(t, protocol.TypeTelemetry)
	if !ok {
		t.Fatal("paired client did not receive telemetry")
	}
	if got, _ := fwd.Str("boatId"); got != "boat-1" {
		t.Errorf("boatId = %q, want %q", got, "boat-1")
	}
	if fwd.Has("device_id") {
		t.Error("forwarded telemetry still carries device_id")
	}
}

func TestProcess_InvalidFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  protocol.Envelope
	}{
		{
			name: "missing sequence",
			msg: protocol.Envelope{
				"type": protocol.TypeTelemetry, "subtype": "sensor_data", "timestamp": 1,
			},
		},
		{
			name: "missing timestamp",
			msg: protocol.Envelope{
				"type": protocol.TypeTelemetry, "subtype": "sensor_data", "sequence": 1,
			},
		},
		{
			name: "data not an object",
			msg: protocol.Envelope{
				"type": protocol.TypeTelemetry, "subtype": "s", "sequence": 1, "timestamp": 1,
				"data": "oops",
			},
		},
		{
			name: "gps missing longitude",
			msg: protocol.Envelope{
				"type": protocol.TypeTelemetry, "subtype": "s", "sequence": 1, "timestamp": 1,
				"data": map[string]any{"gps": map[string]any{"latitude": 1.0}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rig := newTestRig(t, 10, true)
			rig.pipeline.Process(context.Background(), "boat-1", tt.msg)

			errMsg, ok := rig.device.lastOfType(t, "error")
			if !ok {
				t.Fatal("device did not receive error reply")
			}
			if got, _ := errMsg.Str("message"); got != "Invalid telemetry format" {
				t.Errorf("error message = %q, want %q", got, "Invalid telemetry format")
			}
			if _, ok := rig.client.lastOfType(t, protocol.TypeTelemetry); ok {
				t.Error("invalid telemetry was forwarded")
			}
			if len(rig.pipeline.Recent("boat-1", 0)) != 0 {
				t.Error("invalid telemetry was buffered")
			}
		})
	}
}

func TestProcess_BuffersWhenUnpaired(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 10, false)
	rig.pipeline.Process(context.Background(), "boat-1", validTelemetry(1, 1000))

	if _, ok := rig.client.lastOfType(t, protocol.TypeTelemetry); ok {
		t.Error("unpaired client received telemetry")
	}
	if got := len(rig.pipeline.Recent("boat-1", 0)); got != 1 {
		t.Errorf("buffered count = %d, want 1", got)
	}
}

func TestProcess_SequenceGapDetection(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 10, false)
	ctx := context.Background()

	rig.pipeline.Process(ctx, "boat-1", validTelemetry(1, 1))
	rig.pipeline.Process(ctx, "boat-1", validTelemetry(2, 2))

	// Jump to 7: four messages lost.
	gapped := validTelemetry(7, 7)
	rig.pipeline.Process(ctx, "boat-1", gapped)

	meta, ok := gapped.Object("_meta")
	if !ok {
		t.Fatal("gapped message has no _meta annotation")
	}
	if gap, _ := meta.Int("sequence_gap"); gap != 4 {
		t.Errorf("sequence_gap = %d, want 4", gap)
	}

	// A rewind is not a gap, and suppresses reports until caught up.
	rewound := validTelemetry(3, 8)
	rig.pipeline.Process(ctx, "boat-1", rewound)
	if rewound.Has("_meta") {
		t.Error("rewound message flagged as gap")
	}
	next := validTelemetry(4, 9)
	rig.pipeline.Process(ctx, "boat-1", next)
	if next.Has("_meta") {
		t.Error("post-rewind consecutive message flagged as gap")
	}
}

func TestProcess_GapsTrackedPerSubtype(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 10, false)
	ctx := context.Background()

	sensor := validTelemetry(1, 1)
	rig.pipeline.Process(ctx, "boat-1", sensor)

	nav := validTelemetry(1, 2)
	nav["subtype"] = "navigation"
	rig.pipeline.Process(ctx, "boat-1", nav)

	// sensor_data continues at 2: no gap even though navigation is also at 1.
	next := validTelemetry(2, 3)
	rig.pipeline.Process(ctx, "boat-1", next)
	if next.Has("_meta") {
		t.Error("cross-subtype sequences interfered")
	}
}

func TestProcess_ClockOffset(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 10, false)
	// Mock clock starts at the zero time; pick a known server instant.
	rig.mock.Add(100 * time.Second)
	serverMs := float64(rig.mock.Now().UnixMilli())

	msg := validTelemetry(1, 5000)
	msg["system_time"] = serverMs - 2500 // device clock runs 2.5s behind
	rig.pipeline.Process(context.Background(), "boat-1", msg)

	offset, ok := rig.pipeline.Offset("boat-1")
	if !ok {
		t.Fatal("no offset recorded")
	}
	if offset != 2500 {
		t.Errorf("offset = %v, want 2500", offset)
	}
	if sync, _ := msg.Float("synchronized_timestamp"); sync != 7500 {
		t.Errorf("synchronized_timestamp = %v, want 7500", sync)
	}
}

func TestProcess_BufferEvictsOldest(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 3, false)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		rig.pipeline.Process(ctx, "boat-1", validTelemetry(i, float64(i)))
	}

	recent := rig.pipeline.Recent("boat-1", 0)
	if len(recent) != 3 {
		t.Fatalf("Recent() length = %d, want 3", len(recent))
	}
	if seq, _ := recent[0].Int("sequence"); seq != 3 {
		t.Errorf("oldest retained sequence = %d, want 3", seq)
	}
	if seq, _ := recent[2].Int("sequence"); seq != 5 {
		t.Errorf("newest retained sequence = %d, want 5", seq)
	}
}

func TestDeviceStats(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 10, false)
	ctx := context.Background()

	rig.pipeline.Process(ctx, "boat-1", validTelemetry(1, 100))
	nav := validTelemetry(1, 200)
	nav["subtype"] = "navigation"
	rig.pipeline.Process(ctx, "boat-1", nav)

	stats := rig.pipeline.DeviceStats("boat-1")
	if stats.Count != 2 {
		t.Errorf("Count = %d, want 2", stats.Count)
	}
	if stats.BySubtype["sensor_data"] != 1 || stats.BySubtype["navigation"] != 1 {
		t.Errorf("BySubtype = %v", stats.BySubtype)
	}
	if stats.LastTimestamp == nil || *stats.LastTimestamp != 200 {
		t.Errorf("LastTimestamp = %v, want 200", stats.LastTimestamp)
	}

	empty := rig.pipeline.DeviceStats("ghost")
	if empty.Count != 0 || empty.LastTimestamp != nil {
		t.Errorf("stats for unknown device = %+v", empty)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)

	legacy := protocol.Envelope{
		"position":   map[string]any{"latitude": 37.5, "longitude": -122.3},
		"navigation": map[string]any{"heading": 90.0, "speed": 3.5},
		"status":     map[string]any{"battery": 80.0},
	}
	out, ok := Normalize(legacy, now)
	if !ok {
		t.Fatal("Normalize rejected a legacy position report")
	}
	if out.Type() != protocol.TypeTelemetry || out.Subtype() != "sensor_data" {
		t.Errorf("normalized type/subtype = %q/%q", out.Type(), out.Subtype())
	}
	data, _ := out.Object("data")
	gps, _ := data.Object("gps")
	if lat, _ := gps.Float("latitude"); lat != 37.5 {
		t.Errorf("latitude = %v, want 37.5", lat)
	}
	if heading, _ := data.Float("heading"); heading != 90 {
		t.Errorf("heading = %v, want 90", heading)
	}
	if battery, _ := data.Float("battery"); battery != 80 {
		t.Errorf("battery = %v, want 80", battery)
	}
	if ts, _ := out.Float("timestamp"); ts != float64(now.UnixMilli()) {
		t.Errorf("timestamp = %v, want %v", ts, now.UnixMilli())
	}

	// Typed messages and non-position objects are not legacy reports.
	if _, ok := Normalize(protocol.Envelope{"type": "telemetry"}, now); ok {
		t.Error("Normalize accepted a typed message")
	}
	if _, ok := Normalize(protocol.Envelope{"position": map[string]any{"latitude": 1.0}}, now); ok {
		t.Error("Normalize accepted a position without longitude")
	}
}
