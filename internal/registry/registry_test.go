package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/driftlab/shoregate/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel is an in-memory Channel that records written frames.
type fakeChannel struct {
	mu        sync.Mutex
	frames    [][]byte
	failWrite bool
	closed    bool
	closeCode websocket.StatusCode
}

func (c *fakeChannel) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeChannel) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeChannel) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrite = true
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// messages decodes every recorded frame.
func (c *fakeChannel) messages(t *testing.T) []protocol.Envelope {
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

// lastOfType returns the newest recorded message with the given type.
func (c *fakeChannel) lastOfType(t *testing.T, typ string) (protocol.Envelope, bool) {
	t.Helper()
	msgs := c.messages(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type() == typ {
			return msgs[i], true
		}
	}
	return nil, false
}

func newTestRegistry() (*Registry, *clock.Mock) {
	mock := clock.NewMock()
	return New(testLogger(), mock), mock
}

func TestAcceptClient_SendsDevicesList(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	reg.AcceptDevice(ctx, "boat-b", &fakeChannel{})
	reg.AcceptDevice(ctx, "boat-a", &fakeChannel{})

	client := &fakeChannel{}
	reg.AcceptClient(ctx, "op-1", client)

	list, ok := client.lastOfType(t, "devices_list")
	if !ok {
		t.Fatal("client did not receive devices_list on connect")
	}
	devices, ok := list["devices"].([]any)
	if !ok || len(devices) != 2 {
		t.Fatalf("devices = %v, want 2 entries", list["devices"])
	}
	// Sorted by id.
	first := protocol.Envelope(devices[0].(map[string]any))
	if id, _ := first.Str("id"); id != "boat-a" {
		t.Errorf("first device = %q, want %q", id, "boat-a")
	}
}

func TestPair_Invariants(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	reg.AcceptDevice(ctx, "boat-1", &fakeChannel{})
	reg.AcceptDevice(ctx, "boat-2", &fakeChannel{})
	reg.AcceptClient(ctx, "op-1", &fakeChannel{})
	reg.AcceptClient(ctx, "op-2", &fakeChannel{})

	if !reg.Pair("boat-1", "op-1") {
		t.Fatal("Pair(boat-1, op-1) = false")
	}
	// Idempotent.
	if !reg.Pair("boat-1", "op-1") {
		t.Fatal("re-Pair(boat-1, op-1) = false")
	}

	// Last writer wins: op-1 moves to boat-2, boat-1 must be released.
	if !reg.Pair("boat-2", "op-1") {
		t.Fatal("Pair(boat-2, op-1) = false")
	}
	if _, ok := reg.PairedClient("boat-1"); ok {
		t.Error("boat-1 still paired after its client moved away")
	}
	if got, _ := reg.PairedDevice("op-1"); got != "boat-2" {
		t.Errorf("PairedDevice(op-1) = %q, want %q", got, "boat-2")
	}

	// Steal boat-2 for op-2: op-1 must be released.
	if !reg.Pair("boat-2", "op-2") {
		t.Fatal("Pair(boat-2, op-2) = false")
	}
	if _, ok := reg.PairedDevice("op-1"); ok {
		t.Error("op-1 still paired after its device was taken")
	}
	if got, _ := reg.PairedClient("boat-2"); got != "op-2" {
		t.Errorf("PairedClient(boat-2) = %q, want %q", got, "op-2")
	}
}

func TestPair_RequiresConnectedPeers(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	reg.AcceptClient(ctx, "op-1", &fakeChannel{})
	if reg.Pair("ghost-boat", "op-1") {
		t.Error("Pair with unknown device succeeded")
	}

	reg.AcceptDevice(ctx, "boat-1", &fakeChannel{})
	reg.MarkDeviceDisconnected(ctx, "boat-1")
	if reg.Pair("boat-1", "op-1") {
		t.Error("Pair with disconnected device succeeded")
	}
}

func TestAcceptDevice_ReplacesLiveConnection(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	old := &fakeChannel{}
	reg.AcceptDevice(ctx, "boat-1", old)
	reg.AcceptDevice(ctx, "boat-1", &fakeChannel{})

	if !old.isClosed() {
		t.Fatal("old connection not closed on reconnect")
	}
	if old.closeCode != websocket.StatusPolicyViolation {
		t.Errorf("close code = %v, want StatusPolicyViolation", old.closeCode)
	}
	if !reg.DeviceConnected("boat-1") {
		t.Error("device not connected after replacement")
	}
}

func TestReconnect_RestoresPairing(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	client := &fakeChannel{}
	reg.AcceptDevice(ctx, "boat-1", &fakeChannel{})
	reg.AcceptClient(ctx, "op-1", client)
	reg.Pair("boat-1", "op-1")

	reg.MarkDeviceDisconnected(ctx, "boat-1")
	status, ok := client.lastOfType(t, "connection_status")
	if !ok {
		t.Fatal("client not notified of device disconnect")
	}
	if got, _ := status.Str("status"); got != "disconnected" {
		t.Errorf("status = %q, want %q", got, "disconnected")
	}

	// Device comes back: pairing resumes and client hears about it.
	reg.AcceptDevice(ctx, "boat-1", &fakeChannel{})
	status, _ = client.lastOfType(t, "connection_status")
	if got, _ := status.Str("status"); got != "connected" {
		t.Errorf("status after reconnect = %q, want %q", got, "connected")
	}
	if got, _ := reg.PairedClient("boat-1"); got != "op-1" {
		t.Errorf("PairedClient = %q, want %q", got, "op-1")
	}
}

func TestReconnect_ClientNotToldDownDeviceIsConnected(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	reg.AcceptDevice(ctx, "boat-1", &fakeChannel{})
	reg.AcceptClient(ctx, "op-1", &fakeChannel{})
	reg.Pair("boat-1", "op-1")
	reg.MarkDeviceDisconnected(ctx, "boat-1")

	// Client reconnects while the boat is still down: the pairing is
	// restored, but no "connected" status may be sent for a down device.
	fresh := &fakeChannel{}
	reg.AcceptClient(ctx, "op-1", fresh)

	if status, ok := fresh.lastOfType(t, "connection_status"); ok {
		if got, _ := status.Str("status"); got == "connected" {
			t.Error("client told down device is connected")
		}
	}
	if got, _ := reg.PairedDevice("op-1"); got != "boat-1" {
		t.Errorf("PairedDevice(op-1) = %q, want %q", got, "boat-1")
	}
	if _, ok := fresh.lastOfType(t, "devices_list"); !ok {
		t.Error("client did not receive devices_list on reconnect")
	}

	// Once the boat returns, the restored pairing notifies the client.
	reg.AcceptDevice(ctx, "boat-1", &fakeChannel{})
	status, ok := fresh.lastOfType(t, "connection_status")
	if !ok {
		t.Fatal("client not notified when device came back")
	}
	if got, _ := status.Str("status"); got != "connected" {
		t.Errorf("status = %q, want %q", got, "connected")
	}
}

func TestSend_FailureMarksDisconnected(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	ch := &fakeChannel{}
	reg.AcceptDevice(ctx, "boat-1", ch)
	ch.fail()

	if reg.SendToDevice(ctx, "boat-1", &protocol.PingMessage{}) {
		t.Fatal("SendToDevice succeeded on broken channel")
	}
	if reg.DeviceConnected("boat-1") {
		t.Error("device still connected after send failure")
	}
}

func TestSend_UnknownPeer(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	if reg.SendToDevice(ctx, "ghost", &protocol.PingMessage{}) {
		t.Error("SendToDevice to unknown device succeeded")
	}
	if reg.SendToClient(ctx, "ghost", &protocol.PingMessage{}) {
		t.Error("SendToClient to unknown client succeeded")
	}
}

func TestPingAll_DoesNotRefreshActivity(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry()
	ctx := context.Background()

	ch := &fakeChannel{}
	reg.AcceptDevice(ctx, "boat-1", ch)

	// Ping after 25s of silence. The probe itself must not count as
	// activity, so the 30s sweep still evicts.
	mock.Add(25 * time.Second)
	reg.PingAll(ctx)

	if _, ok := ch.lastOfType(t, "ping"); !ok {
		t.Fatal("device did not receive ping")
	}

	mock.Add(6 * time.Second)
	reg.SweepIdle(ctx, 30*time.Second)

	if reg.DeviceConnected("boat-1") {
		t.Error("idle device survived sweep despite ping traffic")
	}
}

func TestPingAll_EvictsOnWriteFailure(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	ch := &fakeChannel{}
	reg.AcceptDevice(ctx, "boat-1", ch)
	ch.fail()

	reg.PingAll(ctx)

	if reg.DeviceConnected("boat-1") {
		t.Error("device still connected after failed ping")
	}
}

func TestSweepIdle_SparesActivePeers(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry()
	ctx := context.Background()

	reg.AcceptDevice(ctx, "boat-1", &fakeChannel{})
	reg.AcceptDevice(ctx, "boat-2", &fakeChannel{})

	mock.Add(20 * time.Second)
	reg.Touch(RoleDevice, "boat-1")
	mock.Add(15 * time.Second)
	reg.SweepIdle(ctx, 30*time.Second)

	if !reg.DeviceConnected("boat-1") {
		t.Error("recently active device evicted")
	}
	if reg.DeviceConnected("boat-2") {
		t.Error("idle device not evicted")
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry()
	ctx := context.Background()

	dch, cch := &fakeChannel{}, &fakeChannel{}
	reg.AcceptDevice(ctx, "boat-1", dch)
	reg.AcceptClient(ctx, "op-1", cch)
	reg.Pair("boat-1", "op-1")

	reg.CloseAll()

	if !dch.isClosed() || !cch.isClosed() {
		t.Error("connections not closed")
	}
	devices, clients := reg.Counts()
	if devices != 0 || clients != 0 {
		t.Errorf("Counts() = %d, %d after CloseAll, want 0, 0", devices, clients)
	}
	if _, ok := reg.PairedClient("boat-1"); ok {
		t.Error("pairing survived CloseAll")
	}
}
