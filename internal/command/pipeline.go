// Package command implements the relay's command pipeline: metadata
// annotation, bounded per-device history, the pending table that tracks
// commands awaiting device acknowledgement, timeout expiry, and routing of
// acks back to the issuing client.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/driftlab/shoregate/internal/registry"
	"github.com/driftlab/shoregate/pkg/protocol"
)

const (
	// AckTimeout is how long a delivered command may sit unacknowledged
	// before the issuing client is told it timed out.
	AckTimeout = 10 * time.Second

	// HistorySize caps the per-device command history ring.
	HistorySize = 100
)

// pendingCommand is one delivered-but-unacknowledged command.
type pendingCommand struct {
	clientID  string
	deviceID  string
	submitted time.Time
	command   protocol.Envelope
	status    string
}

// Pipeline owns command sequences, history, and the pending table. Safe for
// concurrent use.
type Pipeline struct {
	log     *slog.Logger
	clock   clock.Clock
	reg     *registry.Registry
	timeout time.Duration

	mu      sync.Mutex
	history map[string][]protocol.Envelope
	seqs    map[string]int64
	pending map[string]*pendingCommand

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a Pipeline with the given ack timeout. If logger is nil,
// slog.Default() is used. If clk is nil, the wall clock is used.
func New(reg *registry.Registry, timeout time.Duration, logger *slog.Logger, clk clock.Clock) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Pipeline{
		log:     logger.With("component", "command"),
		clock:   clk,
		reg:     reg,
		timeout: timeout,
		history: make(map[string][]protocol.Envelope),
		seqs:    make(map[string]int64),
		pending: make(map[string]*pendingCommand),
		quit:    make(chan struct{}),
	}
}

// Close cancels all outstanding timeout tasks. Called on shutdown.
func (p *Pipeline) Close() {
	p.quitOnce.Do(func() { close(p.quit) })
}

// Process annotates and relays one command from clientID to deviceID. The
// client must be paired with the device. On successful delivery the command
// enters the pending table and a timeout task is scheduled.
func (p *Pipeline) Process(ctx context.Context, clientID, deviceID string, msg protocol.Envelope) {
	if paired, ok := p.reg.PairedDevice(clientID); !ok || paired != deviceID {
		p.log.Warn("command to unpaired device", "client_id", clientID, "device_id", deviceID)
		reply := &protocol.ErrorMessage{
			Message: fmt.Sprintf("Not paired with device %s", deviceID),
		}
		if id, ok := msg.Str("command_id"); ok {
			reply.CommandID = id
		}
		p.reg.SendToClient(ctx, clientID, reply)
		return
	}

	commandID := p.annotate(clientID, deviceID, msg)

	if !p.reg.SendToDevice(ctx, deviceID, msg) {
		p.reg.SendToClient(ctx, clientID, &protocol.CommandStatus{
			CommandID: commandID,
			Status:    protocol.StatusFailed,
			Message:   "Device unavailable",
		})
		return
	}

	p.mu.Lock()
	p.pending[commandID] = &pendingCommand{
		clientID:  clientID,
		deviceID:  deviceID,
		submitted: p.clock.Now(),
		command:   msg,
		status:    protocol.StatusPending,
	}
	p.mu.Unlock()

	go p.expire(commandID)
}

// annotate stamps relay metadata onto the command and records it in the
// device's history. Sequences are strictly increasing per device across all
// clients, starting at 1.
func (p *Pipeline) annotate(clientID, deviceID string, msg protocol.Envelope) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.seqs[deviceID] + 1
	p.seqs[deviceID] = seq

	commandID, ok := msg.Str("command_id")
	if !ok || commandID == "" {
		commandID = fmt.Sprintf("%s-%d-%d", deviceID, seq, p.clock.Now().Unix())
		msg["command_id"] = commandID
	}
	msg["server_timestamp"] = p.clock.Now().UnixMilli()
	msg["sequence"] = seq
	msg["client_id"] = clientID

	hist := append(p.history[deviceID], msg)
	if len(hist) > HistorySize {
		hist = hist[len(hist)-HistorySize:]
	}
	p.history[deviceID] = hist

	return commandID
}

// HandleAck routes a device's acknowledgement back to the issuing client.
// Acks for unknown or already-expired command ids are logged and dropped.
func (p *Pipeline) HandleAck(ctx context.Context, deviceID string, ack protocol.Envelope) {
	commandID, _ := ack.Str("command_id")
	status, ok := ack.Str("status")
	if !ok {
		status = "unknown"
	}

	p.mu.Lock()
	pc, found := p.pending[commandID]
	if !found {
		p.mu.Unlock()
		p.log.Warn("ack for unknown command", "device_id", deviceID, "command_id", commandID)
		return
	}
	pc.status = status
	clientID := pc.clientID
	if protocol.TerminalStatus(status) {
		delete(p.pending, commandID)
	}
	p.mu.Unlock()

	message, _ := ack.Str("message")
	p.reg.SendToClient(ctx, clientID, &protocol.CommandStatus{
		CommandID: commandID,
		Status:    status,
		Message:   message,
		Timestamp: p.clock.Now().UnixMilli(),
	})
}

// HandleStatusResponse forwards a device's status_response to its paired
// client, stamping deviceId when the device omitted it.
func (p *Pipeline) HandleStatusResponse(ctx context.Context, deviceID string, msg protocol.Envelope) {
	clientID, ok := p.reg.PairedClient(deviceID)
	if !ok {
		p.log.Warn("status response from unpaired device", "device_id", deviceID)
		return
	}
	if !msg.Has("deviceId") {
		msg["deviceId"] = deviceID
	}
	p.reg.SendToClient(ctx, clientID, msg)
}

// expire is the per-command timeout task. If the command is still pending
// when the timer fires, the issuing client gets a timeout status and the
// record is removed; a later ack for the same id is then dropped as unknown.
func (p *Pipeline) expire(commandID string) {
	timer := p.clock.Timer(p.timeout)
	defer timer.Stop()

	select {
	case <-p.quit:
		return
	case <-timer.C:
	}

	p.mu.Lock()
	pc, found := p.pending[commandID]
	if !found || pc.status != protocol.StatusPending {
		p.mu.Unlock()
		return
	}
	delete(p.pending, commandID)
	clientID := pc.clientID
	p.mu.Unlock()

	p.log.Warn("command timed out", "command_id", commandID, "client_id", clientID)

	p.reg.SendToClient(context.Background(), clientID, &protocol.CommandStatus{
		CommandID: commandID,
		Status:    protocol.StatusTimeout,
		Message:   "Device did not acknowledge command",
		Timestamp: p.clock.Now().UnixMilli(),
	})
}

// History returns up to limit of the device's most recent commands, oldest
// first.
func (p *Pipeline) History(deviceID string, limit int) []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	hist := p.history[deviceID]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]protocol.Envelope, limit)
	copy(out, hist[len(hist)-limit:])
	return out
}

// PendingCount returns the number of commands awaiting acknowledgement.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
