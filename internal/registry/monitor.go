package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/driftlab/shoregate/pkg/protocol"
)

// sweepPeriod is how often the idle sweep inspects connections. The eviction
// threshold itself comes from configuration; this cadence is fixed.
const sweepPeriod = 10 * time.Second

// Monitor runs the two liveness loops over a Registry: the periodic ping
// probe and the idle-timeout sweep.
type Monitor struct {
	reg          *Registry
	log          *slog.Logger
	clock        clock.Clock
	pingInterval time.Duration
	idleTimeout  time.Duration
}

// NewMonitor creates a Monitor. If logger is nil, slog.Default() is used.
// If clk is nil, the wall clock is used.
func NewMonitor(reg *Registry, pingInterval, idleTimeout time.Duration, logger *slog.Logger, clk clock.Clock) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		reg:          reg,
		log:          logger.With("component", "monitor"),
		clock:        clk,
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
	}
}

// Run blocks until ctx is cancelled, driving both loops.
func (m *Monitor) Run(ctx context.Context) {
	ping := m.clock.Ticker(m.pingInterval)
	defer ping.Stop()
	sweep := m.clock.Ticker(sweepPeriod)
	defer sweep.Stop()

	m.log.Info("liveness monitor started",
		"ping_interval", m.pingInterval, "idle_timeout", m.idleTimeout)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("liveness monitor stopped")
			return
		case <-ping.C:
			m.reg.PingAll(ctx)
		case <-sweep.C:
			m.reg.SweepIdle(ctx, m.idleTimeout)
		}
	}
}

// PingAll writes a ping frame to every connected peer. A failed write evicts
// the peer the same way an idle timeout does. Pings deliberately bypass the
// send primitives: probe traffic must not refresh activity timestamps, or
// the idle sweep would never fire.
func (r *Registry) PingAll(ctx context.Context) {
	data, err := protocol.Marshal(&protocol.PingMessage{})
	if err != nil {
		r.log.Error("encoding ping", "error", err)
		return
	}

	for _, t := range r.connectedPeers() {
		if err := t.ch.Write(ctx, websocket.MessageText, data); err != nil {
			r.log.Warn("ping failed, evicting", "role", t.role, "id", t.id, "error", err)
			r.evict(ctx, t.role, t.id)
		}
	}
}

// SweepIdle evicts every connected peer whose last observed activity is
// older than timeout.
func (r *Registry) SweepIdle(ctx context.Context, timeout time.Duration) {
	now := r.clock.Now()

	for _, t := range r.connectedPeers() {
		if now.Sub(t.lastActivity) > timeout {
			r.log.Warn("connection timed out", "role", t.role, "id", t.id,
				"idle", now.Sub(t.lastActivity))
			r.evict(ctx, t.role, t.id)
		}
	}
}

type peerSnapshot struct {
	role         Role
	id           string
	ch           Channel
	lastActivity time.Time
}

// connectedPeers snapshots the connected set so probe writes happen outside
// the registry lock.
func (r *Registry) connectedPeers() []peerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]peerSnapshot, 0, len(r.devices)+len(r.clients))
	for id, c := range r.devices {
		if c.connected {
			peers = append(peers, peerSnapshot{RoleDevice, id, c.ch, c.lastActivity})
		}
	}
	for id, c := range r.clients {
		if c.connected {
			peers = append(peers, peerSnapshot{RoleClient, id, c.ch, c.lastActivity})
		}
	}
	return peers
}

// evict is the shared one-sided disconnect path for probe failures and idle
// timeouts. The transport is not forcibly closed; its own close or the next
// send error reclaims it.
func (r *Registry) evict(ctx context.Context, role Role, id string) {
	switch role {
	case RoleDevice:
		r.MarkDeviceDisconnected(ctx, id)
	case RoleClient:
		r.MarkClientDisconnected(ctx, id)
	}
}
