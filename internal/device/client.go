// Package device implements the boat-side WebSocket client for the shoregate
// relay. It dials the relay's device endpoint, delivers inbound envelopes on
// a channel, and reconnects with exponential backoff when the link drops.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/driftlab/shoregate/pkg/protocol"
)

// ClientConfig holds configuration for a relay device Client.
type ClientConfig struct {
	// ServerURL is the base URL of the relay (e.g. "ws://localhost:8000").
	// The device endpoint path is derived from it.
	ServerURL string

	// DeviceID is this boat's unique identifier, used as the endpoint path
	// segment and the identity the relay tracks.
	DeviceID string

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// MessageBufferSize is the capacity of the inbound message channel.
	// Defaults to 64 if zero.
	MessageBufferSize int

	// DialTimeout bounds the duration of each WebSocket dial attempt.
	// Defaults to 10s if zero.
	DialTimeout time.Duration

	// Reconnect controls automatic reconnection behavior.
	Reconnect ReconnectConfig
}

// ReconnectConfig controls the reconnection backoff strategy.
type ReconnectConfig struct {
	// Enabled controls whether automatic reconnection is attempted.
	Enabled bool

	// InitialDelay is the delay before the first reconnection attempt.
	// Defaults to 1s.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between reconnection attempts.
	// Defaults to 30s.
	MaxDelay time.Duration

	// MaxAttempts is the maximum number of reconnection attempts.
	// Zero means unlimited.
	MaxAttempts int
}

// Client is a WebSocket client for the relay's device endpoint. It connects,
// delivers incoming envelopes on a channel, and reconnects with exponential
// backoff on connection loss.
type Client struct {
	cfg    ClientConfig
	log    *slog.Logger
	msgCh  chan protocol.Envelope
	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a relay device client with the given configuration.
// Call Connect to establish the connection and start receiving messages.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("device_id", cfg.DeviceID)

	bufSize := cfg.MessageBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}

	return &Client{
		cfg:   cfg,
		log:   log,
		msgCh: make(chan protocol.Envelope, bufSize),
		done:  make(chan struct{}),
	}
}

// Messages returns a read-only channel that delivers inbound envelopes. The
// channel is closed when the client is closed or reconnection is exhausted.
func (c *Client) Messages() <-chan protocol.Envelope {
	return c.msgCh
}

// Connect dials the relay and starts the receive loop. It blocks until the
// initial connection is established or fails; reconnection after that
// happens in the background.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.dial(ctx); err != nil {
		cancel()
		// The receive loop never starts, so its channels close here.
		close(c.msgCh)
		close(c.done)
		return fmt.Errorf("connecting to relay: %w", err)
	}

	c.log.Info("connected to relay", "url", c.cfg.ServerURL)

	go c.receiveLoop(ctx)

	return nil
}

// Send writes one message to the relay. msg may be a typed protocol.Message
// or a generic Envelope.
func (c *Client) Send(ctx context.Context, msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Close gracefully shuts down the client, closing the WebSocket connection
// and the message channel.
func (c *Client) Close() error {
	if c.cancel == nil {
		// Connect was never called; there is no receive loop to wait for.
		return nil
	}
	c.cancel()

	// Wait for the receive loop to finish.
	<-c.done

	return nil
}

// endpointURL joins the configured base URL with the device endpoint path.
func (c *Client) endpointURL() (string, error) {
	base, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	return base.JoinPath("ws", "device", c.cfg.DeviceID).String(), nil
}

// dial establishes a WebSocket connection to the relay's device endpoint.
func (c *Client) dial(ctx context.Context) error {
	endpoint, err := c.endpointURL()
	if err != nil {
		return err
	}

	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return nil
}

// closeConn closes the current WebSocket connection, if any.
func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// receiveLoop reads envelopes from the WebSocket and sends them on the
// message channel, reconnecting on connection loss when enabled. It closes
// the message channel and the done channel when finished.
func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)

	for {
		err := c.readMessages(ctx)
		if err == nil || ctx.Err() != nil {
			c.closeConn()
			return
		}

		c.log.Warn("connection lost", "error", err)
		c.closeConn()

		if !c.cfg.Reconnect.Enabled {
			return
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

// readMessages reads envelopes from the current connection until an error
// occurs or the context is cancelled. Returns nil only on clean close.
func (c *Client) readMessages(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return errors.New("no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("ignoring malformed message", "error", err)
			continue
		}

		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconnect attempts to re-establish the connection with exponential backoff.
// Returns true if reconnection succeeded, false if it should give up.
func (c *Client) reconnect(ctx context.Context) bool {
	initialDelay := c.cfg.Reconnect.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxAttempts := c.cfg.Reconnect.MaxAttempts

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		// Exponential backoff: initialDelay * 2^(attempt-1), capped at maxDelay.
		// Guard against floating-point overflow for large attempt counts —
		// math.Pow(2, N) overflows to +Inf for large N, and converting that
		// to time.Duration wraps to a negative or zero value, defeating the cap.
		backoff := maxDelay
		if attempt <= 62 { // 2^62 is the largest power of 2 that fits in int64
			backoff = time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
		}
		if backoff <= 0 || backoff > maxDelay {
			backoff = maxDelay
		}

		c.log.Info("reconnecting", "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		c.log.Info("reconnected to relay", "attempt", attempt)
		return true
	}

	c.log.Error("reconnection attempts exhausted")
	return false
}
