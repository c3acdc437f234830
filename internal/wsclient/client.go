// Package wsclient is a resilient WebSocket client: automatic reconnect
// with exponential backoff and jitter, ping/pong heartbeat, and an outbound
// send queue that survives a dropped connection. It carries no domain
// knowledge of the messages it moves.
//
// Grounded on the teacher's internal/connection.Client (ping/pong handler
// wiring, readLoop/heartbeatLoop goroutine shape, writeMu-serialized
// control+data writes) and original_source/ws_client.py's run_ws_loop
// (backoff/jitter schedule, the outbound queue's head-reinsertion-on-
// send-failure behavior).
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrStaleConnection is returned internally when no ping/pong activity has
// been observed within PingTimeout, forcing a reconnect.
var ErrStaleConnection = errors.New("wsclient: connection stale, no ping/pong activity")

// ErrNotConnected reports that no session is live. No Client method returns
// it: Send queues frames regardless of connection state.
var ErrNotConnected = errors.New("wsclient: not connected")

// Config controls dial, heartbeat and reconnect behavior.
type Config struct {
	URL           string
	PingInterval  time.Duration
	PingTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	WriteTimeout  time.Duration

	// OnReconnect, if set, is called once per dial attempt (including the
	// first). Intended for the boundary package's reconnect counter.
	OnReconnect func()
}

// OnConnect is invoked once per successful dial and returns frames to
// enqueue for the new session (e.g. session subscriptions). They are
// appended to the back of the outbound queue, so frames still queued from
// an earlier session are sent ahead of them. Returning an error aborts the
// session and triggers a reconnect.
type OnConnect func(ctx context.Context) ([][]byte, error)

// OnMessage is invoked for every inbound text frame, in order, on the
// client's own goroutine. It must not block for long or it will stall the
// read loop.
type OnMessage func(payload []byte)

// Client is a single logical upstream connection that reconnects itself
// for as long as Run's context is alive.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	onConnect OnConnect
	onMessage OnMessage
	queue     *sendQueue

	writeMu sync.Mutex

	mu           sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	lastActivity time.Time
}

// New creates a Client. onConnect and onMessage may be nil.
func New(cfg Config, onConnect OnConnect, onMessage OnMessage, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		logger:    logger,
		onConnect: onConnect,
		onMessage: onMessage,
		queue:     newSendQueue(),
	}
}

// Send enqueues a frame for delivery. It never blocks and never fails: if
// no session is live, the frame waits for the next one; if a send fails
// mid-session, wsclient itself requeues the frame for the session after
// that.
func (c *Client) Send(frame []byte) {
	c.queue.push(frame)
}

// IsConnected reports whether a session is currently established.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Run dials, reconnecting with exponential backoff plus jitter on every
// failure, until ctx is canceled. It always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}

		connected, err := c.runSession(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("websocket session ended", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.cfg.ReconnectBase
		}

		delay := backoff
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
		jitterMax := delay / 2
		if jitterMax > time.Second {
			jitterMax = time.Second
		}
		wait := delay
		if jitterMax > 0 {
			wait += time.Duration(rand.Int63n(int64(jitterMax)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// runSession dials once and runs the session until it ends. It reports
// connected=true whenever the dial itself succeeded, regardless of what
// happened afterward, so the caller knows whether to reset its backoff.
func (c *Client) runSession(parent context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, dialErr := dialer.DialContext(parent, c.cfg.URL, http.Header{})
	if dialErr != nil {
		return false, dialErr
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(parent)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastActivity = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
	}()

	conn.SetPingHandler(func(data string) error {
		c.touch()
		return c.writeControl(conn, websocket.PongMessage, []byte(data))
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	var wg sync.WaitGroup
	senderErr := make(chan error, 1)
	heartbeatErr := make(chan error, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		senderErr <- c.senderLoop(sessionCtx, conn)
	}()
	go func() {
		defer wg.Done()
		heartbeatErr <- c.heartbeatLoop(sessionCtx, conn)
	}()

	if c.onConnect != nil {
		initial, connectErr := c.onConnect(sessionCtx)
		if connectErr != nil {
			cancel()
			wg.Wait()
			return true, fmt.Errorf("on-connect: %w", connectErr)
		}
		for _, frame := range initial {
			c.queue.push(frame)
		}
	}

	readErr := c.readLoop(sessionCtx, conn)
	cancel()
	wg.Wait()

	if readErr != nil {
		return true, readErr
	}
	select {
	case err := <-senderErr:
		if err != nil && err != context.Canceled {
			return true, err
		}
	default:
	}
	select {
	case err := <-heartbeatErr:
		if err != nil && err != context.Canceled {
			return true, err
		}
	default:
	}
	return true, nil
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) writeControl(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(messageType, data, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *Client) writeMessage(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads inbound frames until the connection errors or ctx ends.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.touch()
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

// senderLoop drains the outbound queue and writes each frame. A write
// failure requeues the frame at the front of the queue for the next
// session, matching the original client's "the queue slot was consumed;
// put it back" behavior, then ends the session so Run redials.
func (c *Client) senderLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		frame, ok := c.queue.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := c.writeMessage(conn, frame); err != nil {
			c.queue.requeue(frame)
			return err
		}
	}
}

// heartbeatLoop sends periodic pings and watches for a stale connection
// (no ping/pong activity within PingTimeout).
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.writeControl(conn, websocket.PingMessage, []byte("keepalive")); err != nil {
				return err
			}
			c.mu.RLock()
			last := c.lastActivity
			c.mu.RUnlock()
			if time.Since(last) > c.cfg.PingTimeout {
				return ErrStaleConnection
			}
		}
	}
}
