// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package stream manages the WebSocket connection to the agent backend.
//
// A Manager owns at most one logical connection at a time, keyed by session
// id. Each Conn handles its own bounded reconnection with a fixed interval and
// emits lifecycle events that the orchestrator consumes; the stream layer
// never interprets frame payloads.
package stream

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send when the connection is not open.
var ErrNotConnected = errors.New("stream: not connected")

// ReadyState mirrors transport readiness.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name for logging.
func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// EventType categorizes connection lifecycle events.
type EventType int

const (
	// EventOpened means the connection (or a reconnect) succeeded.
	EventOpened EventType = iota
	// EventMessage carries one inbound text frame in Data.
	EventMessage
	// EventError reports a dial or transport error; not terminal by itself.
	EventError
	// EventClosed reports an unexpected closure with a reconnect scheduled.
	// Attempt is the 1-based reconnect attempt about to run.
	EventClosed
	// EventDisconnected is terminal: retries are exhausted and the
	// connection will not recover on its own.
	EventDisconnected
)

// Event is a lifecycle event emitted by a Conn.
type Event struct {
	Type    EventType
	Data    []byte
	Err     error
	Attempt int
}

// Config bounds reconnection behavior.
type Config struct {
	// ReconnectAttempts is the number of reconnect dials after an
	// unexpected closure before giving up.
	ReconnectAttempts int
	// ReconnectInterval is the fixed delay between reconnect dials.
	ReconnectInterval time.Duration
}

// DefaultConfig matches the reference behavior: five attempts, three seconds
// apart.
func DefaultConfig() Config {
	return Config{
		ReconnectAttempts: 5,
		ReconnectInterval: 3 * time.Second,
	}
}

// Conn is one logical streaming connection bound to a single session address.
// The address never changes for the lifetime of the Conn; a different session
// or credential means a new Conn.
type Conn struct {
	url    string
	cfg    Config
	dialer *websocket.Dialer

	mu         sync.Mutex
	ws         *websocket.Conn
	state      ReadyState
	attempts   int
	retryTimer *time.Timer
	gen        int // bumps on every teardown; guards stale read loops

	writeMu sync.Mutex

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(addr string, cfg Config) *Conn {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 3 * time.Second
	}
	c := &Conn{
		url:    addr,
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		state:  StateConnecting,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go c.dial()
	return c
}

// Events returns the lifecycle event channel. Events stop after
// EventDisconnected or Close.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// State returns the current readiness.
func (c *Conn) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is open.
func (c *Conn) IsConnected() bool {
	return c.State() == StateOpen
}

// Send transmits one text frame. Returns ErrNotConnected unless the
// connection is open.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("stream: write frame: %w", err)
	}
	return nil
}

// Close tears the connection down. Idempotent: it cancels any pending
// reconnect timer, and calling it on an already-closed connection is a no-op.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.gen++
		c.state = StateClosed
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()

		if ws != nil {
			deadline := time.Now().Add(time.Second)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			ws.Close()
		}
		close(c.done)
	})
}

// dial attempts a connection and, on success, starts the read loop.
func (c *Conn) dial() {
	ws, resp, err := c.dialer.Dial(c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		if err == nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.emit(Event{Type: EventError, Err: err})
		c.scheduleReconnect(err)
		return
	}
	c.ws = ws
	c.state = StateOpen
	c.attempts = 0
	gen := c.gen
	c.mu.Unlock()

	c.emit(Event{Type: EventOpened})
	go c.readLoop(ws, gen)
}

// readLoop pumps inbound frames until the transport fails. Frames read by a
// stale generation (after Close or a reconnect teardown) are dropped, never
// delivered.
func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := gen != c.gen || c.state == StateClosed || c.state == StateClosing
			c.mu.Unlock()
			if stale {
				return
			}
			c.scheduleReconnect(err)
			return
		}

		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.emit(Event{Type: EventMessage, Data: data})
	}
}

// scheduleReconnect arms the retry timer, or emits the terminal disconnect
// once the attempt budget is spent.
func (c *Conn) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.attempts++
	if c.attempts > c.cfg.ReconnectAttempts {
		c.state = StateClosed
		c.mu.Unlock()
		c.emit(Event{Type: EventDisconnected, Err: cause})
		return
	}
	c.state = StateConnecting
	attempt := c.attempts
	c.retryTimer = time.AfterFunc(c.cfg.ReconnectInterval, c.dial)
	c.mu.Unlock()

	c.emit(Event{Type: EventClosed, Err: cause, Attempt: attempt})
}

// emit delivers an event unless the connection has been closed.
func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Manager owns the single live connection. Opening a new session closes any
// previous connection first, so concurrent streams never leak.
type Manager struct {
	baseURL string
	cfg     Config

	mu   sync.Mutex
	conn *Conn
}

// NewManager creates a manager dialing against baseURL, which may use an
// http(s) or ws(s) scheme; http schemes are rewritten to their WebSocket
// equivalents.
func NewManager(baseURL string, cfg Config) *Manager {
	return &Manager{baseURL: baseURL, cfg: cfg}
}

// Open establishes a new logical connection for the session. The token, when
// non-empty, rides as a query parameter; otherwise the transport's ambient
// cookie authenticates. Any previous connection is closed first.
func (m *Manager) Open(sessionID, token string) (*Conn, error) {
	addr, err := BuildURL(m.baseURL, sessionID, token)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev := m.conn
	c := newConn(addr, m.cfg)
	m.conn = c
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return c, nil
}

// Current returns the live connection, or nil.
func (m *Manager) Current() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Close tears down the live connection, if any. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// BuildURL derives the stream address for a session deterministically from
// the base URL, the session id, and the optional credential token.
func BuildURL(baseURL, sessionID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("stream: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/agent/stream/" + sessionID
	if token != "" {
		q := url.Values{}
		q.Set("token", token)
		u.RawQuery = q.Encode()
	} else {
		u.RawQuery = ""
	}
	return u.String(), nil
}
