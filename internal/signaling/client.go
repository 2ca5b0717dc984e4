package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientWriteWait      = 10 * time.Second
	clientPongWait       = 60 * time.Second
	clientPingPeriod     = (clientPongWait * 9) / 10
	clientMaxMessageSize = 64 * 1024
	clientQueueSize      = 64

	DefaultReconnectBackoff     = time.Second
	DefaultMaxReconnectAttempts = 5
)

var (
	ErrClientClosed = errors.New("signaling client closed")
	// ErrClosedByRelay means the relay closed the socket with a policy
	// violation, e.g. the session was replaced or failed auth. Such a close
	// is final and is not redialled.
	ErrClosedByRelay = errors.New("signaling closed by relay")
)

type ClientConfig struct {
	// URL is the ws:// or wss:// address of /webrtc/signal, including any
	// apiKey/token query parameter.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger

	// ReconnectBackoff is multiplied by the attempt number between redials.
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int

	// OnReconnect runs after a dropped connection is re-established and
	// before anything else is written to it. Messages queued while the
	// connection was down are discarded first.
	OnReconnect func()
}

// Client is the participant side of the signaling socket. It keeps one
// connection open, redialling with linear backoff when it drops.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	incoming chan Message
	outgoing chan Message
	done     chan struct{}
	stopped  chan struct{}

	started   atomic.Bool
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		incoming: make(chan Message, clientQueueSize),
		outgoing: make(chan Message, clientQueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Connect dials the relay. A failure here is returned as is; reconnection
// only applies to connections that were established once.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		close(c.stopped)
		close(c.incoming)
		return err
	}
	c.started.Store(true)
	go c.run(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(clientMaxMessageSize)
	return conn, nil
}

// Send queues msg for the writer. It blocks while the queue is full.
func (c *Client) Send(msg Message) error {
	select {
	case <-c.stopped:
		return ErrClientClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.stopped:
		return ErrClientClosed
	}
}

// Incoming is closed once the client is closed or gives up reconnecting.
func (c *Client) Incoming() <-chan Message {
	return c.incoming
}

// Err reports why the client stopped, if it stopped on its own.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	if c.started.Load() {
		<-c.stopped
	}
	return nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer func() {
		close(c.incoming)
		close(c.stopped)
	}()

	for {
		if c.serve(conn) {
			return
		}

		var err error
		conn, err = c.reconnect()
		if err != nil {
			c.setErr(err)
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// serve pumps conn until it fails or the client is closed. It reports
// whether the client is done, either closed locally or by the relay.
func (c *Client) serve(conn *websocket.Conn) bool {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readPump(conn) }()

	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Warn("signaling write failed", "err", err)
				_ = conn.Close()
				<-readErr
				return false
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(clientWriteWait)); err != nil {
				_ = conn.Close()
				<-readErr
				return false
			}

		case err := <-readErr:
			_ = conn.Close()
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				c.log.Warn("signaling closed by relay", "err", err)
				c.setErr(fmt.Errorf("%w: %w", ErrClosedByRelay, err))
				return true
			}
			c.log.Warn("signaling connection lost", "err", err)
			return false

		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(clientWriteWait))
			_ = conn.Close()
			<-readErr
			return true
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) error {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(clientPongWait)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(clientWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		msg, err := ParseMessage(raw)
		if err != nil {
			c.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return ErrClientClosed
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := time.Duration(attempt) * c.cfg.ReconnectBackoff
		c.log.Info("reconnecting to signaling server", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			return nil, ErrClientClosed
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), clientWriteWait)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		if dropped := c.drainOutgoing(); dropped > 0 {
			c.log.Debug("discarded messages queued while disconnected", "count", dropped)
		}
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}
		return conn, nil
	}
	return nil, fmt.Errorf("gave up after %d reconnect attempts: %w", c.cfg.MaxReconnectAttempts, lastErr)
}

func (c *Client) drainOutgoing() int {
	n := 0
	for {
		select {
		case <-c.outgoing:
			n++
		default:
			return n
		}
	}
}
