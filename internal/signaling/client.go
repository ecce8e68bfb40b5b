package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// MessageTypeDisconnected is never sent on the wire. The client pushes it to
// Incoming when the stream drops without Close being called.
const MessageTypeDisconnected = "disconnected"

var (
	ErrEmptyPayload         = errors.New("empty payload")
	ErrNotConnected         = errors.New("not connected to signaling server")
	ErrClientClosed         = errors.New("signaling client closed")
	ErrSignalingUnavailable = errors.New("disconnected from signaling server, please rejoin")
)

// Client manages the WebSocket connection to the signaling server.
// Incoming survives reconnects; it is closed only by Close.
type Client struct {
	serverURL string
	dialer    *websocket.Dialer
	log       *zap.Logger
	maxOutage time.Duration

	incoming chan *Message
	quit     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	link   *link
	closed bool
}

// link is one websocket connection and its pumps.
type link struct {
	conn     *websocket.Conn
	outgoing chan *Message
	done     chan struct{}
	once     sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log.Named("signaling") }
}

// WithMaxOutage bounds how long Reconnect keeps retrying.
func WithMaxOutage(d time.Duration) Option {
	return func(c *Client) { c.maxOutage = d }
}

// WithResolver dials through r instead of the system resolver only.
func WithResolver(r *dns.Resolver) Option {
	return func(c *Client) { c.dialer.NetDialContext = r.DialContext }
}

// NewClient creates a new signaling client
func NewClient(serverURL string, opts ...Option) *Client {
	dialer := *websocket.DefaultDialer
	c := &Client{
		serverURL: serverURL,
		dialer:    &dialer,
		log:       zap.NewNop(),
		maxOutage: 2 * time.Minute,
		incoming:  make(chan *Message, 64),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes WebSocket connection to the server.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	l := &link{
		conn:     conn,
		outgoing: make(chan *Message, 64),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	if c.link != nil {
		c.link.close()
	}
	c.link = l
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readPump(l)
	go c.writePump(l)

	c.log.Debug("connected", zap.String("url", u.Redacted()))
	return nil
}

// Reconnect dials again with exponential backoff. Once the outage exceeds the
// configured maximum it returns ErrSignalingUnavailable.
func (c *Client) Reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = c.maxOutage

	op := func() error {
		err := c.Connect(ctx)
		if errors.Is(err, ErrClientClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("signaling reconnect failed", zap.Error(err), zap.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	return nil
}

// readPump reads messages from one connection.
func (c *Client) readPump(l *link) {
	defer c.wg.Done()
	defer l.close()

	for {
		var msg Message
		if err := l.conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			current := c.link == l && !c.closed
			c.mu.Unlock()

			if current {
				c.log.Warn("signaling stream dropped", zap.Error(err))
				c.deliver(&Message{Type: MessageTypeDisconnected})
			}
			return
		}
		if !c.deliver(&msg) {
			return
		}
	}
}

func (c *Client) deliver(msg *Message) bool {
	select {
	case c.incoming <- msg:
		return true
	case <-c.quit:
		return false
	}
}

// writePump writes messages to one connection and sends periodic pings.
func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.wg.Done()
	}()

	for {
		select {
		case message := <-l.outgoing:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteJSON(message); err != nil {
				l.close()
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.close()
				return
			}

		case <-l.done:
			return

		case <-c.quit:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.flush(l)
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			l.close()
			return
		}
	}
}

// flush writes whatever was queued before Close, such as a final leave.
func (c *Client) flush(l *link) {
	for {
		select {
		case message := <-l.outgoing:
			if err := l.conn.WriteJSON(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// SendMessage queues a message for the server. It fails while disconnected;
// callers rebuild their state after Reconnect rather than replaying.
func (c *Client) SendMessage(msg *Message) error {
	c.mu.Lock()
	l, closed := c.link, c.closed
	c.mu.Unlock()

	if closed {
		return ErrClientClosed
	}
	if l == nil {
		return ErrNotConnected
	}

	select {
	case l.outgoing <- msg:
		return nil
	case <-l.done:
		return ErrNotConnected
	}
}

// Incoming returns the channel for receiving messages.
func (c *Client) Incoming() <-chan *Message {
	return c.incoming
}

// Close closes the WebSocket connection and cleans up resources.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.quit)
	c.wg.Wait()
	close(c.incoming)
}
