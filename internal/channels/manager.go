// Package channels multiplexes the named data channels of a session. Each
// channel has its own lock and bounded outbound queue, so a backlog on one
// never blocks another.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/webrtc"
)

var (
	ErrQueueFull      = errors.New("outbound queue full")
	ErrChannelClosed  = errors.New("channel closed")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrBufferTimeout  = errors.New("buffer drain timeout")
)

const (
	defaultQueueDepth    = 256
	defaultRetryDelay    = 100 * time.Millisecond
	defaultRecreateDelay = 250 * time.Millisecond
)

// Policy decides what happens when a queue is full.
type Policy int

const (
	// PolicyReject refuses the new message.
	PolicyReject Policy = iota
	// PolicyDropOldest evicts the head of the queue to make room.
	PolicyDropOldest
)

// State of one logical channel.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Undelivered reports a message that will never reach the peer.
type Undelivered struct {
	Channel string
	Message webrtc.Message
	Err     error
}

// Handler receives decoded envelopes for one channel.
type Handler func(msg webrtc.Message)

// Config configures a Manager.
type Config struct {
	QueueDepth    int
	Policy        Policy
	RetryDelay    time.Duration
	RecreateDelay time.Duration

	// Dispatch runs handlers and lifecycle callbacks on the owner's loop.
	Dispatch func(f func())
	Logger   *zap.Logger

	OnOpen        func(name string)
	OnClose       func(name string)
	OnAllClosed   func()
	OnUndelivered func(Undelivered)
}

// Manager owns the logical channels of one session. Queues survive
// Detach, so messages sent during a rebuild go out once the new transport
// opens them.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	channels  map[string]*Channel
	handlers  map[string]Handler
	transport webrtc.Transport
	gen       int
	allClosed bool
	closed    bool
}

// NewManager creates a manager with one channel per logical name.
func NewManager(cfg Config) *Manager {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RecreateDelay <= 0 {
		cfg.RecreateDelay = defaultRecreateDelay
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		cfg:      cfg,
		log:      log.Named("channels"),
		channels: make(map[string]*Channel),
		handlers: make(map[string]Handler),
	}
	for _, name := range webrtc.Channels {
		m.channels[name] = newChannel(m, name)
	}
	return m
}

// Handle registers the handler for a channel's messages.
func (m *Manager) Handle(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
}

// Channel returns the named channel, or nil.
func (m *Manager) Channel(name string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[name]
}

// State returns the state of the named channel.
func (m *Manager) State(name string) State {
	ch := m.Channel(name)
	if ch == nil {
		return StateClosed
	}
	return ch.State()
}

// Open creates every logical channel on t. Only the impolite side calls
// it; that side also recreates channels that close on their own.
func (m *Manager) Open(t webrtc.Transport) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	m.transport = t
	m.mu.Unlock()

	for _, name := range webrtc.Channels {
		dc, err := t.CreateDataChannel(name, webrtc.ChannelInit())
		if err != nil {
			return fmt.Errorf("create %s channel: %w", name, err)
		}
		m.Attach(dc)
	}
	return nil
}

// Attach adopts a data channel, created locally or announced by the peer.
// Unknown labels are closed.
func (m *Manager) Attach(dc webrtc.DataChannel) {
	m.mu.Lock()
	ch, ok := m.channels[dc.Label()]
	closed := m.closed
	m.mu.Unlock()

	if !ok || closed {
		m.log.Warn("rejecting data channel", zap.String("label", dc.Label()))
		dc.Close()
		return
	}
	ch.attach(dc)
}

// Detach forgets the current transport. Channels go back to connecting and
// keep their queues.
func (m *Manager) Detach() {
	m.mu.Lock()
	m.gen++
	m.transport = nil
	m.allClosed = false
	chans := m.list()
	m.mu.Unlock()

	for _, ch := range chans {
		ch.detach()
	}
}

// Send encodes payload under msgType and sends it on the named channel, or
// queues it until the channel opens.
func (m *Manager) Send(name, msgType string, payload any) error {
	msg, err := webrtc.NewMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return m.SendMessage(name, msg)
}

// SendMessage sends an envelope on the named channel.
func (m *Manager) SendMessage(name string, msg webrtc.Message) error {
	m.mu.Lock()
	ch, ok := m.channels[name]
	closed := m.closed
	m.mu.Unlock()

	if !ok {
		return ErrUnknownChannel
	}
	if closed {
		m.undelivered(name, msg, ErrChannelClosed)
		return ErrChannelClosed
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return ch.send(item{msg: msg, data: data})
}

// WaitOpen blocks until the named channel is open.
func (m *Manager) WaitOpen(ctx context.Context, name string) error {
	ch := m.Channel(name)
	if ch == nil {
		return ErrUnknownChannel
	}
	return ch.WaitOpen(ctx)
}

// WaitForWindow applies flow control on the named channel. See
// Channel.WaitForWindow.
func (m *Manager) WaitForWindow(ctx context.Context, name string, high, low uint64, timeout time.Duration) error {
	ch := m.Channel(name)
	if ch == nil {
		return ErrUnknownChannel
	}
	return ch.WaitForWindow(ctx, high, low, timeout)
}

// Close closes every channel. Queued messages are reported undelivered.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.transport = nil
	chans := m.list()
	m.mu.Unlock()

	for _, ch := range chans {
		for _, it := range ch.shutdown() {
			m.undelivered(ch.name, it.msg, ErrChannelClosed)
		}
	}
}

// list returns channels in creation order. Called with m.mu held.
func (m *Manager) list() []*Channel {
	out := make([]*Channel, 0, len(webrtc.Channels))
	for _, name := range webrtc.Channels {
		out = append(out, m.channels[name])
	}
	return out
}

func (m *Manager) undelivered(name string, msg webrtc.Message, err error) {
	m.log.Warn("message undelivered",
		zap.String("channel", name), zap.String("type", msg.Type), zap.Error(err))
	if m.cfg.OnUndelivered != nil {
		u := Undelivered{Channel: name, Message: msg, Err: err}
		m.cfg.Dispatch(func() { m.cfg.OnUndelivered(u) })
	}
}

func (m *Manager) opened(name string) {
	m.mu.Lock()
	m.allClosed = false
	m.mu.Unlock()

	m.log.Debug("channel open", zap.String("channel", name))
	if m.cfg.OnOpen != nil {
		m.cfg.Dispatch(func() { m.cfg.OnOpen(name) })
	}
}

func (m *Manager) closedChannel(name string) {
	m.log.Debug("channel closed", zap.String("channel", name))
	if m.cfg.OnClose != nil {
		m.cfg.Dispatch(func() { m.cfg.OnClose(name) })
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	all := true
	for _, ch := range m.list() {
		if ch.State() != StateClosed {
			all = false
			break
		}
	}
	fire := all && !m.allClosed
	if fire {
		m.allClosed = true
	}
	t, gen := m.transport, m.gen
	m.mu.Unlock()

	if fire {
		m.log.Info("all channels closed")
		if m.cfg.OnAllClosed != nil {
			m.cfg.Dispatch(m.cfg.OnAllClosed)
		}
		return
	}
	if t != nil {
		time.AfterFunc(m.cfg.RecreateDelay, func() { m.recreate(name, gen) })
	}
}

// recreate reopens a single channel that closed while the others stayed
// up. It gives up when the transport changed or everything closed since.
func (m *Manager) recreate(name string, gen int) {
	m.mu.Lock()
	t := m.transport
	skip := m.closed || gen != m.gen || m.allClosed || t == nil
	ch := m.channels[name]
	m.mu.Unlock()

	if skip || ch.State() != StateClosed {
		return
	}

	dc, err := t.CreateDataChannel(name, webrtc.ChannelInit())
	if err != nil {
		m.log.Warn("failed to recreate channel", zap.String("channel", name), zap.Error(err))
		return
	}
	m.log.Info("recreated channel", zap.String("channel", name))
	m.Attach(dc)
}

func (m *Manager) deliver(name string, data []byte) {
	msg, err := webrtc.ParseMessage(data)
	if err != nil {
		m.log.Warn("malformed envelope", zap.String("channel", name), zap.Error(err))
		return
	}

	m.mu.Lock()
	h := m.handlers[name]
	m.mu.Unlock()
	if h == nil {
		m.log.Debug("no handler", zap.String("channel", name), zap.String("type", msg.Type))
		return
	}
	m.cfg.Dispatch(func() { h(msg) })
}
