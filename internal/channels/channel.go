package channels

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/webrtc"
)

type item struct {
	msg  webrtc.Message
	data []byte
}

// Channel is one logical data channel. It outlives the data channels it
// is attached to.
type Channel struct {
	m    *Manager
	name string

	mu     sync.Mutex
	state  State
	dc     webrtc.DataChannel
	gen    int
	queue  []item
	retry  *time.Timer
	opened chan struct{}
	down   chan struct{}
}

func newChannel(m *Manager, name string) *Channel {
	return &Channel{
		m:      m,
		name:   name,
		state:  StateConnecting,
		opened: make(chan struct{}),
		down:   make(chan struct{}),
	}
}

// Name of the logical channel.
func (c *Channel) Name() string { return c.name }

// State returns the channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of queued messages.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) attach(dc webrtc.DataChannel) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.resetLocked()
	c.dc = dc
	c.state = StateConnecting
	c.mu.Unlock()

	dc.OnOpen(func() { c.handleOpen(gen) })
	dc.OnClose(func() { c.handleClose(gen) })
	dc.OnMessage(func(data []byte) {
		if c.current(gen) {
			c.m.deliver(c.name, data)
		}
	})
}

// resetLocked prepares fresh wait channels. Called with c.mu held.
func (c *Channel) resetLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	select {
	case <-c.opened:
		c.opened = make(chan struct{})
	default:
	}
	select {
	case <-c.down:
	default:
		close(c.down)
	}
	c.down = make(chan struct{})
}

func (c *Channel) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.resetLocked()
	c.dc = nil
	c.state = StateConnecting
}

func (c *Channel) current(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Channel) handleOpen(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateOpen
	close(c.opened)
	c.mu.Unlock()

	c.drain()
	c.m.opened(c.name)
}

func (c *Channel) handleClose(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.resetLocked()
	c.dc = nil
	c.state = StateClosed
	c.mu.Unlock()

	c.m.closedChannel(c.name)
}

// send transmits it now when the channel is open and nothing is queued
// ahead of it. Otherwise it joins the queue.
func (c *Channel) send(it item) error {
	c.mu.Lock()

	if c.state == StateOpen && len(c.queue) == 0 {
		err := c.dc.Send(it.data)
		if err == nil {
			c.mu.Unlock()
			return nil
		}
		c.m.log.Debug("send failed, re-queueing", zap.String("channel", c.name), zap.Error(err))
		c.queue = append(c.queue, it)
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return nil
	}

	var dropped *item
	if len(c.queue) >= c.m.cfg.QueueDepth {
		if c.m.cfg.Policy != PolicyDropOldest {
			c.mu.Unlock()
			c.m.undelivered(c.name, it.msg, ErrQueueFull)
			return ErrQueueFull
		}
		head := c.queue[0]
		dropped = &head
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, it)
	if c.state == StateOpen {
		c.scheduleRetryLocked()
	}
	c.mu.Unlock()

	if dropped != nil {
		c.m.undelivered(c.name, dropped.msg, ErrQueueFull)
	}
	return nil
}

// drain flushes the queue in order. A failed send stays at the head and is
// retried after a short delay.
func (c *Channel) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.queue) > 0 && c.state == StateOpen {
		if err := c.dc.Send(c.queue[0].data); err != nil {
			c.m.log.Debug("drain stalled", zap.String("channel", c.name), zap.Error(err))
			c.scheduleRetryLocked()
			return
		}
		c.queue[0] = item{}
		c.queue = c.queue[1:]
	}
}

func (c *Channel) scheduleRetryLocked() {
	if c.retry != nil {
		return
	}
	gen := c.gen
	c.retry = time.AfterFunc(c.m.cfg.RetryDelay, func() {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.retry = nil
		c.mu.Unlock()
		c.drain()
	})
}

// shutdown closes the data channel and hands back whatever was queued.
func (c *Channel) shutdown() []item {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.resetLocked()
	if c.dc != nil {
		c.dc.Close()
		c.dc = nil
	}
	c.state = StateClosed
	queued := c.queue
	c.queue = nil
	return queued
}

// WaitOpen blocks until the channel is open.
func (c *Channel) WaitOpen(ctx context.Context) error {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()

	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BufferedAmount reports the bytes queued in the underlying data channel.
func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc == nil {
		return 0
	}
	return c.dc.BufferedAmount()
}

// WaitForWindow pauses the producer while more than high bytes are
// buffered and resumes once the amount drops to low. A wait longer than
// timeout that saw no progress fails with ErrBufferTimeout.
func (c *Channel) WaitForWindow(ctx context.Context, high, low uint64, timeout time.Duration) error {
	c.mu.Lock()
	dc, down, state := c.dc, c.down, c.state
	c.mu.Unlock()

	if state != StateOpen || dc == nil {
		return ErrChannelClosed
	}

	bufferedAmount := dc.BufferedAmount()
	if bufferedAmount < high {
		return nil
	}

	wait := make(chan struct{}, 1)
	dc.SetBufferedAmountLowThreshold(low)
	dc.OnBufferedAmountLow(func() {
		select {
		case wait <- struct{}{}:
		default:
		}
	})
	if dc.BufferedAmount() <= low {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-down:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if dc.BufferedAmount() < bufferedAmount {
			return nil
		}
		return ErrBufferTimeout
	}
}
