package webrtctest

import (
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

// Channel is a fake data channel. Sends are delivered to the remote end
// in order on the remote transport's callback goroutine.
type Channel struct {
	t      *Transport
	label  string
	state  pion.DataChannelState
	remote *Channel

	held      [][]byte
	holding   bool
	buffered  uint64
	threshold uint64
	failSends int
	sent      int

	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	onLow     func()
}

func newChannel(t *Transport, label string) *Channel {
	return &Channel{t: t, label: label, state: pion.DataChannelStateConnecting}
}

// open marks the channel open on its transport goroutine. Called with
// n.mu held.
func (c *Channel) open() {
	c.t.exec.post(func() {
		c.t.net.mu.Lock()
		if c.state != pion.DataChannelStateConnecting {
			c.t.net.mu.Unlock()
			return
		}
		c.state = pion.DataChannelStateOpen
		h := c.onOpen
		c.t.net.mu.Unlock()
		if h != nil {
			h()
		}
	})
}

// close is idempotent. Called with n.mu held.
func (c *Channel) close() {
	if c.state == pion.DataChannelStateClosed {
		return
	}
	c.state = pion.DataChannelStateClosed
	c.held = nil
	c.buffered = 0
	c.t.exec.post(func() {
		c.t.net.mu.Lock()
		h := c.onClose
		c.t.net.mu.Unlock()
		if h != nil {
			h()
		}
	})
}

// deliver hands data to the remote end. Called with n.mu held.
func (c *Channel) deliver(data []byte) {
	r := c.remote
	if r == nil {
		return
	}
	r.t.exec.post(func() {
		r.t.net.mu.Lock()
		h, st := r.onMessage, r.state
		r.t.net.mu.Unlock()
		if h != nil && st == pion.DataChannelStateOpen {
			h(data)
		}
	})
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) ReadyState() pion.DataChannelState {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	return c.state
}

func (c *Channel) Send(data []byte) error {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()

	if c.state != pion.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	if c.failSends > 0 {
		c.failSends--
		return ErrTransientSend
	}

	buf := append([]byte(nil), data...)
	c.sent++
	if c.holding {
		c.held = append(c.held, buf)
		c.buffered += uint64(len(buf))
		return nil
	}
	c.deliver(buf)
	return nil
}

func (c *Channel) BufferedAmount() uint64 {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	return c.buffered
}

func (c *Channel) SetBufferedAmountLowThreshold(th uint64) {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	c.threshold = th
}

func (c *Channel) OnBufferedAmountLow(f func()) {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	c.onLow = f
}

func (c *Channel) OnOpen(f func()) {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	c.onOpen = f
	if c.state == pion.DataChannelStateOpen {
		c.t.exec.post(f)
	}
}

func (c *Channel) OnClose(f func()) {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	c.onClose = f
}

func (c *Channel) OnMessage(f func(data []byte)) {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	c.onMessage = f
}

// Close closes both ends.
func (c *Channel) Close() error {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	c.close()
	if c.remote != nil {
		c.remote.close()
	}
	return nil
}

// Hold stops delivery; sends accumulate in the buffered amount.
func (c *Channel) Hold() {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	c.holding = true
}

// Release delivers held sends in order and resumes normal delivery.
func (c *Channel) Release() {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()

	c.holding = false
	before := c.buffered
	for _, b := range c.held {
		c.deliver(b)
	}
	c.held = nil
	c.buffered = 0

	if before > c.threshold && c.onLow != nil {
		c.t.exec.post(c.onLow)
	}
}

// FailSends makes the next n sends return ErrTransientSend.
func (c *Channel) FailSends(n int) {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	c.failSends = n
}

// Sent counts successful sends.
func (c *Channel) Sent() int {
	c.t.net.mu.Lock()
	defer c.t.net.mu.Unlock()
	return c.sent
}

// Sender is a fake RTP sender.
type Sender struct {
	t            *Transport
	track        pion.TrackLocal
	remote       *remoteTrack
	rtcp         chan []rtcp.Packet
	done         chan struct{}
	stopped      bool
	replacements int
}

func newSender(t *Transport, track pion.TrackLocal) *Sender {
	return &Sender{
		t:     t,
		track: track,
		rtcp:  make(chan []rtcp.Packet, 16),
		done:  make(chan struct{}),
	}
}

// stop is called with n.mu held.
func (s *Sender) stop() {
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	if s.remote != nil {
		s.remote.end()
	}
}

func (s *Sender) Track() pion.TrackLocal {
	s.t.net.mu.Lock()
	defer s.t.net.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(track pion.TrackLocal) error {
	s.t.net.mu.Lock()
	defer s.t.net.mu.Unlock()

	if s.stopped {
		return ErrClosed
	}
	if track != nil && s.track != nil && track.Kind() != s.track.Kind() {
		return ErrTrackKind
	}
	s.track = track
	s.replacements++
	return nil
}

func (s *Sender) ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error) {
	select {
	case pkts := <-s.rtcp:
		return pkts, interceptor.Attributes{}, nil
	case <-s.done:
		return nil, nil, io.EOF
	}
}

// PushRTCP queues packets for ReadRTCP, as if the remote had sent them.
func (s *Sender) PushRTCP(pkts ...rtcp.Packet) {
	select {
	case s.rtcp <- pkts:
	case <-s.done:
	}
}

// WriteRTP forwards a packet to the remote track, if announced.
func (s *Sender) WriteRTP(p *rtp.Packet) {
	s.t.net.mu.Lock()
	rt := s.remote
	s.t.net.mu.Unlock()
	if rt == nil {
		return
	}
	select {
	case rt.packets <- p:
	case <-rt.ended:
	}
}

// Replacements counts ReplaceTrack calls.
func (s *Sender) Replacements() int {
	s.t.net.mu.Lock()
	defer s.t.net.mu.Unlock()
	return s.replacements
}

type remoteTrack struct {
	id, streamID string
	kind         pion.RTPCodecType
	packets      chan *rtp.Packet
	ended        chan struct{}
	done         bool
}

func newRemoteTrack(id, streamID string, kind pion.RTPCodecType) *remoteTrack {
	return &remoteTrack{
		id:       id,
		streamID: streamID,
		kind:     kind,
		packets:  make(chan *rtp.Packet, 64),
		ended:    make(chan struct{}),
	}
}

// end is called with n.mu held.
func (r *remoteTrack) end() {
	if !r.done {
		r.done = true
		close(r.ended)
	}
}

func (r *remoteTrack) ID() string              { return r.id }
func (r *remoteTrack) StreamID() string        { return r.streamID }
func (r *remoteTrack) Kind() pion.RTPCodecType { return r.kind }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case p := <-r.packets:
		return p, interceptor.Attributes{}, nil
	case <-r.ended:
		return nil, nil, io.EOF
	}
}
