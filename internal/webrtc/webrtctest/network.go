// Package webrtctest provides an in-memory stand-in for pion peer
// connections. Transports created by the same Network pair up through the
// descriptions they exchange, connect once both sides are stable and have
// applied a remote candidate, then carry data channel messages and tracks.
package webrtctest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warpcall/internal/webrtc"
)

var (
	ErrNoRemoteDescription = errors.New("webrtctest: remote description not set")
	ErrUnknownCandidate    = errors.New("webrtctest: candidate does not match remote peer")
	ErrInvalidState        = errors.New("webrtctest: invalid signaling state")
	ErrClosed              = errors.New("webrtctest: transport closed")
	ErrChannelNotOpen      = errors.New("webrtctest: data channel not open")
	ErrTransientSend       = errors.New("webrtctest: transient send failure")
	ErrTrackKind           = errors.New("webrtctest: new track must be of the same kind")
)

// Network connects fake transports. All state is guarded by one mutex;
// callbacks run on a per-transport goroutine in the order they were raised.
type Network struct {
	mu         sync.Mutex
	seq        int
	transports []*Transport
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{}
}

// NewTransport implements webrtc.Factory.
func (n *Network) NewTransport() (webrtc.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++
	t := &Transport{
		net:       n,
		id:        fmt.Sprintf("t%d", n.seq),
		exec:      newSerial(),
		signaling: pion.SignalingStateStable,
		conn:      pion.PeerConnectionStateNew,
	}
	n.transports = append(n.transports, t)
	return t, nil
}

// Transports returns every transport created so far, oldest first.
func (n *Network) Transports() []*Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Transport(nil), n.transports...)
}

// Disrupt takes the link between t and its peer down. Both sides report
// disconnected; Heal brings them back without an ICE restart.
func (n *Network) Disrupt(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range t.pair() {
		x.linkDown = true
		if x.conn == pion.PeerConnectionStateConnected {
			x.setConn(pion.PeerConnectionStateDisconnected)
		}
	}
}

// Fail takes the link down and marks both sides failed. Only an ICE restart
// completed after Heal reconnects them.
func (n *Network) Fail(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range t.pair() {
		x.linkDown = true
		x.needsRestart = true
		if !x.closed {
			x.setConn(pion.PeerConnectionStateFailed)
		}
	}
}

// Heal brings the link back up.
func (n *Network) Heal(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range t.pair() {
		x.linkDown = false
	}
	n.maybeConnect(t)
}

// maybeConnect connects t with its peer once both are ready, then opens
// pending channels and announces pending tracks. Called with n.mu held.
func (n *Network) maybeConnect(t *Transport) {
	p := t.peer
	if p == nil || p.peer != t || !t.ready() || !p.ready() {
		return
	}

	for _, x := range []*Transport{t, p} {
		if x.conn != pion.PeerConnectionStateConnected {
			x.setConn(pion.PeerConnectionStateConnected)
		}
	}

	openChannels(t, p)
	openChannels(p, t)
	announceTracks(t, p)
	announceTracks(p, t)
}

func openChannels(from, to *Transport) {
	for _, ch := range from.channels {
		if ch.remote != nil || ch.state != pion.DataChannelStateConnecting {
			continue
		}
		mirror := newChannel(to, ch.label)
		ch.remote, mirror.remote = mirror, ch
		to.channels = append(to.channels, mirror)

		to.exec.post(func() {
			to.net.mu.Lock()
			h := to.onDataChannel
			to.net.mu.Unlock()
			if h != nil {
				h(mirror)
			}
		})
		mirror.open()
		ch.open()
	}
}

func announceTracks(from, to *Transport) {
	for _, s := range from.senders {
		if s.remote != nil {
			continue
		}
		track := s.track
		rt := newRemoteTrack(track.ID(), track.StreamID(), track.Kind())
		s.remote = rt
		to.remoteTracks = append(to.remoteTracks, rt)

		to.exec.post(func() {
			to.net.mu.Lock()
			h := to.onTrack
			to.net.mu.Unlock()
			if h != nil {
				h(rt)
			}
		})
	}
}

// fake SDP: "v=0 webrtctest id=<transport> gen=<n> restart=<bool>"
func encodeSDP(id string, gen int, restart bool) string {
	return fmt.Sprintf("v=0 webrtctest id=%s gen=%d restart=%t", id, gen, restart)
}

func parseSDP(sdp string) (id string, restart bool, ok bool) {
	fields := strings.Fields(sdp)
	if len(fields) < 5 || fields[1] != "webrtctest" {
		return "", false, false
	}
	id = strings.TrimPrefix(fields[2], "id=")
	restart = fields[4] == "restart=true"
	return id, restart, true
}

func candidateOwner(candidate string) string {
	fields := strings.Fields(strings.TrimPrefix(candidate, "candidate:"))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// serial runs callbacks one at a time in posting order. A nil callback
// stops it once everything before it has run.
type serial struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func newSerial() *serial {
	s := &serial{wake: make(chan struct{}, 1)}
	go s.run()
	return s
}

func (s *serial) post(f func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *serial) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		if f == nil {
			s.stopped = true
			s.queue = nil
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		f()
	}
}
