package webrtctest

import (
	"fmt"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// Transport is a fake peer connection.
type Transport struct {
	net  *Network
	id   string
	exec *serial

	signaling    pion.SignalingState
	conn         pion.PeerConnectionState
	local        *pion.SessionDescription
	remote       *pion.SessionDescription
	prevLocal    *pion.SessionDescription
	prevRemote   *pion.SessionDescription
	peer         *Transport
	gen          int
	gotCandidate bool
	needsRestart bool
	linkDown     bool
	closed       bool

	channels     []*Channel
	senders      []*Sender
	remoteTracks []*remoteTrack

	offers    int
	rollbacks int

	onDataChannel func(webrtc.DataChannel)
	onTrack       func(webrtc.RemoteTrack)
	onCandidate   func(*pion.ICECandidateInit)
	onConnState   func(pion.PeerConnectionState)
}

// ID names the transport inside its network.
func (t *Transport) ID() string { return t.id }

// pair returns t and, when known, its peer. Called with n.mu held.
func (t *Transport) pair() []*Transport {
	if t.peer != nil {
		return []*Transport{t, t.peer}
	}
	return []*Transport{t}
}

func (t *Transport) ready() bool {
	return !t.closed && !t.linkDown && !t.needsRestart && t.gotCandidate &&
		t.signaling == pion.SignalingStateStable && t.local != nil && t.remote != nil
}

func (t *Transport) setConn(state pion.PeerConnectionState) {
	t.conn = state
	t.exec.post(func() {
		t.net.mu.Lock()
		h := t.onConnState
		t.net.mu.Unlock()
		if h != nil {
			h(state)
		}
	})
}

func (t *Transport) gather() {
	init := pion.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%s 1 udp 2130706431 127.0.0.1 %d typ host", t.id, 50000+t.gen),
	}
	mid, index := "0", uint16(0)
	init.SDPMid, init.SDPMLineIndex = &mid, &index

	for _, c := range []*pion.ICECandidateInit{&init, nil} {
		c := c
		t.exec.post(func() {
			t.net.mu.Lock()
			h := t.onCandidate
			t.net.mu.Unlock()
			if h != nil {
				h(c)
			}
		})
	}
}

// bind pairs t with the transport that produced desc.
func (t *Transport) bind(desc pion.SessionDescription) (restart bool, err error) {
	id, restart, ok := parseSDP(desc.SDP)
	if !ok {
		return false, fmt.Errorf("webrtctest: malformed sdp %q", desc.SDP)
	}
	for _, x := range t.net.transports {
		if x.id == id {
			t.peer = x
			return restart, nil
		}
	}
	return false, fmt.Errorf("webrtctest: unknown transport %s", id)
}

// settle runs after reaching stable.
func (t *Transport) settle() {
	_, localRestart, _ := parseSDP(t.local.SDP)
	_, remoteRestart, _ := parseSDP(t.remote.SDP)
	if localRestart || remoteRestart {
		t.needsRestart = false
	}
	t.net.maybeConnect(t)
}

func (t *Transport) CreateOffer(iceRestart bool) (pion.SessionDescription, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.closed {
		return pion.SessionDescription{}, ErrClosed
	}
	if t.signaling != pion.SignalingStateStable && t.signaling != pion.SignalingStateHaveLocalOffer {
		return pion.SessionDescription{}, ErrInvalidState
	}
	t.gen++
	t.offers++
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: encodeSDP(t.id, t.gen, iceRestart)}, nil
}

func (t *Transport) CreateAnswer() (pion.SessionDescription, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.closed {
		return pion.SessionDescription{}, ErrClosed
	}
	if t.signaling != pion.SignalingStateHaveRemoteOffer {
		return pion.SessionDescription{}, ErrInvalidState
	}
	_, restart, _ := parseSDP(t.remote.SDP)
	t.gen++
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: encodeSDP(t.id, t.gen, restart)}, nil
}

func (t *Transport) SetLocalDescription(desc pion.SessionDescription) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	switch desc.Type {
	case pion.SDPTypeRollback:
		switch t.signaling {
		case pion.SignalingStateHaveLocalOffer:
			t.local = t.prevLocal
		case pion.SignalingStateHaveRemoteOffer:
			t.remote = t.prevRemote
		default:
			return ErrInvalidState
		}
		t.signaling = pion.SignalingStateStable
		t.rollbacks++
		return nil

	case pion.SDPTypeOffer:
		switch t.signaling {
		case pion.SignalingStateStable:
			t.prevLocal = t.local
		case pion.SignalingStateHaveLocalOffer:
		default:
			return ErrInvalidState
		}
		d := desc
		t.local = &d
		t.signaling = pion.SignalingStateHaveLocalOffer
		t.gather()
		return nil

	case pion.SDPTypeAnswer:
		if t.signaling != pion.SignalingStateHaveRemoteOffer {
			return ErrInvalidState
		}
		d := desc
		t.local = &d
		t.signaling = pion.SignalingStateStable
		t.gather()
		t.settle()
		return nil
	}
	return ErrInvalidState
}

func (t *Transport) SetRemoteDescription(desc pion.SessionDescription) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	switch desc.Type {
	case pion.SDPTypeOffer:
		if t.signaling != pion.SignalingStateStable {
			return ErrInvalidState
		}
		if _, err := t.bind(desc); err != nil {
			return err
		}
		d := desc
		t.prevRemote = t.remote
		t.remote = &d
		t.signaling = pion.SignalingStateHaveRemoteOffer
		if t.conn == pion.PeerConnectionStateNew {
			t.setConn(pion.PeerConnectionStateConnecting)
		}
		return nil

	case pion.SDPTypeAnswer:
		if t.signaling != pion.SignalingStateHaveLocalOffer {
			return ErrInvalidState
		}
		if _, err := t.bind(desc); err != nil {
			return err
		}
		d := desc
		t.remote = &d
		t.signaling = pion.SignalingStateStable
		if t.conn == pion.PeerConnectionStateNew {
			t.setConn(pion.PeerConnectionStateConnecting)
		}
		t.settle()
		return nil
	}
	return ErrInvalidState
}

func (t *Transport) RemoteDescription() *pion.SessionDescription {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.remote
}

func (t *Transport) SignalingState() pion.SignalingState {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.signaling
}

func (t *Transport) AddICECandidate(candidate pion.ICECandidateInit) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.remote == nil {
		return ErrNoRemoteDescription
	}
	if candidate.Candidate == "" {
		return nil
	}
	if t.peer == nil || candidateOwner(candidate.Candidate) != t.peer.id {
		return ErrUnknownCandidate
	}
	t.gotCandidate = true
	t.net.maybeConnect(t)
	return nil
}

func (t *Transport) CreateDataChannel(label string, _ *pion.DataChannelInit) (webrtc.DataChannel, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	ch := newChannel(t, label)
	t.channels = append(t.channels, ch)
	if t.conn == pion.PeerConnectionStateConnected && t.peer != nil {
		openChannels(t, t.peer)
	}
	return ch, nil
}

func (t *Transport) OnDataChannel(f func(webrtc.DataChannel)) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.onDataChannel = f
}

func (t *Transport) AddTrack(track pion.TrackLocal) (webrtc.Sender, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	s := newSender(t, track)
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *Transport) OnTrack(f func(webrtc.RemoteTrack)) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.onTrack = f
}

func (t *Transport) OnICECandidate(f func(*pion.ICECandidateInit)) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.onCandidate = f
}

func (t *Transport) OnConnectionStateChange(f func(pion.PeerConnectionState)) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.onConnState = f
}

// Close closes every channel on both ends, ends tracks and drops the
// peer to disconnected.
func (t *Transport) Close() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.signaling = pion.SignalingStateClosed
	t.setConn(pion.PeerConnectionStateClosed)

	for _, ch := range t.channels {
		ch.close()
		if ch.remote != nil {
			ch.remote.close()
		}
	}
	for _, s := range t.senders {
		s.stop()
	}
	for _, rt := range t.remoteTracks {
		rt.end()
	}

	if p := t.peer; p != nil && p.peer == t && !p.closed {
		for _, s := range p.senders {
			if s.remote != nil {
				s.remote.end()
			}
		}
		if p.conn == pion.PeerConnectionStateConnected || p.conn == pion.PeerConnectionStateConnecting {
			p.setConn(pion.PeerConnectionStateDisconnected)
		}
	}

	t.exec.post(nil)
	return nil
}

// ConnectionState reports the last connection state raised.
func (t *Transport) ConnectionState() pion.PeerConnectionState {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.conn
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.closed
}

// Channel returns the newest channel with label, local or mirrored.
func (t *Transport) Channel(label string) *Channel {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	for i := len(t.channels) - 1; i >= 0; i-- {
		if t.channels[i].label == label {
			return t.channels[i]
		}
	}
	return nil
}

// Senders returns the tracks added so far.
func (t *Transport) Senders() []*Sender {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return append([]*Sender(nil), t.senders...)
}

// Offers counts CreateOffer calls.
func (t *Transport) Offers() int {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.offers
}

// Rollbacks counts applied rollbacks.
func (t *Transport) Rollbacks() int {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.rollbacks
}
