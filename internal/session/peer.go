package session

import (
	"errors"
	"fmt"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// sendJoin asks for a slot under a fresh peer id.
func (s *Session) sendJoin() {
	msg, err := signaling.NewMessage(signaling.MessageTypeJoin, signaling.JoinPayload{
		Credential: s.cfg.Credential,
		Role:       s.cfg.Role,
	})
	if err != nil {
		s.fail(fmt.Errorf("encode join: %w", err))
		return
	}
	msg.RoomID = s.cfg.RoomID
	msg.PeerID = s.cfg.NewPeerID()

	s.log.Debug("joining", zap.String("peer", msg.PeerID))
	if err := s.sig.SendMessage(msg); err != nil {
		if !s.everJoined {
			s.fail(fmt.Errorf("join: %w", err))
			return
		}
		// the stream is down; the disconnect that follows rejoins
		s.log.Warn("failed to send join", zap.Error(err))
	}
}

// leaveRoom gives the slot back.
func (s *Session) leaveRoom() {
	if s.self == nil {
		return
	}
	msg := &signaling.Message{Type: signaling.MessageTypeLeave, RoomID: s.cfg.RoomID, PeerID: s.self.PeerID}
	if err := s.sig.SendMessage(msg); err != nil {
		s.log.Debug("failed to send leave", zap.Error(err))
	}
	s.self = nil
}

// onMembership applies a membership notice. Notices the server addressed
// to an earlier peer id of this session describe a room we already left.
func (s *Session) onMembership(m *signaling.Membership) {
	if m.Type == signaling.MessageTypeJoined {
		s.onJoined(m.Joined)
		return
	}
	if m.To != "" && (s.self == nil || m.To != s.self.PeerID) {
		s.log.Debug("dropping notice for a previous peer id", zap.String("type", m.Type), zap.String("to", m.To))
		return
	}
	if m.Type == signaling.MessageTypePeerJoined {
		s.onPeerJoined(m.Peer)
	} else {
		s.onPeerLeft(m.Peer)
	}
}

func (s *Session) onJoined(p *signaling.JoinedPayload) {
	if s.phase != PhaseJoining && s.phase != PhaseRejoining {
		s.log.Debug("ignoring stale joined", zap.String("phase", string(s.phase)))
		return
	}
	s.stopRetry()

	self := p.Self
	s.self = &self
	s.phase = PhaseWaiting
	// peers that left before this identity joined cannot come back with
	// the same id
	clear(s.departed)
	first := !s.everJoined
	s.everJoined = true

	s.log.Info("joined room",
		zap.String("peer", self.PeerID),
		zap.String("role", string(self.Role)),
		zap.Int("occupants", len(p.Peers)+1))
	s.emit(Event{Kind: EventJoined, Peer: &self})
	if first {
		select {
		case s.joinResult <- nil:
		default:
		}
	}

	// the occupant already present offers; we answer
	if n := len(p.Peers); n > 0 {
		peer := p.Peers[n-1]
		s.connect(&peer, true)
	}
}

func (s *Session) onPeerJoined(p *signaling.PeerInfo) {
	if s.self == nil || p.PeerID == s.self.PeerID {
		return
	}
	if _, gone := s.departed[p.PeerID]; gone {
		return
	}
	if s.remote != nil && s.remote.PeerID == p.PeerID {
		return
	}
	if s.remote != nil {
		// the other side rejoined before its peer-left reached us
		s.log.Info("peer replaced", zap.String("old", s.remote.PeerID), zap.String("new", p.PeerID))
		s.departed[s.remote.PeerID] = struct{}{}
		s.teardown("peer replaced")
	}

	peer := *p
	s.log.Info("peer joined", zap.String("peer", peer.PeerID), zap.String("role", string(peer.Role)))
	s.emit(Event{Kind: EventPeerJoined, Peer: &peer})
	s.connect(&peer, false)
}

func (s *Session) onPeerLeft(p *signaling.PeerInfo) {
	s.departed[p.PeerID] = struct{}{}
	if s.remote == nil || s.remote.PeerID != p.PeerID {
		return
	}

	peer := *p
	s.log.Info("peer left", zap.String("peer", peer.PeerID))
	s.emit(Event{Kind: EventPeerLeft, Peer: &peer})
	s.teardown("peer left")
	s.remote = nil
	s.phase = PhaseWaiting
}

func (s *Session) connect(peer *signaling.PeerInfo, polite bool) {
	s.remote = peer
	s.polite = polite
	if err := s.build(); err != nil {
		s.fail(err)
	}
}

// build creates a transport for the current remote peer and wires every
// component to it. The impolite side opens the channels and offers.
func (s *Session) build() error {
	t, err := s.cfg.Factory.NewTransport()
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	s.gen++
	gen := s.gen
	s.transport = t

	s.engine = negotiation.New(negotiation.Config{
		Transport:      t,
		Signaler:       &signaler{s: s, to: s.remote.PeerID},
		Polite:         s.polite,
		ConnectTimeout: s.cfg.Timeouts.Connect,
		RestartWindow:  s.cfg.Timeouts.ICERestartWindow,
		Dispatch:       s.inbox.post,
		Logger:         s.log,
		OnStateChange: func(st negotiation.State) {
			s.emit(Event{Kind: EventNegotiation, State: st})
		},
		OnConnected:      func() { s.onConnected(gen) },
		OnConnectionLost: func(err error) { s.onConnectionLost(gen, err) },
	})

	t.OnDataChannel(s.channels.Attach)
	t.OnTrack(func(rt webrtc.RemoteTrack) {
		s.inbox.post(func() {
			if gen == s.gen {
				s.view.Attach(rt)
			}
		})
	})
	s.engine.Start()

	if err := s.media.Attach(t); err != nil {
		return fmt.Errorf("attach media: %w", err)
	}
	s.stats.Builds++
	s.phase = PhaseConnecting
	s.log.Info("building connection",
		zap.String("peer", s.remote.PeerID), zap.Bool("polite", s.polite), zap.Int("build", s.stats.Builds))

	if s.polite {
		return nil
	}
	if err := s.channels.Open(t); err != nil {
		return fmt.Errorf("open channels: %w", err)
	}
	if err := s.engine.Negotiate(); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	return nil
}

// teardown drops the transport and everything bound to it. Queues, the
// whiteboard and unfinished transfers survive for the next build.
func (s *Session) teardown(reason string) {
	if s.transport == nil {
		return
	}
	s.gen++

	s.addNegotiationStats(s.engine.Stats())
	s.engine.Close()
	s.transfers.Suspend()
	s.channels.Detach()
	s.media.Detach()
	s.view.Clear()
	if err := s.transport.Close(); err != nil {
		s.log.Debug("transport close", zap.Error(err))
	}
	s.transport, s.engine = nil, nil
	s.peerMedia = RemoteMedia{}

	s.stats.Teardowns++
	s.log.Info("connection torn down", zap.String("reason", reason), zap.Int("teardowns", s.stats.Teardowns))
	s.emit(Event{Kind: EventTeardown, Err: errors.New(reason)})
}

func (s *Session) onConnected(gen int) {
	if gen != s.gen {
		return
	}
	if s.phase == PhaseConnecting {
		s.phase = PhaseConnected
	}
	s.log.Info("connected", zap.String("peer", s.remote.PeerID))
	s.emit(Event{Kind: EventConnected, Peer: s.remote})
}

func (s *Session) onConnectionLost(gen int, err error) {
	if gen != s.gen {
		return
	}
	s.log.Warn("connection lost", zap.Error(err))
	if s.phase == PhaseReconnecting {
		// the rejoin follows once signaling is back
		s.teardown(err.Error())
		s.remote = nil
		return
	}
	s.rejoin(err)
}

func (s *Session) onSignal(msg *signaling.Message) {
	if s.self == nil || s.remote == nil || s.engine == nil || msg.PeerID != s.remote.PeerID {
		s.log.Debug("dropping signal", zap.String("type", msg.Type), zap.String("from", msg.PeerID))
		return
	}

	var err error
	switch msg.Type {
	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer:
		var p signaling.DescriptionPayload
		if err = msg.Decode(&p); err != nil {
			break
		}
		if p.To != "" && p.To != s.self.PeerID {
			s.log.Debug("dropping description for a previous peer id", zap.String("to", p.To))
			return
		}
		desc := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: p.SDP}
		if msg.Type == signaling.MessageTypeOffer {
			desc.Type = pion.SDPTypeOffer
		}
		err = s.engine.HandleDescription(desc, p.ICERestart)

	case signaling.MessageTypeICECandidate:
		var p signaling.CandidatePayload
		if err = msg.Decode(&p); err != nil {
			break
		}
		if p.To != "" && p.To != s.self.PeerID {
			return
		}
		err = s.engine.HandleCandidate(pion.ICECandidateInit{
			Candidate:        p.Candidate,
			SDPMid:           p.SDPMid,
			SDPMLineIndex:    p.SDPMLineIndex,
			UsernameFragment: p.UsernameFragment,
		})
	}
	if err != nil {
		s.log.Warn("failed to apply signal", zap.String("type", msg.Type), zap.Error(err))
	}
}

// signaler relays the engine's descriptions and candidates to one peer id.
type signaler struct {
	s  *Session
	to string
}

func (g *signaler) SendDescription(desc pion.SessionDescription, iceRestart bool) error {
	msgType := signaling.MessageTypeAnswer
	if desc.Type == pion.SDPTypeOffer {
		msgType = signaling.MessageTypeOffer
	}
	return g.s.relay(msgType, signaling.DescriptionPayload{SDP: desc.SDP, ICERestart: iceRestart, To: g.to})
}

func (g *signaler) SendCandidate(c pion.ICECandidateInit) error {
	return g.s.relay(signaling.MessageTypeICECandidate, signaling.CandidatePayload{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
		To:               g.to,
	})
}

func (s *Session) relay(msgType string, payload any) error {
	if s.self == nil {
		return ErrNotInRoom
	}
	msg, err := signaling.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.RoomID = s.cfg.RoomID
	msg.PeerID = s.self.PeerID
	return s.sig.SendMessage(msg)
}
