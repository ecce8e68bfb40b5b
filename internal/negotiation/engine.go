// Package negotiation drives offer/answer and ICE for one peer pair using
// the polite/impolite collision rule.
package negotiation

import (
	"errors"
	"fmt"
	"time"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// State of the negotiation for one peer pair.
type State string

const (
	StateIdle          State = "idle"
	StateOffering      State = "offering"
	StateAnswering     State = "answering"
	StateStable        State = "stable"
	StateRenegotiating State = "renegotiating"
	StateClosed        State = "closed"
)

var (
	// ErrConnectionLost is reported once when the restart window expires.
	ErrConnectionLost = errors.New("connection lost")
	ErrClosed         = errors.New("negotiation closed")
)

// Signaler carries descriptions and candidates to the other peer.
type Signaler interface {
	SendDescription(desc pion.SessionDescription, iceRestart bool) error
	SendCandidate(candidate pion.ICECandidateInit) error
}

// Config configures an Engine.
type Config struct {
	Transport webrtc.Transport
	Signaler  Signaler

	// Polite peers roll back their own offer on collision.
	Polite bool

	// ConnectTimeout bounds the first connection; RestartWindow bounds
	// every later disconnected or failed spell.
	ConnectTimeout time.Duration
	RestartWindow  time.Duration

	// Dispatch runs f on the owner's event loop. Transport callbacks and
	// timers go through it.
	Dispatch func(f func())

	Logger *zap.Logger

	OnStateChange    func(State)
	OnConnected      func()
	OnConnectionLost func(error)
}

// Stats counts negotiation events.
type Stats struct {
	Offers        int
	Answers       int
	Rollbacks     int
	IgnoredOffers int
	ICERestarts   int
}

// Engine is not safe for concurrent use. Every method must run on the
// loop Dispatch posts to.
type Engine struct {
	cfg Config
	t   webrtc.Transport
	log *zap.Logger

	state       State
	negotiated  bool
	ignoreOffer bool
	pending     []pion.ICECandidateInit

	renegotiate bool
	restart     bool

	window    *time.Timer
	windowGen int
	connected bool
	lost      bool
	closed    bool

	stats Stats
}

// New creates an engine. Start must be called before anything else.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	role := "impolite"
	if cfg.Polite {
		role = "polite"
	}
	return &Engine{
		cfg:   cfg,
		t:     cfg.Transport,
		log:   log.Named("negotiation").With(zap.String("role", role)),
		state: StateIdle,
	}
}

// Start hooks the transport callbacks and opens the connect window.
func (e *Engine) Start() {
	e.t.OnICECandidate(func(c *pion.ICECandidateInit) {
		if c == nil {
			return
		}
		candidate := *c
		e.cfg.Dispatch(func() {
			if e.closed {
				return
			}
			if err := e.cfg.Signaler.SendCandidate(candidate); err != nil {
				e.log.Warn("failed to send candidate", zap.Error(err))
			}
		})
	})

	e.t.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		e.cfg.Dispatch(func() { e.handleConnectionState(s) })
	})

	e.openWindow(e.cfg.ConnectTimeout)
}

// Polite reports the role of this side.
func (e *Engine) Polite() bool { return e.cfg.Polite }

// State returns the current negotiation state.
func (e *Engine) State() State { return e.state }

// Connected reports whether the transport has connected at least once
// since the last window opened.
func (e *Engine) Connected() bool { return e.connected }

// Stats returns the event counters.
func (e *Engine) Stats() Stats { return e.stats }

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.log.Debug("state", zap.String("from", string(e.state)), zap.String("to", string(s)))
	e.state = s
	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(s)
	}
}

// Negotiate creates an offer, or defers it until the pair is stable.
func (e *Engine) Negotiate() error {
	if e.closed {
		return ErrClosed
	}
	if e.busy() {
		e.renegotiate = true
		return nil
	}
	return e.makeOffer(false)
}

// RestartICE renegotiates with fresh ICE credentials on the same session.
func (e *Engine) RestartICE() error {
	if e.closed {
		return ErrClosed
	}
	if e.busy() {
		e.restart = true
		return nil
	}
	return e.makeOffer(true)
}

func (e *Engine) busy() bool {
	return e.t.SignalingState() != pion.SignalingStateStable ||
		e.state == StateOffering || e.state == StateAnswering || e.state == StateRenegotiating
}

func (e *Engine) makeOffer(iceRestart bool) error {
	prev := e.state
	if e.negotiated {
		e.setState(StateRenegotiating)
	} else {
		e.setState(StateOffering)
	}

	offer, err := e.t.CreateOffer(iceRestart)
	if err == nil {
		err = e.t.SetLocalDescription(offer)
	}
	if err != nil {
		e.setState(prev)
		return fmt.Errorf("offer: %w", err)
	}
	if err := e.cfg.Signaler.SendDescription(offer, iceRestart); err != nil {
		// the peer never saw this offer; leave the transport stable so the
		// next negotiation is not mistaken for a collision
		if rerr := e.t.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback}); rerr != nil {
			e.log.Warn("failed to roll back unsent offer", zap.Error(rerr))
		}
		e.setState(prev)
		return fmt.Errorf("send offer: %w", err)
	}

	e.stats.Offers++
	if iceRestart {
		e.stats.ICERestarts++
	}
	e.log.Debug("sent offer", zap.Bool("ice_restart", iceRestart))
	return nil
}

// HandleDescription applies a remote offer or answer.
func (e *Engine) HandleDescription(desc pion.SessionDescription, iceRestart bool) error {
	if e.closed {
		return ErrClosed
	}

	switch desc.Type {
	case pion.SDPTypeOffer:
		return e.handleOffer(desc, iceRestart)
	case pion.SDPTypeAnswer:
		return e.handleAnswer(desc)
	}
	return fmt.Errorf("unexpected description type %s", desc.Type)
}

func (e *Engine) handleOffer(offer pion.SessionDescription, iceRestart bool) error {
	collision := e.t.SignalingState() != pion.SignalingStateStable
	e.ignoreOffer = !e.cfg.Polite && collision
	if e.ignoreOffer {
		e.stats.IgnoredOffers++
		e.log.Debug("ignoring colliding offer")
		return nil
	}

	if collision {
		if err := e.t.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		e.stats.Rollbacks++
		e.log.Debug("rolled back local offer")
		// a rolled back renegotiation still has to happen
		if e.state == StateRenegotiating {
			e.renegotiate = true
		}
	}

	if err := e.t.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if e.negotiated {
		e.setState(StateRenegotiating)
	} else {
		e.setState(StateAnswering)
	}
	e.flushCandidates()

	answer, err := e.t.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.t.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := e.cfg.Signaler.SendDescription(answer, iceRestart); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	e.stats.Answers++
	e.settle()
	return nil
}

func (e *Engine) handleAnswer(answer pion.SessionDescription) error {
	if e.t.SignalingState() != pion.SignalingStateHaveLocalOffer {
		e.log.Debug("dropping stale answer", zap.String("signaling", e.t.SignalingState().String()))
		return nil
	}
	if err := e.t.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.flushCandidates()
	e.settle()
	return nil
}

// settle marks the pair stable and runs whatever was deferred.
func (e *Engine) settle() {
	e.negotiated = true
	e.ignoreOffer = false
	e.setState(StateStable)

	switch {
	case e.restart:
		e.restart, e.renegotiate = false, false
		if err := e.makeOffer(true); err != nil {
			e.log.Warn("deferred ICE restart failed", zap.Error(err))
		}
	case e.renegotiate:
		e.renegotiate = false
		if err := e.makeOffer(false); err != nil {
			e.log.Warn("deferred renegotiation failed", zap.Error(err))
		}
	}
}

// HandleCandidate applies a remote candidate, buffering it until a remote
// description exists.
func (e *Engine) HandleCandidate(c pion.ICECandidateInit) error {
	if e.closed {
		return ErrClosed
	}
	if e.t.RemoteDescription() == nil {
		e.pending = append(e.pending, c)
		return nil
	}
	if err := e.t.AddICECandidate(c); err != nil {
		if e.ignoreOffer {
			return nil
		}
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (e *Engine) flushCandidates() {
	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		if err := e.t.AddICECandidate(c); err != nil {
			e.log.Debug("dropping buffered candidate", zap.Error(err))
		}
	}
}

func (e *Engine) handleConnectionState(s pion.PeerConnectionState) {
	if e.closed {
		return
	}
	e.log.Debug("connection state", zap.String("state", s.String()))

	switch s {
	case pion.PeerConnectionStateConnected:
		e.closeWindow()
		if !e.connected {
			e.connected = true
			if e.cfg.OnConnected != nil {
				e.cfg.OnConnected()
			}
		}

	case pion.PeerConnectionStateDisconnected:
		e.connected = false
		e.openWindow(e.cfg.RestartWindow)

	case pion.PeerConnectionStateFailed:
		e.connected = false
		e.openWindow(e.cfg.RestartWindow)
		if !e.cfg.Polite {
			if err := e.RestartICE(); err != nil {
				e.log.Warn("ICE restart failed", zap.Error(err))
			}
		}
	}
}

// MarkUnstable opens the restart window as if the transport had
// disconnected. The impolite side also restarts ICE.
func (e *Engine) MarkUnstable() {
	if e.closed || e.lost {
		return
	}
	e.log.Debug("marked unstable")
	e.connected = false
	e.openWindow(e.cfg.RestartWindow)
	if !e.cfg.Polite {
		if err := e.RestartICE(); err != nil {
			e.log.Warn("ICE restart failed", zap.Error(err))
		}
	}
}

func (e *Engine) openWindow(d time.Duration) {
	if e.window != nil || e.lost || d <= 0 {
		return
	}
	e.windowGen++
	gen := e.windowGen
	e.window = time.AfterFunc(d, func() {
		e.cfg.Dispatch(func() { e.expire(gen) })
	})
}

func (e *Engine) closeWindow() {
	if e.window != nil {
		e.window.Stop()
		e.window = nil
		e.windowGen++
	}
}

func (e *Engine) expire(gen int) {
	if e.closed || e.lost || gen != e.windowGen {
		return
	}
	e.window = nil
	e.lost = true
	e.log.Warn("restart window expired")
	if e.cfg.OnConnectionLost != nil {
		e.cfg.OnConnectionLost(ErrConnectionLost)
	}
}

// Close stops timers and ignores everything that follows. The transport
// itself belongs to the caller.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closeWindow()
	e.pending = nil
	e.setState(StateClosed)
	e.closed = true
}
