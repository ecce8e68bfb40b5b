// Package session runs one participant of a two-party lesson. It joins the
// signaling room, builds the peer connection once the other participant is
// known and rebuilds it after every teardown. All session state lives on a
// single event loop; transport callbacks are posted to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/channels"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/transfer"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

var (
	ErrRoomFull     = errors.New("lesson room is full")
	ErrAccessDenied = errors.New("access denied")
	ErrRoleTaken    = errors.New("lesson role already taken")
	ErrClosed       = errors.New("session closed")
	ErrNotStarted   = errors.New("session not joined")
	ErrNotInRoom    = errors.New("not in a room")

	errReload         = errors.New("reload requested")
	errAlreadyStarted = errors.New("session already started")
)

// ServerError is an error message from the signaling server that has no
// sentinel of its own.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("signaling server: %s: %s", e.Code, e.Message)
}

// Signaling is the session's link to the signaling server. Incoming must
// survive reconnects. *signaling.Client satisfies it.
type Signaling interface {
	signaling.Source
	SendMessage(msg *signaling.Message) error
	Reconnect(ctx context.Context) error
	Close()
}

// Config configures a Session.
type Config struct {
	RoomID     string
	Credential string
	Role       signaling.Role

	Signaling Signaling
	Factory   webrtc.Factory

	Capturer    media.Capturer
	Constraints media.Constraints
	Quality     media.QualityConfig

	Timeouts    config.Timeouts
	QueueDepth  int
	QueuePolicy channels.Policy
	Transfer    transfer.Options

	// EventBuffer is the capacity of Events. Events beyond it are dropped.
	EventBuffer int

	// NewPeerID generates the peer id of every join.
	NewPeerID func() string

	Logger *zap.Logger
}

// ConfigFromClient maps the client configuration. Room, credential and the
// collaborators are left to the caller.
func ConfigFromClient(cfg *config.Config) Config {
	policy := channels.PolicyReject
	if cfg.DropOldest {
		policy = channels.PolicyDropOldest
	}
	return Config{
		Timeouts:    cfg.Timeouts,
		QueueDepth:  cfg.QueueDepth,
		QueuePolicy: policy,
		Transfer:    transfer.OptionsFromConfig(cfg),
	}
}

func withDefaultTimeouts(t config.Timeouts) config.Timeouts {
	d := config.DefaultTimeouts
	if t.Connect <= 0 {
		t.Connect = d.Connect
	}
	if t.ICERestartWindow <= 0 {
		t.ICERestartWindow = d.ICERestartWindow
	}
	if t.Rejoin <= 0 {
		t.Rejoin = d.Rejoin
	}
	if t.SendWindow <= 0 {
		t.SendWindow = d.SendWindow
	}
	if t.SignalingOutage <= 0 {
		t.SignalingOutage = d.SignalingOutage
	}
	return t
}

// Session is one participant of a lesson. Its methods are safe for
// concurrent use.
type Session struct {
	cfg     Config
	log     *zap.Logger
	sig     Signaling
	handler *signaling.Handler
	inbox   *tasks
	events  chan Event

	ctx        context.Context
	cancel     context.CancelFunc
	started    atomic.Bool
	done       chan struct{}
	joinResult chan error

	errMu sync.Mutex
	err   error
	final *Snapshot

	channels  *channels.Manager
	transfers *transfer.Manager
	media     *media.Pipeline
	view      *media.RemoteView

	// owned by the loop
	phase      Phase
	self       *signaling.PeerInfo
	remote     *signaling.PeerInfo
	polite     bool
	everJoined bool
	departed   map[string]struct{}
	transport  webrtc.Transport
	engine     *negotiation.Engine
	gen        int
	rejoinWait backoff.BackOff
	retry      *time.Timer
	retryGen   int
	board      *Board
	chat       []ChatLine
	peerMedia  RemoteMedia
	negStats   negotiation.Stats
	stats      Stats
	closed     bool
}

// New creates a session. Nothing happens until Join.
func New(cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.Signaling == nil || cfg.Factory == nil {
		return nil, errors.New("signaling client and transport factory are required")
	}
	if !cfg.Role.Valid() {
		cfg.Role = signaling.RoleGuest
	}
	if cfg.NewPeerID == nil {
		cfg.NewPeerID = uuid.NewString
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	cfg.Timeouts = withDefaultTimeouts(cfg.Timeouts)
	if cfg.Transfer.SendWindow <= 0 {
		cfg.Transfer.SendWindow = cfg.Timeouts.SendWindow
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("session").With(zap.String("room", cfg.RoomID))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		log:        log,
		sig:        cfg.Signaling,
		handler:    signaling.NewHandler(cfg.Signaling, log),
		inbox:      newTasks(),
		events:     make(chan Event, cfg.EventBuffer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		joinResult: make(chan error, 1),
		phase:      PhaseIdle,
		departed:   make(map[string]struct{}),
		board:      NewBoard(),
	}

	s.channels = channels.NewManager(channels.Config{
		QueueDepth:    cfg.QueueDepth,
		Policy:        cfg.QueuePolicy,
		Dispatch:      s.inbox.post,
		Logger:        log,
		OnOpen:        s.onChannelOpen,
		OnAllClosed:   s.onAllClosed,
		OnUndelivered: s.onUndelivered,
	})
	s.transfers = transfer.NewManager(transfer.Config{
		Options:  cfg.Transfer,
		Link:     s.channels,
		Logger:   log,
		Dispatch: s.inbox.post,
		OnEvent:  s.onTransfer,
	})
	s.media = media.NewPipeline(media.Config{
		Capturer:    cfg.Capturer,
		Constraints: cfg.Constraints,
		Quality:     cfg.Quality,
		Announce: func(msgType string, payload any) error {
			return s.channels.Send(webrtc.ChannelControl, msgType, payload)
		},
		Logger:    log,
		Dispatch:  s.inbox.post,
		OnQuality: s.onQuality,
	})
	s.view = media.NewRemoteView(log)
	s.wireChannels()
	return s, nil
}

// Join acquires local media, joins the room and returns once the server
// admitted this participant. The session keeps running until Leave or a
// terminal error; ctx only bounds the join itself.
func (s *Session) Join(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := s.media.AcquireLocalMedia()
		acquired <- err
	}()
	select {
	case err := <-acquired:
		if err != nil {
			s.abort()
			return fmt.Errorf("acquire local media: %w", err)
		}
	case <-ctx.Done():
		go func() {
			<-acquired
			s.media.Close()
		}()
		s.abort()
		return ctx.Err()
	}

	s.stats.StartedAt = time.Now()
	go s.handler.Start()
	go s.run()
	s.inbox.post(func() {
		s.phase = PhaseJoining
		s.resetRejoin()
		s.sendJoin()
	})

	select {
	case err := <-s.joinResult:
		if err != nil {
			<-s.done
		}
		return err
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		s.Leave()
		return ctx.Err()
	}
}

// abort releases what New allocated when the loop never ran.
func (s *Session) abort() {
	s.cancel()
	s.sig.Close()
	s.channels.Close()
	s.transfers.Close()
	s.media.Close()
	s.inbox.close()
	close(s.events)
	close(s.done)
}

// Leave tells the server, tears everything down and waits for the loop to
// stop. It is safe to call more than once.
func (s *Session) Leave() error {
	if !s.started.Load() {
		if s.started.CompareAndSwap(false, true) {
			s.abort()
		}
		<-s.done
		return nil
	}
	s.inbox.post(func() { s.shutdown(nil) })
	<-s.done
	return nil
}

// Close is Leave.
func (s *Session) Close() error {
	return s.Leave()
}

// Done is closed once the session stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil after a plain Leave.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Events streams what happens in the session. It is closed when the
// session stops.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)

	h := s.handler
	for !s.closed {
		select {
		case <-s.inbox.wake:
			for _, f := range s.inbox.take() {
				if s.closed {
					break
				}
				f()
			}
		case m := <-h.Membership:
			s.onMembership(m)
		case <-h.RoomFull:
			s.onSeatTaken(ErrRoomFull)
		case msg := <-h.Signal:
			s.drainMembership()
			s.onSignal(msg)
		case p := <-h.Error:
			s.onServerError(p)
		case <-h.Disconnected:
			s.onDisconnected()
		case <-h.Done():
			s.shutdown(signaling.ErrClientClosed)
		case <-s.ctx.Done():
			s.shutdown(nil)
		}
	}
}

// drainMembership handles membership messages the handler already routed.
// They precede the signal being handled, so a description never overtakes
// the joined or peer-joined that introduces its sender.
func (s *Session) drainMembership() {
	h := s.handler
	for {
		select {
		case m := <-h.Membership:
			s.onMembership(m)
		default:
			return
		}
	}
}

// call runs f on the loop and waits for its result.
func (s *Session) call(f func() error) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	errc := make(chan error, 1)
	s.inbox.post(func() { errc <- f() })
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("event dropped", zap.String("kind", string(ev.Kind)))
	}
}

func (s *Session) fail(err error) {
	if s.closed {
		return
	}
	s.log.Error("session failed", zap.Error(err))
	if !s.everJoined {
		select {
		case s.joinResult <- err:
		default:
		}
	}
	s.shutdown(err)
}

// shutdown leaves the room and closes, in order, the peer connection, the
// channels, the transfer pumps, the local media and the signaling client.
func (s *Session) shutdown(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.phase = PhaseClosed
	s.stopRetry()
	final := s.snapshot()
	s.leaveRoom()

	if s.engine != nil {
		s.addNegotiationStats(s.engine.Stats())
		s.engine.Close()
	}
	if s.transport != nil {
		if cerr := s.transport.Close(); cerr != nil {
			s.log.Debug("transport close", zap.Error(cerr))
		}
	}
	s.transport, s.engine = nil, nil

	s.channels.Close()
	s.transfers.Close()
	s.media.Close()
	s.view.Clear()
	s.sig.Close()
	s.cancel()
	s.inbox.close()
	go drainHandler(s.handler)

	s.errMu.Lock()
	s.err = err
	s.final = &final
	s.errMu.Unlock()
	s.log.Info("session closed", zap.Error(err))
	s.emit(Event{Kind: EventClosed, Err: err})
}

// drainHandler keeps the handler moving until its source closes.
func drainHandler(h *signaling.Handler) {
	for {
		select {
		case <-h.Done():
			return
		case <-h.Membership:
		case <-h.RoomFull:
		case <-h.Signal:
		case <-h.Error:
		case <-h.Disconnected:
		}
	}
}

func (s *Session) addNegotiationStats(st negotiation.Stats) {
	s.negStats.Offers += st.Offers
	s.negStats.Answers += st.Answers
	s.negStats.Rollbacks += st.Rollbacks
	s.negStats.IgnoredOffers += st.IgnoredOffers
	s.negStats.ICERestarts += st.ICERestarts
}

// Snapshot returns the current state of the session. Once the session
// stopped it returns the state at the time it stopped.
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.call(func() error { snap = s.snapshot(); return nil }); err != nil {
		s.errMu.Lock()
		defer s.errMu.Unlock()
		if s.final != nil {
			return *s.final
		}
		return Snapshot{RoomID: s.cfg.RoomID, Phase: PhaseClosed}
	}
	return snap
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		RoomID:      s.cfg.RoomID,
		Phase:       s.phase,
		Polite:      s.polite,
		Channels:    make(map[string]channels.State, len(webrtc.Channels)),
		Local:       s.media.Tracks(),
		RemoteMedia: s.peerMedia,
		RemoteViews: s.view.Len(),
		Sharing:     s.media.Sharing(),
		Quality:     s.media.Quality().Name,
		Background:  s.media.VirtualBackground(),
		Board:       s.board.Len(),
		Transfers:   s.transfers.Transfers(),
		Stats:       s.stats,
	}
	if s.self != nil {
		self := *s.self
		snap.Self = &self
	}
	if s.remote != nil {
		remote := *s.remote
		snap.Remote = &remote
	}
	for _, name := range webrtc.Channels {
		snap.Channels[name] = s.channels.State(name)
	}

	neg := s.negStats
	snap.Negotiation = negotiation.StateIdle
	if s.engine != nil {
		snap.Negotiation = s.engine.State()
		cur := s.engine.Stats()
		neg.Offers += cur.Offers
		neg.Answers += cur.Answers
		neg.Rollbacks += cur.Rollbacks
		neg.IgnoredOffers += cur.IgnoredOffers
		neg.ICERestarts += cur.ICERestarts
	}
	snap.Stats.Negotiation = neg
	snap.Stats.BytesSent, snap.Stats.BytesReceived = s.transfers.Bytes()
	return snap
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return s.Snapshot().Stats
}

// RemoteTrack returns the remote track of the given kind, if any.
func (s *Session) RemoteTrack(kind pion.RTPCodecType) webrtc.RemoteTrack {
	return s.view.Track(kind)
}

// Reload tears the connection down and rejoins with a fresh peer id, as a
// restarted client would.
func (s *Session) Reload() error {
	return s.call(func() error {
		if s.phase == PhaseReconnecting {
			return ErrNotInRoom
		}
		s.rejoin(errReload)
		return nil
	})
}
