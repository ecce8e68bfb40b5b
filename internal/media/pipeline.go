package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// Announcer sends a control message to the other participant.
type Announcer func(msgType string, payload any) error

// Config configures a Pipeline.
type Config struct {
	Capturer    Capturer
	Constraints Constraints
	Quality     QualityConfig
	Announce    Announcer
	Logger      *zap.Logger

	// Dispatch runs OnQuality on the owner's loop.
	Dispatch  func(func())
	OnQuality func(Profile)
}

type slot struct {
	kind    pion.RTPCodecType
	device  Source
	blank   Source
	enabled bool
	sender  webrtc.Sender
}

func (s *slot) available() bool { return s.device != nil }

// outgoing is the track the sender should carry when not screen sharing.
func (s *slot) outgoing() Source {
	if s.enabled && s.device != nil {
		return s.device
	}
	return s.blank
}

// TrackState describes one local track.
type TrackState struct {
	Kind      pion.RTPCodecType
	Available bool
	Enabled   bool
	Synthetic bool
}

// Pipeline owns the local media of a session. Its methods are safe for
// concurrent use.
type Pipeline struct {
	cfg Config
	log *zap.Logger

	mu         sync.Mutex
	audio      *slot
	video      *slot
	screen     Source
	quality    *QualityController
	background string
	rtcpStop   chan struct{}
	closed     bool
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.Capturer == nil {
		cfg.Capturer = NullCapturer{}
	}
	if cfg.Constraints == (Constraints{}) {
		cfg.Constraints = DefaultConstraints
	}
	if len(cfg.Quality.Ladder) == 0 && cfg.Quality.Window == 0 {
		cfg.Quality = DefaultQualityConfig
	}
	if cfg.Announce == nil {
		cfg.Announce = func(string, any) error { return nil }
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		cfg:     cfg,
		log:     log.Named("media"),
		quality: NewQualityController(cfg.Quality),
	}
}

// AcquireLocalMedia captures the camera and microphone. A device that is
// denied or missing is replaced by a synthetic source, so both kinds are
// always present.
func (p *Pipeline) AcquireLocalMedia() ([]TrackState, error) {
	audio, err := p.acquire(pion.RTPCodecTypeAudio)
	if err != nil {
		return nil, err
	}
	video, err := p.acquire(pion.RTPCodecTypeVideo)
	if err != nil {
		audio.close()
		return nil, err
	}

	p.mu.Lock()
	p.audio, p.video = audio, video
	p.mu.Unlock()
	return p.Tracks(), nil
}

func (p *Pipeline) acquire(kind pion.RTPCodecType) (*slot, error) {
	s := &slot{kind: kind}

	blank, err := p.cfg.Capturer.Synthetic(kind)
	if err != nil {
		return nil, fmt.Errorf("synthetic %s: %w", kind, err)
	}
	s.blank = blank

	dev, err := p.cfg.Capturer.Open(kind, p.cfg.Constraints)
	if err != nil {
		p.log.Warn("device unavailable, using synthetic track",
			zap.String("kind", kindName(kind)), zap.Error(err))
		return s, nil
	}
	s.device = dev
	s.enabled = true
	return s, nil
}

func (s *slot) close() {
	if s.device != nil {
		s.device.Close()
	}
	if s.blank != nil {
		s.blank.Close()
	}
}

// Tracks reports the local tracks.
func (p *Pipeline) Tracks() []TrackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []TrackState
	for _, s := range []*slot{p.audio, p.video} {
		if s == nil {
			continue
		}
		out = append(out, TrackState{
			Kind:      s.kind,
			Available: s.available(),
			Enabled:   s.enabled,
			Synthetic: s.outgoing() == s.blank,
		})
	}
	return out
}

func (p *Pipeline) slotFor(kind pion.RTPCodecType) *slot {
	if kind == pion.RTPCodecTypeAudio {
		return p.audio
	}
	return p.video
}

// Attach adds one sender per kind to t. The video sender's RTCP feeds the
// quality controller.
func (p *Pipeline) Attach(t webrtc.Transport) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.audio == nil || p.video == nil {
		return errors.New("local media not acquired")
	}
	p.detachLocked()

	for _, s := range []*slot{p.audio, p.video} {
		track := s.outgoing().Track()
		if s == p.video && p.screen != nil {
			track = p.screen.Track()
		}
		sender, err := t.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", s.kind, err)
		}
		s.sender = sender
	}

	p.rtcpStop = make(chan struct{})
	go p.readRTCP(p.video.sender, p.rtcpStop)
	return nil
}

// Detach forgets the senders of a torn down transport.
func (p *Pipeline) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detachLocked()
}

func (p *Pipeline) detachLocked() {
	if p.rtcpStop != nil {
		close(p.rtcpStop)
		p.rtcpStop = nil
	}
	for _, s := range []*slot{p.audio, p.video} {
		if s != nil {
			s.sender = nil
		}
	}
}

func (p *Pipeline) readRTCP(sender webrtc.Sender, stop chan struct{}) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		if r, ok := ReportFromRTCP(pkts, time.Now()); ok {
			p.observe(r, time.Now())
		}
	}
}

func (p *Pipeline) observe(r Report, now time.Time) {
	p.mu.Lock()
	if p.screen == nil {
		p.mu.Unlock()
		return
	}
	profile, changed := p.quality.Observe(r, now)
	screen := p.screen
	p.mu.Unlock()

	if !changed {
		return
	}
	p.log.Info("screen share quality", zap.String("profile", profile.Name),
		zap.Float64("loss", r.Loss), zap.Duration("rtt", r.RTT))
	if adj, ok := screen.(Adjustable); ok {
		if err := adj.Apply(profile); err != nil {
			p.log.Warn("failed to apply profile", zap.Error(err))
		}
	}
	p.announce(webrtc.MessageTypeQuality, webrtc.QualityPayload{Profile: profile.Name})
	if p.cfg.OnQuality != nil {
		p.cfg.Dispatch(func() { p.cfg.OnQuality(profile) })
	}
}

func (p *Pipeline) announce(msgType string, payload any) {
	if err := p.cfg.Announce(msgType, payload); err != nil {
		p.log.Debug("announce failed", zap.String("type", msgType), zap.Error(err))
	}
}

func (p *Pipeline) replace(s *slot, src Source) error {
	if s.sender == nil {
		return nil
	}
	if err := s.sender.ReplaceTrack(src.Track()); err != nil {
		return fmt.Errorf("replace %s track: %w", s.kind, err)
	}
	return nil
}

// SetEnabled turns the camera or microphone on or off by swapping the
// outgoing track. A missing device is reported to the peer and fails with
// ErrDeviceUnavailable.
func (p *Pipeline) SetEnabled(kind pion.RTPCodecType, enabled bool) error {
	p.mu.Lock()
	s := p.slotFor(kind)
	if s == nil || p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !s.available() {
		p.mu.Unlock()
		p.announce(webrtc.MessageTypeMediaState, webrtc.MediaStatePayload{
			Kind: kindName(kind), Enabled: false, Reason: ReasonDeviceUnavailable,
		})
		return ErrDeviceUnavailable
	}

	s.enabled = enabled
	var err error
	if !(kind == pion.RTPCodecTypeVideo && p.screen != nil) {
		err = p.replace(s, s.outgoing())
	}
	p.mu.Unlock()

	p.announce(webrtc.MessageTypeMediaState, webrtc.MediaStatePayload{
		Kind: kindName(kind), Enabled: enabled, Reason: ReasonUser,
	})
	return err
}

// StartScreenShare puts the screen on the video sender without
// renegotiating.
func (p *Pipeline) StartScreenShare() error {
	p.mu.Lock()
	if p.closed || p.video == nil {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.screen != nil {
		p.mu.Unlock()
		return nil
	}
	p.quality.Reset()
	screen, err := p.cfg.Capturer.Screen(p.quality.Profile())
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("capture screen: %w", err)
	}
	if err := p.replace(p.video, screen); err != nil {
		p.mu.Unlock()
		screen.Close()
		return err
	}
	p.screen = screen
	profile := p.quality.Profile()
	p.mu.Unlock()

	p.log.Info("screen share started")
	p.announce(webrtc.MessageTypeScreenShare, webrtc.ScreenSharePayload{Active: true})
	p.announce(webrtc.MessageTypeQuality, webrtc.QualityPayload{Profile: profile.Name})
	return nil
}

// StopScreenShare restores the camera track, or its stand-in, on the same
// sender.
func (p *Pipeline) StopScreenShare() error {
	p.mu.Lock()
	if p.screen == nil {
		p.mu.Unlock()
		return ErrNotSharing
	}
	screen := p.screen
	p.screen = nil
	err := p.replace(p.video, p.video.outgoing())
	p.mu.Unlock()

	screen.Close()
	p.log.Info("screen share stopped")
	p.announce(webrtc.MessageTypeScreenShare, webrtc.ScreenSharePayload{Active: false})
	return err
}

// Sharing reports whether the screen is on the video sender.
func (p *Pipeline) Sharing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screen != nil
}

// Quality returns the current screen-share profile.
func (p *Pipeline) Quality() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quality.Profile()
}

// SetVirtualBackground records the background mode and tells the peer.
func (p *Pipeline) SetVirtualBackground(mode string) {
	p.mu.Lock()
	p.background = mode
	p.mu.Unlock()
	p.announce(webrtc.MessageTypeSettings, webrtc.SettingsPayload{VirtualBackground: mode})
}

// VirtualBackground returns the background mode.
func (p *Pipeline) VirtualBackground() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.background
}

// Resync announces the whole local media state again. The session calls
// it whenever the control channel opens.
func (p *Pipeline) Resync() {
	p.mu.Lock()
	var states []webrtc.MediaStatePayload
	for _, s := range []*slot{p.audio, p.video} {
		if s == nil {
			continue
		}
		st := webrtc.MediaStatePayload{Kind: kindName(s.kind), Enabled: s.enabled, Reason: ReasonUser}
		if !s.available() {
			st.Reason = ReasonDeviceUnavailable
		}
		states = append(states, st)
	}
	bg, sharing := p.background, p.screen != nil
	profile := p.quality.Profile()
	p.mu.Unlock()

	for _, st := range states {
		p.announce(webrtc.MessageTypeMediaState, st)
	}
	if bg != "" {
		p.announce(webrtc.MessageTypeSettings, webrtc.SettingsPayload{VirtualBackground: bg})
	}
	if sharing {
		p.announce(webrtc.MessageTypeScreenShare, webrtc.ScreenSharePayload{Active: true})
		p.announce(webrtc.MessageTypeQuality, webrtc.QualityPayload{Profile: profile.Name})
	}
}

// Close releases every device.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.detachLocked()
	if p.screen != nil {
		p.screen.Close()
		p.screen = nil
	}
	for _, s := range []*slot{p.audio, p.video} {
		if s != nil {
			s.close()
		}
	}
}
