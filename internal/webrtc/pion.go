package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/utils"
)

// ICE timeouts handed to the pion setting engine. The session's restart
// window sits on top of these.
const (
	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 10 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
)

// PionConfig configures the pion backed factory.
type PionConfig struct {
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool

	// ConfigureMedia registers codecs on the media engine. When nil the
	// pion defaults are registered.
	ConfigureMedia func(m *pion.MediaEngine) error

	Logger *zap.Logger
}

// PionConfigFromConfig copies the ICE settings out of the client config.
func PionConfigFromConfig(cfg *config.Config) PionConfig {
	user, pass := cfg.GetTURNCredentials()
	return PionConfig{
		STUNServers: cfg.GetSTUNServers(),
		TURNServers: cfg.GetTURNServers(),
		TURNUser:    user,
		TURNPass:    pass,
		ForceRelay:  cfg.ForceRelay,
	}
}

// PionFactory builds real peer connections.
type PionFactory struct {
	cfg    PionConfig
	policy pion.ICETransportPolicy
	log    *zap.Logger
}

// NewPionFactory resolves the ICE policy once. Relay is forced when asked
// for, or when a TURN server is configured and the host looks like it sits
// behind a VPN or CGNAT.
func NewPionFactory(cfg PionConfig) *PionFactory {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	policy := pion.ICETransportPolicyAll
	if len(cfg.TURNServers) > 0 && (cfg.ForceRelay || utils.ShouldForceRelay()) {
		policy = pion.ICETransportPolicyRelay
		log.Info("forcing TURN relay")
	}

	return &PionFactory{cfg: cfg, policy: policy, log: log.Named("pion")}
}

func (f *PionFactory) iceServers() []pion.ICEServer {
	var servers []pion.ICEServer
	if len(f.cfg.STUNServers) > 0 {
		servers = append(servers, pion.ICEServer{URLs: f.cfg.STUNServers})
	}
	if len(f.cfg.TURNServers) > 0 {
		servers = append(servers, pion.ICEServer{
			URLs:       f.cfg.TURNServers,
			Username:   f.cfg.TURNUser,
			Credential: f.cfg.TURNPass,
		})
	}
	return servers
}

// NewTransport creates a peer connection with its own media engine and
// interceptor chain (NACK, RTCP reports, TWCC).
func (f *PionFactory) NewTransport() (Transport, error) {
	m := &pion.MediaEngine{}
	if f.cfg.ConfigureMedia != nil {
		if err := f.cfg.ConfigureMedia(m); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := pion.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(registry),
		pion.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:         f.iceServers(),
		ICETransportPolicy: f.policy,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionTransport{pc: pc}, nil
}

// pionTransport adapts *pion.PeerConnection to Transport.
type pionTransport struct {
	pc *pion.PeerConnection
}

func (t *pionTransport) CreateOffer(iceRestart bool) (pion.SessionDescription, error) {
	return t.pc.CreateOffer(&pion.OfferOptions{ICERestart: iceRestart})
}

func (t *pionTransport) CreateAnswer() (pion.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc pion.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc pion.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) RemoteDescription() *pion.SessionDescription {
	return t.pc.RemoteDescription()
}

func (t *pionTransport) SignalingState() pion.SignalingState {
	return t.pc.SignalingState()
}

func (t *pionTransport) AddICECandidate(candidate pion.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) CreateDataChannel(label string, init *pion.DataChannelInit) (DataChannel, error) {
	dc, err := t.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return &pionChannel{DataChannel: dc}, nil
}

func (t *pionTransport) OnDataChannel(f func(DataChannel)) {
	t.pc.OnDataChannel(func(dc *pion.DataChannel) {
		f(&pionChannel{DataChannel: dc})
	})
}

func (t *pionTransport) AddTrack(track pion.TrackLocal) (Sender, error) {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (t *pionTransport) OnTrack(f func(RemoteTrack)) {
	t.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		f(track)
	})
}

func (t *pionTransport) OnICECandidate(f func(*pion.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (t *pionTransport) OnConnectionStateChange(f func(pion.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(f)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

// pionChannel hands raw bytes to OnMessage instead of pion's message struct.
type pionChannel struct {
	*pion.DataChannel
}

func (c *pionChannel) OnMessage(f func(data []byte)) {
	c.DataChannel.OnMessage(func(msg pion.DataChannelMessage) {
		f(msg.Data)
	})
}
