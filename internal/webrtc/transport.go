package webrtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

// DataChannel is the subset of a pion data channel the session uses.
type DataChannel interface {
	Label() string
	ReadyState() pion.DataChannelState
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(data []byte))
	Close() error
}

// Sender is the outgoing side of a media track. *pion.RTPSender satisfies it.
type Sender interface {
	Track() pion.TrackLocal
	ReplaceTrack(track pion.TrackLocal) error
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// RemoteTrack is an incoming media track. *pion.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() pion.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Transport is one peer connection.
//
// Callbacks are invoked from transport goroutines. Callers that keep state
// must hand them over to their own loop.
type Transport interface {
	CreateOffer(iceRestart bool) (pion.SessionDescription, error)
	CreateAnswer() (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	RemoteDescription() *pion.SessionDescription
	SignalingState() pion.SignalingState
	AddICECandidate(candidate pion.ICECandidateInit) error

	CreateDataChannel(label string, init *pion.DataChannelInit) (DataChannel, error)
	OnDataChannel(f func(DataChannel))

	AddTrack(track pion.TrackLocal) (Sender, error)
	OnTrack(f func(RemoteTrack))

	// OnICECandidate is called with nil once gathering completes.
	OnICECandidate(f func(*pion.ICECandidateInit))
	OnConnectionStateChange(f func(pion.PeerConnectionState))

	Close() error
}

// Factory creates transports. Every rebuild of a session asks for a new one.
type Factory interface {
	NewTransport() (Transport, error)
}
