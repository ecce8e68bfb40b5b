package session

import (
	"time"

	"github.com/BioHazard786/warpcall/internal/channels"
	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/transfer"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// Phase of a session's lifecycle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseJoining      Phase = "joining"
	PhaseWaiting      Phase = "waiting"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseRejoining    Phase = "rejoining"
	PhaseReconnecting Phase = "reconnecting"
	PhaseClosed       Phase = "closed"
)

// EventKind names what an Event reports.
type EventKind string

const (
	EventJoined      EventKind = "joined"
	EventPeerJoined  EventKind = "peer-joined"
	EventPeerLeft    EventKind = "peer-left"
	EventConnected   EventKind = "connected"
	EventNegotiation EventKind = "negotiation"
	EventChannelOpen EventKind = "channel-open"
	EventChat        EventKind = "chat"
	EventWhiteboard  EventKind = "whiteboard"
	EventRemoteMedia EventKind = "remote-media"
	EventTransfer    EventKind = "transfer"
	EventUndelivered EventKind = "undelivered"
	EventQuality     EventKind = "quality"
	EventTeardown    EventKind = "teardown"
	EventRejoin      EventKind = "rejoin"
	EventError       EventKind = "error"
	EventClosed      EventKind = "closed"
)

// Event is something the UI may want to show. Only the fields that belong
// to Kind are set.
type Event struct {
	Kind EventKind

	Peer        *signaling.PeerInfo
	State       negotiation.State
	Channel     string
	Chat        *ChatLine
	Media       *RemoteMedia
	Transfer    *transfer.Event
	Undelivered *channels.Undelivered
	Quality     string
	Err         error
}

// ChatLine is one line of the chat history.
type ChatLine struct {
	ID     string
	Local  bool
	Text   string
	SentAt time.Time
}

// RemoteMedia is what the other participant announced about its media.
type RemoteMedia struct {
	Audio             webrtc.MediaStatePayload
	Video             webrtc.MediaStatePayload
	VirtualBackground string
	ScreenShare       bool
	Quality           string
}

// Stats counts lifecycle events of a session.
type Stats struct {
	Builds         int
	Teardowns      int
	Rejoins        int
	ChatsSent      int
	ChatsReceived  int
	BytesSent      uint64
	BytesReceived  uint64
	QualityChanges int
	Undelivered    int
	Negotiation    negotiation.Stats
	StartedAt      time.Time
}

// Snapshot is a consistent view of a session taken on its loop.
type Snapshot struct {
	RoomID      string
	Phase       Phase
	Self        *signaling.PeerInfo
	Remote      *signaling.PeerInfo
	Polite      bool
	Negotiation negotiation.State
	Channels    map[string]channels.State
	Local       []media.TrackState
	RemoteMedia RemoteMedia
	RemoteViews int
	Sharing     bool
	Quality     string
	Background  string
	Board       int
	Transfers   []transfer.Session
	Stats       Stats
}
