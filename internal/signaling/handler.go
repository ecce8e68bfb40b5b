package signaling

import "go.uber.org/zap"

// Source is anything that yields signaling messages, normally a *Client.
type Source interface {
	Incoming() <-chan *Message
}

// Membership is a joined, peer-joined or peer-left notice. Notices share
// one channel so they are handled in the order the server sent them.
type Membership struct {
	Type string
	// To is the peer id the server addressed, empty for joined.
	To     string
	Joined *JoinedPayload
	Peer   *PeerInfo
}

// Handler routes incoming signaling messages to typed channels.
type Handler struct {
	source Source
	log    *zap.Logger

	Membership   chan *Membership
	RoomFull     chan string
	Signal       chan *Message
	Error        chan *ErrorPayload
	Disconnected chan struct{}

	done chan struct{}
}

// NewHandler creates a new message handler.
func NewHandler(source Source, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		source:       source,
		log:          log.Named("handler"),
		Membership:   make(chan *Membership, 16),
		RoomFull:     make(chan string, 1),
		Signal:       make(chan *Message, 64),
		Error:        make(chan *ErrorPayload, 4),
		Disconnected: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins listening to incoming messages and routing them. It returns
// once the source closes its channel.
func (h *Handler) Start() {
	defer close(h.done)

	for msg := range h.source.Incoming() {
		switch msg.Type {
		case MessageTypeJoined:
			var p JoinedPayload
			if h.decode(msg, &p) {
				h.Membership <- &Membership{Type: msg.Type, Joined: &p}
			}

		case MessageTypePeerJoined, MessageTypePeerLeft:
			var p PeerInfo
			if h.decode(msg, &p) {
				h.Membership <- &Membership{Type: msg.Type, To: msg.To, Peer: &p}
			}

		case MessageTypeRoomFull:
			h.RoomFull <- msg.RoomID

		case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
			h.Signal <- msg

		case MessageTypeError:
			var p ErrorPayload
			if h.decode(msg, &p) {
				h.Error <- &p
			}

		case MessageTypeDisconnected:
			select {
			case h.Disconnected <- struct{}{}:
			default:
			}

		default:
			h.log.Debug("ignoring unknown message", zap.String("type", msg.Type))
		}
	}
}

// Done is closed once the source is exhausted.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

func (h *Handler) decode(msg *Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		h.log.Warn("malformed message", zap.String("type", msg.Type), zap.Error(err))
		h.Error <- &ErrorPayload{Code: CodeBadRequest, Message: "malformed " + msg.Type + " from server"}
		return false
	}
	return true
}
