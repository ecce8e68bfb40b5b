package signaling

import (
	"encoding/json"
	"time"
)

// Message represents all WebSocket messages between clients and the server.
// To is stamped by the server with the recipient's peer id on membership
// notices and relays, so a client that rejoined can tell which of its ids
// a message was meant for.
type Message struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	PeerID  string          `json:"peer_id,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants.
const (
	// client to server
	MessageTypeJoin  = "join"
	MessageTypeLeave = "leave"

	// relayed to the other occupant, peer_id is stamped by the server
	MessageTypeOffer        = "offer"
	MessageTypeAnswer       = "answer"
	MessageTypeICECandidate = "ice-candidate"

	// server to client
	MessageTypeJoined     = "joined"
	MessageTypePeerJoined = "peer-joined"
	MessageTypePeerLeft   = "peer-left"
	MessageTypeRoomFull   = "room-full"
	MessageTypeError      = "error"
)

// Error codes carried by MessageTypeError.
const (
	CodeAccessDenied  = "ACCESS_DENIED"
	CodeAlreadyJoined = "ALREADY_JOINED"
	CodeNotInRoom     = "NOT_IN_ROOM"
	CodeBadRequest    = "BAD_REQUEST"
	CodeRoleTaken     = "ROLE_TAKEN"
)

// Role of a participant in a lesson.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

// JoinPayload is sent with MessageTypeJoin.
type JoinPayload struct {
	Credential string `json:"credential"`
	Role       Role   `json:"role,omitempty"`
}

// PeerInfo describes a room occupant.
type PeerInfo struct {
	PeerID   string    `json:"peer_id"`
	Role     Role      `json:"role"`
	Label    string    `json:"label,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// JoinedPayload answers a successful join. Peers lists the occupants that
// were already in the room, in join order.
type JoinedPayload struct {
	Self  PeerInfo   `json:"self"`
	Peers []PeerInfo `json:"peers"`
}

// DescriptionPayload carries an SDP offer or answer. To names the peer id
// the sender negotiates with; a rejoined peer drops signals meant for its
// previous id.
type DescriptionPayload struct {
	SDP        string `json:"sdp"`
	ICERestart bool   `json:"ice_restart,omitempty"`
	To         string `json:"to,omitempty"`
}

// CandidatePayload carries a trickled ICE candidate.
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"username_fragment,omitempty"`
	To               string  `json:"to,omitempty"`
}

// ErrorPayload represents error messages from server.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage creates a message with payload marshalled to JSON.
func NewMessage(msgType string, payload any) (*Message, error) {
	msg := &Message{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(m.Payload, v)
}

// IsRelay reports whether the message is forwarded to the other occupant.
func (m *Message) IsRelay() bool {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		return true
	}
	return false
}
