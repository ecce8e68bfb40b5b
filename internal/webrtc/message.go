package webrtc

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Message types carried on the control channel.
const (
	MessageTypeMediaState  = "media-state"
	MessageTypeSettings    = "settings"
	MessageTypeScreenShare = "screen-share"
	MessageTypeQuality     = "quality"

	MessageTypeFileOffer    = "file-offer"
	MessageTypeFileAccept   = "file-accept"
	MessageTypeFileDecline  = "file-decline"
	MessageTypeFileAck      = "file-ack"
	MessageTypeFileComplete = "file-complete"
	MessageTypeFileCancel   = "file-cancel"
)

// Message types carried on the chat, whiteboard and file channels.
const (
	MessageTypeChat = "chat"

	MessageTypeWhiteboardOp    = "wb-op"
	MessageTypeWhiteboardScene = "wb-scene"
	MessageTypeWhiteboardClear = "wb-clear"

	MessageTypeFileChunk = "file-chunk"
)

// Message represents all WebRTC data channel messages
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// MediaStatePayload announces whether a local track is live.
type MediaStatePayload struct {
	Kind    string `msgpack:"kind"`
	Enabled bool   `msgpack:"enabled"`
	Reason  string `msgpack:"reason,omitempty"`
}

// Reasons carried by MediaStatePayload.
const (
	ReasonDeviceUnavailable = "device-unavailable"
	ReasonUser              = "user"
)

// SettingsPayload carries session settings that outlive a rebuild.
type SettingsPayload struct {
	VirtualBackground string `msgpack:"virtualBackground"`
}

// ScreenSharePayload announces a screen share.
type ScreenSharePayload struct {
	Active bool `msgpack:"active"`
}

// QualityPayload announces the outgoing screen-share profile.
type QualityPayload struct {
	Profile string `msgpack:"profile"`
}

// FileOfferPayload opens a transfer. Offset is non-zero when resuming.
type FileOfferPayload struct {
	FileID      string `msgpack:"fileId"`
	Name        string `msgpack:"name"`
	Mime        string `msgpack:"mime"`
	Size        uint64 `msgpack:"size"`
	ChunkSize   int    `msgpack:"chunkSize"`
	TotalChunks uint64 `msgpack:"totalChunks"`
	Offset      uint64 `msgpack:"offset"`
}

// FileAcceptPayload accepts a transfer from Offset onwards.
type FileAcceptPayload struct {
	FileID string `msgpack:"fileId"`
	Offset uint64 `msgpack:"offset"`
}

// FileRefPayload names a transfer (decline, complete).
type FileRefPayload struct {
	FileID string `msgpack:"fileId"`
}

// FileAckPayload reports the bytes written so far.
type FileAckPayload struct {
	FileID string `msgpack:"fileId"`
	Bytes  uint64 `msgpack:"bytes"`
}

// FileCancelPayload aborts a transfer from either side.
type FileCancelPayload struct {
	FileID string `msgpack:"fileId"`
	Reason string `msgpack:"reason,omitempty"`
}

// ChunkPayload represents a file chunk
type ChunkPayload struct {
	FileID      string `msgpack:"fileId"`
	ChunkIndex  uint64 `msgpack:"chunkIndex"`
	TotalChunks uint64 `msgpack:"totalChunks"`
	Data        []byte `msgpack:"data"`
}

// ChatPayload is one chat line.
type ChatPayload struct {
	ID     string    `msgpack:"id"`
	Text   string    `msgpack:"text"`
	SentAt time.Time `msgpack:"sentAt"`
}

// Element is a whiteboard element. Only ID and Version are interpreted;
// Data is opaque drawing state.
type Element struct {
	ID      string            `msgpack:"id"`
	Version int               `msgpack:"version"`
	Deleted bool              `msgpack:"deleted,omitempty"`
	Data    map[string]string `msgpack:"data,omitempty"`
}

// WhiteboardOpPayload is an incremental whiteboard change.
type WhiteboardOpPayload struct {
	Element Element `msgpack:"element"`
}

// WhiteboardScenePayload is the full whiteboard scene.
type WhiteboardScenePayload struct {
	Elements []Element `msgpack:"elements"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload.
// A nil payload leaves Payload empty.
func NewMessage(t string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}

	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

// Encode serializes the envelope.
func (m Message) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

// ParseMessage decodes an envelope received on a data channel.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	err := msgpack.Unmarshal(data, &msg)
	return msg, err
}
