package webrtc

import pion "github.com/pion/webrtc/v4"

// Logical data channels of a lesson session.
const (
	ChannelControl    = "control"
	ChannelChat       = "chat"
	ChannelWhiteboard = "whiteboard"
	ChannelFile       = "file"
)

// Channels lists every logical channel in creation order.
var Channels = []string{ChannelControl, ChannelChat, ChannelWhiteboard, ChannelFile}

// ChannelInit returns the options every logical channel is created with:
// ordered and fully reliable.
func ChannelInit() *pion.DataChannelInit {
	ordered := true
	return &pion.DataChannelInit{Ordered: &ordered}
}

// IsKnownChannel reports whether label names a logical channel.
func IsKnownChannel(label string) bool {
	for _, c := range Channels {
		if c == label {
			return true
		}
	}
	return false
}
