// Package media owns the local camera, microphone and screen tracks of a
// session, keeps the outgoing senders pointed at the right source and
// adapts screen-share quality to network conditions.
package media

import (
	"errors"

	pion "github.com/pion/webrtc/v4"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNoDevice          = errors.New("no such device")
	ErrNotSharing        = errors.New("screen share not active")
	ErrClosed            = errors.New("media pipeline closed")
)

// Reasons carried by media-state messages.
const (
	ReasonDeviceUnavailable = "device-unavailable"
	ReasonUser              = "user"
)

// Source is a local track and whatever feeds it.
type Source interface {
	Track() pion.TrackLocal
	Close() error
}

// Adjustable sources follow the quality profile in place.
type Adjustable interface {
	Apply(p Profile) error
}

// Constraints for device capture.
type Constraints struct {
	VideoDeviceID string
	AudioDeviceID string
	Width         int
	Height        int
	FrameRate     float64
}

// DefaultConstraints is 640x480 at 30 fps.
var DefaultConstraints = Constraints{Width: 640, Height: 480, FrameRate: 30}

// Capturer opens local media sources.
type Capturer interface {
	// Open captures from the camera or microphone. It fails with
	// ErrPermissionDenied or ErrNoDevice.
	Open(kind pion.RTPCodecType, c Constraints) (Source, error)

	// Synthetic returns a blank video or silent audio source.
	Synthetic(kind pion.RTPCodecType) (Source, error)

	// Screen captures the display at profile p.
	Screen(p Profile) (Source, error)
}

func kindName(kind pion.RTPCodecType) string {
	return kind.String()
}
