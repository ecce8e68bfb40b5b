// Package devices captures real media with pion/mediadevices and encodes
// it as VP8 and Opus.
package devices

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"strings"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapters
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapters
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers screen adapters

	"github.com/BioHazard786/warpcall/internal/media"
)

const (
	videoBitrate = 1_000_000
	audioBitrate = 32_000

	blankWidth  = 640
	blankHeight = 480
	blankFPS    = 5

	sampleRate   = 48000
	audioLatency = 20 * time.Millisecond
)

// Capturer implements media.Capturer on top of mediadevices.
type Capturer struct {
	selector *mediadevices.CodecSelector
	log      *zap.Logger
}

// NewCapturer prepares the VP8 and Opus encoders.
func NewCapturer(log *zap.Logger) (*Capturer, error) {
	if log == nil {
		log = zap.NewNop()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = videoBitrate
	vpxParams.KeyFrameInterval = 30
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = audioBitrate
	opusParams.Latency = opus.Latency20ms

	return &Capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log.Named("devices"),
	}, nil
}

// ConfigureMedia registers the encoder codecs on a peer connection's media
// engine.
func (c *Capturer) ConfigureMedia(me *pion.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

// List returns the capture devices mediadevices can see.
func (c *Capturer) List() []mediadevices.MediaDeviceInfo {
	return mediadevices.EnumerateDevices()
}

type trackSource struct {
	track mediadevices.Track
}

func (s trackSource) Track() pion.TrackLocal { return s.track }
func (s trackSource) Close() error           { return s.track.Close() }

// Open captures the camera or the microphone.
func (c *Capturer) Open(kind pion.RTPCodecType, cons media.Constraints) (media.Source, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if kind == pion.RTPCodecTypeVideo {
		constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
			if cons.VideoDeviceID != "" {
				m.DeviceID = prop.String(cons.VideoDeviceID)
			}
			m.Width = prop.Int(cons.Width)
			m.Height = prop.Int(cons.Height)
			m.FrameRate = prop.Float(cons.FrameRate)
		}
	} else {
		constraints.Audio = func(m *mediadevices.MediaTrackConstraints) {
			if cons.AudioDeviceID != "" {
				m.DeviceID = prop.String(cons.AudioDeviceID)
			}
			m.SampleRate = prop.Int(sampleRate)
			m.ChannelCount = prop.Int(1)
			m.Latency = prop.Duration(audioLatency)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, media.ErrNoDevice
	}
	c.log.Info("capturing", zap.String("kind", kind.String()), zap.String("id", tracks[0].ID()))
	return trackSource{track: tracks[0]}, nil
}

// classify maps capture failures onto the media sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	case strings.Contains(err.Error(), "permission"):
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", media.ErrNoDevice, err)
	}
}

// Synthetic encodes black frames or silence through the same codecs as a
// real device.
func (c *Capturer) Synthetic(kind pion.RTPCodecType) (media.Source, error) {
	if kind == pion.RTPCodecTypeVideo {
		return trackSource{track: mediadevices.NewVideoTrack(blackFrames(), c.selector)}, nil
	}
	return trackSource{track: mediadevices.NewAudioTrack(silence(), c.selector)}, nil
}

func blackFrames() video.Reader {
	img := image.NewYCbCr(image.Rect(0, 0, blankWidth, blankHeight), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	ticker := time.NewTicker(time.Second / blankFPS)
	return video.ReaderFunc(func() (image.Image, func(), error) {
		<-ticker.C
		return img, func() {}, nil
	})
}

func silence() audio.Reader {
	info := wave.ChunkInfo{Len: sampleRate * int(audioLatency) / int(time.Second), Channels: 1, SamplingRate: sampleRate}
	ticker := time.NewTicker(audioLatency)
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		<-ticker.C
		return wave.NewInt16Interleaved(info), func() {}, nil
	})
}

// Screen captures the display at the profile's resolution and frame rate.
func (c *Capturer) Screen(p media.Profile) (media.Source, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(m *mediadevices.MediaTrackConstraints) {
			m.Width = prop.IntRanged{Max: p.Width, Ideal: p.Width}
			m.Height = prop.IntRanged{Max: p.Height, Ideal: p.Height}
			m.FrameRate = prop.FloatRanged{Max: float32(p.FrameRate), Ideal: float32(p.FrameRate)}
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, media.ErrNoDevice
	}
	c.log.Info("capturing screen", zap.String("profile", p.Name))
	return trackSource{track: tracks[0]}, nil
}

var _ media.Capturer = (*Capturer)(nil)
