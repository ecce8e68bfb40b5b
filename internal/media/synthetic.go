package media

import (
	"fmt"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// SampleSource is a source backed by a static sample track.
type SampleSource struct {
	track *pion.TrackLocalStaticSample
	stop  chan struct{}
	once  sync.Once
}

// NewSampleSource creates an idle sample track of the given kind.
func NewSampleSource(kind pion.RTPCodecType, id string) (*SampleSource, error) {
	codec := pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}
	if kind == pion.RTPCodecTypeAudio {
		codec = pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	track, err := pion.NewTrackLocalStaticSample(codec, id, "warpcall")
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &SampleSource{track: track, stop: make(chan struct{})}, nil
}

// NewSyntheticSource returns a silent audio source paced at 20ms, or a
// blank video source that sends nothing.
func NewSyntheticSource(kind pion.RTPCodecType) (Source, error) {
	id := "blank"
	if kind == pion.RTPCodecTypeAudio {
		id = "silence"
	}
	s, err := NewSampleSource(kind, id)
	if err != nil {
		return nil, err
	}
	if kind == pion.RTPCodecTypeAudio {
		go s.pace(opusSilence, silenceFrame)
	}
	return s, nil
}

func (s *SampleSource) pace(frame []byte, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.track.WriteSample(pionmedia.Sample{Data: frame, Duration: every})
		case <-s.stop:
			return
		}
	}
}

func (s *SampleSource) Track() pion.TrackLocal { return s.track }

// Sample exposes the underlying track for writing.
func (s *SampleSource) Sample() *pion.TrackLocalStaticSample { return s.track }

func (s *SampleSource) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// NullCapturer has no devices. Every local track is synthetic.
type NullCapturer struct{}

func (NullCapturer) Open(pion.RTPCodecType, Constraints) (Source, error) { return nil, ErrNoDevice }

func (NullCapturer) Synthetic(kind pion.RTPCodecType) (Source, error) {
	return NewSyntheticSource(kind)
}

func (NullCapturer) Screen(Profile) (Source, error) { return nil, ErrNoDevice }
