package media

import (
	"sync"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// RemoteStats counts what arrived on a remote track.
type RemoteStats struct {
	Packets uint64
	Bytes   uint64
}

type remote struct {
	track webrtc.RemoteTrack
	stats RemoteStats
}

// RemoteView holds at most one remote track per kind. Attached tracks are
// drained in the background so their stats stay current.
type RemoteView struct {
	log *zap.Logger

	mu     sync.Mutex
	tracks map[pion.RTPCodecType]*remote
}

func NewRemoteView(log *zap.Logger) *RemoteView {
	if log == nil {
		log = zap.NewNop()
	}
	return &RemoteView{log: log.Named("remote"), tracks: make(map[pion.RTPCodecType]*remote)}
}

// Attach shows t, replacing the previous track of the same kind.
func (v *RemoteView) Attach(t webrtc.RemoteTrack) {
	r := &remote{track: t}
	v.mu.Lock()
	v.tracks[t.Kind()] = r
	v.mu.Unlock()

	v.log.Debug("remote track", zap.String("kind", t.Kind().String()), zap.String("id", t.ID()))
	go v.drain(r)
}

func (v *RemoteView) drain(r *remote) {
	for {
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			return
		}
		v.mu.Lock()
		r.stats.Packets++
		r.stats.Bytes += uint64(len(pkt.Payload))
		v.mu.Unlock()
	}
}

// Track returns the current track of a kind, or nil.
func (v *RemoteView) Track(kind pion.RTPCodecType) webrtc.RemoteTrack {
	v.mu.Lock()
	defer v.mu.Unlock()
	if r, ok := v.tracks[kind]; ok {
		return r.track
	}
	return nil
}

// Stats returns the counters of the current track of a kind.
func (v *RemoteView) Stats(kind pion.RTPCodecType) RemoteStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	if r, ok := v.tracks[kind]; ok {
		return r.stats
	}
	return RemoteStats{}
}

// Len is the number of tracks shown.
func (v *RemoteView) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.tracks)
}

// Clear drops every track so nothing stale is shown after a teardown.
func (v *RemoteView) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.tracks)
}
