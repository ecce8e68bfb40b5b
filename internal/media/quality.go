package media

import (
	"math/bits"
	"time"

	"github.com/pion/rtcp"
)

// Profile is one rung of the screen-share quality ladder.
type Profile struct {
	Name      string  `msgpack:"name"`
	Width     int     `msgpack:"width"`
	Height    int     `msgpack:"height"`
	FrameRate float64 `msgpack:"frameRate"`
	Bitrate   int     `msgpack:"bitrate"`
}

// DefaultLadder goes from best to worst.
var DefaultLadder = []Profile{
	{Name: "1080p", Width: 1920, Height: 1080, FrameRate: 30, Bitrate: 2_500_000},
	{Name: "720p", Width: 1280, Height: 720, FrameRate: 30, Bitrate: 1_200_000},
	{Name: "540p", Width: 960, Height: 540, FrameRate: 24, Bitrate: 800_000},
	{Name: "360p", Width: 640, Height: 360, FrameRate: 15, Bitrate: 400_000},
}

// Report is the network condition seen by the remote receiver.
type Report struct {
	Loss float64
	RTT  time.Duration
}

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// compactNTP returns the middle 32 bits of the NTP timestamp for t.
func compactNTP(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / 1e9
	return uint32(secs&0xffff)<<16 | uint32(frac>>16)
}

// ReportFromRTCP extracts loss and round trip time from the receiver
// reports in pkts. RTT comes from LSR and DLSR and is zero when the
// receiver has not seen a sender report yet.
func ReportFromRTCP(pkts []rtcp.Packet, now time.Time) (Report, bool) {
	var r Report
	found := false
	for _, pkt := range pkts {
		rr, ok := pkt.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, rep := range rr.Reports {
			found = true
			if loss := float64(rep.FractionLost) / 256; loss > r.Loss {
				r.Loss = loss
			}
			if rep.LastSenderReport == 0 {
				continue
			}
			delta := compactNTP(now) - rep.LastSenderReport - rep.Delay
			rtt := time.Duration(uint64(delta) * uint64(time.Second) >> 16)
			if rtt > r.RTT && delta < 1<<31 {
				r.RTT = rtt
			}
		}
	}
	return r, found
}

// QualityConfig tunes a QualityController.
type QualityConfig struct {
	Ladder []Profile

	// A report is bad above either threshold.
	LossThreshold float64
	RTTThreshold  time.Duration

	// Step down after BadReports of the last Window reports were bad.
	Window     int
	BadReports int

	// Step up after GoodStreak consecutive good reports.
	GoodStreak int

	Cooldown time.Duration
}

// DefaultQualityConfig steps down at 5% loss or 400ms RTT.
var DefaultQualityConfig = QualityConfig{
	Ladder:        DefaultLadder,
	LossThreshold: 0.05,
	RTTThreshold:  400 * time.Millisecond,
	Window:        8,
	BadReports:    5,
	GoodStreak:    10,
	Cooldown:      5 * time.Second,
}

// QualityController walks the ladder from receiver reports.
type QualityController struct {
	cfg        QualityConfig
	level      int
	history    uint32
	good       int
	lastChange time.Time
}

func NewQualityController(cfg QualityConfig) *QualityController {
	def := DefaultQualityConfig
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = def.Ladder
	}
	if cfg.LossThreshold <= 0 {
		cfg.LossThreshold = def.LossThreshold
	}
	if cfg.RTTThreshold <= 0 {
		cfg.RTTThreshold = def.RTTThreshold
	}
	if cfg.Window <= 0 || cfg.Window > 32 {
		cfg.Window = def.Window
	}
	if cfg.BadReports <= 0 || cfg.BadReports > cfg.Window {
		cfg.BadReports = min(def.BadReports, cfg.Window)
	}
	if cfg.GoodStreak <= 0 {
		cfg.GoodStreak = def.GoodStreak
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	return &QualityController{cfg: cfg}
}

// Profile is the current rung.
func (q *QualityController) Profile() Profile { return q.cfg.Ladder[q.level] }

// Reset returns to the top of the ladder.
func (q *QualityController) Reset() {
	q.level, q.history, q.good = 0, 0, 0
	q.lastChange = time.Time{}
}

// Observe records a report and returns the new profile when it changed.
func (q *QualityController) Observe(r Report, now time.Time) (Profile, bool) {
	bad := r.Loss > q.cfg.LossThreshold || r.RTT > q.cfg.RTTThreshold

	mask := uint32(1)<<q.cfg.Window - 1
	if q.cfg.Window == 32 {
		mask = ^uint32(0)
	}
	q.history <<= 1
	if bad {
		q.history |= 1
		q.good = 0
	} else {
		q.good++
	}
	q.history &= mask

	if !q.lastChange.IsZero() && now.Sub(q.lastChange) < q.cfg.Cooldown {
		return q.Profile(), false
	}

	switch {
	case bits.OnesCount32(q.history) >= q.cfg.BadReports && q.level < len(q.cfg.Ladder)-1:
		q.level++
	case q.good >= q.cfg.GoodStreak && q.level > 0:
		q.level--
	default:
		return q.Profile(), false
	}

	q.history, q.good = 0, 0
	q.lastChange = now
	return q.Profile(), true
}
