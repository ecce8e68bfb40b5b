package transfer

import (
	"time"

	"github.com/BioHazard786/warpcall/internal/utils"
)

// Direction of a transfer as seen locally.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Status of a transfer.
type Status string

const (
	StatusOffered   Status = "offered"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further progress is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Session is a snapshot of one file transfer. For a receive, BytesSent
// counts bytes written locally.
type Session struct {
	FileID      string
	Name        string
	Mime        string
	Size        uint64
	ChunkSize   int
	TotalChunks uint64
	BytesSent   uint64
	BytesAcked  uint64

	Direction Direction
	Status    Status
	Path      string
	StartedAt time.Time
	Err       error
}

// Percent of the file that reached the other side.
func (s Session) Percent() float64 {
	if s.Size == 0 {
		return 0
	}
	done := s.BytesAcked
	if s.Direction == DirectionReceive {
		done = s.BytesSent
	}
	return float64(done) / float64(s.Size) * 100
}

// Speed is the average rate since the transfer started, in bytes/sec.
func (s Session) Speed() float64 {
	if s.StartedAt.IsZero() {
		return 0
	}
	elapsed := time.Since(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.BytesSent) / elapsed
}

// Summary renders "<size> at <speed>" for the UI.
func (s Session) Summary() string {
	return utils.FormatSize(int64(s.Size)) + " at " + utils.FormatSpeed(s.Speed())
}

// EventKind classifies transfer events.
type EventKind string

const (
	EventOffered   EventKind = "offered"
	EventAccepted  EventKind = "accepted"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventDeclined  EventKind = "declined"
	EventCancelled EventKind = "cancelled"
	EventFailed    EventKind = "failed"
)

// Event reports a transfer change.
type Event struct {
	Kind     EventKind
	Transfer Session
}

func chunkCount(size uint64, chunkSize int) uint64 {
	cs := uint64(chunkSize)
	return (size + cs - 1) / cs
}
