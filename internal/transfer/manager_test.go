package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/channels"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// wire delivers one side's messages to the other in order.
type wire struct {
	peer  *Manager
	queue chan func()

	mu        sync.Mutex
	delivered []uint64
	drop      func(index uint64) bool
	windowErr error
}

func newWire(t *testing.T) *wire {
	w := &wire{queue: make(chan func(), 4096)}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case f := <-w.queue:
				f()
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(done) })
	return w
}

func (w *wire) Send(channel, msgType string, payload any) error {
	msg, err := webrtc.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	if channel == webrtc.ChannelFile {
		chunk := payload.(webrtc.ChunkPayload)
		w.mu.Lock()
		drop := w.drop != nil && w.drop(chunk.ChunkIndex)
		if !drop {
			w.delivered = append(w.delivered, chunk.ChunkIndex)
		}
		w.mu.Unlock()
		if drop {
			return nil
		}
		w.queue <- func() { _ = w.peer.HandleChunk(msg) }
		return nil
	}
	w.queue <- func() { _ = w.peer.HandleControl(msg) }
	return nil
}

func (w *wire) WaitOpen(context.Context, string) error { return nil }

func (w *wire) WaitForWindow(context.Context, string, uint64, uint64, time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.windowErr
}

func (w *wire) chunks() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.delivered...)
}

type events struct {
	mu   sync.Mutex
	list []Event
}

func (e *events) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []EventKind
	for _, ev := range e.list {
		if ev.Kind != EventProgress {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (e *events) first(kind EventKind) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.list {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

type side struct {
	m      *Manager
	out    *wire
	events *events
}

func newSides(t *testing.T, sender, receiver Options) (a, b side) {
	t.Helper()
	a = side{out: newWire(t), events: &events{}}
	b = side{out: newWire(t), events: &events{}}
	a.m = NewManager(Config{Options: sender, Link: a.out, OnEvent: a.events.add})
	b.m = NewManager(Config{Options: receiver, Link: b.out, OnEvent: b.events.add})
	a.out.peer, b.out.peer = b.m, a.m
	t.Cleanup(func() {
		a.m.Close()
		b.m.Close()
	})
	return a, b
}

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "lesson.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) Session {
	t.Helper()
	var s Session
	require.Eventually(t, func() bool {
		s, _ = m.Get(id)
		return s.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return s
}

func TestTransferCompletes(t *testing.T) {
	out := t.TempDir()
	a, b := newSides(t,
		Options{ChunkSize: 1024},
		Options{ChunkSize: 1024, AutoAccept: true, OutputDir: out})
	path, data := writeFile(t, 10*1024+100)

	s, err := a.m.Offer(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), s.TotalChunks)

	done := waitStatus(t, a.m, s.FileID, StatusCompleted)
	assert.Equal(t, done.Size, done.BytesAcked)
	assert.Equal(t, 100.0, done.Percent())

	got := waitStatus(t, b.m, s.FileID, StatusCompleted)
	written, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, written))
	assert.Equal(t, out, filepath.Dir(got.Path))

	require.Eventually(t, func() bool {
		return len(a.events.kinds()) == 2 && len(b.events.kinds()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{EventAccepted, EventCompleted}, a.events.kinds())
	assert.Equal(t, []EventKind{EventOffered, EventAccepted, EventCompleted}, b.events.kinds())

	sent, _ := a.m.Bytes()
	_, received := b.m.Bytes()
	assert.Equal(t, uint64(len(data)), sent)
	assert.Equal(t, uint64(len(data)), received)
}

func TestDeclineNotifiesSender(t *testing.T) {
	a, b := newSides(t, Options{}, Options{})
	path, _ := writeFile(t, 2048)

	s, err := a.m.Offer(path)
	require.NoError(t, err)
	waitStatus(t, b.m, s.FileID, StatusOffered)
	require.NoError(t, b.m.Decline(s.FileID))

	declined := waitStatus(t, a.m, s.FileID, StatusDeclined)
	assert.ErrorIs(t, declined.Err, ErrTransferDeclined)
	assert.ErrorIs(t, b.m.Accept(s.FileID), ErrInvalidState)
}

func TestCancelRemovesPartialFile(t *testing.T) {
	out := t.TempDir()
	a, b := newSides(t,
		Options{ChunkSize: 512},
		Options{ChunkSize: 512, AutoAccept: true, OutputDir: out})
	a.out.drop = func(i uint64) bool { return i >= 2 }
	path, _ := writeFile(t, 4096)

	s, err := a.m.Offer(path)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := b.m.Get(s.FileID)
		return got.BytesSent == 1024
	}, 3*time.Second, 5*time.Millisecond)
	partial, _ := b.m.Get(s.FileID)

	require.NoError(t, a.m.Cancel(s.FileID, "changed my mind"))
	cancelled := waitStatus(t, b.m, s.FileID, StatusCancelled)
	assert.ErrorIs(t, cancelled.Err, ErrTransferCancelled)
	assert.ErrorContains(t, cancelled.Err, "changed my mind")
	_, statErr := os.Stat(partial.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestResumeFromAcknowledgedOffset(t *testing.T) {
	out := t.TempDir()
	a, b := newSides(t,
		Options{ChunkSize: 1024, AckEvery: 2},
		Options{ChunkSize: 1024, AckEvery: 2, AutoAccept: true, OutputDir: out})

	var mu sync.Mutex
	cut := true
	a.out.drop = func(i uint64) bool {
		mu.Lock()
		defer mu.Unlock()
		return cut && i >= 4
	}
	path, data := writeFile(t, 10*1024)

	s, err := a.m.Offer(path)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := a.m.Get(s.FileID)
		return got.BytesSent == got.Size && got.BytesAcked == 4096
	}, 3*time.Second, 5*time.Millisecond)

	// the transport goes away and comes back
	a.m.Suspend()
	suspended, _ := a.m.Get(s.FileID)
	assert.Equal(t, StatusSuspended, suspended.Status)
	mu.Lock()
	cut = false
	mu.Unlock()
	a.m.Resync()

	got := waitStatus(t, b.m, s.FileID, StatusCompleted)
	waitStatus(t, a.m, s.FileID, StatusCompleted)

	written, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, written))
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, a.out.chunks(), "nothing before the resume offset is sent twice")
	assert.Len(t, b.events.kinds(), 3, "a resumed transfer is not offered twice")
}

func TestBufferTimeoutFailsTransfer(t *testing.T) {
	a, b := newSides(t, Options{}, Options{AutoAccept: true, OutputDir: t.TempDir()})
	a.out.windowErr = channels.ErrBufferTimeout
	path, _ := writeFile(t, 4096)

	s, err := a.m.Offer(path)
	require.NoError(t, err)

	failed := waitStatus(t, a.m, s.FileID, StatusFailed)
	assert.ErrorIs(t, failed.Err, ErrBufferTimeout)
	waitStatus(t, b.m, s.FileID, StatusCancelled)
}

func TestOfferRejectsDirectory(t *testing.T) {
	a, _ := newSides(t, Options{}, Options{})
	_, err := a.m.Offer(t.TempDir())
	require.Error(t, err)
	var te *TransferError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "offer", te.Op)
}

func TestUnknownTransfer(t *testing.T) {
	a, _ := newSides(t, Options{}, Options{})
	assert.ErrorIs(t, a.m.Accept("nope"), ErrUnknownTransfer)
	assert.ErrorIs(t, a.m.Decline("nope"), ErrUnknownTransfer)
	assert.ErrorIs(t, a.m.Cancel("nope", ""), ErrUnknownTransfer)
}
