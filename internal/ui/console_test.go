package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/session"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/transfer"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

type fakeLesson struct {
	events   chan session.Event
	snap     session.Snapshot
	calls    []string
	chatErr  error
	left     bool
	accepted string
}

func newFakeLesson() *fakeLesson {
	return &fakeLesson{
		events: make(chan session.Event, 8),
		snap: session.Snapshot{
			RoomID: "math-101",
			Phase:  session.PhaseWaiting,
			Self:   &signaling.PeerInfo{PeerID: "aaaaaaaa-1111", Role: signaling.RoleHost, Label: "teacher"},
		},
	}
}

func (f *fakeLesson) Events() <-chan session.Event { return f.events }
func (f *fakeLesson) Snapshot() session.Snapshot   { return f.snap }

func (f *fakeLesson) SendChat(text string) (session.ChatLine, error) {
	f.calls = append(f.calls, "chat:"+text)
	return session.ChatLine{ID: "c1", Local: true, Text: text, SentAt: time.Now()}, f.chatErr
}

func (f *fakeLesson) SendFile(path string) (transfer.Session, error) {
	f.calls = append(f.calls, "file:"+path)
	return transfer.Session{FileID: "f-123456789", Name: "notes.pdf", Size: 10, Direction: transfer.DirectionSend, Status: transfer.StatusOffered}, nil
}

func (f *fakeLesson) AcceptFile(id string) error {
	f.accepted = id
	return nil
}

func (f *fakeLesson) DeclineFile(id string) error {
	f.calls = append(f.calls, "decline:"+id)
	return nil
}
func (f *fakeLesson) CancelFile(id string) error { f.calls = append(f.calls, "cancel:"+id); return nil }

func (f *fakeLesson) SetCamera(on bool) error {
	f.calls = append(f.calls, "camera")
	if !on {
		return nil
	}
	return media.ErrPermissionDenied
}

func (f *fakeLesson) SetMicrophone(bool) error { f.calls = append(f.calls, "mic"); return nil }
func (f *fakeLesson) StartScreenShare() error  { f.calls = append(f.calls, "share"); return nil }
func (f *fakeLesson) StopScreenShare() error   { f.calls = append(f.calls, "unshare"); return nil }
func (f *fakeLesson) SetVirtualBackground(mode string) {
	f.calls = append(f.calls, "bg:"+mode)
}

func (f *fakeLesson) Draw(id string, data map[string]string) (webrtc.Element, error) {
	f.calls = append(f.calls, "draw:"+id+":"+data["shape"])
	return webrtc.Element{ID: id, Version: 1, Data: data}, nil
}

func (f *fakeLesson) Erase(id string) (webrtc.Element, error) {
	f.calls = append(f.calls, "erase:"+id)
	return webrtc.Element{ID: id, Version: 2, Deleted: true}, nil
}

func (f *fakeLesson) ClearBoard() error { f.calls = append(f.calls, "clear"); return nil }
func (f *fakeLesson) Reload() error     { f.calls = append(f.calls, "reload"); return nil }

func (f *fakeLesson) Leave() error {
	f.left = true
	return nil
}

func enter(c *Console, line string) tea.Cmd {
	c.input.SetValue(line)
	_, cmd := c.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestConsoleRoutesCommands(t *testing.T) {
	l := newFakeLesson()
	c := NewConsole(l)

	enter(c, "good morning")
	enter(c, "/share")
	enter(c, "/mic off")
	enter(c, "/bg blur")
	enter(c, "/draw r1 rect")
	enter(c, "/erase r1")
	enter(c, "/clear")
	enter(c, "/reload")
	enter(c, "/file notes.pdf")
	enter(c, "/decline f-1234")

	assert.Equal(t, []string{
		"chat:good morning", "share", "mic", "bg:blur", "draw:r1:rect", "erase:r1",
		"clear", "reload", "file:notes.pdf", "decline:f-123456789",
	}, l.calls)
	assert.Empty(t, c.input.Value())
	assert.False(t, l.left)
}

func TestConsoleShowsErrors(t *testing.T) {
	l := newFakeLesson()
	l.chatErr = errors.New("queue full")
	c := NewConsole(l)

	enter(c, "hello")
	enter(c, "/camera on")
	enter(c, "/bogus")

	out := strings.Join(c.lines, "\n")
	assert.Contains(t, out, "queue full")
	assert.Contains(t, out, media.ErrPermissionDenied.Error())
	assert.Contains(t, out, "unknown command /bogus")
}

func TestConsoleQuitLeaves(t *testing.T) {
	l := newFakeLesson()
	c := NewConsole(l)

	cmd := enter(c, "/quit")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, l.left)
	assert.Empty(t, c.View())
}

func TestConsoleAcceptsOfferByPrefix(t *testing.T) {
	l := newFakeLesson()
	c := NewConsole(l)

	offer := transfer.Session{FileID: "0f9e8d7c-aaaa", Name: "slides.pdf", Size: 2048, Direction: transfer.DirectionReceive, Status: transfer.StatusOffered}
	c.Update(eventMsg(session.Event{Kind: session.EventTransfer, Transfer: &transfer.Event{Kind: transfer.EventOffered, Transfer: offer}}))

	assert.Contains(t, c.lines[len(c.lines)-1], "/accept 0f9e8d7c")
	enter(c, "/accept 0f9e")
	assert.Equal(t, "0f9e8d7c-aaaa", l.accepted)
	assert.Contains(t, c.View(), "slides.pdf")
}

func TestConsoleQuitsWhenSessionCloses(t *testing.T) {
	l := newFakeLesson()
	c := NewConsole(l)

	_, cmd := c.Update(eventMsg(session.Event{Kind: session.EventClosed, Err: session.ErrRoomFull}))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.ErrorIs(t, c.err, session.ErrRoomFull)
	assert.False(t, l.left)
}

func TestDescribe(t *testing.T) {
	peer := &signaling.PeerInfo{PeerID: "bbbbbbbbbbbb", Role: signaling.RoleGuest}
	assert.Contains(t, Describe(session.Event{Kind: session.EventPeerJoined, Peer: peer}), "bbbbbbbb (guest) joined")
	assert.Contains(t, Describe(session.Event{Kind: session.EventChat, Chat: &session.ChatLine{Text: "hi"}}), "peer")
	assert.Empty(t, Describe(session.Event{Kind: session.EventNegotiation, State: negotiation.StateStable}))
	assert.Empty(t, Describe(session.Event{Kind: session.EventChannelOpen, Channel: webrtc.ChannelChat}))
}

func TestParticipantRows(t *testing.T) {
	snap := newFakeLesson().snap
	snap.Local = []media.TrackState{
		{Kind: pion.RTPCodecTypeVideo, Available: false},
		{Kind: pion.RTPCodecTypeAudio, Available: true, Enabled: true},
	}

	rows := ParticipantRows(snap)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"you", "teacher (host)", "unavailable", "on", "-", "-", "-"}, rows[0])
	assert.Equal(t, "waiting", rows[1][1])

	snap.Remote = &signaling.PeerInfo{PeerID: "cccccccccc", Role: signaling.RoleGuest}
	snap.RemoteMedia = session.RemoteMedia{
		Video:       webrtc.MediaStatePayload{Kind: "video", Reason: webrtc.ReasonDeviceUnavailable},
		Audio:       webrtc.MediaStatePayload{Kind: "audio", Enabled: true},
		ScreenShare: true,
		Quality:     "screen-high",
	}
	rows = ParticipantRows(snap)
	assert.Equal(t, []string{"peer", "cccccccc (guest)", webrtc.ReasonDeviceUnavailable, "on", "sharing", "-", "screen-high"}, rows[1])
}

func TestWriteSessionSummary(t *testing.T) {
	var buf bytes.Buffer
	WriteSessionSummary(&buf, SessionSummary{
		RoomID: "math-101",
		Status: "left",
		Stats: session.Stats{
			Builds:      2,
			Teardowns:   1,
			ChatsSent:   3,
			StartedAt:   time.Now().Add(-90 * time.Second),
			Negotiation: negotiation.Stats{Offers: 2, Answers: 2, Rollbacks: 1},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Lesson math-101")
	assert.Contains(t, out, "Connections built")
	assert.Contains(t, out, "3 / 0")
	assert.Contains(t, out, "1m 30s")
}
