package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/channels"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/server"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/transfer"
	"github.com/BioHazard786/warpcall/internal/webrtc"
	"github.com/BioHazard786/warpcall/internal/webrtc/webrtctest"
)

// loopback is an in-process signaling link to a hub. Every Reconnect
// registers a fresh hub client, as a new websocket would.
type loopback struct {
	hub      *server.Hub
	incoming chan *signaling.Message
	quit     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	client *server.Client
	gate   chan struct{}
	fail   error
	closed bool
}

func dial(t *testing.T, hub *server.Hub) *loopback {
	t.Helper()
	l := &loopback{
		hub:      hub,
		incoming: make(chan *signaling.Message, 64),
		quit:     make(chan struct{}),
	}
	require.NoError(t, l.attach())
	return l
}

func (l *loopback) attach() error {
	c := server.NewClient(l.hub, nil, 64, config.Heartbeat{}, 0)
	c.Addr = fmt.Sprintf("loopback-%p", c)
	if !l.hub.Attach(c) {
		return errors.New("hub stopped")
	}
	l.mu.Lock()
	l.client = c
	l.mu.Unlock()

	l.wg.Add(1)
	go l.pump(c)
	return nil
}

func (l *loopback) pump(c *server.Client) {
	defer l.wg.Done()
	for msg := range c.Send {
		select {
		case l.incoming <- msg:
		case <-l.quit:
			return
		}
	}

	l.mu.Lock()
	current := l.client == c && !l.closed
	l.mu.Unlock()
	if current {
		select {
		case l.incoming <- &signaling.Message{Type: signaling.MessageTypeDisconnected}:
		case <-l.quit:
		}
	}
}

// drop makes the hub forget the client, like a dead websocket.
func (l *loopback) drop() {
	l.mu.Lock()
	c := l.client
	l.mu.Unlock()
	l.hub.Detach(c)
}

func (l *loopback) Incoming() <-chan *signaling.Message { return l.incoming }

func (l *loopback) SendMessage(msg *signaling.Message) error {
	l.mu.Lock()
	c, closed := l.client, l.closed
	l.mu.Unlock()
	if closed {
		return signaling.ErrClientClosed
	}
	if !l.hub.Dispatch(context.Background(), c, msg) {
		return signaling.ErrNotConnected
	}
	return nil
}

func (l *loopback) Reconnect(ctx context.Context) error {
	l.mu.Lock()
	gate, fail := l.gate, l.fail
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	return l.attach()
}

func (l *loopback) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	c := l.client
	l.mu.Unlock()

	close(l.quit)
	l.hub.Detach(c)
	l.wg.Wait()
	close(l.incoming)
}

type harness struct {
	hub *server.Hub
	net *webrtctest.Network
}

func newHarness(t *testing.T, access server.AccessValidator) *harness {
	t.Helper()
	hub := server.NewHub(access, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return &harness{hub: hub, net: webrtctest.NewNetwork()}
}

func (h *harness) session(t *testing.T, room string, opts ...func(*Config)) (*Session, *loopback) {
	t.Helper()
	lb := dial(t, h.hub)
	cfg := Config{
		RoomID:     room,
		Credential: "letmein",
		Signaling:  lb,
		Factory:    h.net,
		Timeouts: config.Timeouts{
			Connect:          5 * time.Second,
			ICERestartWindow: 5 * time.Second,
			Rejoin:           3 * time.Second,
			SendWindow:       5 * time.Second,
			SignalingOutage:  time.Second,
		},
		Transfer: transfer.Options{OutputDir: t.TempDir()},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Leave() })
	return s, lb
}

func (h *harness) join(t *testing.T, room string, opts ...func(*Config)) (*Session, *loopback) {
	t.Helper()
	s, lb := h.session(t, room, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Join(ctx))
	return s, lb
}

// paired reports whether a and b are connected to each other with every
// channel open.
func paired(a, b *Session) bool {
	x, y := a.Snapshot(), b.Snapshot()
	for _, snap := range []Snapshot{x, y} {
		if snap.Phase != PhaseConnected || snap.Negotiation != negotiation.StateStable || snap.Remote == nil || snap.Self == nil {
			return false
		}
		for _, name := range webrtc.Channels {
			if snap.Channels[name] != channels.StateOpen {
				return false
			}
		}
	}
	return x.Remote.PeerID == y.Self.PeerID && y.Remote.PeerID == x.Self.PeerID
}

func waitPaired(t *testing.T, a, b *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return paired(a, b) }, 5*time.Second, 20*time.Millisecond)
}

func TestPairReachesStableWithChannelsOpen(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, _ := h.join(t, "lesson-1")

	waitPaired(t, a, b)
	assert.False(t, a.Snapshot().Polite, "first occupant is impolite")
	assert.True(t, b.Snapshot().Polite)
	assert.Equal(t, 1, a.Stats().Negotiation.Offers)
	assert.Equal(t, 1, b.Stats().Negotiation.Answers)

	require.NoError(t, a.Leave())
	final := a.Snapshot()
	assert.Equal(t, PhaseClosed, final.Phase)
	assert.Equal(t, 1, final.Stats.Builds, "stats survive Leave")
	assert.Equal(t, 1, final.Stats.Negotiation.Offers)
}

func TestThirdParticipantIsTurnedAway(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, _ := h.join(t, "lesson-1")
	waitPaired(t, a, b)

	c, _ := h.session(t, "lesson-1")
	err := c.Join(context.Background())
	assert.ErrorIs(t, err, ErrRoomFull)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, paired(a, b))
	assert.Zero(t, a.Stats().Teardowns)
	assert.Zero(t, b.Stats().Teardowns)
}

func TestReloadRebuildsRemainingPeerOnce(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, _ := h.join(t, "lesson-1")
	waitPaired(t, a, b)

	oldID := b.Snapshot().Self.PeerID
	require.NoError(t, b.Reload())

	require.Eventually(t, func() bool {
		snap := b.Snapshot()
		return snap.Self != nil && snap.Self.PeerID != oldID
	}, 3*time.Second, 20*time.Millisecond)
	waitPaired(t, a, b)
	time.Sleep(200 * time.Millisecond)

	st := a.Stats()
	assert.Equal(t, 1, st.Teardowns)
	assert.Equal(t, 2, st.Builds)
	assert.LessOrEqual(t, a.Snapshot().RemoteViews, 2, "one remote track per kind")
	assert.Equal(t, 1, b.Stats().Rejoins)
}

func TestReplacementProcessRebuildsOnce(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, _ := h.join(t, "lesson-1")
	waitPaired(t, a, b)

	require.NoError(t, b.Leave())
	c, _ := h.join(t, "lesson-1")
	waitPaired(t, a, c)

	st := a.Stats()
	assert.Equal(t, 1, st.Teardowns)
	assert.Equal(t, 2, st.Builds)
}

func TestICEFailureRepairsWithOppositeRoles(t *testing.T) {
	short := func(c *Config) { c.Timeouts.ICERestartWindow = 300 * time.Millisecond }
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1", short)
	b, _ := h.join(t, "lesson-1", short)
	waitPaired(t, a, b)
	oldA, oldB := a.Snapshot().Self.PeerID, b.Snapshot().Self.PeerID

	transports := h.net.Transports()
	require.NotEmpty(t, transports)
	h.net.Fail(transports[0])

	// well inside the 5s connect timeout, so a stalled pair cannot recover
	// by timing out and trying again
	require.Eventually(t, func() bool {
		x, y := a.Snapshot(), b.Snapshot()
		if x.Self == nil || y.Self == nil || (x.Self.PeerID == oldA && y.Self.PeerID == oldB) {
			return false
		}
		return paired(a, b)
	}, 4*time.Second, 20*time.Millisecond)
	assert.NotEqual(t, a.Snapshot().Polite, b.Snapshot().Polite)
}

func TestStaleMembershipNoticesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, lb := h.join(t, "lesson-1")
	waitPaired(t, a, b)
	remote := *b.Snapshot().Remote
	self := b.Snapshot().Self.PeerID

	notice := func(msgType, to string) *signaling.Message {
		msg, err := signaling.NewMessage(msgType, remote)
		require.NoError(t, err)
		msg.To = to
		return msg
	}
	lb.incoming <- notice(signaling.MessageTypePeerJoined, "an-earlier-id")
	lb.incoming <- notice(signaling.MessageTypePeerLeft, "an-earlier-id")
	lb.incoming <- notice(signaling.MessageTypePeerJoined, self)

	time.Sleep(200 * time.Millisecond)
	assert.True(t, paired(a, b))
	assert.Zero(t, b.Stats().Teardowns)
	assert.True(t, b.Snapshot().Polite, "a repeated peer-joined keeps the role")
}

func TestDeniedDevicesStillNegotiateBothKinds(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, _ := h.join(t, "lesson-1")
	waitPaired(t, a, b)

	for _, tr := range h.net.Transports() {
		var kinds []pion.RTPCodecType
		for _, s := range tr.Senders() {
			kinds = append(kinds, s.Track().Kind())
		}
		assert.ElementsMatch(t, []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo}, kinds)
	}

	require.Eventually(t, func() bool {
		v := b.Snapshot().RemoteMedia.Video
		return v.Kind == "video" && !v.Enabled && v.Reason == webrtc.ReasonDeviceUnavailable
	}, 3*time.Second, 20*time.Millisecond)

	assert.ErrorIs(t, a.SetCamera(true), media.ErrDeviceUnavailable)
	for _, tr := range a.Snapshot().Local {
		assert.True(t, tr.Synthetic)
	}
}

func TestChatQueuedBeforeOpenArrivesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")

	var want []string
	for i := 0; i < 50; i++ {
		text := fmt.Sprintf("message %02d", i)
		_, err := a.SendChat(text)
		require.NoError(t, err)
		want = append(want, text)
	}

	b, _ := h.join(t, "lesson-1")
	require.Eventually(t, func() bool { return len(b.History()) == 50 }, 5*time.Second, 20*time.Millisecond)

	var got []string
	for _, line := range b.History() {
		assert.False(t, line.Local)
		got = append(got, line.Text)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 50, a.Stats().ChatsSent)
}

func TestWhiteboardSceneReachesNewParticipant(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, _ := h.join(t, "lesson-1")
	waitPaired(t, a, b)

	_, err := a.Draw("rect-1", map[string]string{"shape": "rect"})
	require.NoError(t, err)
	_, err = a.Draw("rect-1", map[string]string{"shape": "rect", "x": "10"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		scene := b.Board()
		return len(scene) == 1 && scene[0].Version == 2
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, b.Leave())
	c, _ := h.join(t, "lesson-1")
	require.Eventually(t, func() bool {
		scene := c.Board()
		return len(scene) == 1 && scene[0].Data["x"] == "10"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.ClearBoard())
	require.Eventually(t, func() bool { return len(a.Board()) == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestFileTransferBetweenParticipants(t *testing.T) {
	h := newHarness(t, nil)
	out := t.TempDir()
	a, _ := h.join(t, "lesson-1", func(c *Config) { c.Transfer.ChunkSize = 1024 })
	b, _ := h.join(t, "lesson-1", func(c *Config) {
		c.Transfer.OutputDir = out
		c.Transfer.AutoAccept = true
	})
	waitPaired(t, a, b)

	data := bytes.Repeat([]byte("lesson notes "), 1000)
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, data, 0644))

	sent, err := a.SendFile(path)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := a.transfers.Get(sent.FileID)
		return ok && s.Status == transfer.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(out, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	st := b.Stats()
	assert.Equal(t, uint64(len(data)), st.BytesReceived)
}

func TestAccessDeniedIsTerminal(t *testing.T) {
	access := server.NewStaticAccess(map[string][]config.Grant{
		"lesson-1": {{Credential: "tutor-secret", Role: "host"}},
	})
	h := newHarness(t, access)

	s, _ := h.session(t, "lesson-1")
	err := s.Join(context.Background())
	assert.ErrorIs(t, err, ErrAccessDenied)
	<-s.Done()

	ok, _ := h.session(t, "lesson-1", func(c *Config) { c.Credential = "tutor-secret" })
	require.NoError(t, ok.Join(context.Background()))
	assert.Equal(t, signaling.RoleHost, ok.Snapshot().Self.Role)
}

func TestSignalingDropRejoinsWithFreshID(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, lb := h.join(t, "lesson-1")
	waitPaired(t, a, b)

	oldID := b.Snapshot().Self.PeerID
	lb.drop()

	require.Eventually(t, func() bool {
		snap := b.Snapshot()
		return snap.Self != nil && snap.Self.PeerID != oldID
	}, 3*time.Second, 20*time.Millisecond)
	waitPaired(t, a, b)

	assert.Equal(t, 1, b.Stats().Rejoins)
	assert.Equal(t, 1, a.Stats().Teardowns)
}

// departedPeers reads the session's departed set on its own loop.
func departedPeers(s *Session) int {
	n := make(chan int, 1)
	s.inbox.post(func() { n <- len(s.departed) })
	return <-n
}

func TestRejoinForgetsDepartedPeers(t *testing.T) {
	h := newHarness(t, nil)
	a, la := h.join(t, "lesson-1")
	b, lb := h.join(t, "lesson-1")
	waitPaired(t, a, b)

	lb.drop()
	require.Eventually(t, func() bool { return departedPeers(a) == 1 }, 3*time.Second, 20*time.Millisecond)
	waitPaired(t, a, b)

	oldID := a.Snapshot().Self.PeerID
	la.drop()
	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.Self != nil && snap.Self.PeerID != oldID
	}, 3*time.Second, 20*time.Millisecond)
	waitPaired(t, a, b)
	assert.Zero(t, departedPeers(a))
}

func TestSignalingOutageEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, lb := h.join(t, "lesson-1")
	waitPaired(t, a, b)

	lb.mu.Lock()
	lb.fail = errors.New("dial tcp: connection refused")
	lb.mu.Unlock()
	lb.drop()

	select {
	case <-b.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not give up")
	}
	assert.ErrorIs(t, b.Err(), signaling.ErrSignalingUnavailable)

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.Remote == nil && snap.Phase == PhaseWaiting
	}, 3*time.Second, 20*time.Millisecond)
}

// squat takes a free slot with a bare hub client.
func squat(t *testing.T, hub *server.Hub, room string) *server.Client {
	t.Helper()
	c := server.NewClient(hub, nil, 16, config.Heartbeat{}, 0)
	require.True(t, hub.Attach(c))
	msg, _ := signaling.NewMessage(signaling.MessageTypeJoin, signaling.JoinPayload{Credential: "x"})
	msg.RoomID, msg.PeerID = room, "squatter"
	hub.Dispatch(context.Background(), c, msg)

	select {
	case reply := <-c.Send:
		require.Equal(t, signaling.MessageTypeJoined, reply.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("squatter not admitted")
	}
	return c
}

func TestRoomFullWhileRejoiningIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, lb := h.join(t, "lesson-1")
	waitPaired(t, a, b)

	gate := make(chan struct{})
	lb.mu.Lock()
	lb.gate = gate
	lb.mu.Unlock()
	lb.drop()

	// the slot b held is taken before b is back
	require.Eventually(t, func() bool { return a.Snapshot().Remote == nil }, 3*time.Second, 20*time.Millisecond)
	x := squat(t, h.hub, "lesson-1")
	close(gate)

	time.AfterFunc(400*time.Millisecond, func() { h.hub.Detach(x) })
	waitPaired(t, a, b)
	assert.Equal(t, 1, b.Stats().Rejoins)
}

func TestRoomFullWhileRejoiningGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, "lesson-1")
	b, lb := h.join(t, "lesson-1", func(c *Config) { c.Timeouts.Rejoin = 300 * time.Millisecond })
	waitPaired(t, a, b)

	gate := make(chan struct{})
	lb.mu.Lock()
	lb.gate = gate
	lb.mu.Unlock()
	lb.drop()

	require.Eventually(t, func() bool { return a.Snapshot().Remote == nil }, 3*time.Second, 20*time.Millisecond)
	squat(t, h.hub, "lesson-1")
	close(gate)

	select {
	case <-b.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("rejoin did not time out")
	}
	assert.ErrorIs(t, b.Err(), ErrRoomFull)
}

func TestLeaveBeforeJoin(t *testing.T) {
	h := newHarness(t, nil)
	s, _ := h.session(t, "lesson-1")
	require.NoError(t, s.Leave())
	assert.ErrorIs(t, s.Join(context.Background()), errAlreadyStarted)
	_, err := s.SendChat("hi")
	assert.ErrorIs(t, err, ErrClosed)
}
