package channels

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/webrtc"
	"github.com/BioHazard786/warpcall/internal/webrtc/webrtctest"
)

type recorder struct {
	mu          sync.Mutex
	undelivered []Undelivered
	allClosed   int
}

func (r *recorder) config(cfg Config) Config {
	cfg.OnUndelivered = func(u Undelivered) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.undelivered = append(r.undelivered, u)
	}
	cfg.OnAllClosed = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.allClosed++
	}
	return cfg
}

func (r *recorder) lost() []Undelivered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Undelivered(nil), r.undelivered...)
}

func (r *recorder) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allClosed
}

func chat(t *testing.T, m *Manager, id string) error {
	t.Helper()
	return m.Send(webrtc.ChannelChat, webrtc.MessageTypeChat, webrtc.ChatPayload{ID: id, Text: "hi " + id})
}

func collect(m *Manager, name string) chan string {
	out := make(chan string, 256)
	m.Handle(name, func(msg webrtc.Message) {
		var p webrtc.ChatPayload
		if err := msg.DecodePayload(&p); err == nil {
			out <- p.ID
		}
	})
	return out
}

func expect(t *testing.T, got chan string, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case id := <-got:
			require.Equal(t, w, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %s never arrived", w)
		}
	}
}

type pair struct {
	net    *webrtctest.Network
	ta, tb *webrtctest.Transport
}

// link opens a's channels on a fresh transport pair and connects it.
func link(t *testing.T, net *webrtctest.Network, a, b *Manager) pair {
	t.Helper()
	x, err := net.NewTransport()
	require.NoError(t, err)
	y, err := net.NewTransport()
	require.NoError(t, err)
	p := pair{net: net, ta: x.(*webrtctest.Transport), tb: y.(*webrtctest.Transport)}
	t.Cleanup(func() {
		p.ta.Close()
		p.tb.Close()
	})

	p.tb.OnDataChannel(b.Attach)
	require.NoError(t, a.Open(p.ta))
	require.NoError(t, webrtctest.Connect(p.ta, p.tb))
	return p
}

func waitOpen(t *testing.T, ms ...*Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, m := range ms {
			for _, name := range webrtc.Channels {
				if m.State(name) != StateOpen {
					return false
				}
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueuedMessagesDrainInOrderOnOpen(t *testing.T) {
	a, b := NewManager(Config{}), NewManager(Config{})
	got := collect(b, webrtc.ChannelChat)

	var ids []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("m%02d", i)
		ids = append(ids, id)
		require.NoError(t, chat(t, a, id))
	}
	assert.Equal(t, 50, a.Channel(webrtc.ChannelChat).Pending())
	assert.Equal(t, StateConnecting, a.State(webrtc.ChannelChat))

	link(t, webrtctest.NewNetwork(), a, b)
	expect(t, got, ids...)
	assert.Zero(t, a.Channel(webrtc.ChannelChat).Pending())
}

func TestQueueOverflowRejects(t *testing.T) {
	var rec recorder
	m := NewManager(rec.config(Config{QueueDepth: 2}))

	require.NoError(t, chat(t, m, "a"))
	require.NoError(t, chat(t, m, "b"))
	assert.ErrorIs(t, chat(t, m, "c"), ErrQueueFull)

	lost := rec.lost()
	require.Len(t, lost, 1)
	assert.Equal(t, webrtc.ChannelChat, lost[0].Channel)
	assert.ErrorIs(t, lost[0].Err, ErrQueueFull)

	var p webrtc.ChatPayload
	require.NoError(t, lost[0].Message.DecodePayload(&p))
	assert.Equal(t, "c", p.ID)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	var rec recorder
	a := NewManager(rec.config(Config{QueueDepth: 2, Policy: PolicyDropOldest}))
	b := NewManager(Config{})
	got := collect(b, webrtc.ChannelChat)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, chat(t, a, id))
	}
	lost := rec.lost()
	require.Len(t, lost, 1)
	var p webrtc.ChatPayload
	require.NoError(t, lost[0].Message.DecodePayload(&p))
	assert.Equal(t, "a", p.ID)

	link(t, webrtctest.NewNetwork(), a, b)
	expect(t, got, "b", "c")
}

func TestFailedSendIsRetried(t *testing.T) {
	a, b := NewManager(Config{RetryDelay: 10 * time.Millisecond}), NewManager(Config{})
	got := collect(b, webrtc.ChannelChat)
	p := link(t, webrtctest.NewNetwork(), a, b)
	waitOpen(t, a, b)

	p.ta.Channel(webrtc.ChannelChat).FailSends(2)
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, chat(t, a, id))
	}
	expect(t, got, "x", "y", "z")
}

func TestWaitForWindow(t *testing.T) {
	a, b := NewManager(Config{}), NewManager(Config{})
	p := link(t, webrtctest.NewNetwork(), a, b)
	waitOpen(t, a, b)

	ch := a.Channel(webrtc.ChannelFile)
	fake := p.ta.Channel(webrtc.ChannelFile)
	fake.Hold()

	payload := webrtc.ChunkPayload{FileID: "f", Data: make([]byte, 1024)}
	for i := 0; i < 8; i++ {
		require.NoError(t, a.Send(webrtc.ChannelFile, webrtc.MessageTypeFileChunk, payload))
	}
	require.Greater(t, ch.BufferedAmount(), uint64(4096))

	done := make(chan error, 1)
	go func() {
		done <- ch.WaitForWindow(context.Background(), 4096, 1024, 2*time.Second)
	}()

	select {
	case err := <-done:
		t.Fatalf("returned before the buffer drained: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	fake.Release()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("window never reopened")
	}
}

func TestFileBacklogDoesNotBlockChatOrControl(t *testing.T) {
	a, b := NewManager(Config{}), NewManager(Config{})
	got := collect(b, webrtc.ChannelChat)
	control := make(chan string, 4)
	b.Handle(webrtc.ChannelControl, func(msg webrtc.Message) { control <- msg.Type })
	p := link(t, webrtctest.NewNetwork(), a, b)
	waitOpen(t, a, b)

	file := p.ta.Channel(webrtc.ChannelFile)
	file.Hold()
	chunk := webrtc.ChunkPayload{FileID: "f", Data: make([]byte, 1024)}
	for i := 0; i < 64; i++ {
		require.NoError(t, a.Send(webrtc.ChannelFile, webrtc.MessageTypeFileChunk, chunk))
	}

	producer := make(chan error, 1)
	go func() {
		producer <- a.WaitForWindow(context.Background(), webrtc.ChannelFile, 4096, 1024, 2*time.Second)
	}()

	require.NoError(t, chat(t, a, "during-backlog"))
	require.NoError(t, a.Send(webrtc.ChannelControl, webrtc.MessageTypeQuality, webrtc.QualityPayload{Profile: "screen-low"}))
	expect(t, got, "during-backlog")
	select {
	case msgType := <-control:
		assert.Equal(t, webrtc.MessageTypeQuality, msgType)
	case <-time.After(2 * time.Second):
		t.Fatal("control message stuck behind the file backlog")
	}

	select {
	case err := <-producer:
		t.Fatalf("file producer resumed while its buffer is full: %v", err)
	default:
	}
	file.Release()
	require.NoError(t, <-producer)
}

func TestWaitForWindowTimesOutWithoutProgress(t *testing.T) {
	a, b := NewManager(Config{}), NewManager(Config{})
	p := link(t, webrtctest.NewNetwork(), a, b)
	waitOpen(t, a, b)

	p.ta.Channel(webrtc.ChannelFile).Hold()
	require.NoError(t, a.Send(webrtc.ChannelFile, webrtc.MessageTypeFileChunk,
		webrtc.ChunkPayload{FileID: "f", Data: make([]byte, 2048)}))

	err := a.Channel(webrtc.ChannelFile).WaitForWindow(context.Background(), 1024, 512, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrBufferTimeout)
}

func TestSingleClosedChannelIsRecreated(t *testing.T) {
	var rec recorder
	a := NewManager(rec.config(Config{RecreateDelay: 20 * time.Millisecond}))
	b := NewManager(Config{})
	got := collect(b, webrtc.ChannelChat)
	p := link(t, webrtctest.NewNetwork(), a, b)
	waitOpen(t, a, b)

	first := p.ta.Channel(webrtc.ChannelChat)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		return p.ta.Channel(webrtc.ChannelChat) != first
	}, 2*time.Second, 5*time.Millisecond)
	waitOpen(t, a, b)

	require.NoError(t, chat(t, a, "again"))
	expect(t, got, "again")
	assert.Zero(t, rec.closedCount())
}

func TestAllChannelsClosedFiresOnce(t *testing.T) {
	var rec recorder
	a := NewManager(rec.config(Config{RecreateDelay: 20 * time.Millisecond}))
	b := NewManager(Config{})
	p := link(t, webrtctest.NewNetwork(), a, b)
	waitOpen(t, a, b)

	require.NoError(t, p.tb.Close())
	require.Eventually(t, func() bool { return rec.closedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.closedCount())
	for _, name := range webrtc.Channels {
		assert.Equal(t, StateClosed, a.State(name))
	}
}

func TestDetachKeepsQueuesForNextTransport(t *testing.T) {
	a, b := NewManager(Config{}), NewManager(Config{})
	got := collect(b, webrtc.ChannelChat)
	net := webrtctest.NewNetwork()
	link(t, net, a, b)
	waitOpen(t, a, b)

	a.Detach()
	b.Detach()
	require.NoError(t, chat(t, a, "during-rebuild"))
	assert.Equal(t, 1, a.Channel(webrtc.ChannelChat).Pending())

	link(t, net, a, b)
	expect(t, got, "during-rebuild")
}

func TestCloseReportsQueuedMessages(t *testing.T) {
	var rec recorder
	m := NewManager(rec.config(Config{}))
	require.NoError(t, chat(t, m, "1"))
	require.NoError(t, chat(t, m, "2"))

	m.Close()
	lost := rec.lost()
	require.Len(t, lost, 2)
	for _, u := range lost {
		assert.ErrorIs(t, u.Err, ErrChannelClosed)
	}
	assert.ErrorIs(t, chat(t, m, "3"), ErrChannelClosed)
	assert.ErrorIs(t, m.Send("nope", webrtc.MessageTypeChat, nil), ErrUnknownChannel)
}

func TestUnknownLabelIsClosed(t *testing.T) {
	a, b := NewManager(Config{}), NewManager(Config{})
	p := link(t, webrtctest.NewNetwork(), a, b)
	waitOpen(t, a, b)

	_, err := p.ta.CreateDataChannel("bogus", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.ta.Channel("bogus").ReadyState() == pion.DataChannelStateClosed
	}, 2*time.Second, 5*time.Millisecond)
}
