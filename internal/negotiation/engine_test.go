package negotiation

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/webrtc/webrtctest"
)

type loop struct {
	tasks chan func()
	quit  chan struct{}
}

func newLoop(t *testing.T) *loop {
	l := &loop{tasks: make(chan func(), 1024), quit: make(chan struct{})}
	go func() {
		for {
			select {
			case f := <-l.tasks:
				f()
			case <-l.quit:
				return
			}
		}
	}()
	t.Cleanup(func() { close(l.quit) })
	return l
}

func (l *loop) dispatch(f func()) {
	select {
	case l.tasks <- f:
	case <-l.quit:
	}
}

func (l *loop) run(f func()) {
	done := make(chan struct{})
	l.dispatch(func() { f(); close(done) })
	<-done
}

// pipe delivers one side's signaling to the other, optionally held back.
type pipe struct {
	mu   sync.Mutex
	to   *peer
	hold bool
	held []func()
}

func (p *pipe) send(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hold {
		p.held = append(p.held, f)
		return
	}
	p.to.loop.dispatch(f)
}

func (p *pipe) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hold = false
	for _, f := range p.held {
		p.to.loop.dispatch(f)
	}
	p.held = nil
}

func (p *pipe) SendDescription(desc pion.SessionDescription, iceRestart bool) error {
	p.send(func() { _ = p.to.engine.HandleDescription(desc, iceRestart) })
	return nil
}

func (p *pipe) SendCandidate(c pion.ICECandidateInit) error {
	p.send(func() { _ = p.to.engine.HandleCandidate(c) })
	return nil
}

type peer struct {
	loop      *loop
	engine    *Engine
	transport *webrtctest.Transport
	out       *pipe
	lost      atomic.Int32
	connected atomic.Int32
}

func (p *peer) state() State {
	var s State
	p.loop.run(func() { s = p.engine.State() })
	return s
}

func (p *peer) stats() Stats {
	var s Stats
	p.loop.run(func() { s = p.engine.Stats() })
	return s
}

func newPeers(t *testing.T, net *webrtctest.Network, connect, window time.Duration) (impolite, polite *peer) {
	t.Helper()
	a, b := &peer{loop: newLoop(t)}, &peer{loop: newLoop(t)}
	a.out, b.out = &pipe{to: b}, &pipe{to: a}

	for _, p := range []*peer{a, b} {
		tr, err := net.NewTransport()
		require.NoError(t, err)
		p.transport = tr.(*webrtctest.Transport)
		p := p
		p.engine = New(Config{
			Transport:        tr,
			Signaler:         p.out,
			Polite:           p == b,
			ConnectTimeout:   connect,
			RestartWindow:    window,
			Dispatch:         p.loop.dispatch,
			OnConnected:      func() { p.connected.Add(1) },
			OnConnectionLost: func(error) { p.lost.Add(1) },
		})
		p.loop.run(p.engine.Start)
		t.Cleanup(func() {
			p.loop.run(p.engine.Close)
			tr.Close()
		})
	}
	return a, b
}

func waitStable(t *testing.T, peers ...*peer) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range peers {
			if p.state() != StateStable || p.connected.Load() == 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func TestImpoliteOfferConnects(t *testing.T) {
	a, b := newPeers(t, webrtctest.NewNetwork(), 5*time.Second, 5*time.Second)

	var err error
	a.loop.run(func() { err = a.engine.Negotiate() })
	require.NoError(t, err)
	waitStable(t, a, b)

	assert.Equal(t, 1, a.stats().Offers)
	assert.Equal(t, 1, b.stats().Answers)
	assert.Zero(t, a.lost.Load())
}

func TestSimultaneousOffersConverge(t *testing.T) {
	a, b := newPeers(t, webrtctest.NewNetwork(), 5*time.Second, 5*time.Second)
	a.out.hold, b.out.hold = true, true

	a.loop.run(func() { require.NoError(t, a.engine.Negotiate()) })
	b.loop.run(func() { require.NoError(t, b.engine.Negotiate()) })
	assert.Equal(t, StateOffering, a.state())
	assert.Equal(t, StateOffering, b.state())

	a.out.release()
	b.out.release()
	waitStable(t, a, b)

	assert.Equal(t, 1, a.stats().IgnoredOffers, "impolite side ignores the colliding offer")
	assert.Equal(t, 1, b.stats().Rollbacks, "polite side rolls back")
	assert.Equal(t, 1, b.stats().Answers)
	assert.Zero(t, a.stats().Answers)
	assert.Equal(t, 1, a.transport.Offers())
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	net := webrtctest.NewNetwork()
	a, b := newPeers(t, net, 5*time.Second, 5*time.Second)

	// hold a's traffic and replay the candidate ahead of the offer
	a.out.hold = true
	a.loop.run(func() { require.NoError(t, a.engine.Negotiate()) })
	require.Eventually(t, func() bool {
		a.out.mu.Lock()
		defer a.out.mu.Unlock()
		return len(a.out.held) == 2
	}, time.Second, 5*time.Millisecond)

	a.out.mu.Lock()
	a.out.held[0], a.out.held[1] = a.out.held[1], a.out.held[0]
	a.out.mu.Unlock()
	a.out.release()

	waitStable(t, a, b)
}

func TestRenegotiationDeferredUntilStable(t *testing.T) {
	a, b := newPeers(t, webrtctest.NewNetwork(), 5*time.Second, 5*time.Second)
	a.out.hold = true

	a.loop.run(func() {
		require.NoError(t, a.engine.Negotiate())
		require.NoError(t, a.engine.Negotiate())
	})
	assert.Equal(t, 1, a.stats().Offers)

	a.out.release()
	require.Eventually(t, func() bool { return a.stats().Offers == 2 }, 3*time.Second, 10*time.Millisecond)
	waitStable(t, a, b)
	assert.Equal(t, 2, b.stats().Answers)
}

func TestImpoliteRestartsICEAfterFailure(t *testing.T) {
	net := webrtctest.NewNetwork()
	a, b := newPeers(t, net, 5*time.Second, 5*time.Second)
	a.loop.run(func() { require.NoError(t, a.engine.Negotiate()) })
	waitStable(t, a, b)

	net.Fail(a.transport)
	net.Heal(a.transport)

	require.Eventually(t, func() bool {
		return a.transport.ConnectionState() == pion.PeerConnectionStateConnected &&
			b.transport.ConnectionState() == pion.PeerConnectionStateConnected
	}, 3*time.Second, 10*time.Millisecond)
	waitStable(t, a, b)

	assert.Equal(t, 1, a.stats().ICERestarts)
	assert.Zero(t, b.stats().ICERestarts)
	assert.Zero(t, a.lost.Load())
	assert.Zero(t, b.lost.Load())
}

func TestRestartWindowReportsLossOnce(t *testing.T) {
	net := webrtctest.NewNetwork()
	a, b := newPeers(t, net, 5*time.Second, 150*time.Millisecond)
	a.loop.run(func() { require.NoError(t, a.engine.Negotiate()) })
	waitStable(t, a, b)

	net.Fail(a.transport)

	require.Eventually(t, func() bool {
		return a.lost.Load() == 1 && b.lost.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.loop.run(a.engine.MarkUnstable)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), a.lost.Load())
	assert.Equal(t, int32(1), b.lost.Load())
}

func TestConnectTimeoutWithoutPeer(t *testing.T) {
	a, _ := newPeers(t, webrtctest.NewNetwork(), 100*time.Millisecond, time.Second)
	a.out.hold = true
	a.loop.run(func() { require.NoError(t, a.engine.Negotiate()) })

	require.Eventually(t, func() bool { return a.lost.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClosedEngineRejectsWork(t *testing.T) {
	a, _ := newPeers(t, webrtctest.NewNetwork(), time.Second, time.Second)
	a.loop.run(func() {
		a.engine.Close()
		assert.ErrorIs(t, a.engine.Negotiate(), ErrClosed)
		assert.ErrorIs(t, a.engine.HandleCandidate(pion.ICECandidateInit{}), ErrClosed)
		assert.Equal(t, StateClosed, a.engine.State())
	})
}

// flakySignaler fails the first n descriptions it is asked to send.
type flakySignaler struct {
	fail int
	sent int
}

func (f *flakySignaler) SendDescription(pion.SessionDescription, bool) error {
	if f.fail > 0 {
		f.fail--
		return errors.New("signaling stream down")
	}
	f.sent++
	return nil
}

func (f *flakySignaler) SendCandidate(pion.ICECandidateInit) error { return nil }

func TestUnsentOfferIsRolledBack(t *testing.T) {
	tr, err := webrtctest.NewNetwork().NewTransport()
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	l := newLoop(t)
	sig := &flakySignaler{fail: 1}
	e := New(Config{
		Transport:      tr,
		Signaler:       sig,
		ConnectTimeout: time.Second,
		RestartWindow:  time.Second,
		Dispatch:       l.dispatch,
	})

	var first, second error
	var afterFailure pion.SignalingState
	var state State
	l.run(func() {
		e.Start()
		first = e.Negotiate()
		afterFailure = tr.SignalingState()
		state = e.State()
		second = e.Negotiate()
	})
	t.Cleanup(func() { l.run(e.Close) })

	assert.Error(t, first)
	assert.Equal(t, pion.SignalingStateStable, afterFailure)
	assert.Equal(t, StateIdle, state)
	require.NoError(t, second)
	assert.Equal(t, 1, sig.sent, "the retry is a real offer, not a deferred one")
	assert.Equal(t, pion.SignalingStateHaveLocalOffer, tr.SignalingState())
}
